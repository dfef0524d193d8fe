// Package keygen derives the date-partitioned object keys used to stage
// batches in the object store.
package keygen

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the pipeline stage an object key belongs to.
type Stage int

const (
	// StageRaw holds batches as uploaded from the local input file.
	StageRaw Stage = iota + 1
	// StageProcessed holds cleaned batches written by the transform stage.
	StageProcessed
)

// String returns the stage tag used in object keys.
func (s Stage) String() string {
	switch s {
	case StageRaw:
		return "raw"
	case StageProcessed:
		return "processed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	return s == StageRaw || s == StageProcessed
}

// ParseStage converts a stage tag back to a Stage.
func ParseStage(tag string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "raw":
		return StageRaw, nil
	case "processed":
		return StageProcessed, nil
	default:
		return 0, fmt.Errorf("unknown stage %q", tag)
	}
}

// GenerateKey returns <stage>/json/<yyyy>/<mm>/<dd>/<stage>_logs.json for
// the UTC date of now. Two calls on the same day yield the same key.
// It panics if stage is not a defined Stage.
func GenerateKey(stage Stage, now time.Time) string {
	if !stage.Valid() {
		panic(fmt.Sprintf("keygen: invalid stage %d", int(stage)))
	}
	now = now.UTC()
	return fmt.Sprintf("%s/json/%04d/%02d/%02d/%s_logs.json",
		stage, now.Year(), int(now.Month()), now.Day(), stage)
}

// Generator produces keys against a clock.
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a Generator reading the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock returns a Generator reading the given clock.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Key returns the key for stage at the current clock time.
func (g *Generator) Key(stage Stage) string {
	return GenerateKey(stage, g.now())
}
