// Package seed generates synthetic raw action-log batches, optionally with
// defective records, for local runs and tests.
package seed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// Defect is a kind of deliberately broken record.
type Defect string

const (
	DefectNullUserID       Defect = "null_user_id"
	DefectMissingAction    Defect = "missing_action_type"
	DefectInvalidTimestamp Defect = "invalid_timestamp"
	DefectDuplicate        Defect = "duplicate"
	DefectNoMetadata       Defect = "no_metadata"
)

var allDefects = []Defect{
	DefectNullUserID,
	DefectMissingAction,
	DefectInvalidTimestamp,
	DefectDuplicate,
	DefectNoMetadata,
}

var (
	actionTypes = []string{"login", "logout", "click", "view", "scroll", "purchase", "search", "add_to_cart"}
	devices     = []string{"mobile", "desktop", "tablet"}
)

// Options controls generation.
type Options struct {
	// Count is the number of records to emit
	Count int

	// Users bounds the user id space, so users repeat across records
	Users int

	// DefectRate is the share of records, 0 to 1, that carry a defect
	DefectRate float64

	// Seed makes output reproducible; 0 picks a random seed
	Seed int64

	// Start and Span bound the generated timestamps
	Start time.Time
	Span  time.Duration
}

// DefaultOptions returns options for a small clean day of events.
func DefaultOptions() Options {
	return Options{
		Count: 100,
		Users: 20,
		Start: time.Now().UTC().Truncate(24 * time.Hour),
		Span:  24 * time.Hour,
	}
}

// Metadata is the nested attribute object of a raw record.
type Metadata struct {
	Device   string `json:"device"`
	Location string `json:"location"`
}

// RawEvent is one record in the raw input format. A nil UserID renders as
// null and a nil ActionType is omitted.
type RawEvent struct {
	UserID     *int      `json:"user_id"`
	ActionType *string   `json:"action_type,omitempty"`
	Timestamp  string    `json:"timestamp"`
	Metadata   *Metadata `json:"metadata,omitempty"`
}

// Summary counts what Generate produced.
type Summary struct {
	Records int            `json:"records"`
	Defects map[Defect]int `json:"defects"`
}

// Generate builds a raw batch.
func Generate(opts Options) ([]RawEvent, Summary, error) {
	if opts.Count < 0 {
		return nil, Summary{}, fmt.Errorf("count must not be negative: %d", opts.Count)
	}
	if opts.DefectRate < 0 || opts.DefectRate > 1 {
		return nil, Summary{}, fmt.Errorf("defect rate must be between 0 and 1: %g", opts.DefectRate)
	}
	if opts.Users <= 0 {
		opts.Users = 20
	}
	if opts.Span <= 0 {
		opts.Span = 24 * time.Hour
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Truncate(24 * time.Hour)
	}

	f := gofakeit.New(opts.Seed)
	summary := Summary{Records: opts.Count, Defects: make(map[Defect]int)}
	events := make([]RawEvent, 0, opts.Count)

	// duplicates copy the last clean record so each defect stays countable
	var lastClean RawEvent
	for i := 0; i < opts.Count; i++ {
		if i > 0 && f.Float64Range(0, 1) < opts.DefectRate {
			defect := allDefects[f.Number(0, len(allDefects)-1)]
			events = append(events, applyDefect(f, defect, lastClean, newEvent(f, opts)))
			summary.Defects[defect]++
			continue
		}
		lastClean = newEvent(f, opts)
		events = append(events, lastClean)
	}

	return events, summary, nil
}

func newEvent(f *gofakeit.Faker, opts Options) RawEvent {
	userID := f.Number(1, opts.Users)
	action := f.RandomString(actionTypes)
	offset := time.Duration(f.Float64Range(0, float64(opts.Span))).Truncate(time.Second)
	return RawEvent{
		UserID:     &userID,
		ActionType: &action,
		Timestamp:  opts.Start.Add(offset).UTC().Format(time.RFC3339),
		Metadata: &Metadata{
			Device:   f.RandomString(devices),
			Location: f.City(),
		},
	}
}

func applyDefect(f *gofakeit.Faker, defect Defect, prev, ev RawEvent) RawEvent {
	switch defect {
	case DefectNullUserID:
		ev.UserID = nil
	case DefectMissingAction:
		ev.ActionType = nil
	case DefectInvalidTimestamp:
		ev.Timestamp = f.RandomString([]string{"invalid_timestamp", "yesterday", "2025-13-45T99:00:00Z", ""})
	case DefectDuplicate:
		return prev
	case DefectNoMetadata:
		ev.Metadata = nil
	}
	return ev
}

// Encode renders events as an indented JSON array.
func Encode(events []RawEvent) ([]byte, error) {
	if events == nil {
		events = []RawEvent{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return data, nil
}

// WriteFile generates a batch and writes it to path.
func WriteFile(path string, opts Options) (Summary, error) {
	events, summary, err := Generate(opts)
	if err != nil {
		return Summary{}, err
	}
	data, err := Encode(events)
	if err != nil {
		return Summary{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Summary{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return Summary{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return summary, nil
}
