// Package transform turns a raw user-action batch into the flat processed
// batch: metadata flattened, invalid rows dropped, timestamps normalized.
package transform

import (
	"log/slog"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/actionlog/actionlog/pkg/types"
)

const metadataField = "metadata"

// Stats counts what happened to the records of one batch.
type Stats struct {
	// RecordsIn is the number of records in the raw batch
	RecordsIn int `json:"records_in"`

	// MissingRequired is the number of records dropped for a null or absent
	// user_id or action_type
	MissingRequired int `json:"missing_required"`

	// InvalidTimestamp is the number of records dropped because their
	// timestamp could not be parsed
	InvalidTimestamp int `json:"invalid_timestamp"`

	// TimestampMissing is set when no record carried a timestamp attribute,
	// in which case normalization was skipped
	TimestampMissing bool `json:"timestamp_missing"`

	// RecordsOut is the number of processed events produced
	RecordsOut int `json:"records_out"`
}

// Dropped returns the number of records removed.
func (s Stats) Dropped() int {
	return s.MissingRequired + s.InvalidTimestamp
}

// Transform parses raw as a JSON array of event objects and returns the
// processed batch. Empty input yields an empty batch. A malformed document
// fails with a MALFORMED_INPUT error.
func Transform(raw []byte, logger *slog.Logger) ([]types.ProcessedEvent, Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	records, err := types.DecodeRecords(raw)
	if err != nil {
		return nil, Stats{}, perrors.NewMalformedInputError(perrors.CodeInvalidJSON, "raw batch is not a JSON array of objects", err)
	}

	stats := Stats{RecordsIn: len(records)}
	if len(records) == 0 {
		logger.Warn("raw batch is empty, skipping transformation")
		return []types.ProcessedEvent{}, stats, nil
	}

	normalize := hasField(records, types.ColumnTimestamp)
	if !normalize {
		stats.TimestampMissing = true
		logger.Warn("timestamp attribute missing from every record, skipping timestamp normalization")
	}

	events := make([]types.ProcessedEvent, 0, len(records))
	for _, rec := range records {
		ev := types.ProcessedEvent{
			UserID:     types.Scalar(rec[types.ColumnUserID]),
			ActionType: types.Scalar(rec[types.ColumnActionType]),
			Device:     types.Scalar(rec[types.ColumnDevice]),
			Location:   types.Scalar(rec[types.ColumnLocation]),
		}
		flattenMetadata(&ev, rec[metadataField])

		if ev.UserID == nil || ev.ActionType == nil {
			stats.MissingRequired++
			continue
		}

		if normalize {
			ts, ok := types.CoerceTimestamp(rec[types.ColumnTimestamp])
			if !ok {
				stats.InvalidTimestamp++
				continue
			}
			ev.Timestamp = types.Ptr(types.FormatTimestamp(ts))
		}

		events = append(events, ev)
	}

	stats.RecordsOut = len(events)
	logger.Info("transformation complete",
		"records_in", stats.RecordsIn,
		"missing_required", stats.MissingRequired,
		"invalid_timestamp", stats.InvalidTimestamp,
		"records_out", stats.RecordsOut,
	)
	return events, stats, nil
}

// flattenMetadata copies device and location out of a nested metadata
// object. Metadata values take precedence over top-level ones; other
// metadata keys are discarded.
func flattenMetadata(ev *types.ProcessedEvent, meta interface{}) {
	m, ok := meta.(map[string]interface{})
	if !ok {
		return
	}
	if v, ok := m[types.ColumnDevice]; ok {
		ev.Device = types.Scalar(v)
	}
	if v, ok := m[types.ColumnLocation]; ok {
		ev.Location = types.Scalar(v)
	}
}

func hasField(records []map[string]interface{}, field string) bool {
	for _, rec := range records {
		if _, ok := rec[field]; ok {
			return true
		}
	}
	return false
}
