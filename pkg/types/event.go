// Package types provides the record types shared by the actionlog pipeline stages.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Column names of the processed batch, in schema order.
const (
	ColumnUserID     = "user_id"
	ColumnActionType = "action_type"
	ColumnTimestamp  = "timestamp"
	ColumnDevice     = "device"
	ColumnLocation   = "location"
)

// ProcessedColumns lists the processed batch columns in schema order.
var ProcessedColumns = []string{
	ColumnUserID,
	ColumnActionType,
	ColumnTimestamp,
	ColumnDevice,
	ColumnLocation,
}

// ProcessedEvent is one row of the processed batch written by the transform
// stage and read back by the load stage. A nil field is a JSON null.
type ProcessedEvent struct {
	// UserID identifies the user who performed the action
	UserID *string `json:"user_id"`

	// ActionType names the action (e.g. "click", "scroll")
	ActionType *string `json:"action_type"`

	// Timestamp is the UTC instant formatted with TimestampLayout
	Timestamp *string `json:"timestamp"`

	// Device is the client device, when known
	Device *string `json:"device"`

	// Location is the client location, when known
	Location *string `json:"location"`
}

// Cells returns the column values in ProcessedColumns order.
func (e ProcessedEvent) Cells() []*string {
	return []*string{e.UserID, e.ActionType, e.Timestamp, e.Device, e.Location}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// EncodeBatch serializes a processed batch as an indented JSON array.
// A nil or empty batch encodes as "[]".
func EncodeBatch(events []ProcessedEvent) ([]byte, error) {
	if events == nil {
		events = []ProcessedEvent{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// DecodeBatch parses a JSON array of processed records. Empty input yields an
// empty batch. Scalar values in string columns are coerced to strings so that
// files written by other tools (numeric user ids) still load.
func DecodeBatch(data []byte) ([]ProcessedEvent, error) {
	records, err := DecodeRecords(data)
	if err != nil {
		return nil, err
	}

	events := make([]ProcessedEvent, 0, len(records))
	for _, rec := range records {
		events = append(events, ProcessedEvent{
			UserID:     Scalar(rec[ColumnUserID]),
			ActionType: Scalar(rec[ColumnActionType]),
			Timestamp:  Scalar(rec[ColumnTimestamp]),
			Device:     Scalar(rec[ColumnDevice]),
			Location:   Scalar(rec[ColumnLocation]),
		})
	}
	return events, nil
}

// DecodeRecords parses a JSON array of objects into attribute maps. Numbers are
// kept as json.Number. Empty input and a literal null yield no records.
func DecodeRecords(data []byte) ([]map[string]interface{}, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var items []interface{}
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode json array: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode json array: unexpected data after top-level array")
	}

	records := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("decode json array: element %d is %T, want object", i, item)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Scalar coerces a value decoded by DecodeRecords into an optional string.
// Strings are returned as-is, json.Number and booleans are formatted, and
// null, objects and arrays yield nil.
func Scalar(v interface{}) *string {
	switch val := v.(type) {
	case string:
		return &val
	case json.Number:
		s := val.String()
		return &s
	case bool:
		s := strconv.FormatBool(val)
		return &s
	default:
		return nil
	}
}
