package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// TimestampLayout is the canonical processed timestamp format: UTC, second
// precision, literal Z.
const TimestampLayout = "2006-01-02T15:04:05Z"

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
}

// ParseTimestamp parses a loosely formatted timestamp into a UTC instant
// truncated to the second.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidTimestamp)
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// CoerceTimestamp parses a decoded JSON value as a timestamp. Strings go
// through ParseTimestamp. Numbers are Unix epochs whose unit is picked by
// magnitude: seconds below 1e11, then milliseconds, microseconds and
// nanoseconds. Any value that cannot be parsed, or that lands outside years
// 0000-9999, yields ok=false instead of an error.
func CoerceTimestamp(v interface{}) (t time.Time, ok bool) {
	switch val := v.(type) {
	case string:
		parsed, err := ParseTimestamp(val)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return unixEpochInt(i)
		}
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return unixEpoch(f)
	default:
		return time.Time{}, false
	}
}

// epochUnits maps an upper magnitude bound to the divisor that turns the
// value into seconds.
var epochUnits = []struct {
	below   int64
	divisor int64
}{
	{1e11, 1},            // seconds
	{1e14, 1e3},          // milliseconds
	{1e17, 1e6},          // microseconds
	{math.MaxInt64, 1e9}, // nanoseconds
}

func unixEpochInt(i int64) (time.Time, bool) {
	if i == math.MinInt64 {
		return time.Time{}, false
	}
	abs := i
	if abs < 0 {
		abs = -abs
	}
	for _, u := range epochUnits {
		if abs < u.below {
			sec := i / u.divisor
			if i%u.divisor < 0 {
				sec--
			}
			return inYearRange(time.Unix(sec, 0).UTC())
		}
	}
	return inYearRange(time.Unix(i/1e9, 0).UTC())
}

func unixEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	abs := math.Abs(f)
	for _, u := range epochUnits[:len(epochUnits)-1] {
		if abs < float64(u.below) {
			return inYearRange(time.Unix(int64(math.Floor(f/float64(u.divisor))), 0).UTC())
		}
	}
	if abs < 1e20 {
		return inYearRange(time.Unix(int64(math.Floor(f/1e9)), 0).UTC())
	}
	return time.Time{}, false
}

func inYearRange(t time.Time) (time.Time, bool) {
	if t.Year() < 0 || t.Year() > 9999 {
		return time.Time{}, false
	}
	return t, true
}

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
