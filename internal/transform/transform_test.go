package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	perrors "github.com/actionlog/actionlog/internal/errors"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const rawBatch = `
[
    {
        "user_id": 1,
        "action_type": "click",
        "timestamp": "2025-07-15T10:15:30Z",
        "metadata": {"device": "mobile", "location": "Berlin"}
    },
    {
        "user_id": null,
        "action_type": "view",
        "timestamp": "2025-07-15T11:00:00Z",
        "metadata": {"device": "mobile", "location": "Berlin"}
    },
    {
        "user_id": 2,
        "action_type": null,
        "timestamp": "invalid_timestamp",
        "metadata": {"device": "mobile", "location": "Berlin"}
    },
    {
        "user_id": 3,
        "action_type": "scroll",
        "timestamp": "2025-07-15T12:30:00Z"
    }
]`

func str(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func TestTransform_Scenario(t *testing.T) {
	events, stats, err := Transform([]byte(rawBatch), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	first := events[0]
	if str(first.UserID) != "1" || str(first.ActionType) != "click" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if str(first.Timestamp) != "2025-07-15T10:15:30Z" {
		t.Errorf("timestamp = %s, want 2025-07-15T10:15:30Z", str(first.Timestamp))
	}
	if str(first.Device) != "mobile" || str(first.Location) != "Berlin" {
		t.Errorf("metadata not flattened: device=%s location=%s", str(first.Device), str(first.Location))
	}

	second := events[1]
	if str(second.UserID) != "3" || str(second.Timestamp) != "2025-07-15T12:30:00Z" {
		t.Errorf("unexpected second event: %+v", second)
	}
	if second.Device != nil || second.Location != nil {
		t.Errorf("expected null device/location for user 3, got %s/%s", str(second.Device), str(second.Location))
	}

	if stats.RecordsIn != 4 || stats.MissingRequired != 2 || stats.RecordsOut != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTransform_Empty(t *testing.T) {
	for _, in := range []string{"", "[]", "  \n"} {
		events, stats, err := Transform([]byte(in), nil)
		if err != nil {
			t.Fatalf("Transform(%q) failed: %v", in, err)
		}
		if len(events) != 0 || stats.RecordsIn != 0 {
			t.Errorf("Transform(%q) expected empty result, got %d events", in, len(events))
		}
	}
}

func TestTransform_MalformedJSON(t *testing.T) {
	_, _, err := Transform([]byte(`[{"user_id": 1,`), nil)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if perrors.GetCategory(err) != perrors.ErrCategoryMalformedInput {
		t.Errorf("category = %s, want MALFORMED_INPUT", perrors.GetCategory(err))
	}
	if perrors.GetCode(err) != perrors.CodeInvalidJSON {
		t.Errorf("code = %s, want %s", perrors.GetCode(err), perrors.CodeInvalidJSON)
	}
}

func TestTransform_InvalidTimestampDropped(t *testing.T) {
	raw := `[
		{"user_id": "a", "action_type": "click", "timestamp": "not a time"},
		{"user_id": "b", "action_type": "click", "timestamp": null},
		{"user_id": "c", "action_type": "click", "timestamp": "2025-07-15 10:15:30.999"}
	]`

	events, stats, err := Transform([]byte(raw), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(events) != 1 || str(events[0].UserID) != "c" {
		t.Fatalf("expected only user c, got %+v", events)
	}
	if str(events[0].Timestamp) != "2025-07-15T10:15:30Z" {
		t.Errorf("sub-seconds should be truncated, got %s", str(events[0].Timestamp))
	}
	if stats.InvalidTimestamp != 2 {
		t.Errorf("InvalidTimestamp = %d, want 2", stats.InvalidTimestamp)
	}
}

func TestTransform_NumericEpochUnits(t *testing.T) {
	raw := `[
		{"user_id": "s", "action_type": "click", "timestamp": 1752574530},
		{"user_id": "ms", "action_type": "click", "timestamp": 1752574530000},
		{"user_id": "us", "action_type": "click", "timestamp": 1752574530000000},
		{"user_id": "ns", "action_type": "click", "timestamp": 1752574530000000000},
		{"user_id": "neg", "action_type": "click", "timestamp": -1e12},
		{"user_id": "huge", "action_type": "click", "timestamp": 1e30}
	]`

	events, stats, err := Transform([]byte(raw), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for _, ev := range events[:4] {
		if str(ev.Timestamp) != "2025-07-15T10:15:30Z" {
			t.Errorf("user %s: timestamp = %s, want 2025-07-15T10:15:30Z", str(ev.UserID), str(ev.Timestamp))
		}
	}
	if str(events[4].Timestamp) != "1938-04-24T22:13:20Z" {
		t.Errorf("negative epoch = %s, want 1938-04-24T22:13:20Z", str(events[4].Timestamp))
	}
	if stats.InvalidTimestamp != 1 {
		t.Errorf("InvalidTimestamp = %d, want 1", stats.InvalidTimestamp)
	}
}

func TestTransform_NoTimestampAttribute(t *testing.T) {
	raw := `[{"user_id": "a", "action_type": "click", "device": "desktop"}]`

	events, stats, err := Transform([]byte(raw), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if !stats.TimestampMissing {
		t.Error("expected TimestampMissing to be set")
	}
	if len(events) != 1 {
		t.Fatalf("expected row to be kept, got %d", len(events))
	}
	if events[0].Timestamp != nil {
		t.Errorf("expected null timestamp, got %s", str(events[0].Timestamp))
	}
	if str(events[0].Device) != "desktop" || events[0].Location != nil {
		t.Errorf("unexpected device/location: %s/%s", str(events[0].Device), str(events[0].Location))
	}
}

func TestTransform_MetadataOverridesTopLevel(t *testing.T) {
	raw := `[{"user_id": "a", "action_type": "click", "timestamp": 1752574530,
		"device": "desktop", "location": "Paris",
		"metadata": {"device": "tablet", "browser": "firefox"}}]`

	events, _, err := Transform([]byte(raw), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	ev := events[0]
	if str(ev.Device) != "tablet" {
		t.Errorf("device = %s, want tablet", str(ev.Device))
	}
	if str(ev.Location) != "Paris" {
		t.Errorf("location = %s, want Paris", str(ev.Location))
	}
	if str(ev.Timestamp) != "2025-07-15T10:15:30Z" {
		t.Errorf("numeric timestamp = %s, want 2025-07-15T10:15:30Z", str(ev.Timestamp))
	}
}

func TestTransform_NonScalarIDsAreMissing(t *testing.T) {
	raw := `[
		{"user_id": {"id": 1}, "action_type": "click", "timestamp": "2025-07-15T10:15:30Z"},
		{"user_id": [1], "action_type": "click", "timestamp": "2025-07-15T10:15:30Z"},
		{"user_id": true, "action_type": 7, "timestamp": "2025-07-15T10:15:30Z"}
	]`

	events, stats, err := Transform([]byte(raw), nil)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if stats.MissingRequired != 2 || len(events) != 1 {
		t.Fatalf("expected 2 dropped and 1 kept, got %+v", stats)
	}
	if str(events[0].UserID) != "true" || str(events[0].ActionType) != "7" {
		t.Errorf("scalars not coerced: %+v", events[0])
	}
}

var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

var (
	rawUserIDs    = []interface{}{nil, "1", 2, "u-3"}
	rawActions    = []interface{}{nil, "click", "view", "scroll"}
	rawTimestamps = []interface{}{nil, "2025-07-15T10:15:30Z", "2025-07-15 12:00:00+02:00", "garbage", 1752574530, 1752574530000, -1e12, 1e30}
)

// genRawRecord picks attribute values by index; gopter treats a nil
// generated value as a failed draw.
func genRawRecord() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(rawUserIDs)-1),
		gen.IntRange(0, len(rawActions)-1),
		gen.IntRange(0, len(rawTimestamps)-1),
		gen.Bool(),
	).Map(func(vals []interface{}) map[string]interface{} {
		rec := map[string]interface{}{
			"user_id":     rawUserIDs[vals[0].(int)],
			"action_type": rawActions[vals[1].(int)],
			"timestamp":   rawTimestamps[vals[2].(int)],
		}
		if vals[3].(bool) {
			rec["metadata"] = map[string]interface{}{"device": "mobile", "location": "Berlin"}
		}
		return rec
	})
}

func TestProperty_OutputInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no null ids and canonical timestamps", prop.ForAll(
		func(records []map[string]interface{}) bool {
			raw, err := json.Marshal(records)
			if err != nil {
				return false
			}
			events, stats, err := Transform(raw, nil)
			if err != nil {
				return false
			}
			if len(events) > len(records) || stats.RecordsOut != len(events) {
				return false
			}
			for _, ev := range events {
				if ev.UserID == nil || ev.ActionType == nil {
					return false
				}
				if ev.Timestamp == nil || !timestampPattern.MatchString(*ev.Timestamp) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRawRecord()),
	))

	properties.TestingRun(t)
}

func ExampleTransform() {
	events, _, _ := Transform([]byte(`[{"user_id": 7, "action_type": "click", "timestamp": "2025-07-15T12:15:30+02:00"}]`), nil)
	fmt.Println(str(events[0].UserID), str(events[0].Timestamp), events[0].Device == nil)
	// Output: 7 2025-07-15T10:15:30Z true
}
