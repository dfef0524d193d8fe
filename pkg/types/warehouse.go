package types

import "time"

// DimUser is a row of the dim_users dimension table.
type DimUser struct {
	// UserID is the natural key
	UserID string `json:"user_id"`

	// Device and Location are the first-seen attributes; they are never updated
	Device   *string `json:"device"`
	Location *string `json:"location"`
}

// DimAction is a row of the dim_actions dimension table.
type DimAction struct {
	// ActionID is the surrogate key assigned by the store
	ActionID int64 `json:"action_id"`

	// ActionType is the natural key
	ActionType string `json:"action_type"`
}

// FactUserAction is a row of the fact_user_actions table. The triple
// (UserID, ActionID, Timestamp) is unique.
type FactUserAction struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	ActionID  int64     `json:"action_id"`
	Timestamp time.Time `json:"timestamp"`
}
