package progress

import (
	"encoding/json"
	"time"
)

// Status is the coarse state of an application.
type Status string

const (
	StatusSubmitted       Status = "submitted"
	StatusProcessing      Status = "processing"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusDenied          Status = "denied"
	StatusFailed          Status = "failed"
)

// IsTerminal reports whether no further progress is expected for s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusFailed:
		return true
	}
	return false
}

// Level classifies a log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"

	// LevelReplay marks a replay echo. Echoes go to the operational trace
	// only and never appear in a persisted Entry.
	LevelReplay Level = "replay"
)

// Entry is one line of the persisted progress narrative.
type Entry struct {
	// Seq is the 1-based position of the entry within its record's log.
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Step      string    `json:"step"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
}

// CallbackToken authorizes exactly one resume of a suspended workflow.
type CallbackToken struct {
	TokenID   string    `json:"token_id"`
	StepName  string    `json:"step_name"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token's wait window has closed at now.
func (t CallbackToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Record is the keyed state of one application (one workflow instance).
type Record struct {
	ApplicationID string          `json:"application_id"`
	ApplicantName string          `json:"applicant_name,omitempty"`
	LoanAmount    int64           `json:"loan_amount,omitempty"`
	Status        Status          `json:"status"`
	CurrentStep   string          `json:"current_step"`
	Log           []Entry         `json:"logs"`
	Result        json.RawMessage `json:"result"`
	CallbackToken *CallbackToken  `json:"callback_token"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Update is the status change applied together with an appended entry.
// A nil Result leaves the stored result untouched.
type Update struct {
	Status      Status
	CurrentStep string
	Result      json.RawMessage
}

// CallbackState is the lifecycle state of an issued callback.
type CallbackState string

const (
	CallbackPending CallbackState = "pending"
	CallbackResumed CallbackState = "resumed"
	CallbackExpired CallbackState = "expired"
)

// Callback is the rendezvous history row behind a CallbackToken. The
// (ApplicationID, StepName, Ordinal) triple identifies one logical
// suspension point across replays.
type Callback struct {
	CallbackToken
	ApplicationID string          `json:"application_id"`
	Ordinal       int             `json:"ordinal"`
	State         CallbackState   `json:"state"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}
