package rendezvous

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrCallbackTimeout is matched by every *TimeoutError.
	ErrCallbackTimeout = errors.New("rendezvous: callback timed out")

	// ErrMalformedPayload is returned when a resume payload does not match
	// the expected schema.
	ErrMalformedPayload = errors.New("rendezvous: malformed callback payload")
)

// TimeoutError reports that no resume arrived for a suspension in time.
type TimeoutError struct {
	Step      string
	TokenID   string
	ExpiresAt time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("callback for %s timed out at %s (token %s)",
		e.Step, e.ExpiresAt.UTC().Format(time.RFC3339), e.TokenID)
}

// Is makes errors.Is(err, ErrCallbackTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrCallbackTimeout
}

// Payload is the decision an external actor delivers on resume.
type Payload struct {
	Approved bool              `json:"approved"`
	Reason   string            `json:"reason,omitempty"`
	Actor    string            `json:"actor,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// wirePayload makes "approved" mandatory.
type wirePayload struct {
	Approved *bool             `json:"approved"`
	Reason   string            `json:"reason"`
	Actor    string            `json:"actor"`
	Details  map[string]string `json:"details"`
}

// ParsePayload decodes a resume payload strictly: unknown fields, trailing
// data and a missing "approved" field are all rejected.
func ParsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if err := dec.Decode(&json.RawMessage{}); err != io.EOF {
		return Payload{}, fmt.Errorf("%w: trailing data after payload", ErrMalformedPayload)
	}
	if w.Approved == nil {
		return Payload{}, fmt.Errorf("%w: missing field \"approved\"", ErrMalformedPayload)
	}
	return Payload{
		Approved: *w.Approved,
		Reason:   w.Reason,
		Actor:    w.Actor,
		Details:  w.Details,
	}, nil
}
