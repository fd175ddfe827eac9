package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/loanflow/internal/progress"
)

// timeLayout is fixed-width so that stored timestamps compare correctly as
// TEXT. The sweeper relies on this for expires_at <= ? queries.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullableJSON maps an absent payload to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// unavailable wraps a driver failure so callers can match
// progress.ErrStoreUnavailable while keeping the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, progress.ErrStoreUnavailable, err)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCallback scans a callbacks row selected with callbackColumns.
func scanCallback(row rowScanner) (progress.Callback, error) {
	var (
		cb                          progress.Callback
		issuedAt, expiresAt, state  string
		payload, dispatched, solved sql.NullString
	)
	if err := row.Scan(
		&cb.TokenID,
		&cb.ApplicationID,
		&cb.StepName,
		&cb.Ordinal,
		&issuedAt,
		&expiresAt,
		&state,
		&payload,
		&dispatched,
		&solved,
	); err != nil {
		return cb, err
	}

	var err error
	if cb.IssuedAt, err = parseTime(issuedAt); err != nil {
		return cb, err
	}
	if cb.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return cb, err
	}
	if cb.DispatchedAt, err = parseNullTime(dispatched); err != nil {
		return cb, err
	}
	if cb.ResolvedAt, err = parseNullTime(solved); err != nil {
		return cb, err
	}
	cb.State = progress.CallbackState(state)
	cb.Payload = rawJSON(payload)
	return cb, nil
}

const callbackColumns = `token_id, application_id, step_name, ordinal, issued_at, expires_at,
	state, payload, dispatched_at, resolved_at`
