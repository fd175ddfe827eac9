package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/loanflow/internal/progress"
)

// IssueCallback records a suspension point and makes its token the
// application's outstanding token, atomically.
//
// The (application, step, ordinal) triple is unique. If a row already
// exists for it (a replay reached the same suspension), nothing is written
// and the existing callback is returned with inserted=false. A fresh
// insert fails with progress.ErrCallbackOutstanding when another token is
// still set, and the insert is rolled back.
func (s *Store) IssueCallback(ctx context.Context, cb progress.Callback) (issued progress.Callback, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cb, false, unavailable("issue callback: begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM applications WHERE application_id = ?
	`, cb.ApplicationID).Scan(&exists); err != nil {
		return cb, false, unavailable("issue callback: lookup", err)
	}
	if exists == 0 {
		return cb, false, fmt.Errorf("issue callback on %s: %w", cb.ApplicationID, progress.ErrNotFound)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO callbacks
		(token_id, application_id, step_name, ordinal, issued_at, expires_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(application_id, step_name, ordinal) DO NOTHING
	`,
		cb.TokenID,
		cb.ApplicationID,
		cb.StepName,
		cb.Ordinal,
		formatTime(cb.IssuedAt),
		formatTime(cb.ExpiresAt),
		string(progress.CallbackPending),
	)
	if err != nil {
		return cb, false, unavailable("issue callback: insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cb, false, unavailable("issue callback: rows affected", err)
	}

	if n == 0 {
		existing, err := scanCallback(tx.QueryRowContext(ctx, `
			SELECT `+callbackColumns+`
			FROM callbacks
			WHERE application_id = ? AND step_name = ? AND ordinal = ?
		`, cb.ApplicationID, cb.StepName, cb.Ordinal))
		if err != nil {
			return cb, false, unavailable("issue callback: select existing", err)
		}
		if err := tx.Commit(); err != nil {
			return cb, false, unavailable("issue callback: commit (existing)", err)
		}
		return existing, false, nil
	}

	if err := setToken(ctx, tx, cb.ApplicationID, cb.CallbackToken); err != nil {
		return cb, false, err
	}

	if err := tx.Commit(); err != nil {
		return cb, false, unavailable("issue callback: commit", err)
	}
	cb.State = progress.CallbackPending
	return cb, true, nil
}

// GetCallback returns the callback issued for one suspension point.
// found is false if that point was never reached.
func (s *Store) GetCallback(ctx context.Context, applicationID, stepName string, ordinal int) (cb progress.Callback, found bool, err error) {
	cb, err = scanCallback(s.db.QueryRowContext(ctx, `
		SELECT `+callbackColumns+`
		FROM callbacks
		WHERE application_id = ? AND step_name = ? AND ordinal = ?
	`, applicationID, stepName, ordinal))
	if errors.Is(err, sql.ErrNoRows) {
		return cb, false, nil
	}
	if err != nil {
		return cb, false, unavailable("get callback", err)
	}
	return cb, true, nil
}

// MarkCallbackDispatched records that the side effect handing the token to
// the external actor has completed. Marking twice keeps the first time.
func (s *Store) MarkCallbackDispatched(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE callbacks SET dispatched_at = COALESCE(dispatched_at, ?) WHERE token_id = ?
	`, formatTime(at), tokenID)
	if err != nil {
		return unavailable("mark callback dispatched", err)
	}
	return nil
}

// ResolveCallback consumes the outstanding token of an application.
//
// In one transaction it clears the record's token only if it equals
// tokenID, then moves the history row from pending to state with the
// given payload. Resuming (state CallbackResumed) additionally requires
// the token's window to be open at at. If either check fails, nothing is
// mutated and progress.ErrUnknownOrExpiredToken is returned.
func (s *Store) ResolveCallback(
	ctx context.Context,
	applicationID, tokenID string,
	state progress.CallbackState,
	payload json.RawMessage,
	at time.Time,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("resolve callback: begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE applications
		SET callback_token_id = NULL, callback_step = NULL, callback_issued_at = NULL,
		    callback_expires_at = NULL, updated_at = ?
		WHERE application_id = ? AND callback_token_id = ?
		  AND (? <> ? OR callback_expires_at > ?)
	`, formatTime(at), applicationID, tokenID, string(state), string(progress.CallbackResumed), formatTime(at))
	if err != nil {
		return unavailable("resolve callback: clear token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("resolve callback: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve callback %s on %s: %w", tokenID, applicationID, progress.ErrUnknownOrExpiredToken)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE callbacks
		SET state = ?, payload = ?, resolved_at = ?
		WHERE token_id = ? AND application_id = ? AND state = ?
	`, string(state), nullableJSON(payload), formatTime(at), tokenID, applicationID, string(progress.CallbackPending))
	if err != nil {
		return unavailable("resolve callback: update history", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return unavailable("resolve callback: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve callback %s on %s: %w", tokenID, applicationID, progress.ErrUnknownOrExpiredToken)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("resolve callback: commit", err)
	}
	return nil
}

// DueCallbacks returns pending callbacks whose wait window closed at or
// before now, oldest expiry first.
func (s *Store) DueCallbacks(ctx context.Context, now time.Time) ([]progress.Callback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callbackColumns+`
		FROM callbacks
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at ASC, token_id ASC
	`, string(progress.CallbackPending), formatTime(now))
	if err != nil {
		return nil, unavailable("query due callbacks", err)
	}
	defer rows.Close()

	due := []progress.Callback{}
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, unavailable("scan due callback", err)
		}
		due = append(due, cb)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate due callbacks", err)
	}
	return due, nil
}
