package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/loanflow/internal/progress"
)

// Create inserts a new application record together with its initial log.
// Returns progress.ErrAlreadyExists if the application ID is taken.
func (s *Store) Create(ctx context.Context, rec progress.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("create application: begin tx", err)
	}
	defer tx.Rollback()

	if err := insertApplication(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("create application: commit", err)
	}
	return nil
}

// CreateWithRun inserts the application record and the run that drives it
// in one transaction, so a failure leaves neither behind.
func (s *Store) CreateWithRun(ctx context.Context, rec progress.Record, input []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("create application: begin tx", err)
	}
	defer tx.Rollback()

	if err := insertApplication(ctx, tx, rec); err != nil {
		return err
	}
	if err := insertRun(ctx, tx, rec.ApplicationID, input, formatTime(s.now())); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("create application: commit", err)
	}
	return nil
}

func insertApplication(ctx context.Context, tx *sql.Tx, rec progress.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO applications
		(application_id, applicant_name, loan_amount, status, current_step, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ApplicationID,
		rec.ApplicantName,
		rec.LoanAmount,
		string(rec.Status),
		rec.CurrentStep,
		nullableJSON(rec.Result),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("create application %s: %w", rec.ApplicationID, progress.ErrAlreadyExists)
		}
		return unavailable("create application", err)
	}

	for i, entry := range rec.Log {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO log_entries (application_id, seq, timestamp, step, message, level)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ApplicationID, i+1, formatTime(entry.Timestamp), entry.Step, entry.Message, string(entry.Level))
		if err != nil {
			return unavailable("create application: initial log", err)
		}
	}
	return nil
}

// Get returns the record for an application, including its full log in
// seq order. Returns progress.ErrNotFound for an unknown ID.
func (s *Store) Get(ctx context.Context, applicationID string) (progress.Record, error) {
	var (
		rec                        progress.Record
		status, createdAt, updated string
		result                     sql.NullString
		tokenID, tokenStep         sql.NullString
		tokenIssued, tokenExpires  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT application_id, applicant_name, loan_amount, status, current_step, result,
		       callback_token_id, callback_step, callback_issued_at, callback_expires_at,
		       created_at, updated_at
		FROM applications
		WHERE application_id = ?
	`, applicationID).Scan(
		&rec.ApplicationID,
		&rec.ApplicantName,
		&rec.LoanAmount,
		&status,
		&rec.CurrentStep,
		&result,
		&tokenID,
		&tokenStep,
		&tokenIssued,
		&tokenExpires,
		&createdAt,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("get application %s: %w", applicationID, progress.ErrNotFound)
	}
	if err != nil {
		return rec, unavailable("get application", err)
	}

	rec.Status = progress.Status(status)
	rec.Result = rawJSON(result)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return rec, err
	}

	if tokenID.Valid {
		tok := progress.CallbackToken{TokenID: tokenID.String, StepName: tokenStep.String}
		if tok.IssuedAt, err = parseTime(tokenIssued.String); err != nil {
			return rec, err
		}
		if tok.ExpiresAt, err = parseTime(tokenExpires.String); err != nil {
			return rec, err
		}
		rec.CallbackToken = &tok
	}

	rec.Log, err = s.readLog(ctx, applicationID)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// readLog returns all entries of one application ordered by seq.
// Returns an empty slice (not nil) if the log is empty.
func (s *Store) readLog(ctx context.Context, applicationID string) ([]progress.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, timestamp, step, message, level
		FROM log_entries
		WHERE application_id = ?
		ORDER BY seq ASC
	`, applicationID)
	if err != nil {
		return nil, unavailable("query log", err)
	}
	defer rows.Close()

	entries := []progress.Entry{}
	for rows.Next() {
		var (
			entry     progress.Entry
			ts, level string
		)
		if err := rows.Scan(&entry.Seq, &ts, &entry.Step, &entry.Message, &level); err != nil {
			return nil, unavailable("scan log entry", err)
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entry.Level = progress.Level(level)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate log", err)
	}
	return entries, nil
}

// AppendLog appends one entry and applies the accompanying status update
// in a single transaction. The entry's seq is assigned by the INSERT itself
// (MAX(seq)+1), so concurrent appends never overwrite each other.
//
// The stored result is set only if it is still NULL: a result, once
// written, is never replaced. Returns the appended entry with its seq.
func (s *Store) AppendLog(ctx context.Context, applicationID string, entry progress.Entry, upd progress.Update) (progress.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entry, unavailable("append log: begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO log_entries (application_id, seq, timestamp, step, message, level)
		SELECT a.application_id,
		       COALESCE((SELECT MAX(l.seq) FROM log_entries l WHERE l.application_id = a.application_id), 0) + 1,
		       ?, ?, ?, ?
		FROM applications a
		WHERE a.application_id = ?
	`, formatTime(entry.Timestamp), entry.Step, entry.Message, string(entry.Level), applicationID)
	if err != nil {
		return entry, unavailable("append log: insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return entry, unavailable("append log: rows affected", err)
	}
	if n == 0 {
		return entry, fmt.Errorf("append log to %s: %w", applicationID, progress.ErrNotFound)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM log_entries WHERE application_id = ?
	`, applicationID).Scan(&entry.Seq); err != nil {
		return entry, unavailable("append log: read seq", err)
	}

	if err := updateStatus(ctx, tx, applicationID, upd, formatTime(entry.Timestamp)); err != nil {
		return entry, err
	}

	if err := tx.Commit(); err != nil {
		return entry, unavailable("append log: commit", err)
	}
	return entry, nil
}

// SetStatus updates status, current step and (once) the result without
// appending a log entry.
func (s *Store) SetStatus(ctx context.Context, applicationID string, upd progress.Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("set status: begin tx", err)
	}
	defer tx.Rollback()

	if err := updateStatus(ctx, tx, applicationID, upd, formatTime(s.now())); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("set status: commit", err)
	}
	return nil
}

func updateStatus(ctx context.Context, tx *sql.Tx, applicationID string, upd progress.Update, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE applications
		SET status = ?, current_step = ?, result = COALESCE(result, ?), updated_at = ?
		WHERE application_id = ?
	`, string(upd.Status), upd.CurrentStep, nullableJSON(upd.Result), updatedAt, applicationID)
	if err != nil {
		return unavailable("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update status: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update status of %s: %w", applicationID, progress.ErrNotFound)
	}
	return nil
}

// SetCallbackToken sets the outstanding token of an application. It fails
// with progress.ErrCallbackOutstanding if a token is already set.
func (s *Store) SetCallbackToken(ctx context.Context, applicationID string, tok progress.CallbackToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("set callback token: begin tx", err)
	}
	defer tx.Rollback()

	if err := setToken(ctx, tx, applicationID, tok); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("set callback token: commit", err)
	}
	return nil
}

func setToken(ctx context.Context, tx *sql.Tx, applicationID string, tok progress.CallbackToken) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE applications
		SET callback_token_id = ?, callback_step = ?, callback_issued_at = ?, callback_expires_at = ?,
		    updated_at = ?
		WHERE application_id = ? AND callback_token_id IS NULL
	`, tok.TokenID, tok.StepName, formatTime(tok.IssuedAt), formatTime(tok.ExpiresAt),
		formatTime(tok.IssuedAt), applicationID)
	if err != nil {
		return unavailable("set callback token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set callback token: rows affected", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: either the record is missing or a token is set.
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE application_id = ?`, applicationID).Scan(&exists)
	if err != nil {
		return unavailable("set callback token: lookup", err)
	}
	if exists == 0 {
		return fmt.Errorf("set callback token on %s: %w", applicationID, progress.ErrNotFound)
	}
	return fmt.Errorf("set callback token on %s: %w", applicationID, progress.ErrCallbackOutstanding)
}

// ClearCallbackToken removes whatever token is set on the application.
// Resume paths use ResolveCallback instead, which clears only a matching token.
func (s *Store) ClearCallbackToken(ctx context.Context, applicationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE applications
		SET callback_token_id = NULL, callback_step = NULL, callback_issued_at = NULL,
		    callback_expires_at = NULL, updated_at = ?
		WHERE application_id = ?
	`, formatTime(s.now()), applicationID)
	if err != nil {
		return unavailable("clear callback token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("clear callback token: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("clear callback token on %s: %w", applicationID, progress.ErrNotFound)
	}
	return nil
}
