package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/loanflow/internal/host"
)

// CreateRun records a workflow run and its input. Creating an existing run
// is a no-op so duplicate submissions stay idempotent.
func (s *Store) CreateRun(ctx context.Context, runID string, input []byte) error {
	return insertRun(ctx, s.db, runID, input, formatTime(s.now()))
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, runID string, input []byte, now string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, input, state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, runID, input, string(host.RunPending), now, now)
	if err != nil {
		return unavailable("create run", err)
	}
	return nil
}

// GetRun returns the stored run. Returns host.ErrRunNotFound for an
// unknown run ID.
func (s *Store) GetRun(ctx context.Context, runID string) (host.Run, error) {
	var (
		run   host.Run
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, input, state, attempts, last_error
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(&run.ID, &run.Input, &state, &run.Attempts, &run.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("get run %s: %w", runID, host.ErrRunNotFound)
	}
	if err != nil {
		return run, unavailable("get run", err)
	}
	run.State = host.RunState(state)
	return run, nil
}

// UpdateRun stores the outcome of an invocation.
func (s *Store) UpdateRun(ctx context.Context, runID string, state host.RunState, attempts int, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE run_id = ?
	`, string(state), attempts, lastError, formatTime(s.now()), runID)
	if err != nil {
		return unavailable("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update run: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update run %s: %w", runID, host.ErrRunNotFound)
	}
	return nil
}

// GetCheckpoint returns the saved result of one step. found is false when
// the step has not completed in any prior invocation.
func (s *Store) GetCheckpoint(ctx context.Context, runID, key string) (data []byte, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT data FROM checkpoints WHERE run_id = ? AND step_key = ?
	`, runID, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get checkpoint", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}

// SaveCheckpoint stores a step result. The first saved result wins; a
// second save for the same key is silently ignored.
func (s *Store) SaveCheckpoint(ctx context.Context, runID, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, step_key, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step_key) DO NOTHING
	`, runID, key, data, formatTime(s.now()))
	if err != nil {
		return unavailable("save checkpoint", err)
	}
	return nil
}

// ListRuns returns the IDs of runs in any of the given states, oldest first.
func (s *Store) ListRuns(ctx context.Context, states ...host.RunState) ([]string, error) {
	if len(states) == 0 {
		return []string{}, nil
	}
	query := `SELECT run_id FROM runs WHERE state IN (?` + strings.Repeat(", ?", len(states)-1) + `) ORDER BY created_at ASC, run_id ASC`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan run", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate runs", err)
	}
	return ids, nil
}
