package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/loanflow/internal/progress"
)

var testEpoch = time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a submitted record with one initial log entry.
func createTestRecord(id string) progress.Record {
	return progress.Record{
		ApplicationID: id,
		ApplicantName: "Jane Doe",
		LoanAmount:    50000,
		Status:        progress.StatusSubmitted,
		CurrentStep:   "submitted",
		Log: []progress.Entry{
			{Timestamp: testEpoch, Step: "submitted", Message: "Application received", Level: progress.LevelInfo},
		},
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
}

// mustCreate stores a record built by createTestRecord.
func mustCreate(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.Create(context.Background(), createTestRecord(id)); err != nil {
		t.Fatalf("Create(%s) failed: %v", id, err)
	}
}

// createTestCallback creates a pending callback for step with a one-hour window.
func createTestCallback(appID, tokenID, step string, ordinal int) progress.Callback {
	return progress.Callback{
		CallbackToken: progress.CallbackToken{
			TokenID:   tokenID,
			StepName:  step,
			IssuedAt:  testEpoch,
			ExpiresAt: testEpoch.Add(time.Hour),
		},
		ApplicationID: appID,
		Ordinal:       ordinal,
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
