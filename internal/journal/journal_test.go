package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/store"
	"github.com/roach88/loanflow/internal/testutil"
)

type fixture struct {
	store *store.Store
	clock *testutil.Clock
	trace *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	st, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.Create(context.Background(), progress.Record{
		ApplicationID: "LOAN-1",
		Status:        progress.StatusSubmitted,
		CurrentStep:   "submitted",
		Log: []progress.Entry{
			{Timestamp: clock.Now(), Step: "submitted", Message: "Application received", Level: progress.LevelInfo},
		},
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}))
	return &fixture{store: st, clock: clock, trace: &bytes.Buffer{}}
}

// open starts a new "invocation" of the journal.
func (f *fixture) open(t *testing.T) *Logger {
	t.Helper()
	h := slog.NewTextHandler(f.trace, &slog.HandlerOptions{Level: LevelReplay})
	lg, err := Open(context.Background(), f.store, "LOAN-1", WithTrace(slog.New(h)), WithClock(f.clock.Now))
	require.NoError(t, err)
	return lg
}

func (f *fixture) record(t *testing.T) progress.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), "LOAN-1")
	require.NoError(t, err)
	return rec
}

func TestDeriveCounts(t *testing.T) {
	counts := DeriveCounts([]progress.Entry{
		{Step: "credit_check"},
		{Step: "validating"},
		{Step: "credit_check"},
	})
	assert.Equal(t, map[string]int{"credit_check": 2, "validating": 1}, counts)
	assert.Empty(t, DeriveCounts(nil))
}

func TestLog_AppendsAndUpdatesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lg := f.open(t)

	f.clock.Advance(time.Second)
	require.NoError(t, lg.Info(ctx, "validating", "Validating application", progress.StatusProcessing))

	rec := f.record(t)
	require.Len(t, rec.Log, 2)
	assert.Equal(t, "validating", rec.Log[1].Step)
	assert.Equal(t, progress.LevelInfo, rec.Log[1].Level)
	assert.True(t, rec.Log[1].Timestamp.Equal(f.clock.Now()))
	assert.Equal(t, progress.StatusProcessing, rec.Status)
	assert.Equal(t, "validating", rec.CurrentStep)
}

func TestLog_ReplayEchoesAreNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.open(t)
	require.NoError(t, first.Info(ctx, "validating", "Validating application", progress.StatusProcessing))
	require.NoError(t, first.Info(ctx, "credit_check", "Pulling credit reports", progress.StatusProcessing))

	second := f.open(t)
	require.NoError(t, second.Info(ctx, "validating", "Validating application", progress.StatusProcessing))
	require.NoError(t, second.Info(ctx, "credit_check", "Pulling credit reports", progress.StatusProcessing))
	require.NoError(t, second.Info(ctx, "risk_assessment", "Assessing risk", progress.StatusProcessing))

	rec := f.record(t)
	steps := make([]string, 0, len(rec.Log))
	for _, e := range rec.Log {
		steps = append(steps, e.Step)
	}
	assert.Equal(t, []string{"submitted", "validating", "credit_check", "risk_assessment"}, steps)
	assert.Equal(t, "risk_assessment", rec.CurrentStep)

	assert.Equal(t, 1, second.Replayed("validating"))
	assert.Equal(t, 0, second.Replayed("risk_assessment"))
	assert.Contains(t, f.trace.String(), "[REPLAY] Validating application")
	assert.NotContains(t, f.trace.String(), "[REPLAY] Assessing risk")
}

func TestLog_CountsPerStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.open(t)
	require.NoError(t, first.Info(ctx, "credit_check", "Equifax: 720", progress.StatusProcessing))

	// Replay reaches the same step twice; only the second is new.
	second := f.open(t)
	require.NoError(t, second.Info(ctx, "credit_check", "Equifax: 720", progress.StatusProcessing))
	require.NoError(t, second.Info(ctx, "credit_check", "Experian: 700", progress.StatusProcessing))

	rec := f.record(t)
	require.Len(t, rec.Log, 3)
	assert.Equal(t, "Equifax: 720", rec.Log[1].Message)
	assert.Equal(t, "Experian: 700", rec.Log[2].Message)
}

func TestLog_ResultAndLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lg := f.open(t)

	err := lg.Log(ctx, Entry{
		Step:    "complete",
		Message: "Loan denied",
		Status:  progress.StatusDenied,
		Level:   progress.LevelWarn,
		Result:  map[string]string{"status": "denied"},
	})
	require.NoError(t, err)

	rec := f.record(t)
	assert.Equal(t, progress.LevelWarn, rec.Log[len(rec.Log)-1].Level)
	assert.Equal(t, progress.StatusDenied, rec.Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	assert.Equal(t, "denied", result["status"])
}

func TestLog_DefaultLevelIsInfo(t *testing.T) {
	f := newFixture(t)
	lg := f.open(t)

	require.NoError(t, lg.Log(context.Background(), Entry{Step: "validating", Message: "x", Status: progress.StatusProcessing}))

	rec := f.record(t)
	assert.Equal(t, progress.LevelInfo, rec.Log[len(rec.Log)-1].Level)
}

func TestLog_UnencodableResult(t *testing.T) {
	f := newFixture(t)
	lg := f.open(t)

	err := lg.Log(context.Background(), Entry{Step: "complete", Message: "x", Status: progress.StatusApproved, Result: make(chan int)})
	require.Error(t, err)
	assert.Len(t, f.record(t).Log, 1)
}

func TestOpen_UnknownApplication(t *testing.T) {
	f := newFixture(t)
	_, err := Open(context.Background(), f.store, "nope")
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestLog_StoreFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	lg := f.open(t)
	require.NoError(t, f.store.Close())

	err := lg.Info(context.Background(), "validating", "x", progress.StatusProcessing)
	assert.ErrorIs(t, err, progress.ErrStoreUnavailable)
}

func TestLog_AttemptEntriesAreNeverEchoes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failure := func(msg string) Entry {
		return Entry{Step: "error", Message: msg, Status: progress.StatusFailed, Level: progress.LevelError, Attempt: true}
	}

	first := f.open(t)
	require.NoError(t, first.Info(ctx, "fraud_check", "Requesting fraud check", progress.StatusProcessing))
	require.NoError(t, first.Log(ctx, failure("dispatch failed")))

	second := f.open(t)
	require.NoError(t, second.Info(ctx, "fraud_check", "Requesting fraud check", progress.StatusProcessing))
	require.NoError(t, second.Log(ctx, failure("callback timed out")))

	rec := f.record(t)
	assert.Equal(t, []string{"Application received", "Requesting fraud check", "dispatch failed", "callback timed out"}, messagesOf(rec))
	assert.Equal(t, progress.StatusFailed, rec.Status)
}

func TestReconcile_RestoresStatusAfterRetriedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.open(t)
	require.NoError(t, first.Info(ctx, "fraud_check", "Requesting fraud check", progress.StatusProcessing))
	require.NoError(t, first.Log(ctx, Entry{Step: "error", Message: "dispatch failed", Status: progress.StatusFailed, Level: progress.LevelError, Attempt: true}))
	require.NoError(t, first.Reconcile(ctx), "a failed attempt has nothing to reconcile")
	assert.Equal(t, progress.StatusFailed, f.record(t).Status)

	// The retry replays up to its suspension without appending.
	second := f.open(t)
	require.NoError(t, second.Info(ctx, "fraud_check", "Requesting fraud check", progress.StatusProcessing))
	require.NoError(t, second.Reconcile(ctx))

	rec := f.record(t)
	assert.Equal(t, progress.StatusProcessing, rec.Status)
	assert.Equal(t, "fraud_check", rec.CurrentStep)
	assert.Len(t, rec.Log, 3)
	assert.Contains(t, f.trace.String(), "status restored after retry")
}

func TestReconcile_LeavesHealthyRecordAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.open(t)
	require.NoError(t, first.Info(ctx, "manager_approval", "Waiting for manager", progress.StatusPendingApproval))

	second := f.open(t)
	require.NoError(t, second.Info(ctx, "manager_approval", "Waiting for manager", progress.StatusPendingApproval))
	require.NoError(t, second.Reconcile(ctx))

	rec := f.record(t)
	assert.Equal(t, progress.StatusPendingApproval, rec.Status)
	assert.NotContains(t, f.trace.String(), "status restored")
}

func messagesOf(rec progress.Record) []string {
	out := make([]string, len(rec.Log))
	for i, e := range rec.Log {
		out[i] = e.Message
	}
	return out
}
