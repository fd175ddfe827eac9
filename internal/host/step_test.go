package host

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestContext(t *testing.T, store Store, runID string) *Context {
	t.Helper()
	return newContext(context.Background(), Run{ID: runID}, 1, store, slog.Default(), noop.NewTracerProvider().Tracer("test"))
}

func TestStep_CheckpointsResult(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		return 720, nil
	}

	got, err := Step(newTestContext(t, store, "r1"), "credit", fn)
	require.NoError(t, err)
	assert.Equal(t, 720, got)

	// A new invocation replays the step from its checkpoint.
	got, err = Step(newTestContext(t, store, "r1"), "credit", fn)
	require.NoError(t, err)
	assert.Equal(t, 720, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStep_SameNameIsNumberedPerCall(t *testing.T) {
	store := newMemStore()
	hc := newTestContext(t, store, "r1")

	a, err := Step(hc, "pull", func(context.Context) (string, error) { return "a", nil })
	require.NoError(t, err)
	b, err := Step(hc, "pull", func(context.Context) (string, error) { return "b", nil })
	require.NoError(t, err)

	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
	assert.Equal(t, []string{"pull#1", "pull#2"}, store.keys("r1"))
}

func TestStep_ErrorIsNotCheckpointed(t *testing.T) {
	store := newMemStore()
	boom := errors.New("bureau down")

	_, err := Step(newTestContext(t, store, "r1"), "credit", func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, store.keys("r1"))

	got, err := Step(newTestContext(t, store, "r1"), "credit", func(context.Context) (int, error) {
		return 650, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 650, got)
}

func TestStep_StructResult(t *testing.T) {
	type report struct {
		Bureau string `json:"bureau"`
		Score  int    `json:"score"`
	}
	store := newMemStore()
	want := report{Bureau: "Equifax", Score: 701}

	_, err := Step(newTestContext(t, store, "r1"), "report", func(context.Context) (report, error) { return want, nil })
	require.NoError(t, err)

	got, err := Step(newTestContext(t, store, "r1"), "report", func(context.Context) (report, error) {
		t.Fatal("step re-executed")
		return report{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParallel_ResultsInInputOrder(t *testing.T) {
	store := newMemStore()
	delays := []time.Duration{30 * time.Millisecond, 0, 10 * time.Millisecond}
	fns := make([]func(context.Context) (int, error), len(delays))
	for i, d := range delays {
		fns[i] = func(ctx context.Context) (int, error) {
			time.Sleep(d)
			return i * 10, nil
		}
	}

	got, err := Parallel(newTestContext(t, store, "r1"), "bureaus", fns)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 10, 20}, got)
	assert.Contains(t, store.keys("r1"), "parallel:bureaus#1")
}

func TestParallel_RetriedGroupReRunsOnlyFailedMembers(t *testing.T) {
	store := newMemStore()
	var runs [3]atomic.Int32
	var fail atomic.Bool
	fail.Store(true)

	fns := []func(context.Context) (string, error){
		func(context.Context) (string, error) { runs[0].Add(1); return "equifax", nil },
		func(context.Context) (string, error) {
			runs[1].Add(1)
			if fail.Load() {
				return "", errors.New("timeout")
			}
			return "experian", nil
		},
		func(context.Context) (string, error) { runs[2].Add(1); return "transunion", nil },
	}

	_, err := Parallel(newTestContext(t, store, "r1"), "bureaus", fns)
	require.Error(t, err)

	fail.Store(false)
	got, err := Parallel(newTestContext(t, store, "r1"), "bureaus", fns)
	require.NoError(t, err)
	assert.Equal(t, []string{"equifax", "experian", "transunion"}, got)
	assert.Equal(t, int32(2), runs[1].Load())

	// Once complete, the group itself is replayed.
	_, err = Parallel(newTestContext(t, store, "r1"), "bureaus", fns)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs[1].Load())
}

func TestParallel_Empty(t *testing.T) {
	got, err := Parallel[int](newTestContext(t, newMemStore(), "r1"), "none", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
