package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestRuntime(store Store, wf WorkflowFunc, opts ...Option) *Runtime {
	opts = append([]Option{WithBackoff(time.Millisecond, 2*time.Millisecond)}, opts...)
	return New(store, wf, opts...)
}

func TestInvoke_CompletesRun(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", []byte(`"hello"`)))

	var input string
	rt := newTestRuntime(store, func(hc *Context, in []byte) error {
		input = string(in)
		return nil
	})

	state, err := rt.Invoke(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)
	assert.Equal(t, `"hello"`, input)
	assert.Equal(t, RunCompleted, store.run("r1").State)
	assert.Equal(t, 1, store.run("r1").Attempts)
}

func TestInvoke_SuspendedIsNotAFailure(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	var calls atomic.Int32
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		calls.Add(1)
		return fmt.Errorf("waiting for manager: %w", ErrSuspended)
	})

	state, err := rt.Invoke(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RunSuspended, state)
	assert.Equal(t, int32(1), calls.Load(), "suspension must not be retried")
}

func TestInvoke_RetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	var calls atomic.Int32
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("bureau unavailable")
		}
		return nil
	}, WithMaxAttempts(3))

	state, err := rt.Invoke(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, store.run("r1").Attempts)
}

func TestInvoke_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	var calls atomic.Int32
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		calls.Add(1)
		return errors.New("bureau unavailable")
	}, WithMaxAttempts(2))

	state, err := rt.Invoke(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, RunFailed, state)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "bureau unavailable", store.run("r1").LastError)
}

func TestInvoke_PermanentErrorIsNotRetried(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	var calls atomic.Int32
	invalid := errors.New("invalid application")
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		calls.Add(1)
		return Permanent(invalid)
	})

	state, err := rt.Invoke(context.Background(), "r1")
	require.ErrorIs(t, err, invalid)
	assert.Equal(t, RunFailed, state)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvoke_PanicBecomesError(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		panic("nil offer")
	}, WithMaxAttempts(1))

	state, err := rt.Invoke(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil offer")
	assert.Equal(t, RunFailed, state)
}

func TestInvoke_FinishedRunIsSkipped(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))
	require.NoError(t, store.UpdateRun(context.Background(), "r1", RunCompleted, 1, ""))

	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		t.Fatal("finished run invoked")
		return nil
	})

	state, err := rt.Invoke(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, state)
}

func TestInvoke_UnknownRun(t *testing.T) {
	rt := newTestRuntime(newMemStore(), func(hc *Context, _ []byte) error { return nil })

	_, err := rt.Invoke(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPermanent(t *testing.T) {
	base := errors.New("x")
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(base))))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, Permanent(base), base)
}

func TestStartAndWake_ReplaysStepsAcrossInvocations(t *testing.T) {
	store := newMemStore()

	var (
		mu       sync.Mutex
		approved bool
		effects  int
	)
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		_, err := Step(hc, "pull", func(context.Context) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			effects++
			return 1, nil
		})
		if err != nil {
			return err
		}
		mu.Lock()
		ok := approved
		mu.Unlock()
		if !ok {
			return ErrSuspended
		}
		return nil
	})

	require.NoError(t, rt.Start(context.Background(), "r1", []byte(`{}`)))
	rt.Wait()
	assert.Equal(t, RunSuspended, store.run("r1").State)

	mu.Lock()
	approved = true
	mu.Unlock()
	rt.Wake("r1")
	rt.Wait()

	assert.Equal(t, RunCompleted, store.run("r1").State)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, effects, "checkpointed step must not re-execute")
}

func TestWake_DuringExecutionIsNotLost(t *testing.T) {
	store := newMemStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return ErrSuspended
		}
		return nil
	})

	require.NoError(t, rt.Start(context.Background(), "r1", nil))
	<-entered
	rt.Wake("r1")

	_, err := rt.Invoke(context.Background(), "r1")
	require.ErrorIs(t, err, ErrRunBusy)

	close(release)
	rt.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, RunCompleted, store.run("r1").State)
}

func TestRecover_WakesUnfinishedRuns(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateRun(ctx, id, nil))
	}
	require.NoError(t, store.UpdateRun(ctx, "b", RunCompleted, 1, ""))
	require.NoError(t, store.UpdateRun(ctx, "c", RunSuspended, 1, ""))

	var mu sync.Mutex
	seen := map[string]bool{}
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		mu.Lock()
		seen[hc.RunID()] = true
		mu.Unlock()
		return nil
	})

	n, err := rt.Recover(ctx)
	require.NoError(t, err)
	rt.Wait()

	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]bool{"a": true, "c": true}, seen)
}

func TestShutdown_StopsAcceptingWakes(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	var calls atomic.Int32
	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))

	rt.Wake("r1")
	rt.Wait()
	assert.Equal(t, int32(0), calls.Load())
}

func TestInvoke_RecordsSpans(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.CreateRun(context.Background(), "r1", nil))

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	rt := newTestRuntime(store, func(hc *Context, _ []byte) error {
		_, err := Step(hc, "offer", func(context.Context) (string, error) { return "OFFER-1", nil })
		return err
	}, WithTracer(tp.Tracer("test")))

	_, err := rt.Invoke(context.Background(), "r1")
	require.NoError(t, err)

	names := []string{}
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"host.step", "host.invoke"}, names)
}
