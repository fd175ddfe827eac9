package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkflowFunc is the function the runtime invokes for every run. It must
// reach the same logical point on every invocation given the same
// checkpoints; see the package documentation.
type WorkflowFunc func(hc *Context, input []byte) error

const (
	// DefaultMaxAttempts is the number of invocations tried per wake before
	// a failing run is marked failed.
	DefaultMaxAttempts = 3

	tracerName = "github.com/roach88/loanflow/internal/host"
)

// Runtime invokes workflow runs and re-invokes them when woken.
//
// Thread-safety model:
//   - Start, Wake, Invoke, Recover: safe from any goroutine
//   - At most one invocation of a given run executes at any time
//   - A Wake that arrives while the run executes is queued, never dropped
type Runtime struct {
	store    Store
	workflow WorkflowFunc
	logger   *slog.Logger
	tracer   trace.Tracer

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	active map[string]*slot
	wg     sync.WaitGroup
}

// slot tracks an executing run and whether it was woken meanwhile.
type slot struct {
	rewake bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

// WithTracer overrides the OpenTelemetry tracer. The default comes from
// the global provider, which is a no-op unless one is installed.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = t
	}
}

// WithMaxAttempts sets how many invocations are tried per wake before a
// run that keeps failing is marked failed.
func WithMaxAttempts(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the exponential retry delay bounds.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(r *Runtime) {
		r.initialBackoff = initial
		r.maxBackoff = maxDelay
	}
}

// New creates a Runtime for one workflow function.
func New(store Store, wf WorkflowFunc, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		store:          store,
		workflow:       wf,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		baseCtx:        ctx,
		cancel:         cancel,
		active:         make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start records a new run and invokes it asynchronously. Starting a run
// that already exists only wakes it.
func (r *Runtime) Start(ctx context.Context, runID string, input []byte) error {
	if err := r.store.CreateRun(ctx, runID, input); err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	r.Wake(runID)
	return nil
}

// Wake re-invokes a run asynchronously. The invocation replays the run
// from the top. Waking a finished run is a no-op.
func (r *Runtime) Wake(runID string) {
	r.mu.Lock()
	if s, ok := r.active[runID]; ok {
		s.rewake = true
		r.mu.Unlock()
		return
	}
	if r.baseCtx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.active[runID] = &slot{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.drive(runID)
}

// Invoke runs one invocation (with retries) synchronously and returns the
// resulting state. Returns ErrRunBusy if the run is executing elsewhere.
func (r *Runtime) Invoke(ctx context.Context, runID string) (RunState, error) {
	r.mu.Lock()
	if _, busy := r.active[runID]; busy {
		r.mu.Unlock()
		return "", fmt.Errorf("invoke %s: %w", runID, ErrRunBusy)
	}
	r.active[runID] = &slot{}
	r.mu.Unlock()

	state, err := r.execute(ctx, runID)

	r.mu.Lock()
	s := r.active[runID]
	delete(r.active, runID)
	r.mu.Unlock()
	if s.rewake {
		r.Wake(runID)
	}
	return state, err
}

// Recover wakes every run left pending, running or suspended, e.g. after
// a process restart. Suspended runs replay up to their suspension point,
// which lets an expired wait observe its timeout.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	ids, err := r.store.ListRuns(ctx, RunPending, RunRunning, RunSuspended)
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	for _, id := range ids {
		r.Wake(id)
	}
	return len(ids), nil
}

// Wait blocks until no asynchronous invocation is executing.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting wakes, cancels in-flight invocations and waits
// for them to return or for ctx to expire.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) drive(runID string) {
	defer r.wg.Done()
	for {
		if _, err := r.execute(r.baseCtx, runID); err != nil {
			r.logger.Error("run invocation failed",
				slog.String("run_id", runID),
				slog.Any("error", err),
			)
		}

		r.mu.Lock()
		s := r.active[runID]
		if s.rewake && r.baseCtx.Err() == nil {
			s.rewake = false
			r.mu.Unlock()
			continue
		}
		delete(r.active, runID)
		r.mu.Unlock()
		return
	}
}

// execute invokes the workflow, retrying failures that are not permanent,
// and records the final state of the run.
func (r *Runtime) execute(ctx context.Context, runID string) (RunState, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.State.IsFinal() {
		r.logger.Debug("skipping finished run", slog.String("run_id", runID), slog.String("state", string(run.State)))
		return run.State, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff
	policy.MaxInterval = r.maxBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxAttempts-1)), ctx)

	attempts := run.Attempts
	state := RunFailed
	op := func() error {
		attempts++
		if err := r.store.UpdateRun(ctx, runID, RunRunning, attempts, ""); err != nil {
			return backoff.Permanent(err)
		}

		err := r.invokeOnce(ctx, run, attempts)
		switch {
		case err == nil:
			state = RunCompleted
			return nil
		case errors.Is(err, ErrSuspended):
			state = RunSuspended
			return nil
		case IsPermanent(err) || ctx.Err() != nil:
			state = RunFailed
			return backoff.Permanent(err)
		default:
			state = RunFailed
			return err
		}
	}
	notify := func(err error, next time.Duration) {
		r.logger.Warn("invocation failed, retrying",
			slog.String("run_id", runID),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", next),
			slog.Any("error", err),
		)
	}

	runErr := backoff.RetryNotify(op, retry, notify)

	lastErr := ""
	if runErr != nil {
		lastErr = runErr.Error()
	}
	if err := r.store.UpdateRun(context.WithoutCancel(ctx), runID, state, attempts, lastErr); err != nil {
		return state, errors.Join(runErr, err)
	}

	r.logger.Info("run invocation finished",
		slog.String("run_id", runID),
		slog.String("state", string(state)),
		slog.Int("attempts", attempts),
	)
	return state, runErr
}

// invokeOnce performs one invocation. A panic in the workflow is turned
// into an error so that it follows the retry policy like any other failure.
func (r *Runtime) invokeOnce(ctx context.Context, run Run, attempt int) (err error) {
	ctx, span := r.tracer.Start(ctx, "host.invoke", trace.WithAttributes(
		attribute.String("loanflow.run_id", run.ID),
		attribute.Int("loanflow.attempt", attempt),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrSuspended) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panic: %v", p)
		}
	}()

	hc := newContext(ctx, run, attempt, r.store, r.logger, r.tracer)
	return r.workflow(hc, run.Input)
}
