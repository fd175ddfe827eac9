package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/loanflow/internal/progress"
)

// LevelReplay is the slog level of replay echoes. It sits between Debug
// and Info so echoes are visible with --verbose and hidden otherwise.
const LevelReplay = slog.Level(-2)

// Store is the subset of the progress store the Logger needs.
type Store interface {
	Get(ctx context.Context, applicationID string) (progress.Record, error)
	AppendLog(ctx context.Context, applicationID string, entry progress.Entry, upd progress.Update) (progress.Entry, error)
	SetStatus(ctx context.Context, applicationID string, upd progress.Update) error
}

// DeriveCounts returns the number of persisted entries per step name.
func DeriveCounts(entries []progress.Entry) map[string]int {
	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[e.Step]++
	}
	return counts
}

// Logger is the replay-aware progress logger of one workflow invocation.
// Open a new Logger for every invocation; it must not outlive it.
type Logger struct {
	store         Store
	applicationID string
	trace         *slog.Logger
	now           func() time.Time

	// opened is the record's status when the invocation started.
	opened progress.Status

	mu       sync.Mutex
	prior    map[string]int
	calls    map[string]int
	lastEcho *progress.Update
	appended bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithTrace sets the operational logger echoes and new entries are mirrored to.
func WithTrace(l *slog.Logger) Option {
	return func(lg *Logger) {
		lg.trace = l
	}
}

// WithClock overrides the clock used to timestamp entries.
func WithClock(now func() time.Time) Option {
	return func(lg *Logger) {
		lg.now = now
	}
}

// Open reads the application's persisted log and returns a Logger primed
// with its per-step counts.
func Open(ctx context.Context, store Store, applicationID string, opts ...Option) (*Logger, error) {
	rec, err := store.Get(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("open journal for %s: %w", applicationID, err)
	}

	lg := &Logger{
		store:         store,
		applicationID: applicationID,
		trace:         slog.Default(),
		now:           time.Now,
		opened:        rec.Status,
		prior:         DeriveCounts(rec.Log),
		calls:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(lg)
	}
	lg.trace = lg.trace.With(slog.String("application_id", applicationID))
	return lg, nil
}

// Entry describes one progress event.
type Entry struct {
	Step    string
	Message string
	Status  progress.Status
	Level   progress.Level
	Result  any

	// Attempt marks an outcome of this invocation, such as a failure the
	// host may retry, rather than a step of the narrative. It is always
	// appended and never judged a replay echo.
	Attempt bool
}

// Log records one progress event. A replay echo is traced and dropped; a
// new event is appended together with its status, step and optional
// result. Store failures are returned; the caller must not continue as if
// the event had been recorded.
func (l *Logger) Log(ctx context.Context, e Entry) error {
	if e.Level == "" {
		e.Level = progress.LevelInfo
	}

	upd := progress.Update{Status: e.Status, CurrentStep: e.Step}

	l.mu.Lock()
	l.calls[e.Step]++
	n := l.calls[e.Step]
	replay := !e.Attempt && n <= l.prior[e.Step]
	if replay {
		l.lastEcho = &upd
	}
	l.mu.Unlock()

	if replay {
		l.trace.Log(ctx, LevelReplay, "[REPLAY] "+e.Message,
			slog.String("step", e.Step),
			slog.Int("occurrence", n),
		)
		return nil
	}

	var result json.RawMessage
	if e.Result != nil {
		data, err := json.Marshal(e.Result)
		if err != nil {
			return fmt.Errorf("encode result for step %s: %w", e.Step, err)
		}
		result = data
	}

	entry := progress.Entry{
		Timestamp: l.now().UTC(),
		Step:      e.Step,
		Message:   e.Message,
		Level:     e.Level,
	}
	upd.Result = result
	if _, err := l.store.AppendLog(ctx, l.applicationID, entry, upd); err != nil {
		return fmt.Errorf("log %s: %w", e.Step, err)
	}
	l.mu.Lock()
	l.appended = true
	l.mu.Unlock()

	l.trace.Log(ctx, slogLevel(e.Level), e.Message,
		slog.String("step", e.Step),
		slog.String("status", string(e.Status)),
	)
	return nil
}

// Info is shorthand for an info-level event.
func (l *Logger) Info(ctx context.Context, step, message string, status progress.Status) error {
	return l.Log(ctx, Entry{Step: step, Message: message, Status: status, Level: progress.LevelInfo})
}

// Reconcile restores the status of a record left failed by an earlier
// attempt when this invocation got past the failure point without
// appending anything, e.g. because it replayed up to a suspension. The
// status and step of the last replayed event are applied again.
func (l *Logger) Reconcile(ctx context.Context) error {
	l.mu.Lock()
	echo, appended := l.lastEcho, l.appended
	l.mu.Unlock()

	if l.opened != progress.StatusFailed || appended || echo == nil {
		return nil
	}
	if err := l.store.SetStatus(ctx, l.applicationID, *echo); err != nil {
		return fmt.Errorf("reconcile status of %s: %w", l.applicationID, err)
	}
	l.trace.Info("status restored after retry",
		slog.String("status", string(echo.Status)),
		slog.String("step", echo.CurrentStep),
	)
	return nil
}

// Replayed reports how many calls for step this invocation has judged to
// be replay echoes so far.
func (l *Logger) Replayed(step string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return min(l.calls[step], l.prior[step])
}

func slogLevel(level progress.Level) slog.Level {
	switch level {
	case progress.LevelWarn:
		return slog.LevelWarn
	case progress.LevelError:
		return slog.LevelError
	case progress.LevelReplay:
		return LevelReplay
	default:
		return slog.LevelInfo
	}
}
