package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Context is the per-invocation handle a workflow uses to reach the host.
// A fresh Context is built for every invocation; nothing on it survives
// into the next one except what Step and Parallel checkpoint.
type Context struct {
	ctx     context.Context
	runID   string
	attempt int
	store   Store
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	ordinals map[string]int
}

func newContext(ctx context.Context, run Run, attempt int, store Store, logger *slog.Logger, tracer trace.Tracer) *Context {
	return &Context{
		ctx:      ctx,
		runID:    run.ID,
		attempt:  attempt,
		store:    store,
		logger:   logger.With(slog.String("run_id", run.ID)),
		tracer:   tracer,
		ordinals: make(map[string]int),
	}
}

// Context returns the invocation's context.Context.
func (c *Context) Context() context.Context { return c.ctx }

// RunID returns the ID of the run being executed.
func (c *Context) RunID() string { return c.runID }

// Attempt returns the 1-based number of this invocation across the run's life.
func (c *Context) Attempt() int { return c.attempt }

// Logger returns a logger annotated with the run ID.
func (c *Context) Logger() *slog.Logger { return c.logger }

// nextKey returns the checkpoint key for the next call named name. Calls
// are numbered in order, so an invocation that replays the same sequence
// of calls maps each one to the same key.
func (c *Context) nextKey(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ordinals[name]++
	return fmt.Sprintf("%s#%d", name, c.ordinals[name])
}
