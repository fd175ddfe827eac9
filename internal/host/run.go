package host

import (
	"context"
	"errors"
)

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSuspended RunState = "suspended"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// IsFinal reports whether the run will never be invoked again.
func (s RunState) IsFinal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run is the persisted state of one workflow instance.
type Run struct {
	ID        string
	Input     []byte
	State     RunState
	Attempts  int
	LastError string
}

// Store persists runs and step checkpoints.
type Store interface {
	CreateRun(ctx context.Context, runID string, input []byte) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRun(ctx context.Context, runID string, state RunState, attempts int, lastError string) error
	ListRuns(ctx context.Context, states ...RunState) ([]string, error)
	GetCheckpoint(ctx context.Context, runID, key string) (data []byte, found bool, err error)
	SaveCheckpoint(ctx context.Context, runID, key string, data []byte) error
}

var (
	// ErrSuspended signals that the workflow is waiting for an external
	// event. It is a normal outcome, not a failure.
	ErrSuspended = errors.New("host: workflow suspended")

	// ErrRunNotFound is returned for an unknown run ID.
	ErrRunNotFound = errors.New("host: run not found")

	// ErrRunBusy is returned by Invoke when the run is already executing.
	ErrRunBusy = errors.New("host: run is executing")
)

// permanentError marks an error the runtime must not retry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
