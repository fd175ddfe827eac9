package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/loanflow/internal/host"
	"github.com/roach88/loanflow/internal/ids"
	"github.com/roach88/loanflow/internal/progress"
)

// Store is the persistence the rendezvous needs.
type Store interface {
	IssueCallback(ctx context.Context, cb progress.Callback) (progress.Callback, bool, error)
	GetCallback(ctx context.Context, applicationID, stepName string, ordinal int) (progress.Callback, bool, error)
	MarkCallbackDispatched(ctx context.Context, tokenID string, at time.Time) error
	ResolveCallback(ctx context.Context, applicationID, tokenID string, state progress.CallbackState, payload json.RawMessage, at time.Time) error
	DueCallbacks(ctx context.Context, now time.Time) ([]progress.Callback, error)
}

// DispatchFunc hands a freshly issued token to the external actor that
// will resume it. It must not block on the actor's answer.
type DispatchFunc func(ctx context.Context, token progress.CallbackToken) error

// Rendezvous issues, resumes and expires callback tokens.
type Rendezvous struct {
	store  Store
	ids    ids.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Rendezvous.
type Option func(*Rendezvous)

// WithClock overrides the clock used for issue and expiry times.
func WithClock(now func() time.Time) Option {
	return func(r *Rendezvous) {
		r.now = now
	}
}

// WithIDs overrides the token ID generator.
func WithIDs(g ids.Generator) Option {
	return func(r *Rendezvous) {
		r.ids = g
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rendezvous) {
		r.logger = l
	}
}

// New creates a Rendezvous backed by store.
func New(store Store, opts ...Option) *Rendezvous {
	r := &Rendezvous{
		store:  store,
		ids:    ids.UUIDv7{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session tracks the suspension points one invocation of one application
// reaches. Begin a new Session for every invocation.
type Session struct {
	r             *Rendezvous
	applicationID string

	mu       sync.Mutex
	ordinals map[string]int
}

// Begin starts a Session for an invocation of applicationID.
func (r *Rendezvous) Begin(applicationID string) *Session {
	return &Session{
		r:             r,
		applicationID: applicationID,
		ordinals:      make(map[string]int),
	}
}

// Await suspends the workflow at the next suspension point of step.
//
// On first reach a token valid for timeout is issued, dispatch is called
// with it, and an error wrapping host.ErrSuspended is returned. Replays of
// the same point return:
//   - the delivered Payload once the token was resumed
//   - a *TimeoutError once the token expired, expiring it first if its
//     window closed but no sweep has run yet
//   - host.ErrSuspended while the token is still pending
//
// dispatch runs again on replay until it has succeeded once.
func (s *Session) Await(ctx context.Context, step string, timeout time.Duration, dispatch DispatchFunc) (Payload, error) {
	s.mu.Lock()
	s.ordinals[step]++
	ordinal := s.ordinals[step]
	s.mu.Unlock()

	r := s.r
	logger := r.logger.With(
		slog.String("application_id", s.applicationID),
		slog.String("step", step),
		slog.Int("ordinal", ordinal),
	)

	cb, found, err := r.store.GetCallback(ctx, s.applicationID, step, ordinal)
	if err != nil {
		return Payload{}, fmt.Errorf("await %s: %w", step, err)
	}
	if !found {
		now := r.now().UTC()
		fresh := progress.Callback{
			CallbackToken: progress.CallbackToken{
				TokenID:   r.ids.Generate(),
				StepName:  step,
				IssuedAt:  now,
				ExpiresAt: now.Add(timeout),
			},
			ApplicationID: s.applicationID,
			Ordinal:       ordinal,
		}
		var inserted bool
		cb, inserted, err = r.store.IssueCallback(ctx, fresh)
		if err != nil {
			return Payload{}, fmt.Errorf("await %s: %w", step, err)
		}
		if inserted {
			logger.Info("callback token issued",
				slog.String("token_id", cb.TokenID),
				slog.Time("expires_at", cb.ExpiresAt),
			)
		}
	}

	switch cb.State {
	case progress.CallbackResumed:
		p, err := ParsePayload(cb.Payload)
		if err != nil {
			return Payload{}, fmt.Errorf("await %s: stored payload: %w", step, err)
		}
		return p, nil
	case progress.CallbackExpired:
		return Payload{}, timeoutOf(cb)
	}

	if cb.Expired(r.now()) {
		err := r.store.ResolveCallback(ctx, s.applicationID, cb.TokenID, progress.CallbackExpired, nil, r.now().UTC())
		switch {
		case err == nil:
			logger.Info("callback token expired", slog.String("token_id", cb.TokenID))
			return Payload{}, timeoutOf(cb)
		case errors.Is(err, progress.ErrUnknownOrExpiredToken):
			// Resolved concurrently; the resolver wakes the run again.
			return Payload{}, suspended(step, cb.TokenID)
		default:
			return Payload{}, fmt.Errorf("await %s: %w", step, err)
		}
	}

	if cb.DispatchedAt == nil {
		if err := dispatch(ctx, cb.CallbackToken); err != nil {
			return Payload{}, fmt.Errorf("dispatch %s callback: %w", step, err)
		}
		if err := r.store.MarkCallbackDispatched(ctx, cb.TokenID, r.now().UTC()); err != nil {
			return Payload{}, fmt.Errorf("await %s: %w", step, err)
		}
		logger.Debug("callback dispatched", slog.String("token_id", cb.TokenID))
	}
	return Payload{}, suspended(step, cb.TokenID)
}

// Resume delivers payload to the suspension holding tokenID. The payload
// is validated before anything is written. Returns
// progress.ErrUnknownOrExpiredToken if tokenID is not the application's
// outstanding token or its window has closed.
func (r *Rendezvous) Resume(ctx context.Context, applicationID, tokenID string, payload []byte) (Payload, error) {
	p, err := ParsePayload(payload)
	if err != nil {
		return Payload{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Payload{}, fmt.Errorf("encode payload: %w", err)
	}
	if err := r.store.ResolveCallback(ctx, applicationID, tokenID, progress.CallbackResumed, data, r.now().UTC()); err != nil {
		return Payload{}, err
	}
	r.logger.Info("callback resumed",
		slog.String("application_id", applicationID),
		slog.String("token_id", tokenID),
		slog.Bool("approved", p.Approved),
	)
	return p, nil
}

// ExpireDue expires every pending callback whose window has closed and
// returns the IDs of the affected applications, in expiry order. Tokens
// resumed while the sweep runs are skipped.
func (r *Rendezvous) ExpireDue(ctx context.Context) ([]string, error) {
	now := r.now().UTC()
	due, err := r.store.DueCallbacks(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("expire due callbacks: %w", err)
	}

	expired := make([]string, 0, len(due))
	for _, cb := range due {
		err := r.store.ResolveCallback(ctx, cb.ApplicationID, cb.TokenID, progress.CallbackExpired, nil, now)
		if errors.Is(err, progress.ErrUnknownOrExpiredToken) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire callback %s: %w", cb.TokenID, err)
		}
		r.logger.Info("callback token expired",
			slog.String("application_id", cb.ApplicationID),
			slog.String("step", cb.StepName),
			slog.String("token_id", cb.TokenID),
		)
		expired = append(expired, cb.ApplicationID)
	}
	return expired, nil
}

func timeoutOf(cb progress.Callback) *TimeoutError {
	return &TimeoutError{Step: cb.StepName, TokenID: cb.TokenID, ExpiresAt: cb.ExpiresAt}
}

func suspended(step, tokenID string) error {
	return fmt.Errorf("awaiting %s callback %s: %w", step, tokenID, host.ErrSuspended)
}
