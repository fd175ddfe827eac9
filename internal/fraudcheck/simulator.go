// Package fraudcheck simulates the external fraud-check service. It
// receives a callback token, works for a while, and resumes the workflow
// with its verdict.
package fraudcheck

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/rendezvous"
)

// ServiceName identifies the simulator in the verdicts it delivers.
const ServiceName = "FraudCheckService-v2"

// DefaultDelay is the simulated processing time.
const DefaultDelay = 5 * time.Second

// ErrClosed is returned by RequestCheck once the simulator is closed.
var ErrClosed = errors.New("fraud check service is closed")

// ResumeFunc delivers a verdict for tokenID.
type ResumeFunc func(ctx context.Context, applicationID, tokenID string, payload []byte) error

// Simulator runs each requested check on its own goroutine.
//
// Thread-safety: RequestCheck is safe from any goroutine.
type Simulator struct {
	resume ResumeFunc
	delay  time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithDelay sets the simulated processing time.
func WithDelay(d time.Duration) Option {
	return func(s *Simulator) {
		s.delay = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		s.logger = l
	}
}

// New creates a Simulator that reports through resume.
func New(resume ResumeFunc, opts ...Option) *Simulator {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		resume: resume,
		delay:  DefaultDelay,
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verdict is the payload the simulator resumes with.
func Verdict() rendezvous.Payload {
	return rendezvous.Payload{
		Approved: true,
		Actor:    ServiceName,
		Details: map[string]string{
			"fraud_check":     "passed",
			"risk_indicators": "0",
		},
	}
}

// RequestCheck accepts a check and returns immediately. The verdict is
// delivered later through the ResumeFunc. Returns ErrClosed once the
// simulator was closed.
func (s *Simulator) RequestCheck(_ context.Context, applicationID, applicantName string, token progress.CallbackToken) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("fraud check started",
		slog.String("application_id", applicationID),
		slog.String("applicant_name", applicantName),
		slog.String("token_id", token.TokenID),
	)
	go func() {
		defer s.wg.Done()
		s.process(applicationID, token)
	}()
	return nil
}

func (s *Simulator) process(applicationID string, token progress.CallbackToken) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return
		}
	}

	payload, err := json.Marshal(Verdict())
	if err != nil {
		s.logger.Error("encode fraud verdict", slog.Any("error", err))
		return
	}

	// Only store outages are worth retrying; a rejected token stays rejected.
	op := func() error {
		err := s.resume(s.ctx, applicationID, token.TokenID, payload)
		if err != nil && !errors.Is(err, progress.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), s.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.logger.Warn("fraud check verdict not delivered",
			slog.String("application_id", applicationID),
			slog.String("token_id", token.TokenID),
			slog.Any("error", err),
		)
		return
	}
	s.logger.Info("fraud check passed, callback sent",
		slog.String("application_id", applicationID),
		slog.String("token_id", token.TokenID),
	)
}

// Wait blocks until every accepted check has delivered its verdict or
// given up.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// Close abandons pending checks and waits for their goroutines.
func (s *Simulator) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
