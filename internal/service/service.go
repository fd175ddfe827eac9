package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/loanflow/internal/fraudcheck"
	"github.com/roach88/loanflow/internal/host"
	"github.com/roach88/loanflow/internal/ids"
	"github.com/roach88/loanflow/internal/loan"
	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/rendezvous"
	"github.com/roach88/loanflow/internal/store"
)

// ErrNoPendingApproval is returned by Approve when the application is not
// waiting for a manager.
var ErrNoPendingApproval = errors.New("no manager approval pending")

// Config holds the tunables of the service.
type Config struct {
	Workflow       loan.Config
	FraudDelay     time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workflow:       loan.DefaultConfig(),
		FraudDelay:     fraudcheck.DefaultDelay,
		MaxAttempts:    host.DefaultMaxAttempts,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		SweepInterval:  5 * time.Second,
	}
}

// Decision is a manager's answer to an approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

// Service is the application entry point.
//
// By default workflow invocations run asynchronously: Submit and Resume
// return as soon as the invocation is scheduled. WithSynchronousRuns makes
// them run the invocation before returning.
type Service struct {
	store    *store.Store
	runtime  *host.Runtime
	rv       *rendezvous.Rendezvous
	workflow *loan.Workflow
	sim      *fraudcheck.Simulator

	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics
	appIDs  ids.Generator
	sync    bool
}

type options struct {
	now            func() time.Time
	logger         *slog.Logger
	tokenIDs       ids.Generator
	appIDs         ids.Generator
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	fraud          loan.FraudChecker
	notifier       loan.ApprovalNotifier
	sync           bool
}

// Option configures a Service.
type Option func(*options)

// WithClock overrides the wall clock of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTokenIDs overrides the callback token generator.
func WithTokenIDs(g ids.Generator) Option {
	return func(o *options) {
		o.tokenIDs = g
	}
}

// WithApplicationIDs overrides the generator of application IDs.
func WithApplicationIDs(g ids.Generator) Option {
	return func(o *options) {
		o.appIDs = g
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. The global provider
// is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the runtime.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithFraudChecker replaces the built-in fraud-check simulator.
func WithFraudChecker(f loan.FraudChecker) Option {
	return func(o *options) {
		o.fraud = f
	}
}

// WithApprovalNotifier sets the side effect run when a manager approval is
// requested.
func WithApprovalNotifier(n loan.ApprovalNotifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithSynchronousRuns runs workflow invocations on the caller's goroutine.
func WithSynchronousRuns() Option {
	return func(o *options) {
		o.sync = true
	}
}

// New wires a Service over st.
func New(st *store.Store, cfg Config, opts ...Option) (*Service, error) {
	o := options{
		now:            time.Now,
		logger:         slog.Default(),
		tokenIDs:       ids.UUIDv7{},
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.appIDs == nil {
		o.appIDs = ids.ApplicationIDs{Now: o.now}
	}

	s := &Service{
		store:   st,
		cfg:     cfg,
		now:     o.now,
		logger:  o.logger,
		metrics: newMetrics(o.meterProvider.Meter(meterName)),
		appIDs:  o.appIDs,
		sync:    o.sync,
	}

	s.rv = rendezvous.New(st,
		rendezvous.WithClock(o.now),
		rendezvous.WithIDs(o.tokenIDs),
		rendezvous.WithLogger(o.logger),
	)

	fraud := o.fraud
	if fraud == nil {
		s.sim = fraudcheck.New(s.deliverVerdict,
			fraudcheck.WithDelay(cfg.FraudDelay),
			fraudcheck.WithLogger(o.logger),
		)
		fraud = s.sim
	}

	wfOpts := []loan.Option{
		loan.WithConfig(cfg.Workflow),
		loan.WithClock(o.now),
		loan.WithLogger(o.logger),
	}
	if o.notifier != nil {
		wfOpts = append(wfOpts, loan.WithApprovalNotifier(o.notifier))
	}
	wf, err := loan.NewWorkflow(st, s.rv, fraud, wfOpts...)
	if err != nil {
		return nil, err
	}
	s.workflow = wf

	s.runtime = host.New(st, wf.Run,
		host.WithLogger(o.logger),
		host.WithTracer(o.tracerProvider.Tracer("github.com/roach88/loanflow/internal/host")),
		host.WithMaxAttempts(cfg.MaxAttempts),
		host.WithBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
	)
	return s, nil
}

// Runtime returns the host runtime driving the workflow.
func (s *Service) Runtime() *host.Runtime { return s.runtime }

// Submit validates app, records it and starts its workflow. An empty
// application ID is generated; empty optional fields get their defaults.
// Returns a *loan.ValidationError for a malformed application and
// progress.ErrAlreadyExists for a duplicate ID.
func (s *Service) Submit(ctx context.Context, app loan.Application) (progress.Record, error) {
	app = app.WithDefaults()
	if app.ApplicationID == "" {
		app.ApplicationID = s.appIDs.Generate()
	}
	if err := s.workflow.Validator().Validate(app); err != nil {
		return progress.Record{}, err
	}

	now := s.now().UTC()
	rec := progress.Record{
		ApplicationID: app.ApplicationID,
		ApplicantName: app.ApplicantName,
		LoanAmount:    app.LoanAmount,
		Status:        progress.StatusSubmitted,
		CurrentStep:   "submitted",
		Log: []progress.Entry{{
			Timestamp: now,
			Step:      "submitted",
			Message:   "Application received",
			Level:     progress.LevelInfo,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	input, err := json.Marshal(app)
	if err != nil {
		return progress.Record{}, fmt.Errorf("encode application: %w", err)
	}
	if err := s.store.CreateWithRun(ctx, rec, input); err != nil {
		return progress.Record{}, fmt.Errorf("submit %s: %w", app.ApplicationID, err)
	}
	s.metrics.recordSubmitted(ctx)
	s.logger.Info("application submitted",
		slog.String("application_id", app.ApplicationID),
		slog.Int64("loan_amount", app.LoanAmount),
	)

	s.drive(ctx, app.ApplicationID)
	return s.Status(ctx, app.ApplicationID)
}

// Status returns the application's record.
func (s *Service) Status(ctx context.Context, applicationID string) (progress.Record, error) {
	return s.store.Get(ctx, applicationID)
}

// Approve delivers a manager's decision to an application waiting for
// one. A denial without reason gets the default reason.
func (s *Service) Approve(ctx context.Context, applicationID string, d Decision) (rendezvous.Payload, error) {
	rec, err := s.store.Get(ctx, applicationID)
	if err != nil {
		return rendezvous.Payload{}, err
	}
	tok := rec.CallbackToken
	if tok == nil || tok.StepName != loan.StepManagerApproval {
		return rendezvous.Payload{}, fmt.Errorf("approve %s: %w", applicationID, ErrNoPendingApproval)
	}

	if !d.Approved && d.Reason == "" {
		d.Reason = loan.ReasonManagerDenied
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return rendezvous.Payload{}, fmt.Errorf("encode decision: %w", err)
	}

	p, err := s.Resume(ctx, applicationID, tok.TokenID, payload)
	if err != nil {
		return p, err
	}
	s.metrics.recordApproval(ctx, d.Approved)
	return p, nil
}

// Resume delivers payload to the suspension holding tokenID and wakes the
// workflow. Returns progress.ErrUnknownOrExpiredToken for a stale or
// unknown token and rendezvous.ErrMalformedPayload for a bad payload.
func (s *Service) Resume(ctx context.Context, applicationID, tokenID string, payload []byte) (rendezvous.Payload, error) {
	p, err := s.rv.Resume(ctx, applicationID, tokenID, payload)
	if err != nil {
		return p, err
	}
	s.metrics.recordResumed(ctx, p.Approved)
	s.drive(ctx, applicationID)
	return p, nil
}

// Sweep expires every callback whose window closed and wakes the affected
// workflows so they observe the timeout.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	expired, err := s.rv.ExpireDue(ctx)
	for _, id := range expired {
		s.drive(ctx, id)
	}
	return expired, err
}

// Recover wakes every unfinished run, e.g. after a restart.
func (s *Service) Recover(ctx context.Context) (int, error) {
	return s.runtime.Recover(ctx)
}

// RunSweeper sweeps every SweepInterval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("callback sweep failed", slog.Any("error", err))
				continue
			}
			if len(expired) > 0 {
				s.logger.Info("expired callbacks", slog.Int("count", len(expired)))
			}
		}
	}
}

// WaitForTerminal polls the application until it reaches a terminal
// status or ctx is done.
func (s *Service) WaitForTerminal(ctx context.Context, applicationID string, poll time.Duration) (progress.Record, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		rec, err := s.Status(ctx, applicationID)
		if err != nil {
			return rec, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the runtime and the fraud-check simulator.
func (s *Service) Close(ctx context.Context) error {
	err := s.runtime.Shutdown(ctx)
	if s.sim != nil {
		s.sim.Close()
	}
	return err
}

// drive runs or schedules an invocation of applicationID.
func (s *Service) drive(ctx context.Context, applicationID string) {
	if !s.sync {
		s.runtime.Wake(applicationID)
		return
	}
	state, err := s.runtime.Invoke(ctx, applicationID)
	if errors.Is(err, host.ErrRunBusy) {
		// The executing invocation replays once more when it ends.
		s.runtime.Wake(applicationID)
		return
	}
	if err != nil {
		s.logger.Warn("workflow invocation failed",
			slog.String("application_id", applicationID),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}
}

func (s *Service) deliverVerdict(ctx context.Context, applicationID, tokenID string, payload []byte) error {
	_, err := s.Resume(ctx, applicationID, tokenID, payload)
	return err
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
