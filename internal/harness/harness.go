package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/loanflow/internal/fraudcheck"
	"github.com/roach88/loanflow/internal/ids"
	"github.com/roach88/loanflow/internal/loan"
	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/rendezvous"
	"github.com/roach88/loanflow/internal/service"
	"github.com/roach88/loanflow/internal/store"
	"github.com/roach88/loanflow/internal/testutil"
)

// ErrNoFraudCheck is reported by a fraud_verdict step for an application
// whose fraud check was never requested or is no longer outstanding.
var ErrNoFraudCheck = errors.New("no fraud check outstanding")

// Harness is the scenario execution engine. It runs scenarios with a
// deterministic clock and deterministic identifiers.
type Harness struct {
	svc    *service.Service
	clock  *testutil.Clock
	fraud  *deferredFraud
	logger *slog.Logger

	submitted []string
}

// Option configures a Run.
type Option func(*Harness)

// WithLogger sends the service's logs to l. Logs are discarded otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// deferredFraud records fraud-check requests and leaves the verdict to a
// fraud_verdict step.
type deferredFraud struct {
	mu        sync.Mutex
	requested map[string]bool
}

func (f *deferredFraud) RequestCheck(_ context.Context, applicationID, _ string, _ progress.CallbackToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested[applicationID] = true
	return nil
}

func (f *deferredFraud) wasRequested(applicationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested[applicationID]
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Execution flow:
//  1. Build a synchronous service over the database
//  2. Execute flow steps, checking expect clauses
//  3. Collect the narrative of every submitted application
//  4. Evaluate assertions against the narratives
//
// An error is returned only if the harness itself cannot run; failed
// expectations are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	clock := testutil.NewClock(time.Time{})
	st, err := store.Open(":memory:", store.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		clock:  clock,
		fraud:  &deferredFraud{requested: make(map[string]bool)},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	var appIDs ids.Generator = ids.NewSequence("LOAN")
	if len(scenario.ApplicationIDs) > 0 {
		appIDs = ids.NewFixed(scenario.ApplicationIDs...)
	}

	cfg := service.DefaultConfig()
	cfg.Workflow.StepDelay = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	if scenario.ApprovalThreshold > 0 {
		cfg.Workflow.ManagerApprovalThreshold = scenario.ApprovalThreshold
	}

	svc, err := service.New(st, cfg,
		service.WithClock(clock.Now),
		service.WithLogger(h.logger),
		service.WithTokenIDs(ids.NewSequence("tok")),
		service.WithApplicationIDs(appIDs),
		service.WithFraudChecker(h.fraud),
		service.WithSynchronousRuns(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	defer svc.Close(context.WithoutCancel(ctx))
	h.svc = svc

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for _, id := range h.submitted {
		rec, err := svc.Status(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", id, err)
		}
		result.Narratives = append(result.Narratives, narrativeOf(rec))
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep runs one flow step and appends its trace event. Step
// failures are checked against the expect clause; only harness failures
// are returned.
func (h *Harness) executeStep(ctx context.Context, seq int, step FlowStep, result *Result) error {
	event := TraceEvent{Seq: seq, Action: step.Action()}

	var stepErr error
	switch event.Action {
	case ActionSubmit:
		s := step.Submit
		rec, err := h.svc.Submit(ctx, loan.Application{
			ApplicationID: s.ApplicationID,
			ApplicantName: s.ApplicantName,
			SSNLast4:      s.SSNLast4,
			AnnualIncome:  s.AnnualIncome,
			LoanAmount:    s.LoanAmount,
			LoanPurpose:   s.LoanPurpose,
		})
		stepErr = err
		if err == nil {
			event.ApplicationID = rec.ApplicationID
			h.submitted = append(h.submitted, rec.ApplicationID)
		}

	case ActionApprove:
		s := step.Approve
		event.ApplicationID = s.Application
		_, stepErr = h.svc.Approve(ctx, s.Application, service.Decision{
			Approved: s.Approved,
			Reason:   s.Reason,
			Actor:    s.Actor,
		})

	case ActionFraudVerdict:
		s := step.FraudVerdict
		event.ApplicationID = s.Application
		stepErr = h.deliverVerdict(ctx, s)

	case ActionResume:
		s := step.Resume
		event.ApplicationID = s.Application
		stepErr = h.resume(ctx, s)

	case ActionAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)

	case ActionSweep:
		_, stepErr = h.svc.Sweep(ctx)

	default:
		return fmt.Errorf("exactly one action is required")
	}

	if stepErr != nil {
		event.Error = stepErr.Error()
	}
	if event.ApplicationID != "" {
		if rec, err := h.svc.Status(ctx, event.ApplicationID); err == nil {
			event.Status = string(rec.Status)
			event.CurrentStep = rec.CurrentStep
		}
	}
	result.Trace = append(result.Trace, event)

	for _, msg := range checkExpect(event, step.Expect) {
		result.AddError(fmt.Sprintf("flow[%d] %s: %s", seq-1, event.Action, msg))
	}
	return nil
}

func (h *Harness) deliverVerdict(ctx context.Context, s *VerdictStep) error {
	rec, err := h.svc.Status(ctx, s.Application)
	if err != nil {
		return err
	}
	tok := rec.CallbackToken
	if !h.fraud.wasRequested(s.Application) || tok == nil || tok.StepName != loan.StepFraudCheck {
		return fmt.Errorf("fraud verdict for %s: %w", s.Application, ErrNoFraudCheck)
	}

	verdict := fraudcheck.Verdict()
	if !s.Approved {
		verdict = rendezvous.Payload{Approved: false, Reason: s.Reason, Actor: fraudcheck.ServiceName}
	}
	payload, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	_, err = h.svc.Resume(ctx, s.Application, tok.TokenID, payload)
	return err
}

func (h *Harness) resume(ctx context.Context, s *ResumeStep) error {
	token := s.Token
	if token == "" {
		rec, err := h.svc.Status(ctx, s.Application)
		if err != nil {
			return err
		}
		if rec.CallbackToken == nil {
			return fmt.Errorf("resume %s: %w", s.Application, progress.ErrUnknownOrExpiredToken)
		}
		token = rec.CallbackToken.TokenID
	}
	_, err := h.svc.Resume(ctx, s.Application, token, []byte(s.Payload))
	return err
}

// resultFields are the string fields of a stored loan result that make it
// into a narrative.
var resultFields = []string{
	"status", "reason", "risk_tier", "offer_id", "disbursement_ref",
}

func narrativeOf(rec progress.Record) Narrative {
	n := Narrative{
		ApplicationID: rec.ApplicationID,
		Status:        string(rec.Status),
		CurrentStep:   rec.CurrentStep,
		Logs:          make([]string, len(rec.Log)),
	}
	for i, e := range rec.Log {
		n.Logs[i] = FormatEntry(e)
	}

	var stored map[string]any
	if len(rec.Result) > 0 && json.Unmarshal(rec.Result, &stored) == nil {
		n.Result = make(map[string]string)
		for k, v := range stored {
			if s, ok := v.(string); ok && slices.Contains(resultFields, k) {
				n.Result[k] = s
			}
		}
	}
	return n
}

// FormatEntry renders a log entry as "level step: message".
func FormatEntry(e progress.Entry) string {
	return fmt.Sprintf("%s %s: %s", e.Level, e.Step, e.Message)
}
