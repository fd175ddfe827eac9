package loan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/loanflow/internal/host"
	"github.com/roach88/loanflow/internal/journal"
	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/rendezvous"
)

// Progress log step names.
const (
	StepValidating      = "validating"
	StepCreditCheck     = "credit_check"
	StepRiskAssessment  = "risk_assessment"
	StepManagerApproval = "manager_approval"
	StepFraudCheck      = "fraud_check"
	StepGeneratingOffer = "generating_offer"
	StepDisbursing      = "disbursing"
	StepComplete        = "complete"
	StepError           = "error"
)

// Default denial reasons.
const (
	ReasonManagerDenied   = "Manager denied the application"
	ReasonManagerTimedOut = "Manager approval timed out"
	ReasonFraudFailed     = "Fraud check failed"
)

var money = message.NewPrinter(language.English)

// Config holds the workflow's business thresholds and wait windows.
type Config struct {
	// ManagerApprovalThreshold is the loan amount from which a manager
	// must approve.
	ManagerApprovalThreshold int64
	ManagerApprovalTimeout   time.Duration
	FraudCheckTimeout        time.Duration

	// StepDelay is slept inside every business step so pollers can watch
	// progress. Zero disables it.
	StepDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ManagerApprovalThreshold: 100000,
		ManagerApprovalTimeout:   30 * time.Minute,
		FraudCheckTimeout:        5 * time.Minute,
	}
}

// FraudChecker hands a fraud-check request to the external fraud service.
// The service answers later by resuming token; RequestCheck must not wait
// for that answer.
type FraudChecker interface {
	RequestCheck(ctx context.Context, applicationID, applicantName string, token progress.CallbackToken) error
}

// ApprovalNotifier tells managers that an application awaits their
// decision. The token itself is already readable from the record.
type ApprovalNotifier func(ctx context.Context, applicationID string, loanAmount int64, token progress.CallbackToken) error

// Result is the terminal result stored on the record.
type Result struct {
	ApplicationID   string          `json:"application_id"`
	ApplicantName   string          `json:"applicant_name"`
	Status          progress.Status `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	RiskTier        string          `json:"risk_tier,omitempty"`
	AverageScore    float64         `json:"average_score,omitempty"`
	OfferID         string          `json:"offer_id,omitempty"`
	LoanAmount      int64           `json:"loan_amount,omitempty"`
	AnnualRate      float64         `json:"annual_rate,omitempty"`
	MonthlyPayment  float64         `json:"monthly_payment,omitempty"`
	TermMonths      int             `json:"term_months,omitempty"`
	DisbursementRef string          `json:"disbursement_ref,omitempty"`
}

// Workflow is the loan-application orchestrator.
type Workflow struct {
	store     journal.Store
	rv        *rendezvous.Rendezvous
	fraud     FraudChecker
	validator *Validator
	notify    ApprovalNotifier
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(w *Workflow) {
		w.cfg = cfg
	}
}

// WithClock overrides the clock used to timestamp progress entries.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// WithApprovalNotifier sets the side effect run when a manager approval is
// first requested.
func WithApprovalNotifier(n ApprovalNotifier) Option {
	return func(w *Workflow) {
		w.notify = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = l
	}
}

// NewWorkflow builds the orchestrator.
func NewWorkflow(store journal.Store, rv *rendezvous.Rendezvous, fraud FraudChecker, opts ...Option) (*Workflow, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		store:     store,
		rv:        rv,
		fraud:     fraud,
		validator: v,
		cfg:       DefaultConfig(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notify == nil {
		w.notify = w.logApprovalRequest
	}
	return w, nil
}

// Validator returns the schema validator, for checks at submission time.
func (w *Workflow) Validator() *Validator { return w.validator }

// Run is the host.WorkflowFunc of one application. The run ID is the
// application ID and input is the JSON-encoded Application.
//
// Any failure other than suspension is recorded as an error-level "error"
// entry with status failed and returned to the host, whose retry policy
// decides what happens next. Every failed attempt gets its own entry; a
// retry that reaches a suspension restores the status the failure
// overwrote.
func (w *Workflow) Run(hc *host.Context, input []byte) error {
	ctx := hc.Context()
	lg, err := journal.Open(ctx, w.store, hc.RunID(),
		journal.WithTrace(hc.Logger()),
		journal.WithClock(w.now),
	)
	if err != nil {
		return err
	}

	err = w.run(hc, lg, input)
	if err == nil || errors.Is(err, host.ErrSuspended) {
		if recErr := lg.Reconcile(ctx); recErr != nil {
			return recErr
		}
		return err
	}

	if logErr := lg.Log(ctx, journal.Entry{
		Step:    StepError,
		Message: "Workflow error: " + err.Error(),
		Status:  progress.StatusFailed,
		Level:   progress.LevelError,
		Attempt: true,
	}); logErr != nil {
		return errors.Join(err, logErr)
	}
	return err
}

func (w *Workflow) run(hc *host.Context, lg *journal.Logger, input []byte) error {
	ctx := hc.Context()
	session := w.rv.Begin(hc.RunID())

	var app Application
	if err := json.Unmarshal(input, &app); err != nil {
		return host.Permanent(&WorkflowError{Step: StepValidating, Err: fmt.Errorf("decode application: %w", err)})
	}

	// Validate.
	if err := lg.Info(ctx, StepValidating, "Validating loan application...", progress.StatusProcessing); err != nil {
		return err
	}
	validated, err := host.Step(hc, "validate", func(ctx context.Context) (ValidatedApplication, error) {
		if err := w.pause(ctx); err != nil {
			return ValidatedApplication{}, err
		}
		va, err := ValidateApplication(w.validator, app)
		if err != nil {
			return va, host.Permanent(err)
		}
		return va, nil
	})
	if err != nil {
		return err
	}
	hc.Logger().Info("application validated",
		slog.Int64("loan_amount", validated.LoanAmount),
		slog.String("loan_purpose", validated.LoanPurpose),
		slog.Float64("estimated_dti", validated.EstimatedDTI),
	)
	if err := lg.Info(ctx, StepValidating, "Application validated successfully", progress.StatusProcessing); err != nil {
		return err
	}

	// Credit check.
	if err := lg.Info(ctx, StepCreditCheck, fmt.Sprintf("Pulling credit reports from %d bureaus...", len(Bureaus)), progress.StatusProcessing); err != nil {
		return err
	}
	pulls := make([]func(context.Context) (CreditReport, error), len(Bureaus))
	for i, bureau := range Bureaus {
		pulls[i] = func(ctx context.Context) (CreditReport, error) {
			if err := w.pause(ctx); err != nil {
				return CreditReport{}, err
			}
			return PullCreditReport(bureau, validated.SSNLast4)
		}
	}
	reports, err := host.Parallel(hc, "credit_report", pulls)
	if err != nil {
		return err
	}
	if err := lg.Info(ctx, StepCreditCheck, "Credit scores received: "+formatScores(reports), progress.StatusProcessing); err != nil {
		return err
	}

	// Risk assessment.
	if err := lg.Info(ctx, StepRiskAssessment, "Calculating risk score...", progress.StatusProcessing); err != nil {
		return err
	}
	risk, err := host.Step(hc, "risk", func(ctx context.Context) (RiskAssessment, error) {
		if err := w.pause(ctx); err != nil {
			return RiskAssessment{}, err
		}
		return AssessRisk(reports, validated.SSNLast4, validated.LoanAmount)
	})
	if err != nil {
		return err
	}
	if err := lg.Info(ctx, StepRiskAssessment,
		fmt.Sprintf("Risk tier: %s, avg score: %.1f, decision: %s", risk.RiskTier, risk.AverageScore, risk.Decision),
		progress.StatusProcessing,
	); err != nil {
		return err
	}
	if risk.Decision == DecisionDenied {
		result := w.denial(validated, fmt.Sprintf("Application denied: risk tier %s, avg credit score %.1f", risk.RiskTier, risk.AverageScore))
		result.RiskTier = risk.RiskTier
		result.AverageScore = risk.AverageScore
		return w.finish(ctx, lg, StepRiskAssessment, "Application denied", result)
	}

	// Manager approval.
	if validated.LoanAmount >= w.cfg.ManagerApprovalThreshold {
		msg := money.Sprintf("Manager approval required for loans >= $%d (requested: $%d)",
			w.cfg.ManagerApprovalThreshold, validated.LoanAmount)
		if err := lg.Info(ctx, StepManagerApproval, msg, progress.StatusPendingApproval); err != nil {
			return err
		}

		decision, err := session.Await(ctx, StepManagerApproval, w.cfg.ManagerApprovalTimeout,
			func(ctx context.Context, tok progress.CallbackToken) error {
				return w.notify(ctx, validated.ApplicationID, validated.LoanAmount, tok)
			})
		switch {
		case errors.Is(err, rendezvous.ErrCallbackTimeout):
			return w.finish(ctx, lg, StepManagerApproval, ReasonManagerTimedOut, w.denial(validated, ReasonManagerTimedOut))
		case err != nil:
			return err
		case !decision.Approved:
			reason := decision.Reason
			if reason == "" {
				reason = ReasonManagerDenied
			}
			return w.finish(ctx, lg, StepManagerApproval, "Application denied by manager", w.denial(validated, reason))
		}
		if err := lg.Info(ctx, StepManagerApproval, "Manager approved the application", progress.StatusProcessing); err != nil {
			return err
		}
	}

	// Fraud check.
	if err := lg.Info(ctx, StepFraudCheck, "Requesting external fraud check service...", progress.StatusProcessing); err != nil {
		return err
	}
	verdict, err := session.Await(ctx, StepFraudCheck, w.cfg.FraudCheckTimeout,
		func(ctx context.Context, tok progress.CallbackToken) error {
			return w.fraud.RequestCheck(ctx, validated.ApplicationID, validated.ApplicantName, tok)
		})
	switch {
	case errors.Is(err, rendezvous.ErrCallbackTimeout):
		return host.Permanent(&WorkflowError{Step: StepFraudCheck, Err: err})
	case err != nil:
		return err
	case !verdict.Approved:
		reason := verdict.Reason
		if reason == "" {
			reason = ReasonFraudFailed
		}
		return w.finish(ctx, lg, StepFraudCheck, "Fraud check failed", w.denial(validated, reason))
	}
	checkedBy := verdict.Actor
	if checkedBy == "" {
		checkedBy = "external service"
	}
	if err := lg.Info(ctx, StepFraudCheck, "Fraud check passed by "+checkedBy, progress.StatusProcessing); err != nil {
		return err
	}

	// Offer.
	if err := lg.Info(ctx, StepGeneratingOffer, "Generating loan offer...", progress.StatusProcessing); err != nil {
		return err
	}
	offer, err := host.Step(hc, "offer", func(ctx context.Context) (Offer, error) {
		if err := w.pause(ctx); err != nil {
			return Offer{}, err
		}
		return GenerateOffer(validated, risk)
	})
	if err != nil {
		return err
	}
	if err := lg.Info(ctx, StepGeneratingOffer,
		money.Sprintf("Offer %s: $%.2f/mo at %.2f%%", offer.OfferID, offer.MonthlyPayment, offer.AnnualRate),
		progress.StatusProcessing,
	); err != nil {
		return err
	}

	// Disbursement.
	if err := lg.Info(ctx, StepDisbursing, "Disbursing funds...", progress.StatusProcessing); err != nil {
		return err
	}
	disbursement, err := host.Step(hc, "disburse", func(ctx context.Context) (Disbursement, error) {
		if err := w.pause(ctx); err != nil {
			return Disbursement{}, err
		}
		return Disburse(offer), nil
	})
	if err != nil {
		return err
	}
	hc.Logger().Info("funds disbursed", slog.String("disbursement_ref", disbursement.DisbursementRef))

	return lg.Log(ctx, journal.Entry{
		Step:    StepComplete,
		Message: "Loan approved and funds disbursed!",
		Status:  progress.StatusApproved,
		Level:   progress.LevelInfo,
		Result: Result{
			ApplicationID:   validated.ApplicationID,
			ApplicantName:   validated.ApplicantName,
			Status:          progress.StatusApproved,
			OfferID:         offer.OfferID,
			LoanAmount:      offer.LoanAmount,
			AnnualRate:      offer.AnnualRate,
			MonthlyPayment:  offer.MonthlyPayment,
			TermMonths:      offer.TermMonths,
			DisbursementRef: disbursement.DisbursementRef,
		},
	})
}

func (w *Workflow) denial(app ValidatedApplication, reason string) Result {
	return Result{
		ApplicationID: app.ApplicationID,
		ApplicantName: app.ApplicantName,
		Status:        progress.StatusDenied,
		Reason:        reason,
	}
}

// finish records a terminal denial.
func (w *Workflow) finish(ctx context.Context, lg *journal.Logger, step, message string, result Result) error {
	return lg.Log(ctx, journal.Entry{
		Step:    step,
		Message: message,
		Status:  progress.StatusDenied,
		Level:   progress.LevelWarn,
		Result:  result,
	})
}

func (w *Workflow) pause(ctx context.Context) error {
	if w.cfg.StepDelay <= 0 {
		return nil
	}
	t := time.NewTimer(w.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Workflow) logApprovalRequest(_ context.Context, applicationID string, loanAmount int64, token progress.CallbackToken) error {
	w.logger.Info("manager approval requested",
		slog.String("application_id", applicationID),
		slog.Int64("loan_amount", loanAmount),
		slog.String("token_id", token.TokenID),
		slog.Time("expires_at", token.ExpiresAt),
	)
	return nil
}

func formatScores(reports []CreditReport) string {
	parts := make([]string, len(reports))
	for i, r := range reports {
		parts[i] = fmt.Sprintf("%s=%d", r.Bureau, r.Score)
	}
	return strings.Join(parts, ", ")
}
