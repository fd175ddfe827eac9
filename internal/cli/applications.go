package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loanflow/internal/config"
	"github.com/roach88/loanflow/internal/loan"
	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/service"
	"github.com/roach88/loanflow/internal/store"
)

// RecordView renders an application record.
type RecordView struct {
	progress.Record
}

// RenderText writes the record as a status line followed by its
// progress log.
func (v RecordView) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "%s  %s  (step: %s)\n", v.ApplicationID, v.Status, v.CurrentStep)
	if v.CallbackToken != nil {
		fmt.Fprintf(w, "  waiting for %s callback %s until %s\n",
			v.CallbackToken.StepName, v.CallbackToken.TokenID, v.CallbackToken.ExpiresAt.Format(time.RFC3339))
	}
	for _, e := range v.Log {
		fmt.Fprintf(w, "  %s  %-5s %-16s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Step, e.Message)
	}
	if len(v.Result) > 0 && string(v.Result) != "null" {
		fmt.Fprintf(w, "  result: %s\n", v.Result)
	}
	return nil
}

// session is an open database with a service in synchronous mode: each
// command drives the affected workflow to its next suspension before it
// returns.
type session struct {
	st     *store.Store
	svc    *service.Service
	logger *slog.Logger
}

func openSession(cfg *config.Config, logger *slog.Logger) (*session, error) {
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	svc, err := service.New(st, cfg.Service(),
		service.WithLogger(logger),
		service.WithSynchronousRuns(),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create service", err)
	}
	return &session{st: st, svc: svc, logger: logger}, nil
}

// wait blocks until applicationID is terminal or d elapses, so an
// in-process fraud check can deliver its verdict. Zero returns at once.
func (s *session) wait(ctx context.Context, applicationID string, d time.Duration) (progress.Record, error) {
	if d <= 0 {
		return s.svc.Status(ctx, applicationID)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	rec, err := s.svc.WaitForTerminal(ctx, applicationID, 100*time.Millisecond)
	if err != nil && ctx.Err() != nil {
		return rec, nil
	}
	return rec, err
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.svc.Close(ctx); err != nil {
		s.logger.Error("error stopping service", slog.Any("error", err))
	}
	if err := s.st.Close(); err != nil {
		s.logger.Error("error closing database", slog.Any("error", err))
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Application loan.Application
	Wait        time.Duration
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a loan application",
		Long: `Submit a loan application and run it up to its first wait.

Small loans stop at the fraud check, large ones at manager approval.
With --wait the command keeps the fraud service running until the
application finishes or the wait elapses.

Examples:
  loanflow submit --name "Alice Smith" --ssn 1111 --amount 50000 --wait 10s
  loanflow submit --name "Dana White" --ssn 4444 --amount 150000 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Application.ApplicationID, "id", "", "application ID (generated if empty)")
	f.StringVar(&opts.Application.ApplicantName, "name", "", "applicant name")
	f.StringVar(&opts.Application.SSNLast4, "ssn", "", "last four digits of the applicant's SSN")
	f.Int64Var(&opts.Application.LoanAmount, "amount", 0, "requested loan amount in dollars")
	f.Int64Var(&opts.Application.AnnualIncome, "income", 0, "annual income in dollars")
	f.StringVar(&opts.Application.LoanPurpose, "purpose", "", "loan purpose")
	f.DurationVar(&opts.Wait, "wait", 0, "wait for the application to finish")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("ssn")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	rec, err := s.svc.Submit(ctx, opts.Application)
	if err != nil {
		return out.Fail("submit failed", err)
	}
	out.VerboseLog("submitted %s", rec.ApplicationID)

	rec, err = s.wait(ctx, rec.ApplicationID, opts.Wait)
	if err != nil {
		return out.Fail("status failed", err)
	}
	return out.Success(RecordView{rec})
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <application-id>",
		Short: "Show an application's status and progress log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DB)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer func() {
				if closeErr := st.Close(); closeErr != nil {
					logger.Error("error closing database", slog.Any("error", closeErr))
				}
			}()

			out := rootOpts.formatter(cmd)
			rec, err := st.Get(commandContext(cmd), args[0])
			if err != nil {
				return out.Fail("status failed", err)
			}
			return out.Success(RecordView{rec})
		},
	}
}

// ApproveOptions holds flags for the approve command.
type ApproveOptions struct {
	*RootOptions
	Deny   bool
	Reason string
	Actor  string
	Wait   time.Duration
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApproveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approve <application-id>",
		Short: "Record a manager decision",
		Long: `Approve or deny an application waiting for manager approval.

Examples:
  loanflow approve LOAN-1736933400-7F3A --actor manager@example.com --wait 10s
  loanflow approve LOAN-1736933400-7F3A --deny --reason "Debt ratio too high"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprove(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Deny, "deny", false, "deny instead of approve")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason for the decision")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "who decided")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "wait for the application to finish")

	return cmd
}

func runApprove(cmd *cobra.Command, opts *ApproveOptions, applicationID string) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	out := opts.formatter(cmd)
	ctx := commandContext(cmd)

	_, err = s.svc.Approve(ctx, applicationID, service.Decision{
		Approved: !opts.Deny,
		Reason:   opts.Reason,
		Actor:    opts.Actor,
	})
	if err != nil {
		return out.Fail("approve failed", err)
	}

	rec, err := s.wait(ctx, applicationID, opts.Wait)
	if err != nil {
		return out.Fail("status failed", err)
	}
	return out.Success(RecordView{rec})
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "resume <application-id> <token-id> <payload-json>",
		Short: "Deliver a callback payload",
		Long: `Resume a suspended application with a callback payload, as an external
service would.

Example:
  loanflow resume LOAN-1736933400-7F3A 0194b3c2-... '{"approved":true,"actor":"FraudCheckService-v2"}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(args[2])) {
				return NewExitError(ExitCommandError, "payload is not valid JSON")
			}
			s, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()

			out := rootOpts.formatter(cmd)
			ctx := commandContext(cmd)
			if _, err := s.svc.Resume(ctx, args[0], args[1], []byte(args[2])); err != nil {
				return out.Fail("resume failed", err)
			}
			rec, err := s.wait(ctx, args[0], wait)
			if err != nil {
				return out.Fail("status failed", err)
			}
			return out.Success(RecordView{rec})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait for the application to finish")
	return cmd
}

// SweepResult lists the applications whose callbacks expired.
type SweepResult struct {
	Expired []string `json:"expired"`
}

// RenderText implements TextRenderer.
func (r SweepResult) RenderText(w io.Writer) error {
	if len(r.Expired) == 0 {
		_, err := fmt.Fprintln(w, "No expired callbacks.")
		return err
	}
	for _, id := range r.Expired {
		fmt.Fprintf(w, "expired: %s\n", id)
	}
	return nil
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue callbacks once",
		Long: `Expire every callback whose wait window has closed and let the affected
applications observe the timeout. serve does this periodically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()

			out := rootOpts.formatter(cmd)
			expired, err := s.svc.Sweep(commandContext(cmd))
			if err != nil {
				return out.Fail("sweep failed", err)
			}
			return out.Success(SweepResult{Expired: expired})
		},
	}
}
