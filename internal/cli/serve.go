package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/loanflow/internal/api"
	"github.com/roach88/loanflow/internal/config"
	"github.com/roach88/loanflow/internal/service"
	"github.com/roach88/loanflow/internal/store"
)

// shutdownTimeout bounds how long serve waits for in-flight work on exit.
const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run workflows",
		Long: `Start the loanflow HTTP API.

The server opens the SQLite database (creating it if it doesn't exist),
resumes every application left unfinished by a previous process, and
sweeps expired callbacks in the background.

Example:
  loanflow serve --db ./loanflow.db --addr :8080
  loanflow serve --config loanflow.yaml --step-delay 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg, logger)
		},
	}

	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().Duration("step-delay", 0, "pause inside every workflow step")
	cmd.Flags().Duration("fraud-delay", 0, "delay of the simulated fraud service")

	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("opening database", slog.String("path", cfg.DB))
	st, err := store.Open(cfg.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", slog.Any("error", closeErr))
		}
	}()

	svc, err := service.New(st, cfg.Service(), service.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create service", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	n, err := svc.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover runs", err)
	}
	logger.Info("recovered unfinished applications", slog.Int("count", n))

	e := api.NewServer(svc, api.WithLogger(logger)).Handler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return errors.Join(e.Shutdown(shutdownCtx), svc.Close(shutdownCtx))
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", cfg.HTTP.Addr)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
