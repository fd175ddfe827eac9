// Package api is the HTTP surface of loanflow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/loanflow/internal/loan"
	"github.com/roach88/loanflow/internal/progress"
	"github.com/roach88/loanflow/internal/rendezvous"
	"github.com/roach88/loanflow/internal/service"
)

// Service is the application logic behind the handlers.
type Service interface {
	Submit(ctx context.Context, app loan.Application) (progress.Record, error)
	Status(ctx context.Context, applicationID string) (progress.Record, error)
	Approve(ctx context.Context, applicationID string, d service.Decision) (rendezvous.Payload, error)
	Resume(ctx context.Context, applicationID, tokenID string, payload []byte) (rendezvous.Payload, error)
	Ping(ctx context.Context) error
}

// ApplyRequest is the body of POST /apply.
type ApplyRequest struct {
	Name         string `json:"name"`
	SIN          string `json:"sin"`
	LoanAmount   int64  `json:"loan_amount"`
	AnnualIncome int64  `json:"annual_income,omitempty"`
	LoanPurpose  string `json:"loan_purpose,omitempty"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// ApplyResponse is returned by POST /apply.
type ApplyResponse struct {
	ApplicationID string `json:"application_id"`
}

// ApprovalResponse is returned by POST /approve/:id.
type ApprovalResponse struct {
	Status   string `json:"status"`
	Approved bool   `json:"approved"`
}

// CallbackRequest is the body of POST /callbacks/:id.
type CallbackRequest struct {
	TokenID string          `json:"token_id"`
	Payload json.RawMessage `json:"payload"`
}

// CallbackResponse is returned by POST /callbacks/:id.
type CallbackResponse struct {
	Status   string `json:"status"`
	Approved bool   `json:"approved"`
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	svc    Service
	logger *slog.Logger
	tp     trace.TracerProvider
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTracerProvider sets the provider used by the tracing middleware.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tp = tp
	}
}

// NewServer creates a Server over svc.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		logger: slog.Default(),
		tp:     otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the echo instance serving every route.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("loanflow", otelecho.WithTracerProvider(s.tp)))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)
	e.POST("/apply", s.Apply)
	e.GET("/status/:id", s.GetStatus)
	e.POST("/approve/:id", s.Approve)
	e.POST("/callbacks/:id", s.Callback)
	return e
}

// Health reports whether the store is reachable.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	if err := s.svc.Ping(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Apply submits a loan application.
// (POST /apply)
func (s *Server) Apply(c echo.Context) error {
	var req ApplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}
	req.Name = strings.TrimSpace(req.Name)
	req.SIN = strings.TrimSpace(req.SIN)
	if req.Name == "" || req.SIN == "" || req.LoanAmount == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing required fields: name, sin, loan_amount")
	}

	rec, err := s.svc.Submit(c.Request().Context(), loan.Application{
		ApplicantName: req.Name,
		SSNLast4:      req.SIN,
		AnnualIncome:  req.AnnualIncome,
		LoanAmount:    req.LoanAmount,
		LoanPurpose:   req.LoanPurpose,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ApplyResponse{ApplicationID: rec.ApplicationID})
}

// GetStatus returns the progress record of an application.
// (GET /status/:id)
func (s *Server) GetStatus(c echo.Context) error {
	rec, err := s.svc.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Approve delivers a manager decision.
// (POST /approve/:id)
func (s *Server) Approve(c echo.Context) error {
	var d service.Decision
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}
	p, err := s.svc.Approve(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ApprovalResponse{Status: "approval_sent", Approved: p.Approved})
}

// Callback resumes a suspended workflow with an external actor's payload.
// (POST /callbacks/:id)
func (s *Server) Callback(c echo.Context) error {
	var req CallbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}
	if req.TokenID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing required field: token_id")
	}
	p, err := s.svc.Resume(c.Request().Context(), c.Param("id"), req.TokenID, req.Payload)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, CallbackResponse{Status: "resumed", Approved: p.Approved})
}

func toHTTPError(err error) *echo.HTTPError {
	var ve *loan.ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, rendezvous.ErrMalformedPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, progress.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Application not found")
	case errors.Is(err, service.ErrNoPendingApproval):
		return echo.NewHTTPError(http.StatusBadRequest, "No pending approval for this application")
	case errors.Is(err, progress.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "Application already exists")
	case errors.Is(err, progress.ErrUnknownOrExpiredToken):
		return echo.NewHTTPError(http.StatusConflict, "Unknown or expired callback token")
	case errors.Is(err, progress.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Store unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
