package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/roach88/loanflow/internal/service"

// Metric instrument names.
const (
	MetricSubmitted = "loanflow.applications.submitted"
	MetricApprovals = "loanflow.approvals.processed"
	MetricResumed   = "loanflow.callbacks.resumed"
)

type metrics struct {
	submitted metric.Int64Counter
	approvals metric.Int64Counter
	resumed   metric.Int64Counter
}

// newMetrics creates the service counters. On error the OTel API hands
// back no-op instruments, so failures are ignored.
func newMetrics(meter metric.Meter) *metrics {
	submitted, _ := meter.Int64Counter(MetricSubmitted,
		metric.WithDescription("Loan applications accepted for processing"),
		metric.WithUnit("{application}"),
	)
	approvals, _ := meter.Int64Counter(MetricApprovals,
		metric.WithDescription("Manager decisions delivered"),
		metric.WithUnit("{decision}"),
	)
	resumed, _ := meter.Int64Counter(MetricResumed,
		metric.WithDescription("Callback tokens consumed by a resume"),
		metric.WithUnit("{callback}"),
	)
	return &metrics{submitted: submitted, approvals: approvals, resumed: resumed}
}

func (m *metrics) recordSubmitted(ctx context.Context) {
	m.submitted.Add(ctx, 1)
}

func (m *metrics) recordApproval(ctx context.Context, approved bool) {
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approved", approved)))
}

func (m *metrics) recordResumed(ctx context.Context, approved bool) {
	m.resumed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("approved", approved)))
}
