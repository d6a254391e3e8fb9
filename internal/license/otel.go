package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-controller"
	MeterName  = "license-controller"
)

// LicenseMetrics holds the license-specific OpenTelemetry instruments.
type LicenseMetrics struct {
	FetchAttempts      metric.Int64Counter
	FetchFailures      metric.Int64Counter
	FetchDuration      metric.Float64Histogram
	FailOpenTotal      metric.Int64Counter
	DroppedTicks       metric.Int64Counter
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	GateDecisions      metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	m := &LicenseMetrics{}
	var err error

	if m.FetchAttempts, err = meter.Int64Counter("license_fetch_attempts_total",
		metric.WithDescription("Total number of license status fetches")); err != nil {
		return nil, fmt.Errorf("failed to create fetch attempts counter: %w", err)
	}
	if m.FetchFailures, err = meter.Int64Counter("license_fetch_failures_total",
		metric.WithDescription("License status fetches that failed in transport")); err != nil {
		return nil, fmt.Errorf("failed to create fetch failures counter: %w", err)
	}
	if m.FetchDuration, err = meter.Float64Histogram("license_fetch_duration_seconds",
		metric.WithDescription("License status fetch duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create fetch duration histogram: %w", err)
	}
	if m.FailOpenTotal, err = meter.Int64Counter("license_fail_open_total",
		metric.WithDescription("Times a fail-open snapshot was substituted")); err != nil {
		return nil, fmt.Errorf("failed to create fail-open counter: %w", err)
	}
	if m.DroppedTicks, err = meter.Int64Counter("license_refresh_dropped_total",
		metric.WithDescription("Refresh triggers dropped because one was already in flight")); err != nil {
		return nil, fmt.Errorf("failed to create dropped ticks counter: %w", err)
	}
	if m.ActivationAttempts, err = meter.Int64Counter("license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts")); err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}
	if m.ActivationSuccess, err = meter.Int64Counter("license_activation_success_total",
		metric.WithDescription("Total number of successful license activations")); err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}
	if m.ActivationFailures, err = meter.Int64Counter("license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations")); err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}
	if m.ActivationDuration, err = meter.Float64Histogram("license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}
	if m.GateDecisions, err = meter.Int64Counter("license_gate_decisions_total",
		metric.WithDescription("Authorization verdicts by request kind and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create gate decisions counter: %w", err)
	}

	return m, nil
}

func (m *LicenseMetrics) recordFetch(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchAttempts.Add(ctx, 1)
	m.FetchDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.FetchFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error_type", classifyLicenseError(err))))
		m.FailOpenTotal.Add(ctx, 1)
	}
}

func (m *LicenseMetrics) recordDroppedTick(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.DroppedTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *LicenseMetrics) recordActivation(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1)
	m.ActivationDuration.Record(ctx, duration.Seconds())
	if err == nil {
		m.ActivationSuccess.Add(ctx, 1)
		return
	}
	m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", classifyLicenseError(err))))
}

func (m *LicenseMetrics) recordVerdict(ctx context.Context, req Request, v Verdict) {
	if m == nil {
		return
	}
	m.GateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", req.Kind.String()),
		attribute.Bool("licensed", v.Licensed),
	))
}
