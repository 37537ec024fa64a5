package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	policyInvocationCounter metric.Int64Counter
	policyHaltCounter       metric.Int64Counter
	policyLatencyHistogram  metric.Float64Histogram
)

// InvocationMetrics captures a single invocation of a policy body.
type InvocationMetrics struct {
	Policy   string
	Halted   bool
	Failed   bool
	Duration time.Duration
}

// RecordInvocation emits counters and histograms describing a policy invocation.
func RecordInvocation(ctx context.Context, m InvocationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("policy.name", m.Policy),
		attribute.Bool("policy.halted", m.Halted),
		attribute.Bool("policy.error", m.Failed),
	)

	policyInvocationCounter.Add(ctx, 1, attrs)
	if m.Halted {
		policyHaltCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("policy.name", m.Policy)))
	}
	if m.Duration > 0 {
		policyLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		policyInvocationCounter, metricsInitErr = meter.Int64Counter(
			"policy.invocations_total",
			metric.WithDescription("Policy invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		policyHaltCounter, metricsInitErr = meter.Int64Counter(
			"policy.halts_total",
			metric.WithDescription("Policy invocations that did not continue the chain"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		policyLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"policy.duration_ms",
			metric.WithDescription("Time spent in a policy, downstream included"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
