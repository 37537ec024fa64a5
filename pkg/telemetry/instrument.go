package telemetry

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-actionpolicy/pkg/policy"
	"github.com/polisai/polis-actionpolicy/pkg/policy/rego"
)

// Instrument wraps a policy body so each invocation opens a span named
// "policy.<name>" and records invocation metrics. The span is parented on the
// context carried by the action, if any.
//
// The wrapped middleware is applied to next once per invocation so that the
// halt flag is tracked per call.
func Instrument(name string, bind policy.BindFunc) policy.BindFunc {
	if bind == nil {
		return nil
	}

	return func(store any) policy.Middleware {
		mw := bind(store)
		if mw == nil {
			return nil
		}
		tracer := otel.Tracer(instrumentationName)

		return func(next policy.Continuation) policy.Continuation {
			return func(action any, err error, response any) any {
				ctx, span := tracer.Start(policy.ActionContext(action), "policy."+name,
					trace.WithAttributes(attribute.String("policy.name", name)))
				defer span.End()

				start := time.Now()
				continued := false
				var downstreamErr error
				result := mw(func(a any, e error, r any) any {
					continued = true
					downstreamErr = e
					span.AddEvent("policy.continue")
					return next(a, e, r)
				})(action, err, response)

				failed := downstreamErr != nil && !errors.Is(downstreamErr, err)
				if decision, ok := result.(rego.Decision); ok {
					RecordDecision(span, decision)
				} else if reason, ok := result.(error); ok && !continued {
					span.SetAttributes(attribute.String("policy.halt_reason", reason.Error()))
				}
				if failed {
					span.RecordError(downstreamErr)
					span.SetStatus(codes.Error, downstreamErr.Error())
				}
				span.SetAttributes(attribute.Bool("policy.halted", !continued))

				RecordInvocation(ctx, InvocationMetrics{
					Policy:   name,
					Halted:   !continued,
					Failed:   failed,
					Duration: time.Since(start),
				})
				return result
			}
		}
	}
}

// RecordDecision annotates the span with a Rego decision outcome.
func RecordDecision(span trace.Span, decision rego.Decision) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.decision.action", string(decision.Action)))
	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}
	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}
	if decision.Action == rego.ActionBlock {
		span.AddEvent("policy.blocked")
	}
}
