package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-actionpolicy/pkg/config"
	"github.com/polisai/polis-actionpolicy/pkg/domain"
	"github.com/polisai/polis-actionpolicy/pkg/logging"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
	"github.com/polisai/polis-actionpolicy/pkg/policy/inspect"
	"github.com/polisai/polis-actionpolicy/pkg/policy/ratelimit"
	"github.com/polisai/polis-actionpolicy/pkg/policy/rego"
)

// Built-in policy kinds.
const (
	KindLog       = "log"
	KindBlock     = "block"
	KindReject    = "reject"
	KindRego      = "rego"
	KindInspect   = "inspect"
	KindRateLimit = "ratelimit"
)

// newLogPolicy logs every action and continues unchanged.
func newLogPolicy(_ context.Context, spec config.PolicySpec, logger *slog.Logger) (policy.BindFunc, error) {
	level := logging.ParseLevel(spec.String("level", "info"))
	message := spec.String("message", "policy observed action")
	point := string(spec.Point())

	return func(any) policy.Middleware {
		return func(next policy.Continuation) policy.Continuation {
			return func(action any, err error, response any) any {
				attrs := []slog.Attr{
					slog.String("apply_point", point),
					slog.Any("action", action),
				}
				if response != nil {
					attrs = append(attrs, slog.Any("response", response))
				}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				logger.LogAttrs(policy.ActionContext(action), level, message, attrs...)
				return next(action, err, response)
			}
		}
	}, nil
}

// newBlockPolicy never calls next. The chain returns the configured result.
func newBlockPolicy(_ context.Context, spec config.PolicySpec, logger *slog.Logger) (policy.BindFunc, error) {
	result := spec.Config["result"]

	return func(any) policy.Middleware {
		return func(policy.Continuation) policy.Continuation {
			return func(any, error, any) any {
				logger.Info("policy halted chain")
				return result
			}
		}
	}, nil
}

// newRejectPolicy continues with an error in place of the incoming one.
func newRejectPolicy(_ context.Context, spec config.PolicySpec, _ *slog.Logger) (policy.BindFunc, error) {
	rejection := errors.New(spec.String("message", fmt.Sprintf("rejected by policy %s", spec.Name)))

	return func(any) policy.Middleware {
		return func(next policy.Continuation) policy.Continuation {
			return func(action any, _ error, response any) any {
				return next(action, rejection, response)
			}
		}
	}, nil
}

// newRegoPolicy evaluates a Rego module per action. The module comes from
// config.module (inline) or config.modules (file name to source).
func newRegoPolicy(ctx context.Context, spec config.PolicySpec, logger *slog.Logger) (policy.BindFunc, error) {
	modules := map[string]string{}
	if src := spec.String("module", ""); src != "" {
		modules[spec.Name+".rego"] = src
	}
	if raw, ok := spec.Config["modules"].(map[string]any); ok {
		for name, src := range raw {
			text, ok := src.(string)
			if !ok {
				return nil, fmt.Errorf("rego module %s must be a string, got %T", name, src)
			}
			modules[name] = text
		}
	}

	engine, err := rego.NewEngine(ctx, rego.Options{
		Entrypoint: spec.String("entrypoint", ""),
		Modules:    modules,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return engine.Bind(spec.Name, spec.Point()), nil
}

// newInspectPolicy matches regular-expression rules against the action or the
// response. Entries in config.rules are either names from the standard rule
// set or inline rule objects. The target defaults to the action before the
// request and to the response after it.
func newInspectPolicy(_ context.Context, spec config.PolicySpec, logger *slog.Logger) (policy.BindFunc, error) {
	defaultTarget := string(inspect.TargetAction)
	if spec.Point() == domain.OnResponse {
		defaultTarget = string(inspect.TargetResponse)
	}
	target, err := inspect.ParseTarget(spec.String("target", defaultTarget))
	if err != nil {
		return nil, err
	}

	raw, ok := spec.Config["rules"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("inspect policy %s requires a rules list", spec.Name)
	}

	rules := make([]inspect.Rule, 0, len(raw))
	for _, item := range raw {
		switch typed := item.(type) {
		case string:
			rule, ok := inspect.StandardRules().Resolve(typed)
			if !ok {
				return nil, fmt.Errorf("inspect policy %s references unknown rule %s", spec.Name, typed)
			}
			rules = append(rules, rule)
		case map[string]any:
			rule := inspect.Rule{}
			rule.Name, _ = typed["name"].(string)
			rule.Pattern, _ = typed["pattern"].(string)
			rule.Replacement, _ = typed["replacement"].(string)
			if action, ok := typed["action"].(string); ok {
				rule.Action = inspect.Action(action)
			}
			rules = append(rules, rule)
		default:
			return nil, fmt.Errorf("inspect policy %s: rule must be a name or an object, got %T", spec.Name, item)
		}
	}

	ins, err := inspect.New(rules)
	if err != nil {
		return nil, err
	}
	return ins.Bind(spec.Name, target, logger), nil
}

// newRateLimitPolicy halts actions once the token bucket picked by
// config.key is empty. Buckets live as long as the built policy, so a reload
// starts them full again.
func newRateLimitPolicy(_ context.Context, spec config.PolicySpec, logger *slog.Logger) (policy.BindFunc, error) {
	rps, err := spec.Int("rps", 0)
	if err != nil {
		return nil, err
	}
	burst, err := spec.Int("burst", 0)
	if err != nil {
		return nil, err
	}
	if rps < 0 || burst < 0 {
		return nil, fmt.Errorf("ratelimit policy %s: rps and burst must not be negative", spec.Name)
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		Field:             spec.String("key", ""),
	})
	return limiter.Bind(spec.Name, logger), nil
}
