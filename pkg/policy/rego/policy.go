package rego

import (
	"fmt"

	"github.com/polisai/polis-actionpolicy/pkg/domain"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
)

// Bind returns a policy body that asks the engine about every action passing
// through it. Blocked actions do not reach next; the chain returns the
// Decision instead. Evaluation failures are handed to next as the error.
func (e *Engine) Bind(name string, ap domain.ApplyPoint) policy.BindFunc {
	return func(any) policy.Middleware {
		return func(next policy.Continuation) policy.Continuation {
			return func(action any, err error, response any) any {
				decision, evalErr := e.Evaluate(policy.ActionContext(action), Input{
					Policy:     name,
					ApplyPoint: ap,
					Action:     action,
					Response:   response,
					Err:        err,
				})
				if evalErr != nil {
					e.logger.Warn("rego policy evaluation failed", "policy", name, "error", evalErr)
					return next(action, fmt.Errorf("rego policy %s: %w", name, evalErr), response)
				}
				if decision.Action == ActionBlock {
					e.logger.Info("rego policy blocked action", "policy", name, "reason", decision.Reason)
					return decision
				}
				return next(action, err, response)
			}
		}
	}
}
