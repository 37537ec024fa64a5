package inspect

import (
	"fmt"
	"log/slog"

	"github.com/polisai/polis-actionpolicy/pkg/policy"
)

// Target selects which payload a policy inspects.
type Target string

const (
	TargetAction   Target = "action"
	TargetResponse Target = "response"
)

// ParseTarget accepts "action" or "response".
func ParseTarget(raw string) (Target, error) {
	switch Target(raw) {
	case TargetAction, TargetResponse:
		return Target(raw), nil
	default:
		return "", fmt.Errorf("inspect: unknown target %q", raw)
	}
}

// Violation is returned by the chain in place of calling next when a block
// rule matched.
type Violation struct {
	Policy   string    `json:"policy"`
	Target   Target    `json:"target"`
	Findings []Finding `json:"findings"`
}

func (v Violation) Error() string {
	if len(v.Findings) == 0 {
		return fmt.Sprintf("policy %s blocked %s", v.Policy, v.Target)
	}
	return fmt.Sprintf("policy %s blocked %s: rule %s matched at %s", v.Policy, v.Target, v.Findings[0].Rule, v.Findings[0].Path)
}

// Bind turns the inspector into a policy body. Redactions replace the target
// before next runs; a block finding halts the chain with a Violation.
func (i *Inspector) Bind(name string, target Target, logger *slog.Logger) policy.BindFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(any) policy.Middleware {
		return func(next policy.Continuation) policy.Continuation {
			return func(action any, err error, response any) any {
				ctx := policy.ActionContext(action)

				subject := action
				if target == TargetResponse {
					subject = response
				}

				out, report, inspectErr := i.Value(ctx, subject)
				if inspectErr != nil {
					return next(action, fmt.Errorf("inspect policy %s: %w", name, inspectErr), response)
				}

				if report.Blocked {
					blocked := make([]Finding, 0, len(report.Findings))
					for _, f := range report.Findings {
						if f.Action == ActionBlock {
							blocked = append(blocked, f)
						}
					}
					violation := Violation{Policy: name, Target: target, Findings: blocked}
					logger.Warn("inspect policy blocked payload",
						"policy", name,
						"target", string(target),
						"reason", violation.Error())
					return violation
				}

				if len(report.Findings) > 0 {
					logger.Debug("inspect policy findings",
						"policy", name,
						"target", string(target),
						"findings", len(report.Findings),
						"redacted", report.Redacted)
				}

				if !report.Redacted {
					return next(action, err, response)
				}
				if target == TargetResponse {
					return next(action, err, out)
				}
				return next(out, err, response)
			}
		}
	}
}
