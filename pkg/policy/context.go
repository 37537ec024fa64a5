package policy

import "context"

// ContextCarrier is implemented by actions that carry a request context.
type ContextCarrier interface {
	Context() context.Context
}

// ActionContext returns the context carried by action, or context.Background
// when the action does not carry one.
func ActionContext(action any) context.Context {
	if carrier, ok := action.(ContextCarrier); ok {
		if ctx := carrier.Context(); ctx != nil {
			return ctx
		}
	}
	return context.Background()
}
