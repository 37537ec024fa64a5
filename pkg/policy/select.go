package policy

import "github.com/polisai/polis-actionpolicy/pkg/domain"

// Selector picks the policies of an action that run at an apply point.
type Selector func(ap domain.ApplyPoint) ChainBuilder

// ChainBuilder captures the store the selected policies are bound to.
type ChainBuilder func(store any) Composer

// Composer binds the selected policies to the store and wraps the terminal
// continuation with them.
type Composer func(done Continuation) Continuation

// GetActionPolicies returns a selector over the policies named in names.
// A nil slice behaves like an empty one.
//
// Selection follows registration order, not the order of names: with A, B
// and C registered in that order, names [C, A] select A then C.
func (r *Registry) GetActionPolicies(names []string) Selector {
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}

	return func(ap domain.ApplyPoint) ChainBuilder {
		selected := r.selectPolicies(wanted, ap)
		if r.observer != nil {
			r.observer.ChainSelected(ap, len(selected))
		}

		return func(store any) Composer {
			// Policies are bound once done is supplied, so a policy without
			// a body fails only when its chain is composed.
			return func(done Continuation) Continuation {
				chain := make([]Middleware, 0, len(selected))
				for _, p := range selected {
					chain = append(chain, p.Bind(store))
				}
				return Compose(chain...)(done)
			}
		}
	}
}

func (r *Registry) selectPolicies(wanted map[string]struct{}, ap domain.ApplyPoint) []Policy {
	if len(wanted) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]Policy, 0, len(wanted))
	for _, name := range r.order {
		if _, ok := wanted[name]; !ok {
			continue
		}
		p := r.policies[name]
		if p.ApplyPoint != ap {
			continue
		}
		selected = append(selected, p)
	}
	return selected
}
