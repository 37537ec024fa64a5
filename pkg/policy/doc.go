// Package policy maintains a named registry of action policies and composes the
// policies selected for an action into a single middleware chain.
//
// A policy is bound to one apply point (before the request is dispatched, or
// when the response arrives) and has the curried shape
//
//	store -> next -> (action, err, response) -> result
//
// GetActionPolicies selects the registered policies named by an action for a
// given apply point, in registration order, binds them to a store and wraps the
// terminal continuation so that the first selected policy runs first. Any
// policy may decline to call next, which ends the chain.
//
// The package owns no I/O. Concrete policy kinds live in policy/builtin and the
// OPA-backed evaluator in policy/rego.
package policy
