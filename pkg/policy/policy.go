package policy

import "github.com/polisai/polis-actionpolicy/pkg/domain"

// Continuation receives an action together with the error and response
// produced so far. It is the "done" callback threaded through a chain.
type Continuation func(action any, err error, response any) any

// Middleware wraps the next continuation of a chain.
type Middleware func(next Continuation) Continuation

// BindFunc binds a policy to the store of the dispatch pipeline.
type BindFunc func(store any) Middleware

// Policy is a middleware bound to a single apply point.
type Policy struct {
	ApplyPoint domain.ApplyPoint
	Bind       BindFunc
}

// Entry is a named policy as reported by Registry.Policies.
type Entry struct {
	Name   string
	Policy Policy
}
