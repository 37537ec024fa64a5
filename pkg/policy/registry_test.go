package policy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-actionpolicy/pkg/domain"
)

type recorder struct {
	calls []string
}

func (r *recorder) passThrough(name string) BindFunc {
	return func(any) Middleware {
		return func(next Continuation) Continuation {
			return func(action any, err error, response any) any {
				r.calls = append(r.calls, name)
				return next(action, err, response)
			}
		}
	}
}

func (r *recorder) halt(name string) BindFunc {
	return func(any) Middleware {
		return func(Continuation) Continuation {
			return func(any, error, any) any {
				r.calls = append(r.calls, name)
				return nil
			}
		}
	}
}

func (r *recorder) done(action any, err error, response any) any {
	r.calls = append(r.calls, "done")
	return []any{action, err, response}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	require.NoError(t, reg.Register("audit", Policy{ApplyPoint: domain.OnResponse, Bind: rec.passThrough("audit")}))

	err := reg.Register("audit", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("audit")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateRegistration)
	assert.Contains(t, err.Error(), "audit")

	p, ok := reg.Lookup("audit")
	require.True(t, ok)
	assert.Equal(t, domain.OnResponse, p.ApplyPoint, "original registration must survive")
}

func TestRegisterRejectsInvalidApplyPoint(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register("audit", Policy{ApplyPoint: "afterDispatch", Bind: (&recorder{}).passThrough("audit")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidApplyPoint)

	var regErr *domain.RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "audit", regErr.Policy)
	assert.Equal(t, domain.ApplyPoint("afterDispatch"), regErr.ApplyPoint)

	msg := err.Error()
	assert.Contains(t, msg, "audit")
	assert.Contains(t, msg, "afterDispatch")
	assert.Contains(t, msg, "beforeRequest, onResponse")
	assert.Zero(t, reg.Len())
}

func TestRegisterDuplicateCheckedBeforeApplyPoint(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("audit", Policy{ApplyPoint: domain.OnResponse}))

	err := reg.Register("audit", Policy{ApplyPoint: "bogus"})
	assert.ErrorIs(t, err, domain.ErrDuplicateRegistration)
	assert.NotErrorIs(t, err, domain.ErrInvalidApplyPoint)
}

func TestRegisterRequiresName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("  ", Policy{ApplyPoint: domain.OnResponse})
	assert.ErrorIs(t, err, domain.ErrPolicyNameRequired)
	assert.Zero(t, reg.Len())
}

func TestResetEmptiesRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("audit", Policy{ApplyPoint: domain.OnResponse}))
	require.Error(t, reg.Register("audit", Policy{ApplyPoint: domain.OnResponse}))

	reg.Reset()
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.Policies())

	require.NoError(t, reg.Register("audit", Policy{ApplyPoint: domain.BeforeRequest}))

	reg.Reset()
	reg.Reset()
	assert.Zero(t, reg.Len())
}

func TestPoliciesSnapshotIsOrderedCopy(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("b", Policy{ApplyPoint: domain.OnResponse}))
	require.NoError(t, reg.Register("a", Policy{ApplyPoint: domain.BeforeRequest}))

	entries := reg.Policies()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, "a", entries[1].Name)
	assert.Equal(t, []string{"b", "a"}, reg.Names())

	entries[0].Name = "mutated"
	assert.Equal(t, []string{"b", "a"}, reg.Names())
}

func TestSelectionFollowsRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("A", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("A")}))
	require.NoError(t, reg.Register("B", Policy{ApplyPoint: domain.OnResponse, Bind: rec.passThrough("B")}))
	require.NoError(t, reg.Register("C", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("C")}))

	chain := reg.GetActionPolicies([]string{"C", "B", "A"})(domain.BeforeRequest)(nil)(rec.done)
	chain("action", nil, nil)

	assert.Equal(t, []string{"A", "C", "done"}, rec.calls)
}

func TestSelectionIgnoresUnknownNames(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("A", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("A")}))

	chain := reg.GetActionPolicies([]string{"missing", "A"})(domain.BeforeRequest)(nil)(rec.done)
	chain(nil, nil, nil)

	assert.Equal(t, []string{"A", "done"}, rec.calls)
}

func TestEmptySelectionIsIdentity(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("A", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("A")}))

	boom := errors.New("boom")
	for _, names := range [][]string{{}, nil} {
		rec.calls = nil
		chain := reg.GetActionPolicies(names)(domain.BeforeRequest)("store")(rec.done)
		got := chain("action", boom, "response")

		assert.Equal(t, rec.done("action", boom, "response"), got)
		assert.Equal(t, []string{"done", "done"}, rec.calls)
	}
}

func TestStoreIsPassedToEveryPolicy(t *testing.T) {
	reg := NewRegistry()
	var seen []any
	bind := func(store any) Middleware {
		seen = append(seen, store)
		return func(next Continuation) Continuation { return next }
	}
	require.NoError(t, reg.Register("A", Policy{ApplyPoint: domain.OnResponse, Bind: bind}))
	require.NoError(t, reg.Register("B", Policy{ApplyPoint: domain.OnResponse, Bind: bind}))

	store := &struct{ id int }{id: 7}
	builder := reg.GetActionPolicies([]string{"A", "B"})(domain.OnResponse)(store)
	assert.Empty(t, seen)

	builder(func(any, error, any) any { return nil })
	assert.Equal(t, []any{store, store}, seen)
}

func TestMissingBindFailsOnlyWhenComposed(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("hollow", Policy{ApplyPoint: domain.OnResponse}))

	var builder Composer
	require.NotPanics(t, func() {
		builder = reg.GetActionPolicies([]string{"hollow"})(domain.OnResponse)("store")
	})
	assert.Panics(t, func() {
		builder(func(any, error, any) any { return nil })
	})
}

func TestShortCircuitStopsChain(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("blockIt", Policy{ApplyPoint: domain.OnResponse, Bind: rec.halt("blockIt")}))
	require.NoError(t, reg.Register("logIt", Policy{ApplyPoint: domain.OnResponse, Bind: rec.passThrough("logIt")}))

	chain := reg.GetActionPolicies([]string{"blockIt", "logIt"})(domain.OnResponse)("store")(rec.done)
	chain("a", nil, "r")

	assert.Equal(t, []string{"blockIt"}, rec.calls)
}

func TestPoliciesCanRewriteArguments(t *testing.T) {
	reg := NewRegistry()
	rewrite := func(any) Middleware {
		return func(next Continuation) Continuation {
			return func(action any, _ error, response any) any {
				return next(action, errors.New("denied"), response)
			}
		}
	}
	require.NoError(t, reg.Register("deny", Policy{ApplyPoint: domain.BeforeRequest, Bind: rewrite}))

	var gotErr error
	done := func(_ any, err error, _ any) any {
		gotErr = err
		return nil
	}
	reg.GetActionPolicies([]string{"deny"})(domain.BeforeRequest)(nil)(done)("a", nil, nil)

	assert.EqualError(t, gotErr, "denied")
}

func TestSelectorSnapshotsAtApplyPoint(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	require.NoError(t, reg.Register("A", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("A")}))

	selector := reg.GetActionPolicies([]string{"A", "B"})
	builder := selector(domain.BeforeRequest)
	require.NoError(t, reg.Register("B", Policy{ApplyPoint: domain.BeforeRequest, Bind: rec.passThrough("B")}))

	builder(nil)(rec.done)(nil, nil, nil)
	assert.Equal(t, []string{"A", "done"}, rec.calls)

	rec.calls = nil
	selector(domain.BeforeRequest)(nil)(rec.done)(nil, nil, nil)
	assert.Equal(t, []string{"A", "B", "done"}, rec.calls)
}

type countingObserver struct {
	registered int
	rejected   int
	resets     int
	selected   []int
}

func (o *countingObserver) PolicyRegistered(string, domain.ApplyPoint, int) { o.registered++ }
func (o *countingObserver) RegistrationRejected(string, error) { o.rejected++ }
func (o *countingObserver) RegistryReset() { o.resets++ }
func (o *countingObserver) ChainSelected(_ domain.ApplyPoint, n int) { o.selected = append(o.selected, n) }

func TestObserverNotified(t *testing.T) {
	obs := &countingObserver{}
	reg := NewRegistry(WithObserver(obs))

	require.NoError(t, reg.Register("A", Policy{ApplyPoint: domain.BeforeRequest}))
	require.Error(t, reg.Register("A", Policy{ApplyPoint: domain.BeforeRequest}))
	require.Error(t, reg.Register("B", Policy{ApplyPoint: "never"}))
	reg.GetActionPolicies([]string{"A"})(domain.BeforeRequest)
	reg.GetActionPolicies([]string{"A"})(domain.OnResponse)
	reg.Reset()

	assert.Equal(t, 1, obs.registered)
	assert.Equal(t, 2, obs.rejected)
	assert.Equal(t, 1, obs.resets)
	assert.Equal(t, []int{1, 0}, obs.selected)
}

func TestDefaultRegistry(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	rec := &recorder{}
	require.NoError(t, Register("global", Policy{ApplyPoint: domain.OnResponse, Bind: rec.passThrough("global")}))
	require.ErrorIs(t, Register("global", Policy{ApplyPoint: domain.OnResponse}), domain.ErrDuplicateRegistration)
	require.Len(t, Policies(), 1)

	GetActionPolicies([]string{"global"})(domain.OnResponse)(nil)(rec.done)(nil, nil, nil)
	assert.Equal(t, []string{"global", "done"}, rec.calls)

	Reset()
	assert.Empty(t, Policies())
	assert.Same(t, Default(), Default())
}
