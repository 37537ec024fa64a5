package builtin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-actionpolicy/pkg/config"
	"github.com/polisai/polis-actionpolicy/pkg/domain"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
	"github.com/polisai/polis-actionpolicy/pkg/policy/inspect"
	"github.com/polisai/polis-actionpolicy/pkg/policy/ratelimit"
	"github.com/polisai/polis-actionpolicy/pkg/policy/rego"
)

const manifestYAML = `
policies:
  - name: deny-admin
    applyPoint: beforeRequest
    kind: rego
    config:
      module: |
        package actions

        decision := {"action": "block", "reason": "admin"} if input.action.type == "admin"
  - name: audit
    applyPoint: onResponse
    kind: log
    config:
      message: response seen
  - name: tag-request
    applyPoint: beforeRequest
    kind: log
`

func mustManifest(t *testing.T, raw string) *config.Manifest {
	t.Helper()
	m, err := config.ParseManifest([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestInstallRegistersInManifestOrder(t *testing.T) {
	var logs bytes.Buffer
	catalog := NewCatalog(WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	reg := policy.NewRegistry()

	require.NoError(t, Install(context.Background(), reg, mustManifest(t, manifestYAML), catalog))
	assert.Equal(t, []string{"deny-admin", "audit", "tag-request"}, reg.Names())

	reached := 0
	done := func(any, error, any) any {
		reached++
		return "ok"
	}
	chain := reg.GetActionPolicies([]string{"tag-request", "deny-admin", "audit"})(domain.BeforeRequest)(nil)(done)

	got := chain(map[string]any{"type": "admin"}, nil, nil)
	assert.IsType(t, rego.Decision{}, got)
	assert.Zero(t, reached)

	assert.Equal(t, "ok", chain(map[string]any{"type": "read"}, nil, nil))
	assert.Equal(t, 1, reached)
	assert.Contains(t, logs.String(), "tag-request")
}

func TestInstallRejectsInvalidApplyPoint(t *testing.T) {
	reg := policy.NewRegistry()
	m := mustManifest(t, `
policies:
  - name: ok
    applyPoint: onResponse
    kind: log
  - name: late
    applyPoint: afterward
    kind: log
`)

	err := Install(context.Background(), reg, m, NewCatalog())
	require.ErrorIs(t, err, domain.ErrInvalidApplyPoint)
	assert.Contains(t, err.Error(), "late")
	assert.Contains(t, err.Error(), "afterward")
	assert.Equal(t, []string{"ok"}, reg.Names())
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := NewCatalog().Build(context.Background(), config.PolicySpec{Name: "x", Kind: "teleport", ApplyPoint: "onResponse"})
	assert.ErrorIs(t, err, domain.ErrUnknownPolicyKind)
}

func TestBuildRegoErrors(t *testing.T) {
	_, err := NewCatalog().Build(context.Background(), config.PolicySpec{Name: "x", Kind: "rego", ApplyPoint: "onResponse"})
	require.Error(t, err)

	_, err = NewCatalog().Build(context.Background(), config.PolicySpec{
		Name: "x", Kind: "rego", ApplyPoint: "onResponse",
		Config: map[string]any{"modules": map[string]any{"a.rego": 12}},
	})
	require.Error(t, err)
}

func TestReloadReplacesRegistry(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()
	reg := policy.NewRegistry()
	require.NoError(t, Install(ctx, reg, mustManifest(t, manifestYAML), catalog))

	require.NoError(t, Reload(ctx, reg, mustManifest(t, `
policies:
  - name: stop
    applyPoint: onResponse
    kind: block
    config:
      result: halted
`), catalog))
	assert.Equal(t, []string{"stop"}, reg.Names())

	got := reg.GetActionPolicies([]string{"stop"})(domain.OnResponse)(nil)(func(any, error, any) any {
		t.Fatal("blocked chain reached done")
		return nil
	})(nil, nil, nil)
	assert.Equal(t, "halted", got)
}

func TestReloadKeepsRegistryOnRejection(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()
	reg := policy.NewRegistry()
	require.NoError(t, Install(ctx, reg, mustManifest(t, manifestYAML), catalog))

	err := Reload(ctx, reg, mustManifest(t, "policies:\n  - name: bad\n    applyPoint: sometime\n    kind: log\n"), catalog)
	require.ErrorIs(t, err, domain.ErrInvalidApplyPoint)
	assert.Equal(t, []string{"deny-admin", "audit", "tag-request"}, reg.Names())
}

func TestRejectKind(t *testing.T) {
	p, err := NewCatalog().Build(context.Background(), config.PolicySpec{
		Name: "no", Kind: "reject", ApplyPoint: "beforeRequest",
		Config: map[string]any{"message": "not today"},
	})
	require.NoError(t, err)

	var got error
	p.Bind(nil)(func(_ any, err error, _ any) any {
		got = err
		return nil
	})("a", errors.New("earlier"), nil)
	assert.EqualError(t, got, "not today")
}

func TestCatalogCustomKindAndDecorator(t *testing.T) {
	var decorated []string
	catalog := NewCatalog(WithDecorator(func(name string, bind policy.BindFunc) policy.BindFunc {
		decorated = append(decorated, name)
		return bind
	}))

	passthrough := func(context.Context, config.PolicySpec, *slog.Logger) (policy.BindFunc, error) {
		return func(any) policy.Middleware {
			return func(next policy.Continuation) policy.Continuation { return next }
		}, nil
	}
	require.NoError(t, catalog.Register("Noop", passthrough))
	require.Error(t, catalog.Register("noop", passthrough))
	require.Error(t, catalog.Register("", passthrough))
	require.Error(t, catalog.Register("other", nil))
	assert.Equal(t, []string{"block", "inspect", "log", "noop", "ratelimit", "rego", "reject"}, catalog.Kinds())

	p, err := catalog.Build(context.Background(), config.PolicySpec{Name: "n", Kind: "noop", ApplyPoint: "onResponse"})
	require.NoError(t, err)
	assert.Equal(t, domain.OnResponse, p.ApplyPoint)
	assert.Equal(t, []string{"n"}, decorated)
}

const inspectManifestYAML = `
policies:
  - name: waf
    applyPoint: beforeRequest
    kind: inspect
    config:
      rules: [sql_injection, xss]
  - name: pii
    applyPoint: onResponse
    kind: inspect
    config:
      rules:
        - email
        - name: card
          pattern: '\b4[0-9]{15}\b'
          replacement: '[CARD]'
`

func TestInspectKind(t *testing.T) {
	reg := policy.NewRegistry()
	require.NoError(t, Install(context.Background(), reg, mustManifest(t, inspectManifestYAML), NewCatalog()))

	done := func(_ any, _ error, response any) any { return response }
	names := []string{"waf", "pii"}

	before := reg.GetActionPolicies(names)(domain.BeforeRequest)(nil)(done)
	got := before(map[string]any{"body": "<script>alert(1)</script>"}, nil, nil)
	violation, ok := got.(inspect.Violation)
	require.True(t, ok)
	assert.Equal(t, "xss", violation.Findings[0].Rule)

	after := reg.GetActionPolicies(names)(domain.OnResponse)(nil)(done)
	got = after(nil, nil, map[string]any{"body": "a@b.io paid with 4111111111111111"})
	assert.Equal(t, map[string]any{"body": "[REDACTED:email] paid with [CARD]"}, got)
}

func TestInspectKindConfigErrors(t *testing.T) {
	catalog := NewCatalog()
	tests := []struct {
		name   string
		config map[string]any
		msg    string
	}{
		{name: "no rules", config: map[string]any{}, msg: "requires a rules list"},
		{name: "unknown rule", config: map[string]any{"rules": []any{"nope"}}, msg: "unknown rule nope"},
		{name: "bad entry", config: map[string]any{"rules": []any{42}}, msg: "rule must be a name or an object"},
		{name: "bad target", config: map[string]any{"rules": []any{"xss"}, "target": "headers"}, msg: "unknown target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Build(context.Background(), config.PolicySpec{
				Name: "i", Kind: KindInspect, ApplyPoint: "beforeRequest", Config: tt.config,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRateLimitKind(t *testing.T) {
	p, err := NewCatalog().Build(context.Background(), config.PolicySpec{
		Name: "throttle", Kind: KindRateLimit, ApplyPoint: "beforeRequest",
		Config: map[string]any{"rps": 1, "burst": float64(2), "key": "user"},
	})
	require.NoError(t, err)

	chain := p.Bind(nil)(func(any, error, any) any { return "ok" })
	action := map[string]any{"user": "u1"}
	assert.Equal(t, "ok", chain(action, nil, nil))
	assert.Equal(t, "ok", chain(action, nil, nil))
	assert.Equal(t, ratelimit.Limited{Policy: "throttle", Key: "u1"}, chain(action, nil, nil))
}

func TestRateLimitKindConfigErrors(t *testing.T) {
	for name, cfg := range map[string]map[string]any{
		"not a number": {"rps": "fast"},
		"negative":     {"burst": -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewCatalog().Build(context.Background(), config.PolicySpec{
				Name: "throttle", Kind: KindRateLimit, ApplyPoint: "beforeRequest", Config: cfg,
			})
			assert.Error(t, err)
		})
	}
}
