// Package builtin provides the policy kinds that can be declared in a policy
// manifest and installs manifests into a registry.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-actionpolicy/pkg/config"
	"github.com/polisai/polis-actionpolicy/pkg/domain"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
)

// Factory builds the body of a policy from its manifest entry.
type Factory func(ctx context.Context, spec config.PolicySpec, logger *slog.Logger) (policy.BindFunc, error)

// Decorator wraps every policy body the catalog builds, e.g. for instrumentation.
type Decorator func(name string, bind policy.BindFunc) policy.BindFunc

// Catalog maps policy kinds to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
	decorate  Decorator
	logger    *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithDecorator wraps every built policy body with d.
func WithDecorator(d Decorator) CatalogOption {
	return func(c *Catalog) {
		c.decorate = d
	}
}

// WithLogger sets the logger handed to factories.
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCatalog creates a catalog holding the built-in kinds.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		factories: make(map[string]Factory),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.factories[KindLog] = newLogPolicy
	c.factories[KindBlock] = newBlockPolicy
	c.factories[KindReject] = newRejectPolicy
	c.factories[KindRego] = newRegoPolicy
	c.factories[KindInspect] = newInspectPolicy
	c.factories[KindRateLimit] = newRateLimitPolicy
	return c
}

// Register adds a custom kind. Kinds cannot be replaced.
func (c *Catalog) Register(kind string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(kind))
	if key == "" {
		return fmt.Errorf("builtin: policy kind is required")
	}
	if factory == nil {
		return fmt.Errorf("builtin: policy kind %s missing factory", kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[key]; exists {
		return fmt.Errorf("builtin: policy kind %s already registered", kind)
	}
	c.factories[key] = factory
	return nil
}

// Kinds returns the known kinds, sorted.
func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kinds := make([]string, 0, len(c.factories))
	for kind := range c.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build turns a manifest entry into a policy. The apply point is copied
// verbatim so that the registry performs its validation.
func (c *Catalog) Build(ctx context.Context, spec config.PolicySpec) (policy.Policy, error) {
	c.mu.RLock()
	factory, ok := c.factories[strings.ToLower(strings.TrimSpace(spec.Kind))]
	c.mu.RUnlock()
	if !ok {
		return policy.Policy{}, fmt.Errorf("%w: %q for policy %s", domain.ErrUnknownPolicyKind, spec.Kind, spec.Name)
	}

	bind, err := factory(ctx, spec, c.logger.With("policy", spec.Name, "kind", spec.Kind))
	if err != nil {
		return policy.Policy{}, fmt.Errorf("build policy %s: %w", spec.Name, err)
	}
	if c.decorate != nil {
		bind = c.decorate(spec.Name, bind)
	}
	return policy.Policy{ApplyPoint: spec.Point(), Bind: bind}, nil
}
