package policy

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/polisai/polis-actionpolicy/pkg/domain"
)

// Observer is notified about registry activity. Implementations must be cheap;
// they are called synchronously from Register, Reset and chain selection.
type Observer interface {
	PolicyRegistered(name string, ap domain.ApplyPoint, size int)
	RegistrationRejected(name string, err error)
	RegistryReset()
	ChainSelected(ap domain.ApplyPoint, selected int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registration events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver attaches an observer to the registry.
func WithObserver(observer Observer) Option {
	return func(r *Registry) {
		r.observer = observer
	}
}

// Registry maps policy names to policies and remembers registration order,
// which determines chain order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	policies map[string]Policy
	logger   *slog.Logger
	observer Observer
}

// NewRegistry creates an empty registry instance.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		policies: make(map[string]Policy),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a policy under name. A name can be registered once until the
// registry is reset. Duplicate names are rejected before the apply point is
// validated.
func (r *Registry) Register(name string, p Policy) error {
	if strings.TrimSpace(name) == "" {
		r.rejected(name, domain.ErrPolicyNameRequired)
		return domain.ErrPolicyNameRequired
	}

	r.mu.Lock()
	if _, exists := r.policies[name]; exists {
		r.mu.Unlock()
		err := domain.NewDuplicateRegistrationError(name)
		r.rejected(name, err)
		return err
	}
	if !p.ApplyPoint.Valid() {
		r.mu.Unlock()
		err := domain.NewInvalidApplyPointError(name, p.ApplyPoint)
		r.rejected(name, err)
		return err
	}
	r.policies[name] = p
	r.order = append(r.order, name)
	size := len(r.order)
	r.mu.Unlock()

	r.logger.Debug("policy registered", "policy", name, "apply_point", p.ApplyPoint, "registry_size", size)
	if r.observer != nil {
		r.observer.PolicyRegistered(name, p.ApplyPoint, size)
	}
	return nil
}

// Reset removes every policy. It is safe to call on an empty registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	removed := len(r.order)
	r.policies = make(map[string]Policy)
	r.order = nil
	r.mu.Unlock()

	r.logger.Debug("policy registry reset", "removed", removed)
	if r.observer != nil {
		r.observer.RegistryReset()
	}
}

// Lookup fetches a policy by name.
func (r *Registry) Lookup(name string) (Policy, bool) {
	r.mu.RLock()
	p, ok := r.policies[name]
	r.mu.RUnlock()
	return p, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered policies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Policies returns a snapshot of all registered policies in registration order.
func (r *Registry) Policies() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, Entry{Name: name, Policy: r.policies[name]})
	}
	return entries
}

func (r *Registry) rejected(name string, err error) {
	r.logger.Warn("policy registration rejected", "policy", name, "error", err)
	if r.observer != nil {
		r.observer.RegistrationRejected(name, err)
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds a policy to the process-wide registry.
func Register(name string, p Policy) error {
	return Default().Register(name, p)
}

// Reset clears the process-wide registry.
func Reset() {
	Default().Reset()
}

// GetActionPolicies selects from the process-wide registry.
func GetActionPolicies(names []string) Selector {
	return Default().GetActionPolicies(names)
}

// Policies returns a snapshot of the process-wide registry.
func Policies() []Entry {
	return Default().Policies()
}
