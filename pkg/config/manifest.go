// Package config loads the policy manifest that declares which policies a
// process registers, and watches it for changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-actionpolicy/pkg/domain"
)

// DisabledPoliciesEnv lists manifest entries (comma separated) to skip.
const DisabledPoliciesEnv = "POLIS_POLICY_DISABLED"

// Manifest declares the policies to register, in registration order.
type Manifest struct {
	Policies []PolicySpec `json:"policies" yaml:"policies"`
}

// PolicySpec declares a single named policy.
type PolicySpec struct {
	Name       string         `json:"name" yaml:"name"`
	ApplyPoint string         `json:"applyPoint" yaml:"applyPoint"`
	Kind       string         `json:"kind" yaml:"kind"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Point returns the declared apply point. It is not validated here; the
// registry rejects unsupported values with a diagnostic naming the policy.
func (s PolicySpec) Point() domain.ApplyPoint {
	return domain.ParseApplyPoint(s.ApplyPoint)
}

// String reads a string option from Config, returning fallback when absent.
func (s PolicySpec) String(key, fallback string) string {
	raw, ok := s.Config[key]
	if !ok || raw == nil {
		return fallback
	}
	text := strings.TrimSpace(fmt.Sprint(raw))
	if text == "" {
		return fallback
	}
	return text
}

// Int reads an integer option from Config. YAML yields ints and JSON yields
// float64; strings are parsed.
func (s PolicySpec) Int(key string, fallback int) (int, error) {
	raw, ok := s.Config[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("policy %s: option %s must be a whole number, got %v", s.Name, key, v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("policy %s: option %s: %w", s.Name, key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("policy %s: option %s must be a number, got %T", s.Name, key, raw)
	}
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	// #nosec G304 -- manifest path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes YAML (or JSON) manifest bytes, applies environment
// overrides and validates the result.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrManifestInvalid, err)
		}
	}

	applyEnvOverrides(&m)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every entry has a unique name and a kind.
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Policies))
	for i, spec := range m.Policies {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return fmt.Errorf("%w: policies[%d]: name is required", domain.ErrManifestInvalid, i)
		}
		if strings.TrimSpace(spec.Kind) == "" {
			return fmt.Errorf("%w: policy %s: kind is required", domain.ErrManifestInvalid, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: policy %s declared more than once", domain.ErrManifestInvalid, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Names returns the declared policy names in order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Policies))
	for _, spec := range m.Policies {
		names = append(names, spec.Name)
	}
	return names
}

func applyEnvOverrides(m *Manifest) {
	val := os.Getenv(DisabledPoliciesEnv)
	if val == "" {
		return
	}

	disabled := make(map[string]struct{})
	for _, name := range strings.Split(val, ",") {
		if name = strings.TrimSpace(name); name != "" {
			disabled[name] = struct{}{}
		}
	}

	kept := m.Policies[:0]
	for _, spec := range m.Policies {
		if _, skip := disabled[spec.Name]; skip {
			continue
		}
		kept = append(kept, spec)
	}
	m.Policies = kept
}
