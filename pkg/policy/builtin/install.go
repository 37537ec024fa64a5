package builtin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/polisai/polis-actionpolicy/pkg/config"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
)

// Install builds and registers every manifest entry in declaration order. It
// stops at the first failure; entries registered before it stay registered.
func Install(ctx context.Context, reg *policy.Registry, manifest *config.Manifest, catalog *Catalog) error {
	built, err := buildAll(ctx, manifest, catalog)
	if err != nil {
		return err
	}
	return registerAll(reg, built)
}

// Reload replaces the registry content with the manifest. The manifest is
// built and registered against a scratch registry first, so a rejected
// manifest leaves reg untouched.
func Reload(ctx context.Context, reg *policy.Registry, manifest *config.Manifest, catalog *Catalog) error {
	built, err := buildAll(ctx, manifest, catalog)
	if err != nil {
		return err
	}

	scratch := policy.NewRegistry(policy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := registerAll(scratch, built); err != nil {
		return err
	}

	reg.Reset()
	return registerAll(reg, built)
}

func buildAll(ctx context.Context, manifest *config.Manifest, catalog *Catalog) ([]policy.Entry, error) {
	if manifest == nil {
		return nil, nil
	}
	built := make([]policy.Entry, 0, len(manifest.Policies))
	for _, spec := range manifest.Policies {
		p, err := catalog.Build(ctx, spec)
		if err != nil {
			return nil, err
		}
		built = append(built, policy.Entry{Name: spec.Name, Policy: p})
	}
	return built, nil
}

func registerAll(reg *policy.Registry, entries []policy.Entry) error {
	for _, entry := range entries {
		if err := reg.Register(entry.Name, entry.Policy); err != nil {
			return fmt.Errorf("install manifest: %w", err)
		}
	}
	return nil
}
