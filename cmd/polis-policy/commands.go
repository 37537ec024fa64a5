package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-actionpolicy/pkg/config"
	"github.com/polisai/polis-actionpolicy/pkg/domain"
	"github.com/polisai/polis-actionpolicy/pkg/logging"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
	"github.com/polisai/polis-actionpolicy/pkg/policy/builtin"
)

// CLIConfig holds the persistent flags shared by every subcommand.
type CLIConfig struct {
	Config   string
	LogLevel string
}

func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	return &CLIConfig{Config: configPath, LogLevel: logLevel}, nil
}

// session is a manifest installed into a fresh registry.
type session struct {
	cli      *CLIConfig
	logger   *slog.Logger
	manifest *config.Manifest
	registry *policy.Registry
	catalog  *builtin.Catalog
}

func openSession(ctx context.Context, cmd *cobra.Command, regOpts []policy.Option, catOpts []builtin.CatalogOption) (*session, error) {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cli.LogLevel,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	})

	manifest, err := config.LoadManifest(cli.Config)
	if err != nil {
		return nil, err
	}

	registry := policy.NewRegistry(append([]policy.Option{policy.WithLogger(logger)}, regOpts...)...)
	catalog := builtin.NewCatalog(append([]builtin.CatalogOption{builtin.WithLogger(logger)}, catOpts...)...)
	if err := builtin.Install(ctx, registry, manifest, catalog); err != nil {
		return nil, err
	}

	return &session{cli: cli, logger: logger, manifest: manifest, registry: registry, catalog: catalog}, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the manifest and register every policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), cmd, nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d policies registered\n", s.cli.Config, s.registry.Len())
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered policies in registration order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), cmd, nil, nil)
			if err != nil {
				return err
			}

			kinds := make(map[string]string, len(s.manifest.Policies))
			for _, spec := range s.manifest.Policies {
				kinds[spec.Name] = spec.Kind
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAPPLY POINT\tKIND")
			for _, entry := range s.registry.Policies() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Name, entry.Policy.ApplyPoint, kinds[entry.Name])
			}
			return w.Flush()
		},
	}
}

// SimulationResult is printed by the simulate command.
type SimulationResult struct {
	ActionID    string   `json:"actionId"`
	ApplyPoint  string   `json:"applyPoint"`
	Selected    []string `json:"selected"`
	ReachedDone bool     `json:"reachedDone"`
	Error       string   `json:"error,omitempty"`
	Result      any      `json:"result,omitempty"`
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an action through the composed chain for an apply point",
		Args:  cobra.NoArgs,
		RunE:  runSimulate,
	}
	cmd.Flags().String("apply-point", string(domain.BeforeRequest), "Apply point (beforeRequest, onResponse)")
	cmd.Flags().StringSlice("policies", nil, "Policy names attached to the action (default: every manifest policy)")
	cmd.Flags().String("action", "{}", "Action as a JSON object")
	cmd.Flags().String("response", "", "Response as JSON (onResponse only)")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	s, err := openSession(cmd.Context(), cmd, nil, nil)
	if err != nil {
		return err
	}

	rawPoint, _ := cmd.Flags().GetString("apply-point")
	names, _ := cmd.Flags().GetStringSlice("policies")
	rawAction, _ := cmd.Flags().GetString("action")
	rawResponse, _ := cmd.Flags().GetString("response")

	ap := domain.ParseApplyPoint(rawPoint)
	if !ap.Valid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidApplyPoint, rawPoint)
	}
	if len(names) == 0 {
		names = s.manifest.Names()
	}

	action := map[string]any{}
	if err := json.Unmarshal([]byte(rawAction), &action); err != nil {
		return fmt.Errorf("failed to parse action: %w", err)
	}
	actionID, ok := action["id"].(string)
	if !ok || strings.TrimSpace(actionID) == "" {
		actionID = uuid.NewString()
		action["id"] = actionID
	}

	var response any
	if rawResponse != "" {
		if err := json.Unmarshal([]byte(rawResponse), &response); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	out := SimulationResult{
		ActionID:   actionID,
		ApplyPoint: string(ap),
		Selected:   selectedNames(s.registry, names, ap),
	}

	done := func(_ any, err error, _ any) any {
		out.ReachedDone = true
		if err != nil {
			out.Error = err.Error()
		}
		return "dispatched"
	}

	out.Result = s.registry.GetActionPolicies(names)(ap)(s.registry)(done)(action, nil, response)
	s.logger.Debug("simulation finished", "action_id", actionID, "reached_done", out.ReachedDone)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func selectedNames(reg *policy.Registry, names []string, ap domain.ApplyPoint) []string {
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	selected := []string{}
	for _, entry := range reg.Policies() {
		if _, ok := wanted[entry.Name]; ok && entry.Policy.ApplyPoint == ap {
			selected = append(selected, entry.Name)
		}
	}
	return selected
}
