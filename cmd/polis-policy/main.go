// Package main is the entry point for the polis-policy binary.
// It validates policy manifests, lists and simulates policy chains, and runs a
// watcher that keeps a registry in sync with the manifest.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfig      = "policies.yaml"
	defaultLogLevel    = "info"
	defaultMetricsAddr = ":9464"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-policy
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-policy",
		Short: "Action policy registry tooling for Polis",
		Long: `Registers the policies declared in a manifest and composes them into
middleware chains for the beforeRequest and onResponse apply points.

Example:
  polis-policy validate -c policies.yaml
  polis-policy simulate -c policies.yaml --apply-point beforeRequest --action '{"type":"admin"}'`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfig, "Path to the policy manifest (YAML or JSON)")
	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newValidateCmd(),
		newListCmd(),
		newSimulateCmd(),
		newWatchCmd(),
	)
	return rootCmd
}
