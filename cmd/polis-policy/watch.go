package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-actionpolicy/pkg/config"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
	"github.com/polisai/polis-actionpolicy/pkg/policy/builtin"
	"github.com/polisai/polis-actionpolicy/pkg/telemetry"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a registry in sync with the manifest and serve metrics",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	cmd.Flags().String("metrics-addr", defaultMetricsAddr, "Address for the Prometheus /metrics endpoint")
	cmd.Flags().String("otlp-endpoint", "", "OTLP gRPC endpoint for traces (disabled when empty)")
	cmd.Flags().Bool("otlp-insecure", false, "Disable TLS for the OTLP exporter")
	cmd.Flags().StringToString("otlp-header", nil, "Header sent with every OTLP export (key=value, repeatable)")
	cmd.Flags().String("environment", "", "Deployment environment recorded on traces")
	cmd.Flags().StringToString("resource-attr", nil, "Extra trace resource attribute (key=value, repeatable)")
	return cmd
}

func telemetryConfig(cmd *cobra.Command) (telemetry.Config, error) {
	endpoint, err := cmd.Flags().GetString("otlp-endpoint")
	if err != nil {
		return telemetry.Config{}, fmt.Errorf("failed to get otlp-endpoint flag: %w", err)
	}
	insecure, err := cmd.Flags().GetBool("otlp-insecure")
	if err != nil {
		return telemetry.Config{}, fmt.Errorf("failed to get otlp-insecure flag: %w", err)
	}
	headers, err := cmd.Flags().GetStringToString("otlp-header")
	if err != nil {
		return telemetry.Config{}, fmt.Errorf("failed to get otlp-header flag: %w", err)
	}
	environment, err := cmd.Flags().GetString("environment")
	if err != nil {
		return telemetry.Config{}, fmt.Errorf("failed to get environment flag: %w", err)
	}
	attrs, err := cmd.Flags().GetStringToString("resource-attr")
	if err != nil {
		return telemetry.Config{}, fmt.Errorf("failed to get resource-attr flag: %w", err)
	}

	return telemetry.Config{
		ServiceName:        "polis-policy",
		Endpoint:           endpoint,
		Insecure:           insecure,
		Headers:            headers,
		Environment:        environment,
		ResourceAttributes: attrs,
	}, nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	svc, err := newWatchService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	return svc.Run(ctx, sigChan)
}

// watchService keeps a registry in sync with the manifest and serves its
// metrics.
type watchService struct {
	session         *session
	metrics         *telemetry.Metrics
	watcher         *config.Watcher
	server          *http.Server
	listener        net.Listener
	shutdownTracing func(context.Context) error

	reloadMu sync.Mutex
}

func newWatchService(ctx context.Context, cmd *cobra.Command) (*watchService, error) {
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics-addr flag: %w", err)
	}
	tcfg, err := telemetryConfig(cmd)
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := telemetry.SetupProvider(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	svc := &watchService{shutdownTracing: shutdownTracing, metrics: telemetry.NewMetrics()}

	svc.session, err = openSession(ctx, cmd,
		[]policy.Option{policy.WithObserver(svc.metrics)},
		[]builtin.CatalogOption{builtin.WithDecorator(telemetry.Instrument)},
	)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.watcher, err = config.NewWatcher(svc.session.cli.Config, func(m *config.Manifest) error {
		return svc.reload(ctx, m)
	}, svc.session.logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if err := svc.watcher.Start(ctx); err != nil {
		svc.Close()
		return nil, err
	}

	svc.listener, err = net.Listen("tcp", metricsAddr)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("listen on %s: %w", metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(svc.metrics.Handler(), "metrics"))
	svc.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return svc, nil
}

// reload swaps the registry content. The file watcher and SIGHUP both call it.
func (w *watchService) reload(ctx context.Context, m *config.Manifest) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return builtin.Reload(ctx, w.session.registry, m, w.session.catalog)
}

// Run serves metrics until ctx is done or a terminating signal arrives.
// SIGHUP reloads the manifest.
func (w *watchService) Run(ctx context.Context, signals <-chan os.Signal) error {
	logger := w.session.logger

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.Serve(w.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("Watching policy manifest",
		"path", w.session.cli.Config,
		"policies", w.session.registry.Len(),
		"metrics_addr", w.listener.Addr().String(),
	)

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading manifest")
				m, err := config.LoadManifest(w.session.cli.Config)
				if err == nil {
					err = w.reload(ctx, m)
				}
				if err != nil {
					logger.Error("Manifest reload failed", "error", err)
				}
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig.String())
			return shutdownServer(w.server)
		case err, ok := <-errCh:
			if ok && err != nil {
				logger.Error("Metrics server error", "error", err)
				return err
			}
			return nil
		case <-ctx.Done():
			return shutdownServer(w.server)
		}
	}
}

// Close stops the watcher and flushes traces.
func (w *watchService) Close() {
	if w.watcher != nil {
		_ = w.watcher.Stop()
	}
	if w.listener != nil {
		_ = w.listener.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.shutdownTracing(ctx)
}

func shutdownServer(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
