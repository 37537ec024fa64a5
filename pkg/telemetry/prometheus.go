package telemetry

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-actionpolicy/pkg/domain"
	"github.com/polisai/polis-actionpolicy/pkg/policy"
)

// Metrics exposes registry activity to Prometheus. It implements policy.Observer.
type Metrics struct {
	registrations      *prometheus.CounterVec
	registrationErrors *prometheus.CounterVec
	registrySize       prometheus.Gauge
	resets             prometheus.Counter
	chainsSelected     *prometheus.CounterVec
	chainLength        *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ policy.Observer = (*Metrics)(nil)

// NewMetrics creates a metrics instance backed by its own Prometheus registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_registrations_total",
				Help: "Total number of policies registered by apply point",
			},
			[]string{"apply_point"},
		),
		registrationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_registration_errors_total",
				Help: "Total number of rejected policy registrations by reason",
			},
			[]string{"reason"},
		),
		registrySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "policy_registry_size",
				Help: "Number of policies currently registered",
			},
		),
		resets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "policy_registry_resets_total",
				Help: "Total number of registry resets",
			},
		),
		chainsSelected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_chains_selected_total",
				Help: "Total number of policy chains selected by apply point",
			},
			[]string{"apply_point"},
		),
		chainLength: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policy_chain_length",
				Help:    "Number of policies in selected chains",
				Buckets: []float64{0, 1, 2, 4, 8, 16},
			},
			[]string{"apply_point"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.registrations,
		m.registrationErrors,
		m.registrySize,
		m.resets,
		m.chainsSelected,
		m.chainLength,
	)

	return m
}

// PolicyRegistered implements policy.Observer.
func (m *Metrics) PolicyRegistered(_ string, ap domain.ApplyPoint, size int) {
	m.registrations.WithLabelValues(string(ap)).Inc()
	m.registrySize.Set(float64(size))
}

// RegistrationRejected implements policy.Observer.
func (m *Metrics) RegistrationRejected(_ string, err error) {
	m.registrationErrors.WithLabelValues(rejectionReason(err)).Inc()
}

// RegistryReset implements policy.Observer.
func (m *Metrics) RegistryReset() {
	m.resets.Inc()
	m.registrySize.Set(0)
}

// ChainSelected implements policy.Observer.
func (m *Metrics) ChainSelected(ap domain.ApplyPoint, selected int) {
	m.chainsSelected.WithLabelValues(string(ap)).Inc()
	m.chainLength.WithLabelValues(string(ap)).Observe(float64(selected))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrDuplicateRegistration):
		return "duplicate"
	case errors.Is(err, domain.ErrInvalidApplyPoint):
		return "invalid_apply_point"
	case errors.Is(err, domain.ErrPolicyNameRequired):
		return "name_required"
	default:
		return "other"
	}
}
