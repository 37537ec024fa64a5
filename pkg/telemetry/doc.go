// Package telemetry wires OpenTelemetry tracing and metrics and Prometheus
// registry metrics for action policies.
//
// It centralises trace provider setup, instruments policy bodies so every
// invocation produces a span and a counter sample, and exposes registry
// activity (registrations, rejections, chain selections) to Prometheus.
package telemetry
