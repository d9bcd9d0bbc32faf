// Package telemetry holds the service's observability setup: slog-based
// structured logging and the Prometheus metrics exported on /metrics.
package telemetry
