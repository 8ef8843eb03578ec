// Package metrics defines the hub's instrumentation surface and its
// Prometheus and no-op implementations.
package metrics
