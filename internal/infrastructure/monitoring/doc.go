// Package monitoring provides Prometheus metrics for the daemon
// subsystem: lifecycle state, bootstrap progress, control-protocol
// command counters and latency, circuit and onion-service gauges,
// and HTTP API instrumentation.
package monitoring
