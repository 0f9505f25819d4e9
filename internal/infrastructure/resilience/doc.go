// Package resilience implements a three-state circuit breaker (closed,
// open, half-open). The exit-IP probe runs behind one so a slow or
// blocked external check cannot stall identity rotations: after repeated
// failures the probe fails fast until the breaker half-opens again.
package resilience
