// Package resilience provides the network-resilience layer shared by all
// remote operations: transient/permanent error classification, backoff-driven
// retries, a per-remote circuit breaker, connectivity probing, and the
// Runner that composes them around a single unit of work.
package resilience
