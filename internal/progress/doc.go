// Package progress provides the event primitives and the non-blocking
// broadcaster that executors use to report permit workflow progress. Events
// fan out to per-request observers over bounded queues and to always-on taps
// such as structured logs or Prometheus metrics.
package progress
