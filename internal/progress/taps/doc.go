// Package taps provides always-on progress observers: structured logs for
// audits and Prometheus collectors for dashboards.
package taps
