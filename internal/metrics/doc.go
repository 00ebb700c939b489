// Package metrics exports buffer, subscriber and storage activity to
// Prometheus. One *Metrics satisfies the buffer, node and pebble store
// hooks, so the server builds it once and injects it everywhere.
package metrics
