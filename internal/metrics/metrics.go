// Package metrics provides Prometheus metrics for the HTTP/1.1 client
// task-queue engine and the HTTP/3-over-QUIC server driver.
//
// The metrics package is organized into logical modules:
//
//   - taskqueue.go: task-queue depth and task outcome counters
//   - httpclient.go: HTTP/1.1 client request duration and keep-alive cache
//   - h3.go: HTTP/3 connection, stream, and pollset metrics
//
// All metrics are automatically registered with Prometheus and exposed
// via the /metrics endpoint when the server starts.
package metrics
