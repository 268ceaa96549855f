// Package metrics registers the fabric's Prometheus instrumentation:
// datagram throughput, routing fan-out, pacer health, and endpoint counts.
package metrics
