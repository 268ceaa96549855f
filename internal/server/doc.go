// Package server hosts the datagram ingress/egress loop and the
// diagnostics-only HTTP surface, following the worker-pool-over-a-buffered-
// channel shape used for packet processing throughout this codebase.
package server 