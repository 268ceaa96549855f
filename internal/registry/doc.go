// Package registry tracks fabric endpoints: liveness, sequence continuity,
// packet loss, and jitter. It manages concurrent endpoint updates and
// automatic expiry of endpoints that stop sending datagrams, following the
// same map-plus-mutex-plus-cleanup-goroutine shape as a session manager.
package registry
