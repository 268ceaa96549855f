// Package routing maintains the directed routing multigraph between fabric
// endpoints and answers the hot-path "targets of X" query. It owns a single
// lock over all routing state, mirroring the single-lock session table in a
// stream manager.
package routing
