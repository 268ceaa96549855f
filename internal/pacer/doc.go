// Package pacer smooths bursty producer timing into an exact release
// cadence toward physical endpoints. It buffers per-flow queues and ticks
// them on a fixed interval, the same ticker-driven-loop shape used for
// periodic session maintenance elsewhere in this codebase.
package pacer
