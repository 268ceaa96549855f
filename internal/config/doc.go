// Package config loads and validates the fabric's YAML configuration,
// following the same per-section Validate() composition used throughout
// this codebase.
package config 