// Package config loads and validates the runtime parameters of the
// distributed RAM replication system.
//
// A configuration is read once at startup from a YAML file, merged over
// defaults, validated, and then shared read-only by every per-VM replication
// loop. Invalid settings are rejected as a whole: Validate reports every
// violation it finds, not only the first.
//
// Example file:
//
//	max_buffer_size: 268435456      # 256 MiB of unacknowledged pages
//	throttle_threshold: 0.7
//	max_throttling_intensity: 0.9
//	throttling_curve:
//	  type: exponential
//	  exponent: 2
//	emergency_pause_enabled: true
//	replication_interval: 50ms
//	backup_node_count: 3
//	migration_convergence_timeout: 2m
//	migration_timeout_action: abort
package config
