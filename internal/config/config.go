package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/dreamware/ramstream/internal/throttle"
)

// TimeoutAction selects what a planned migration does when memory
// convergence does not finish within the configured timeout.
type TimeoutAction string

const (
	// TimeoutAbort leaves the VM on the primary and fails the migration.
	TimeoutAbort TimeoutAction = "abort"
	// TimeoutForce proceeds to the blackout phase regardless of buffer level.
	TimeoutForce TimeoutAction = "force"
)

// Duration is a time.Duration that encodes as a Go duration string
// ("100ms", "2m") in configuration files. Bare numbers are read as
// nanoseconds.
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON decodes a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// Config holds the distributed RAM replication parameters.
type Config struct {
	// MaxBufferSize is the replication buffer capacity in bytes of
	// unacknowledged pages. Buffer level = buffered bytes / MaxBufferSize.
	MaxBufferSize int64 `json:"max_buffer_size"`

	// ThrottleThreshold is the buffer level where throttling starts, in [0,1).
	ThrottleThreshold float64 `json:"throttle_threshold"`

	// MaxThrottlingIntensity caps the CPU/IO reduction, in [0,1].
	MaxThrottlingIntensity float64 `json:"max_throttling_intensity"`

	// ThrottlingCurve shapes intensity above the threshold.
	ThrottlingCurve throttle.Curve `json:"throttling_curve"`

	// EmergencyPauseEnabled pauses the VM on a saturated buffer. When false
	// the oldest buffered pages are dropped instead.
	EmergencyPauseEnabled bool `json:"emergency_pause_enabled"`

	// ReplicationInterval paces replication cycles.
	ReplicationInterval Duration `json:"replication_interval"`

	// BackupNodeCount is the number of backup nodes assigned per VM.
	BackupNodeCount int `json:"backup_node_count"`

	// PausePollInterval is how often an emergency pause re-checks the buffer.
	PausePollInterval Duration `json:"pause_poll_interval"`

	// PauseResumeLevel is the level an emergency pause (or lossy drop) drains to.
	PauseResumeLevel float64 `json:"pause_resume_level"`

	// ConvergencePollInterval is how often migration phase 1 re-checks the buffer.
	ConvergencePollInterval Duration `json:"convergence_poll_interval"`

	// ConvergenceLevel is the level phase 1 must get below before blackout.
	ConvergenceLevel float64 `json:"convergence_level"`

	// MigrationConvergenceTimeout bounds phase 1. Zero waits forever.
	MigrationConvergenceTimeout Duration `json:"migration_convergence_timeout"`

	// MigrationTimeoutAction decides what happens when phase 1 times out.
	MigrationTimeoutAction TimeoutAction `json:"migration_timeout_action"`

	// PauseRetries is the number of extra attempts for a failed pause request.
	PauseRetries int `json:"pause_retries"`

	// PauseRetryBackoff is the delay between pause attempts.
	PauseRetryBackoff Duration `json:"pause_retry_backoff"`

	// TransferBandwidth limits bytes per second sent to each backup node
	// outside turbo catchup. Zero is unlimited.
	TransferBandwidth int64 `json:"transfer_bandwidth_bytes"`

	// TransferTimeout bounds a single chunk delivery. Zero disables it.
	TransferTimeout Duration `json:"transfer_timeout"`
}

// Default returns the configuration used for any field a file leaves unset.
func Default() Config {
	return Config{
		MaxBufferSize:               256 << 20,
		ThrottleThreshold:           0.7,
		MaxThrottlingIntensity:      0.9,
		ThrottlingCurve:             throttle.Linear(),
		EmergencyPauseEnabled:       true,
		ReplicationInterval:         Duration{50 * time.Millisecond},
		BackupNodeCount:             2,
		PausePollInterval:           Duration{100 * time.Millisecond},
		PauseResumeLevel:            0.8,
		ConvergencePollInterval:     Duration{10 * time.Millisecond},
		ConvergenceLevel:            0.05,
		MigrationConvergenceTimeout: Duration{time.Minute},
		MigrationTimeoutAction:      TimeoutAbort,
		PauseRetries:                3,
		PauseRetryBackoff:           Duration{50 * time.Millisecond},
		TransferTimeout:             Duration{5 * time.Second},
	}
}

// Evaluator returns the throttling evaluator described by the configuration.
func (c *Config) Evaluator() throttle.Evaluator {
	return throttle.Evaluator{
		Threshold:    c.ThrottleThreshold,
		MaxIntensity: c.MaxThrottlingIntensity,
		Curve:        c.ThrottlingCurve,
	}
}

// Parse decodes YAML (or JSON) configuration data over the defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path. An empty path
// yields the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return &cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
