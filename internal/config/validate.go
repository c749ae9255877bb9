package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
)

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// FieldError describes one rejected configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes every FieldError match ErrInvalid.
func (e *FieldError) Is(target error) bool {
	return target == ErrInvalid
}

// Validate checks every field and returns all violations together, or nil.
func (c *Config) Validate() error {
	var result *multierror.Error
	reject := func(field, format string, args ...any) {
		result = multierror.Append(result, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.MaxBufferSize <= 0 {
		reject("max_buffer_size", "must be positive, got %d", c.MaxBufferSize)
	}
	if math.IsNaN(c.ThrottleThreshold) || c.ThrottleThreshold < 0 || c.ThrottleThreshold >= 1 {
		reject("throttle_threshold", "must be in [0,1), got %v", c.ThrottleThreshold)
	}
	if math.IsNaN(c.MaxThrottlingIntensity) || c.MaxThrottlingIntensity < 0 || c.MaxThrottlingIntensity > 1 {
		reject("max_throttling_intensity", "must be in [0,1], got %v", c.MaxThrottlingIntensity)
	}
	if err := c.ThrottlingCurve.Validate(); err != nil {
		reject("throttling_curve", "%v", err)
	}
	if c.ReplicationInterval.Duration <= 0 {
		reject("replication_interval", "must be positive, got %v", c.ReplicationInterval)
	}
	if c.BackupNodeCount <= 0 {
		reject("backup_node_count", "must be positive, got %d", c.BackupNodeCount)
	}
	if c.PausePollInterval.Duration <= 0 {
		reject("pause_poll_interval", "must be positive, got %v", c.PausePollInterval)
	}
	if c.PauseResumeLevel <= 0 || c.PauseResumeLevel >= 1 {
		reject("pause_resume_level", "must be in (0,1), got %v", c.PauseResumeLevel)
	}
	if c.ConvergencePollInterval.Duration <= 0 {
		reject("convergence_poll_interval", "must be positive, got %v", c.ConvergencePollInterval)
	}
	if c.ConvergenceLevel <= 0 || c.ConvergenceLevel >= 1 {
		reject("convergence_level", "must be in (0,1), got %v", c.ConvergenceLevel)
	}
	if c.MigrationConvergenceTimeout.Duration < 0 {
		reject("migration_convergence_timeout", "must not be negative, got %v", c.MigrationConvergenceTimeout)
	}
	switch c.MigrationTimeoutAction {
	case TimeoutAbort, TimeoutForce:
	default:
		reject("migration_timeout_action", "must be %q or %q, got %q", TimeoutAbort, TimeoutForce, c.MigrationTimeoutAction)
	}
	if c.PauseRetries < 0 {
		reject("pause_retries", "must not be negative, got %d", c.PauseRetries)
	}
	if c.PauseRetryBackoff.Duration < 0 {
		reject("pause_retry_backoff", "must not be negative, got %v", c.PauseRetryBackoff)
	}
	if c.TransferBandwidth < 0 {
		reject("transfer_bandwidth_bytes", "must not be negative, got %d", c.TransferBandwidth)
	}
	if c.TransferTimeout.Duration < 0 {
		reject("transfer_timeout", "must not be negative, got %v", c.TransferTimeout)
	}

	return result.ErrorOrNil()
}
