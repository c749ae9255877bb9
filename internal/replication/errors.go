package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownVM means no replication state exists for the VM.
	ErrUnknownVM = errors.New("unknown VM")

	// ErrAlreadyReplicating means replication was started twice for a VM.
	ErrAlreadyReplicating = errors.New("VM is already replicating")

	// ErrThrottlingFailed means the VM host rejected a throttle directive.
	ErrThrottlingFailed = errors.New("throttling failed")

	// ErrReplicationFailed means a replication cycle could not ship pages.
	ErrReplicationFailed = errors.New("replication failed")

	// ErrBackupNode is matched by every *BackupNodeError.
	ErrBackupNode = errors.New("backup node error")

	// ErrNoBackupNodes means no backup node is available for the VM.
	ErrNoBackupNodes = errors.New("no backup nodes available")

	// ErrMigrationFailed means a planned migration did not complete. The VM
	// is still running on its primary.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrConvergenceTimeout means migration phase 1 did not drain the buffer in time.
	ErrConvergenceTimeout = errors.New("memory convergence timed out")

	// ErrFailoverFailed means an unplanned failover did not complete.
	ErrFailoverFailed = errors.New("failover failed")

	// ErrInvalidPhase means the VM is not in a phase that allows the operation.
	ErrInvalidPhase = errors.New("invalid replication phase")
)

// BackupNodeError reports a failed operation against one backup node.
type BackupNodeError struct {
	NodeID string
	Err    error
}

func (e *BackupNodeError) Error() string {
	return fmt.Sprintf("backup node %s: %v", e.NodeID, e.Err)
}

func (e *BackupNodeError) Unwrap() error {
	return e.Err
}

// Is makes every BackupNodeError match ErrBackupNode.
func (e *BackupNodeError) Is(target error) bool {
	return target == ErrBackupNode
}

func unknownVM(vmID string) error {
	return fmt.Errorf("%w: %s", ErrUnknownVM, vmID)
}

// errorKind classifies a cycle error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrThrottlingFailed):
		return "throttling"
	case errors.Is(err, ErrBackupNode):
		return "backup_node"
	case errors.Is(err, ErrNoBackupNodes):
		return "no_backups"
	case errors.Is(err, ErrReplicationFailed):
		return "replication"
	case errors.Is(err, ErrUnknownVM):
		return "unknown_vm"
	default:
		return "other"
	}
}
