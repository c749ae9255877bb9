package replication

import (
	"context"
	"time"
)

// VMHost is the hypervisor side of replication: it extracts dirty pages and
// executes pause, resume, capture and throttle directives for VMs running on
// the primary host.
//
// Pause, resume and capture are treated as at-most-once by the caller; only
// PauseExecution is retried on failure.
type VMHost interface {
	// GetDirtyPages returns the pages modified since the previous call.
	GetDirtyPages(ctx context.Context, vmID string) ([]MemoryPage, error)

	// PauseAndCaptureFinalState pauses the VM (a no-op when already paused)
	// and returns its authoritative final state.
	PauseAndCaptureFinalState(ctx context.Context, vmID string) ([]byte, error)

	// ResumeVMOnTarget starts the VM on the target node after a migration.
	ResumeVMOnTarget(ctx context.Context, vmID, nodeID string) error

	// ThrottleCPU reduces the VM's CPU rate by intensity in [0,1]. Zero
	// removes the throttle.
	ThrottleCPU(ctx context.Context, vmID string, intensity float64) error

	// ThrottleIO reduces the VM's disk I/O rate by intensity in [0,1].
	ThrottleIO(ctx context.Context, vmID string, intensity float64) error

	// PauseExecution stops the VM's vCPUs.
	PauseExecution(ctx context.Context, vmID string) error

	// ResumeExecution restarts the VM's vCPUs on the primary.
	ResumeExecution(ctx context.Context, vmID string) error
}

// BackupNode is one replica holder for a VM's memory. Implementations wrap a
// transport; chunk application on the node is idempotent by page address.
type BackupNode interface {
	// ID returns the node's cluster-unique identifier.
	ID() string

	// ReceiveMemoryChunk stores a chunk of pages for the VM.
	ReceiveMemoryChunk(ctx context.Context, vmID string, chunk []MemoryPage) error

	// ReceiveFinalState stores the VM's final state captured at migration blackout.
	ReceiveFinalState(ctx context.Context, vmID string, state []byte) error

	// PromoteToPrimary makes the node's replica the authoritative copy.
	PromoteToPrimary(ctx context.Context, vmID string) error

	// ApplyRemainingPages applies pages that were still buffered on the primary.
	ApplyRemainingPages(ctx context.Context, vmID string, pages []MemoryPage) error

	// ResumeVM starts the VM from the promoted replica.
	ResumeVM(ctx context.Context, vmID string) error

	// ReplicationLag reports how far the node's replica trails the primary.
	ReplicationLag(ctx context.Context, vmID string) (time.Duration, error)
}

// NodeDirectory assigns backup nodes to VMs and resolves node IDs to
// reachable BackupNode handles.
type NodeDirectory interface {
	// AssignBackups picks up to count backup nodes for the VM.
	AssignBackups(ctx context.Context, vmID string, count int) ([]BackupNode, error)

	// Lookup resolves a node ID, used for migration targets.
	Lookup(ctx context.Context, nodeID string) (BackupNode, error)

	// Release forgets the VM's placement.
	Release(vmID string)
}
