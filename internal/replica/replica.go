package replica

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/ramstream/internal/replication"
	"github.com/dreamware/ramstream/internal/storage"
)

var (
	// ErrUnknownVM is returned when the node holds no replica for a VM
	ErrUnknownVM = errors.New("no replica for VM")
	// ErrNotStandby is returned when replication data arrives after promotion
	ErrNotStandby = errors.New("replica is not in standby")
	// ErrNotPromoted is returned when a VM is resumed from a replica that was never promoted
	ErrNotPromoted = errors.New("replica is not promoted")
)

// State represents the lifecycle position of a replica
type State string

const (
	// StateStandby means the replica receives pages from the primary
	StateStandby State = "standby"
	// StatePromoted means the replica became the authoritative copy
	StatePromoted State = "promoted"
	// StateRunning means the VM was resumed from this replica
	StateRunning State = "running"
)

// Replica is one VM's memory copy on a backup node
type Replica struct {
	VMID    string            // VM this replica belongs to
	Store   storage.PageStore // Page storage backend
	Stats   *OperationStats   // Operation statistics
	created time.Time
	mu      sync.RWMutex // Protects state and finalState
	state   State
	final   []byte
}

// OperationStats tracks operation counts
type OperationStats struct {
	Chunks      uint64 `json:"chunks"`       // Chunks applied
	Pages       uint64 `json:"pages"`        // Pages received in chunks
	Remaining   uint64 `json:"remaining"`    // Pages applied after promotion
	FinalStates uint64 `json:"final_states"` // Final states received
}

// Info contains metadata about a replica
type Info struct {
	VMID          string             `json:"vm_id"`
	State         State              `json:"state"`
	Pages         int                `json:"pages"`
	Bytes         int64              `json:"bytes"`
	LastCapture   time.Time          `json:"last_capture"`
	HasFinalState bool               `json:"has_final_state"`
	Ops           OperationStats     `json:"ops"`
	Storage       storage.StoreStats `json:"storage"`
}

// New creates a standby replica with in-memory storage
func New(vmID string, now time.Time) *Replica {
	return &Replica{
		VMID:    vmID,
		Store:   storage.NewMemoryStore(),
		Stats:   &OperationStats{},
		created: now,
		state:   StateStandby,
	}
}

// ApplyChunk stores a chunk streamed from the primary
// Only a standby replica accepts chunks
func (r *Replica) ApplyChunk(pages []replication.MemoryPage) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateStandby {
		return fmt.Errorf("%w: %s is %s", ErrNotStandby, r.VMID, r.state)
	}

	atomic.AddUint64(&r.Stats.Chunks, 1)
	atomic.AddUint64(&r.Stats.Pages, uint64(len(pages)))
	r.Store.Put(pages...)
	return nil
}

// StoreFinalState keeps the state captured at migration blackout
func (r *Replica) StoreFinalState(state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStandby {
		return fmt.Errorf("%w: %s is %s", ErrNotStandby, r.VMID, r.state)
	}

	r.final = append([]byte(nil), state...)
	atomic.AddUint64(&r.Stats.FinalStates, 1)
	return nil
}

// FinalState returns a copy of the stored final state, nil if none arrived
func (r *Replica) FinalState() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.final == nil {
		return nil
	}
	return append([]byte(nil), r.final...)
}

// Promote makes the replica authoritative
// Promoting an already promoted replica is a no-op
func (r *Replica) Promote() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateStandby:
		r.state = StatePromoted
		return nil
	case StatePromoted:
		return nil
	default:
		return fmt.Errorf("cannot promote %s: replica is %s", r.VMID, r.state)
	}
}

// ApplyRemaining stores pages the primary still had buffered at failover
func (r *Replica) ApplyRemaining(pages []replication.MemoryPage) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StatePromoted {
		return fmt.Errorf("%w: %s is %s", ErrNotPromoted, r.VMID, r.state)
	}

	atomic.AddUint64(&r.Stats.Remaining, uint64(len(pages)))
	r.Store.Put(pages...)
	return nil
}

// Resume marks the VM as running from this replica
func (r *Replica) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StatePromoted:
		r.state = StateRunning
		return nil
	case StateRunning:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotPromoted, r.VMID, r.state)
	}
}

// State returns the current lifecycle state
func (r *Replica) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Lag returns how far the replica trails the primary at now: the age of the
// newest page it holds, or its own age while it holds none
func (r *Replica) Lag(now time.Time) time.Duration {
	last := r.Store.Stats().LastCapture
	if last.IsZero() {
		last = r.created
	}
	if lag := now.Sub(last); lag > 0 {
		return lag
	}
	return 0
}

// GetStats returns current operation statistics
func (r *Replica) GetStats() OperationStats {
	return OperationStats{
		Chunks:      atomic.LoadUint64(&r.Stats.Chunks),
		Pages:       atomic.LoadUint64(&r.Stats.Pages),
		Remaining:   atomic.LoadUint64(&r.Stats.Remaining),
		FinalStates: atomic.LoadUint64(&r.Stats.FinalStates),
	}
}

// Info returns metadata about the replica
func (r *Replica) Info() Info {
	r.mu.RLock()
	state := r.state
	hasFinal := r.final != nil
	r.mu.RUnlock()

	storageStats := r.Store.Stats()

	return Info{
		VMID:          r.VMID,
		State:         state,
		Pages:         storageStats.Pages,
		Bytes:         storageStats.Bytes,
		LastCapture:   storageStats.LastCapture,
		HasFinalState: hasFinal,
		Ops:           r.GetStats(),
		Storage:       storageStats,
	}
}
