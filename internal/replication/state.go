package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// vmState is the live replication state of one VM.
//
// The cycle lock is held for the whole of a replication cycle, the migration
// blackout, a turbo switch and the failover swap. mu guards the fields below
// it and is only held briefly.
type vmState struct {
	id string

	cycle chan struct{}

	mu          sync.RWMutex
	phase       Phase
	buffer      *pageBuffer
	lag         time.Duration
	throttling  ThrottlingState
	turbo       bool
	backups     []BackupNode
	stopping    bool
	stopPause   context.CancelFunc
	startedAt   time.Time
	cycles      uint64
	cycleErrors uint64
	dropped     uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func newVMState(id string, now time.Time) *vmState {
	return &vmState{
		id:        id,
		cycle:     make(chan struct{}, 1),
		phase:     PhaseIdle,
		buffer:    newPageBuffer(),
		startedAt: now,
		done:      make(chan struct{}),
	}
}

// lockCycle acquires the cycle lock or gives up when ctx ends.
func (s *vmState) lockCycle(ctx context.Context) error {
	select {
	case s.cycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the replication cycle of %s: %w", s.id, ctx.Err())
	}
}

func (s *vmState) unlockCycle() {
	<-s.cycle
}

// beginPause registers cancel as the way to interrupt an emergency pause.
// It reports false, and registers nothing, when the VM is failing over or
// stopping; the pause must then be skipped.
func (s *vmState) beginPause(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.phase == PhaseFailingOver {
		return false
	}
	s.stopPause = cancel
	return true
}

func (s *vmState) endPause() {
	s.mu.Lock()
	s.stopPause = nil
	s.mu.Unlock()
}

// interruptPause cancels an emergency pause in progress, if any.
func (s *vmState) interruptPause() {
	s.mu.RLock()
	cancel := s.stopPause
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// bufferBytes returns the unacknowledged byte count.
func (s *vmState) bufferBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer.bytes
}

// pending returns a snapshot of the buffered pages and their sequence numbers.
func (s *vmState) pending() ([]MemoryPage, []uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer.pending()
}

// backupSet returns a copy of the current backup nodes.
func (s *vmState) backupSet() []BackupNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BackupNode(nil), s.backups...)
}

// swapBackups installs a new backup set and returns the previous one.
func (s *vmState) swapBackups(next []BackupNode) []BackupNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.backups
	s.backups = next
	return prev
}

func (s *vmState) isTurbo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turbo
}

func (s *vmState) setTurbo(on bool) {
	s.mu.Lock()
	s.turbo = on
	s.mu.Unlock()
}

func (s *vmState) currentPhase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *vmState) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// transition moves from one phase to another, failing if the VM is elsewhere
// or already stopping.
func (s *vmState) transition(from, to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return fmt.Errorf("%w: replication of %s is stopping", ErrInvalidPhase, s.id)
	}
	if s.phase != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidPhase, s.id, s.phase, from)
	}
	s.phase = to
	return nil
}

// markStopping flags the state so no further cycle runs. It reports whether
// this call set the flag.
func (s *vmState) markStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.stopping = true
	return true
}

func (s *vmState) isStopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopping
}

func (s *vmState) lastThrottle() ThrottlingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throttling
}

func (s *vmState) recordCycleError() {
	s.mu.Lock()
	s.cycleErrors++
	s.mu.Unlock()
}

func (s *vmState) countCycle() {
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
}

// snapshot renders the exported view of the state.
func (s *vmState) snapshot(maxBuffer int64) VMReplicationState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	backups := make([]string, 0, len(s.backups))
	for _, b := range s.backups {
		backups = append(backups, b.ID())
	}

	return VMReplicationState{
		VMID:           s.id,
		Phase:          s.phase,
		BufferSize:     s.buffer.bytes,
		BufferLevel:    float64(s.buffer.bytes) / float64(maxBuffer),
		BufferedPages:  s.buffer.len(),
		ReplicationLag: s.lag,
		Throttling:     s.throttling,
		Turbo:          s.turbo,
		Backups:        backups,
		Cycles:         s.cycles,
		CycleErrors:    s.cycleErrors,
		DroppedPages:   s.dropped,
		StartedAt:      s.startedAt,
	}
}

// arena holds the state of every replicated VM, keyed by VM ID.
type arena struct {
	mu  sync.RWMutex
	vms map[string]*vmState
}

func newArena() *arena {
	return &arena{vms: make(map[string]*vmState)}
}

func (a *arena) get(vmID string) (*vmState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.vms[vmID]
	if !ok {
		return nil, unknownVM(vmID)
	}
	return st, nil
}

func (a *arena) add(st *vmState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.vms[st.id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyReplicating, st.id)
	}
	a.vms[st.id] = st
	return nil
}

// remove deletes st, but only if it is still the registered state for its
// ID. It reports whether st was removed.
func (a *arena) remove(st *vmState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.vms[st.id] != st {
		return false
	}
	delete(a.vms, st.id)
	return true
}

// all returns the states sorted by VM ID.
func (a *arena) all() []*vmState {
	a.mu.RLock()
	out := make([]*vmState, 0, len(a.vms))
	for _, st := range a.vms {
		out = append(out, st)
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y *vmState) int { return strings.Compare(x.id, y.id) })
	return out
}
