package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/ramstream/internal/config"
)

const testPageSize = 4096

func page(addr uint64) MemoryPage {
	return MemoryPage{Address: addr, Size: testPageSize, CapturedAt: time.Now()}
}

func pages(from, count int) []MemoryPage {
	out := make([]MemoryPage, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, page(uint64(from+i)*testPageSize))
	}
	return out
}

// testConfig returns a config with a 100 page buffer and fast timings.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxBufferSize = 100 * testPageSize
	cfg.ReplicationInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.PausePollInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.ConvergencePollInterval = config.Duration{Duration: 2 * time.Millisecond}
	cfg.PauseRetryBackoff = config.Duration{Duration: time.Millisecond}
	cfg.TransferTimeout = config.Duration{Duration: time.Second}
	cfg.MigrationConvergenceTimeout = config.Duration{Duration: 5 * time.Second}
	return &cfg
}

// fakeHost is an in-memory VMHost. GetDirtyPages hands out the queued
// batches in order, then nothing.
type fakeHost struct {
	mu sync.Mutex

	batches     [][]MemoryPage
	dirtyErr    error
	cpu         []float64
	io          []float64
	throttleErr error

	pauseFailures int
	pauseCalls    int
	pauseErr      error
	paused        bool
	resumes       int

	finalState      []byte
	captureErr      error
	captures        int
	resumedOn       string
	resumeTargetErr error
	onResumeTarget  func(vmID string)
}

func (h *fakeHost) queue(batch []MemoryPage) {
	h.mu.Lock()
	h.batches = append(h.batches, batch)
	h.mu.Unlock()
}

func (h *fakeHost) GetDirtyPages(ctx context.Context, vmID string) ([]MemoryPage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirtyErr != nil {
		return nil, h.dirtyErr
	}
	if len(h.batches) == 0 {
		return nil, nil
	}
	batch := h.batches[0]
	h.batches = h.batches[1:]
	return batch, nil
}

func (h *fakeHost) PauseAndCaptureFinalState(ctx context.Context, vmID string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captures++
	if h.captureErr != nil {
		return nil, h.captureErr
	}
	h.paused = true
	return h.finalState, nil
}

func (h *fakeHost) ResumeVMOnTarget(ctx context.Context, vmID, nodeID string) error {
	h.mu.Lock()
	hook := h.onResumeTarget
	err := h.resumeTargetErr
	h.mu.Unlock()

	if hook != nil {
		hook(vmID)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.resumedOn = nodeID
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) ThrottleCPU(ctx context.Context, vmID string, intensity float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.throttleErr != nil {
		return h.throttleErr
	}
	h.cpu = append(h.cpu, intensity)
	return nil
}

func (h *fakeHost) ThrottleIO(ctx context.Context, vmID string, intensity float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.io = append(h.io, intensity)
	return nil
}

func (h *fakeHost) PauseExecution(ctx context.Context, vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pauseCalls++
	if h.pauseErr != nil {
		return h.pauseErr
	}
	if h.pauseFailures > 0 {
		h.pauseFailures--
		return fmt.Errorf("transient pause failure")
	}
	h.paused = true
	return nil
}

func (h *fakeHost) ResumeExecution(ctx context.Context, vmID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	h.resumes++
	return nil
}

type hostView struct {
	cpu        []float64
	io         []float64
	pauseCalls int
	paused     bool
	resumes    int
	captures   int
	resumedOn  string
}

func (h *fakeHost) snapshot() hostView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hostView{
		cpu:        append([]float64(nil), h.cpu...),
		io:         append([]float64(nil), h.io...),
		pauseCalls: h.pauseCalls,
		paused:     h.paused,
		resumes:    h.resumes,
		captures:   h.captures,
		resumedOn:  h.resumedOn,
	}
}

// fakeNode is an in-memory BackupNode.
type fakeNode struct {
	id string

	mu         sync.Mutex
	lag        time.Duration
	lagErr     error
	chunkErr   error
	delay      time.Duration
	received   map[uint64]MemoryPage
	chunks     int
	cancelled  int
	finalState []byte
	stateErr   error
	promoted   bool
	promoteErr error
	applied    []MemoryPage
	resumed    bool
	resumeErr  error
}

func newFakeNode(id string) *fakeNode {
	return &fakeNode{id: id, received: make(map[uint64]MemoryPage)}
}

func (n *fakeNode) ID() string { return n.id }

func (n *fakeNode) ReceiveMemoryChunk(ctx context.Context, vmID string, chunk []MemoryPage) error {
	n.mu.Lock()
	delay, err := n.delay, n.chunkErr
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			n.cancelled++
			n.mu.Unlock()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.chunks++
	for _, p := range chunk {
		n.received[p.Address] = p
	}
	return nil
}

func (n *fakeNode) ReceiveFinalState(ctx context.Context, vmID string, state []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stateErr != nil {
		return n.stateErr
	}
	n.finalState = append([]byte(nil), state...)
	return nil
}

func (n *fakeNode) PromoteToPrimary(ctx context.Context, vmID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.promoteErr != nil {
		return n.promoteErr
	}
	n.promoted = true
	return nil
}

func (n *fakeNode) ApplyRemainingPages(ctx context.Context, vmID string, pages []MemoryPage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applied = append(n.applied, pages...)
	return nil
}

func (n *fakeNode) ResumeVM(ctx context.Context, vmID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.resumeErr != nil {
		return n.resumeErr
	}
	n.resumed = true
	return nil
}

func (n *fakeNode) ReplicationLag(ctx context.Context, vmID string) (time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lag, n.lagErr
}

func (n *fakeNode) setChunkErr(err error) {
	n.mu.Lock()
	n.chunkErr = err
	n.mu.Unlock()
}

func (n *fakeNode) receivedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received)
}

// staticDirectory assigns the first count nodes to every VM.
type staticDirectory struct {
	mu       sync.Mutex
	nodes    []BackupNode
	targets  map[string]BackupNode
	released []string
}

func newStaticDirectory(nodes ...BackupNode) *staticDirectory {
	return &staticDirectory{nodes: nodes, targets: make(map[string]BackupNode)}
}

func (d *staticDirectory) AssignBackups(ctx context.Context, vmID string, count int) ([]BackupNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes registered", ErrNoBackupNodes)
	}
	if count > len(d.nodes) {
		count = len(d.nodes)
	}
	return append([]BackupNode(nil), d.nodes[:count]...), nil
}

func (d *staticDirectory) Lookup(ctx context.Context, nodeID string) (BackupNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.targets[nodeID]; ok {
		return n, nil
	}
	for _, n := range d.nodes {
		if n.ID() == nodeID {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node %s not found", nodeID)
}

func (d *staticDirectory) Release(vmID string) {
	d.mu.Lock()
	d.released = append(d.released, vmID)
	d.mu.Unlock()
}
