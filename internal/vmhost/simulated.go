package vmhost

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/dreamware/ramstream/internal/replication"
)

var log = logrus.WithField("component", "vmhost")

const (
	// DefaultPageSize is the guest page size of simulated VMs.
	DefaultPageSize = 4096
	// maxPagesPerPoll bounds a single dirty page extraction.
	maxPagesPerPoll = 1 << 14
	payloadBytes    = 64
)

// VMSpec describes a simulated VM.
type VMSpec struct {
	ID string `json:"vm_id"`
	// MemoryPages is the number of guest pages; dirty pages cycle through them.
	MemoryPages int `json:"memory_pages"`
	// DirtyRate is the unthrottled page dirtying rate in pages per second.
	DirtyRate float64 `json:"dirty_rate"`
}

// VMStatus is a point-in-time view of a simulated VM.
type VMStatus struct {
	VMID        string  `json:"vm_id"`
	CPUThrottle float64 `json:"cpu_throttle"`
	IOThrottle  float64 `json:"io_throttle"`
	Paused      bool    `json:"paused"`
	RunningOn   string  `json:"running_on,omitempty"`
	Dirtied     uint64  `json:"dirtied"`
	Captures    int     `json:"captures"`
}

type simVM struct {
	spec     VMSpec
	limiter  *rate.Limiter
	cpu      float64
	io       float64
	paused   bool
	movedTo  string
	cursor   uint64
	dirtied  uint64
	captures int
}

// Simulated is an in-memory VMHost. Each VM dirties pages at its DirtyRate
// scaled by the remaining CPU share, so throttling directives visibly slow
// the dirty page stream.
type Simulated struct {
	mu       sync.Mutex
	vms      map[string]*simVM
	pageSize int
	now      func() time.Time
}

var _ replication.VMHost = (*Simulated)(nil)

// NewSimulated creates a host with no VMs.
func NewSimulated() *Simulated {
	return &Simulated{
		vms:      make(map[string]*simVM),
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
}

// AddVM starts a simulated VM on the host.
func (s *Simulated) AddVM(spec VMSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("vm id cannot be empty")
	}
	if spec.MemoryPages <= 0 {
		return fmt.Errorf("vm %s: memory_pages must be positive", spec.ID)
	}
	if spec.DirtyRate < 0 {
		return fmt.Errorf("vm %s: dirty_rate cannot be negative", spec.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[spec.ID]; ok {
		return fmt.Errorf("vm %s already exists", spec.ID)
	}
	burst := int(spec.DirtyRate)
	if burst < 1 {
		burst = 1
	}
	s.vms[spec.ID] = &simVM{
		spec:    spec,
		limiter: rate.NewLimiter(rate.Limit(spec.DirtyRate), burst),
	}
	log.WithFields(logrus.Fields{"vm": spec.ID, "pages": spec.MemoryPages, "rate": spec.DirtyRate}).Info("simulated VM started")
	return nil
}

func (s *Simulated) get(vmID string) (*simVM, error) {
	vm, ok := s.vms[vmID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", replication.ErrUnknownVM, vmID)
	}
	return vm, nil
}

func (s *Simulated) GetDirtyPages(ctx context.Context, vmID string) ([]replication.MemoryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return nil, err
	}
	if vm.paused || vm.movedTo != "" || vm.cpu >= 1 || vm.spec.DirtyRate == 0 {
		return nil, nil
	}

	now := s.now()
	var pages []replication.MemoryPage
	for len(pages) < maxPagesPerPoll && vm.limiter.AllowN(now, 1) {
		pages = append(pages, s.dirty(vm, now))
	}
	return pages, nil
}

// dirty writes the next page of vm. Addresses wrap around guest memory so a
// long run re-dirties pages that may still be buffered.
func (s *Simulated) dirty(vm *simVM, now time.Time) replication.MemoryPage {
	vm.dirtied++
	addr := (vm.cursor % uint64(vm.spec.MemoryPages)) * uint64(s.pageSize)
	vm.cursor++

	payload := make([]byte, payloadBytes)
	binary.LittleEndian.PutUint64(payload, vm.dirtied)
	binary.LittleEndian.PutUint64(payload[8:], addr)
	return replication.MemoryPage{
		Address:    addr,
		Size:       s.pageSize,
		Payload:    payload,
		CapturedAt: now,
	}
}

func (s *Simulated) PauseAndCaptureFinalState(ctx context.Context, vmID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return nil, err
	}
	vm.paused = true
	vm.captures++
	state := fmt.Sprintf("vm=%s dirtied=%d cursor=%d captured=%s",
		vmID, vm.dirtied, vm.cursor, s.now().UTC().Format(time.RFC3339Nano))
	return []byte(state), nil
}

func (s *Simulated) ResumeVMOnTarget(ctx context.Context, vmID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return err
	}
	if !vm.paused {
		return fmt.Errorf("vm %s must be paused before it moves to %s", vmID, nodeID)
	}
	vm.movedTo = nodeID
	log.WithFields(logrus.Fields{"vm": vmID, "node": nodeID}).Info("VM handed off to target")
	return nil
}

func (s *Simulated) ThrottleCPU(ctx context.Context, vmID string, intensity float64) error {
	if intensity < 0 || intensity > 1 {
		return fmt.Errorf("cpu throttle %.3f out of range [0,1]", intensity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return err
	}
	vm.cpu = intensity
	vm.limiter.SetLimitAt(s.now(), rate.Limit(vm.spec.DirtyRate*(1-intensity)))
	return nil
}

func (s *Simulated) ThrottleIO(ctx context.Context, vmID string, intensity float64) error {
	if intensity < 0 || intensity > 1 {
		return fmt.Errorf("io throttle %.3f out of range [0,1]", intensity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return err
	}
	vm.io = intensity
	return nil
}

func (s *Simulated) PauseExecution(ctx context.Context, vmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return err
	}
	vm.paused = true
	return nil
}

func (s *Simulated) ResumeExecution(ctx context.Context, vmID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return err
	}
	if vm.movedTo != "" {
		return fmt.Errorf("vm %s now runs on %s", vmID, vm.movedTo)
	}
	vm.paused = false
	return nil
}

// Status returns the view of one VM.
func (s *Simulated) Status(vmID string) (VMStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, err := s.get(vmID)
	if err != nil {
		return VMStatus{}, err
	}
	return vm.status(), nil
}

// List returns every VM sorted by ID.
func (s *Simulated) List() []VMStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VMStatus, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, vm.status())
	}
	slices.SortFunc(out, func(a, b VMStatus) int { return strings.Compare(a.VMID, b.VMID) })
	return out
}

func (vm *simVM) status() VMStatus {
	return VMStatus{
		VMID:        vm.spec.ID,
		CPUThrottle: vm.cpu,
		IOThrottle:  vm.io,
		Paused:      vm.paused,
		RunningOn:   vm.movedTo,
		Dirtied:     vm.dirtied,
		Captures:    vm.captures,
	}
}
