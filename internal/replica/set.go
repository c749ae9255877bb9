package replica

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/ramstream/internal/replication"
)

var log = logrus.WithField("component", "replica")

// Set holds every replica on one backup node, keyed by VM ID
type Set struct {
	mu       sync.RWMutex
	replicas map[string]*Replica
	now      func() time.Time
}

// NewSet creates an empty replica set
func NewSet() *Set {
	return &Set{
		replicas: make(map[string]*Replica),
		now:      time.Now,
	}
}

// Get returns the replica of vmID
func (s *Set) Get(vmID string) (*Replica, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.replicas[vmID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVM, vmID)
	}
	return r, nil
}

// GetOrCreate returns the replica of vmID, creating a standby replica on
// first use
func (s *Set) GetOrCreate(vmID string) *Replica {
	s.mu.RLock()
	r, ok := s.replicas[vmID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.replicas[vmID]; ok {
		return r
	}
	r = New(vmID, s.now())
	s.replicas[vmID] = r
	log.WithField("vm", vmID).Info("replica created")
	return r
}

// Remove drops the replica of vmID
func (s *Set) Remove(vmID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replicas[vmID]; !ok {
		return false
	}
	delete(s.replicas, vmID)
	return true
}

// List returns metadata of every replica sorted by VM ID
func (s *Set) List() []Info {
	s.mu.RLock()
	replicas := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		replicas = append(replicas, r)
	}
	s.mu.RUnlock()

	infos := make([]Info, 0, len(replicas))
	for _, r := range replicas {
		infos = append(infos, r.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.VMID, b.VMID) })
	return infos
}

// Node serves a replica set as an in-process replication.BackupNode. The
// network transports on a backup node delegate to it.
type Node struct {
	id  string
	set *Set
}

var _ replication.BackupNode = (*Node)(nil)

// NewNode wraps set as the backup node id
func NewNode(id string, set *Set) *Node {
	return &Node{id: id, set: set}
}

func (n *Node) ID() string { return n.id }

// Set returns the replica set behind the node
func (n *Node) Set() *Set { return n.set }

func (n *Node) ReceiveMemoryChunk(ctx context.Context, vmID string, chunk []replication.MemoryPage) error {
	return n.set.GetOrCreate(vmID).ApplyChunk(chunk)
}

func (n *Node) ReceiveFinalState(ctx context.Context, vmID string, state []byte) error {
	return n.set.GetOrCreate(vmID).StoreFinalState(state)
}

func (n *Node) PromoteToPrimary(ctx context.Context, vmID string) error {
	r, err := n.set.Get(vmID)
	if err != nil {
		return err
	}
	if err := r.Promote(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"vm": vmID, "pages": r.Store.Stats().Pages}).Warn("replica promoted to primary")
	return nil
}

func (n *Node) ApplyRemainingPages(ctx context.Context, vmID string, pages []replication.MemoryPage) error {
	r, err := n.set.Get(vmID)
	if err != nil {
		return err
	}
	return r.ApplyRemaining(pages)
}

func (n *Node) ResumeVM(ctx context.Context, vmID string) error {
	r, err := n.set.Get(vmID)
	if err != nil {
		return err
	}
	if err := r.Resume(); err != nil {
		return err
	}
	log.WithField("vm", vmID).Info("VM resumed from replica")
	return nil
}

func (n *Node) ReplicationLag(ctx context.Context, vmID string) (time.Duration, error) {
	r, err := n.set.Get(vmID)
	if err != nil {
		return 0, err
	}
	return r.Lag(n.set.now()), nil
}
