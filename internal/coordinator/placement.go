package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ramstream/internal/cluster"
)

// ErrNoNodes is returned when no healthy backup node can take a replica.
var ErrNoNodes = errors.New("no healthy backup nodes registered")

// Placement is the set of backup nodes holding one VM's replicas.
type Placement struct {
	VMID  string   `json:"vm_id"`
	Nodes []string `json:"nodes"`
}

// PlacementRegistry tracks registered backup nodes and which of them hold
// each VM's replicas. It is the coordinator's source of truth for placement:
//
//	┌─────────────────────────────────────┐
//	│        PlacementRegistry            │
//	├─────────────────────────────────────┤
//	│  nodes:      id → NodeInfo          │
//	│  down:       ids failing health     │
//	│  placements: vm → [node ids]        │
//	├─────────────────────────────────────┤
//	│  Assign: healthy nodes, least       │
//	│  loaded first, ties by node ID      │
//	└─────────────────────────────────────┘
//
// All methods are safe for concurrent use and return copies.
type PlacementRegistry struct {
	mu         sync.RWMutex
	nodes      map[string]cluster.NodeInfo
	down       map[string]bool
	placements map[string][]string
}

func NewPlacementRegistry() *PlacementRegistry {
	return &PlacementRegistry{
		nodes:      make(map[string]cluster.NodeInfo),
		down:       make(map[string]bool),
		placements: make(map[string][]string),
	}
}

// Register adds or updates a node. It reports whether the node's addresses
// changed, in which case cached connections to it are stale.
func (r *PlacementRegistry) Register(node cluster.NodeInfo) (changed bool, err error) {
	if node.ID == "" {
		return false, errors.New("node ID cannot be empty")
	}
	if node.Addr == "" && node.GRPCAddr == "" {
		return false, fmt.Errorf("node %s has no address", node.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.nodes[node.ID]
	r.nodes[node.ID] = node
	delete(r.down, node.ID)
	return ok && prev != node, nil
}

// Node returns the registered node id.
func (r *PlacementRegistry) Node(id string) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Nodes returns every registered node sorted by ID.
func (r *PlacementRegistry) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b cluster.NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SetHealthy marks a node as able or unable to take new replicas. Existing
// placements are kept; failover decides what happens to them.
func (r *PlacementRegistry) SetHealthy(id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	if healthy {
		delete(r.down, id)
	} else {
		r.down[id] = true
	}
}

// Assign places vmID on up to count healthy nodes, preferring the nodes that
// hold the fewest replicas. A previous placement of vmID is replaced.
func (r *PlacementRegistry) Assign(vmID string, count int) ([]cluster.NodeInfo, error) {
	if vmID == "" {
		return nil, errors.New("vm ID cannot be empty")
	}
	if count <= 0 {
		return nil, fmt.Errorf("invalid replica count %d", count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.placements, vmID)

	load := r.loadLocked()
	candidates := make([]cluster.NodeInfo, 0, len(r.nodes))
	for id, n := range r.nodes {
		if !r.down[id] {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoNodes
	}
	slices.SortFunc(candidates, func(a, b cluster.NodeInfo) int {
		if la, lb := load[a.ID], load[b.ID]; la != lb {
			return la - lb
		}
		return strings.Compare(a.ID, b.ID)
	})
	if count < len(candidates) {
		candidates = candidates[:count]
	}

	ids := make([]string, len(candidates))
	for i, n := range candidates {
		ids[i] = n.ID
	}
	r.placements[vmID] = ids
	return candidates, nil
}

// Release forgets the placement of vmID.
func (r *PlacementRegistry) Release(vmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.placements, vmID)
}

// Placement returns the node IDs holding vmID's replicas.
func (r *PlacementRegistry) Placement(vmID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.placements[vmID])
}

// Placements returns every placement sorted by VM ID.
func (r *PlacementRegistry) Placements() []Placement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Placement, 0, len(r.placements))
	for vm, nodes := range r.placements {
		out = append(out, Placement{VMID: vm, Nodes: slices.Clone(nodes)})
	}
	slices.SortFunc(out, func(a, b Placement) int { return strings.Compare(a.VMID, b.VMID) })
	return out
}

// Load returns how many VMs place a replica on nodeID.
func (r *PlacementRegistry) Load(nodeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadLocked()[nodeID]
}

// VMsOn returns the VMs with a replica on nodeID, sorted.
func (r *PlacementRegistry) VMsOn(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var vms []string
	for vm, nodes := range r.placements {
		if slices.Contains(nodes, nodeID) {
			vms = append(vms, vm)
		}
	}
	slices.Sort(vms)
	return vms
}

func (r *PlacementRegistry) loadLocked() map[string]int {
	load := make(map[string]int, len(r.nodes))
	for _, nodes := range r.placements {
		for _, id := range nodes {
			load[id]++
		}
	}
	return load
}
