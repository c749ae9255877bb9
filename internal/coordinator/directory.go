package coordinator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replication"
	"github.com/dreamware/ramstream/internal/rpc"
)

// DialFunc opens a transport to a backup node.
type DialFunc func(ctx context.Context, node cluster.NodeInfo) (replication.BackupNode, error)

// DialNode uses gRPC when the node advertises a gRPC address and HTTP
// otherwise.
func DialNode(ctx context.Context, node cluster.NodeInfo) (replication.BackupNode, error) {
	if node.GRPCAddr != "" {
		c, err := rpc.Dial(ctx, node.ID, node.GRPCAddr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return cluster.NewHTTPBackupNode(node), nil
}

// Directory resolves backup nodes for the replication manager. It places
// replicas through the registry and caches one transport per node. The
// nodes it hands out resolve the cached transport on every call, so a node
// that re-registers at a new address is reached there by existing
// placements too.
type Directory struct {
	registry *PlacementRegistry
	dial     DialFunc

	mu    sync.Mutex
	conns map[string]replication.BackupNode
}

var _ replication.NodeDirectory = (*Directory)(nil)

// NewDirectory creates a directory over registry. A nil dial uses DialNode.
func NewDirectory(registry *PlacementRegistry, dial DialFunc) *Directory {
	if dial == nil {
		dial = DialNode
	}
	return &Directory{
		registry: registry,
		dial:     dial,
		conns:    make(map[string]replication.BackupNode),
	}
}

// Registry returns the placement registry behind the directory.
func (d *Directory) Registry() *PlacementRegistry { return d.registry }

// Register adds a node and drops a cached transport to its old address.
func (d *Directory) Register(node cluster.NodeInfo) error {
	changed, err := d.registry.Register(node)
	if err != nil {
		return err
	}
	if changed {
		d.forget(node.ID)
	}
	log.WithFields(logrus.Fields{"node": node.ID, "addr": node.Addr, "grpc": node.GRPCAddr}).Info("node registered")
	return nil
}

func (d *Directory) AssignBackups(ctx context.Context, vmID string, count int) ([]replication.BackupNode, error) {
	infos, err := d.registry.Assign(vmID, count)
	if err != nil {
		return nil, err
	}

	nodes := make([]replication.BackupNode, 0, len(infos))
	for _, info := range infos {
		if _, err := d.node(ctx, info); err != nil {
			d.registry.Release(vmID)
			return nil, err
		}
		nodes = append(nodes, &nodeHandle{id: info.ID, dir: d})
	}
	return nodes, nil
}

func (d *Directory) Lookup(ctx context.Context, nodeID string) (replication.BackupNode, error) {
	if _, err := d.transport(ctx, nodeID); err != nil {
		return nil, err
	}
	return &nodeHandle{id: nodeID, dir: d}, nil
}

func (d *Directory) Release(vmID string) {
	d.registry.Release(vmID)
}

// transport returns the cached transport for nodeID, dialing the node's
// current address when there is none.
func (d *Directory) transport(ctx context.Context, nodeID string) (replication.BackupNode, error) {
	info, ok := d.registry.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("unknown node %s", nodeID)
	}
	return d.node(ctx, info)
}

func (d *Directory) node(ctx context.Context, info cluster.NodeInfo) (replication.BackupNode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.conns[info.ID]; ok {
		return n, nil
	}
	n, err := d.dial(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", info.ID, err)
	}
	d.conns[info.ID] = n
	return n, nil
}

func (d *Directory) forget(nodeID string) {
	d.mu.Lock()
	n, ok := d.conns[nodeID]
	delete(d.conns, nodeID)
	d.mu.Unlock()
	if !ok {
		return
	}
	if c, ok := n.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.WithField("node", nodeID).WithError(err).Warn("closing stale transport")
		}
	}
}

// Close closes every cached transport.
func (d *Directory) Close() error {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]replication.BackupNode)
	d.mu.Unlock()

	var errs *multierror.Error
	for id, n := range conns {
		if c, ok := n.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("node %s: %w", id, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

// nodeHandle is the BackupNode the directory hands out.
type nodeHandle struct {
	id  string
	dir *Directory
}

var _ replication.BackupNode = (*nodeHandle)(nil)

func (h *nodeHandle) ID() string { return h.id }

func (h *nodeHandle) ReceiveMemoryChunk(ctx context.Context, vmID string, chunk []replication.MemoryPage) error {
	t, err := h.dir.transport(ctx, h.id)
	if err != nil {
		return err
	}
	return t.ReceiveMemoryChunk(ctx, vmID, chunk)
}

func (h *nodeHandle) ReceiveFinalState(ctx context.Context, vmID string, state []byte) error {
	t, err := h.dir.transport(ctx, h.id)
	if err != nil {
		return err
	}
	return t.ReceiveFinalState(ctx, vmID, state)
}

func (h *nodeHandle) PromoteToPrimary(ctx context.Context, vmID string) error {
	t, err := h.dir.transport(ctx, h.id)
	if err != nil {
		return err
	}
	return t.PromoteToPrimary(ctx, vmID)
}

func (h *nodeHandle) ApplyRemainingPages(ctx context.Context, vmID string, pages []replication.MemoryPage) error {
	t, err := h.dir.transport(ctx, h.id)
	if err != nil {
		return err
	}
	return t.ApplyRemainingPages(ctx, vmID, pages)
}

func (h *nodeHandle) ResumeVM(ctx context.Context, vmID string) error {
	t, err := h.dir.transport(ctx, h.id)
	if err != nil {
		return err
	}
	return t.ResumeVM(ctx, vmID)
}

func (h *nodeHandle) ReplicationLag(ctx context.Context, vmID string) (time.Duration, error) {
	t, err := h.dir.transport(ctx, h.id)
	if err != nil {
		return 0, err
	}
	return t.ReplicationLag(ctx, vmID)
}
