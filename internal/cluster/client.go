package cluster

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/dreamware/ramstream/internal/replication"
)

// HTTPBackupNode talks to a backup node's HTTP API.
type HTTPBackupNode struct {
	info NodeInfo
}

var _ replication.BackupNode = (*HTTPBackupNode)(nil)

func NewHTTPBackupNode(info NodeInfo) *HTTPBackupNode {
	info.Addr = strings.TrimRight(info.Addr, "/")
	return &HTTPBackupNode{info: info}
}

func (n *HTTPBackupNode) ID() string { return n.info.ID }

func (n *HTTPBackupNode) ReceiveMemoryChunk(ctx context.Context, vmID string, chunk []replication.MemoryPage) error {
	return PostJSON(ctx, n.info.Addr+PathChunk, ChunkRequest{VMID: vmID, Pages: chunk}, nil)
}

func (n *HTTPBackupNode) ReceiveFinalState(ctx context.Context, vmID string, state []byte) error {
	return PostJSON(ctx, n.info.Addr+PathFinalState, FinalStateRequest{VMID: vmID, State: state}, nil)
}

func (n *HTTPBackupNode) PromoteToPrimary(ctx context.Context, vmID string) error {
	return PostJSON(ctx, n.info.Addr+PathPromote, VMRequest{VMID: vmID}, nil)
}

func (n *HTTPBackupNode) ApplyRemainingPages(ctx context.Context, vmID string, pages []replication.MemoryPage) error {
	return PostJSON(ctx, n.info.Addr+PathRemaining, ChunkRequest{VMID: vmID, Pages: pages}, nil)
}

func (n *HTTPBackupNode) ResumeVM(ctx context.Context, vmID string) error {
	return PostJSON(ctx, n.info.Addr+PathResume, VMRequest{VMID: vmID}, nil)
}

func (n *HTTPBackupNode) ReplicationLag(ctx context.Context, vmID string) (time.Duration, error) {
	var resp LagResponse
	if err := GetJSON(ctx, n.info.Addr+PathLag+"?vm="+url.QueryEscape(vmID), &resp); err != nil {
		return 0, err
	}
	return resp.Lag, nil
}
