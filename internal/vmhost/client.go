package vmhost

import (
	"context"
	"strings"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replication"
)

// Client drives a remote host agent over HTTP.
type Client struct {
	base string
}

var _ replication.VMHost = (*Client)(nil)

// NewClient returns a client for the agent at base, e.g. "http://10.0.0.5:8090".
func NewClient(base string) *Client {
	return &Client{base: strings.TrimRight(base, "/")}
}

func (c *Client) GetDirtyPages(ctx context.Context, vmID string) ([]replication.MemoryPage, error) {
	var resp PagesResponse
	if err := cluster.PostJSON(ctx, c.base+PathDirtyPages, cluster.VMRequest{VMID: vmID}, &resp); err != nil {
		return nil, err
	}
	return resp.Pages, nil
}

func (c *Client) PauseAndCaptureFinalState(ctx context.Context, vmID string) ([]byte, error) {
	var resp StateResponse
	if err := cluster.PostJSON(ctx, c.base+PathCapture, cluster.VMRequest{VMID: vmID}, &resp); err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) ResumeVMOnTarget(ctx context.Context, vmID, nodeID string) error {
	return cluster.PostJSON(ctx, c.base+PathResumeOnTarget, TargetRequest{VMID: vmID, NodeID: nodeID}, nil)
}

func (c *Client) ThrottleCPU(ctx context.Context, vmID string, intensity float64) error {
	return cluster.PostJSON(ctx, c.base+PathThrottleCPU, ThrottleRequest{VMID: vmID, Intensity: intensity}, nil)
}

func (c *Client) ThrottleIO(ctx context.Context, vmID string, intensity float64) error {
	return cluster.PostJSON(ctx, c.base+PathThrottleIO, ThrottleRequest{VMID: vmID, Intensity: intensity}, nil)
}

func (c *Client) PauseExecution(ctx context.Context, vmID string) error {
	return cluster.PostJSON(ctx, c.base+PathPause, cluster.VMRequest{VMID: vmID}, nil)
}

func (c *Client) ResumeExecution(ctx context.Context, vmID string) error {
	return cluster.PostJSON(ctx, c.base+PathResume, cluster.VMRequest{VMID: vmID}, nil)
}

// Ping checks that the agent answers. The health monitor uses it to detect
// a failed primary host.
func (c *Client) Ping(ctx context.Context) error {
	return cluster.GetJSON(ctx, c.base+"/health", nil)
}
