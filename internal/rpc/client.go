package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replication"
)

// Client is a backup node reached over gRPC.
type Client struct {
	id   string
	conn *grpc.ClientConn
}

var _ replication.BackupNode = (*Client)(nil)

// Dial connects to the replica service of node id at addr. The connection
// is established lazily; opts are appended to the insecure defaults.
func Dial(ctx context.Context, id, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", id, addr, err)
	}
	return &Client{id: id, conn: conn}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ID() string { return c.id }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(codecName))
}

func (c *Client) ReceiveMemoryChunk(ctx context.Context, vmID string, chunk []replication.MemoryPage) error {
	return c.invoke(ctx, methodReceiveChunk, &cluster.ChunkRequest{VMID: vmID, Pages: chunk}, &empty{})
}

func (c *Client) ReceiveFinalState(ctx context.Context, vmID string, state []byte) error {
	return c.invoke(ctx, methodReceiveFinal, &cluster.FinalStateRequest{VMID: vmID, State: state}, &empty{})
}

func (c *Client) PromoteToPrimary(ctx context.Context, vmID string) error {
	return c.invoke(ctx, methodPromote, &cluster.VMRequest{VMID: vmID}, &empty{})
}

func (c *Client) ApplyRemainingPages(ctx context.Context, vmID string, pages []replication.MemoryPage) error {
	return c.invoke(ctx, methodApplyRemaining, &cluster.ChunkRequest{VMID: vmID, Pages: pages}, &empty{})
}

func (c *Client) ResumeVM(ctx context.Context, vmID string) error {
	return c.invoke(ctx, methodResume, &cluster.VMRequest{VMID: vmID}, &empty{})
}

func (c *Client) ReplicationLag(ctx context.Context, vmID string) (time.Duration, error) {
	var resp cluster.LagResponse
	if err := c.invoke(ctx, methodReplicationLag, &cluster.VMRequest{VMID: vmID}, &resp); err != nil {
		return 0, err
	}
	return resp.Lag, nil
}
