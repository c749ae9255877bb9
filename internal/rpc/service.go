package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replica"
	"github.com/dreamware/ramstream/internal/replication"
)

var log = logrus.WithField("component", "rpc")

const serviceName = "ramstream.BackupNode"

const (
	methodReceiveChunk   = "ReceiveMemoryChunk"
	methodReceiveFinal   = "ReceiveFinalState"
	methodPromote        = "PromoteToPrimary"
	methodApplyRemaining = "ApplyRemainingPages"
	methodResume         = "ResumeVM"
	methodReplicationLag = "ReplicationLag"
)

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// empty is the reply of every method without a result.
type empty struct{}

// backupNodeServer is the interface the service descriptor dispatches to.
type backupNodeServer interface {
	replication.BackupNode
}

// serviceDesc describes the replica service for grpc.Server.RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*backupNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodReceiveChunk, Handler: unary(methodReceiveChunk, func(ctx context.Context, n replication.BackupNode, req *cluster.ChunkRequest) (any, error) {
			return &empty{}, n.ReceiveMemoryChunk(ctx, req.VMID, req.Pages)
		})},
		{MethodName: methodReceiveFinal, Handler: unary(methodReceiveFinal, func(ctx context.Context, n replication.BackupNode, req *cluster.FinalStateRequest) (any, error) {
			return &empty{}, n.ReceiveFinalState(ctx, req.VMID, req.State)
		})},
		{MethodName: methodPromote, Handler: unary(methodPromote, func(ctx context.Context, n replication.BackupNode, req *cluster.VMRequest) (any, error) {
			return &empty{}, n.PromoteToPrimary(ctx, req.VMID)
		})},
		{MethodName: methodApplyRemaining, Handler: unary(methodApplyRemaining, func(ctx context.Context, n replication.BackupNode, req *cluster.ChunkRequest) (any, error) {
			return &empty{}, n.ApplyRemainingPages(ctx, req.VMID, req.Pages)
		})},
		{MethodName: methodResume, Handler: unary(methodResume, func(ctx context.Context, n replication.BackupNode, req *cluster.VMRequest) (any, error) {
			return &empty{}, n.ResumeVM(ctx, req.VMID)
		})},
		{MethodName: methodReplicationLag, Handler: unary(methodReplicationLag, func(ctx context.Context, n replication.BackupNode, req *cluster.VMRequest) (any, error) {
			lag, err := n.ReplicationLag(ctx, req.VMID)
			return &cluster.LagResponse{VMID: req.VMID, Lag: lag}, err
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ramstream/backup_node",
}

// unary adapts a typed handler to grpc.MethodDesc.Handler, running it
// through the server's interceptor chain and mapping errors to statuses.
func unary[Req any](method string, call func(context.Context, replication.BackupNode, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
		}
		node := srv.(replication.BackupNode)

		handler := func(ctx context.Context, r any) (any, error) {
			resp, err := call(ctx, node, r.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, req, info, handler)
	}
}

// toStatus maps replica errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, replica.ErrUnknownVM):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, replica.ErrNotStandby), errors.Is(err, replica.ErrNotPromoted):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// NewServer creates a gRPC server that serves node as the replica service.
func NewServer(node replication.BackupNode, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, node)
	return s
}

// Register adds the replica service for node to s.
func Register(s *grpc.Server, node replication.BackupNode) {
	s.RegisterService(&serviceDesc, node)
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := log.WithFields(logrus.Fields{"method": info.FullMethod, "took": time.Since(start)})
	if err != nil {
		entry.WithError(err).Debug("rpc failed")
	} else {
		entry.Trace("rpc served")
	}
	return resp, err
}
