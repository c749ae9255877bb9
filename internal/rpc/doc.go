// Package rpc serves and dials the backup node API over gRPC.
//
// The service "ramstream.BackupNode" is described by hand rather than
// generated from a .proto file. Messages are the JSON structs from
// internal/cluster, carried with the "json" content subtype registered by
// this package, so the HTTP and gRPC transports share one wire format.
//
// Server side:
//
//	lis, _ := net.Listen("tcp", ":9081")
//	s := rpc.NewServer(replica.NewNode("node-1", set))
//	go s.Serve(lis)
//
// Client side:
//
//	c, err := rpc.Dial(ctx, "node-1", "10.0.0.2:9081")
//	err = c.ReceiveMemoryChunk(ctx, "vm-1", pages)
//
// Replica errors come back as status codes: NotFound for an unknown VM and
// FailedPrecondition for an operation in the wrong replica state.
package rpc
