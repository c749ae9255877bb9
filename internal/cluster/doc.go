// Package cluster holds node identity, the JSON wire types shared by the
// coordinator, backup nodes and host agents, and the HTTP transport to
// backup nodes.
//
// # Overview
//
// Backup nodes register with the coordinator, which places each VM's
// replicas on them and streams memory pages from the primary host:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Placement  │
//	              │ - Manager    │
//	              │ - Health Mon │
//	              └──────┬───────┘
//	                     │ chunks, promote, resume
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│ replicas: │ │ replicas: │ │ replicas: │
//	│ vm-a,vm-b │ │ vm-a,vm-c │ │ vm-b,vm-c │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Communication Protocol
//
// Registration:
//
//	POST /register {"node":{"id":"node-1","addr":"http://10.0.0.2:8081","grpc_addr":"10.0.0.2:9081"}}
//
// Backup node API (served by cmd/node, called by HTTPBackupNode):
//
//	POST /replicas/chunk        ChunkRequest
//	POST /replicas/final-state  FinalStateRequest
//	POST /replicas/promote      VMRequest
//	POST /replicas/remaining    ChunkRequest
//	POST /replicas/resume       VMRequest
//	GET  /replicas/lag?vm=ID    LagResponse
//	GET  /replicas              list of replica infos
//
// Failed requests answer with an ErrorResponse body; PostJSON and GetJSON
// turn any non-2xx response into a *StatusError carrying that message.
//
// When a node advertises GRPCAddr the coordinator prefers the gRPC
// transport in internal/rpc and falls back to HTTP otherwise.
//
// # Failure Handling
//
// Every request runs under the caller's context and the shared client's
// 5s timeout. Retrying is left to the replication layer, which resends
// unacknowledged pages on its next cycle.
package cluster
