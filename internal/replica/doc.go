// Package replica implements the backup-node side of VM memory replication.
//
// # Overview
//
// A backup node holds one Replica per VM it backs up. The primary streams
// dirty pages into the replica while the VM runs; at failover the primary's
// coordinator promotes the freshest replica, hands it the pages that never
// made it across, and resumes the VM from it.
//
// # Lifecycle
//
//	   ApplyChunk, StoreFinalState
//	         ┌─────┐
//	         ▼     │
//	    ┌─────────────┐   Promote   ┌──────────┐   Resume   ┌─────────┐
//	    │   standby   │────────────▶│ promoted │───────────▶│ running │
//	    └─────────────┘             └──────────┘            └─────────┘
//	                                  ▲      │
//	                                  └──────┘
//	                               ApplyRemaining
//
// Chunks are only accepted in standby: once a replica is promoted, late
// chunks from the old primary are refused with ErrNotStandby.
//
// # Replication lag
//
// Lag is the age of the newest page the replica holds. All backups of a VM
// receive every cycle's chunks, so the backup whose newest page is youngest
// has seen the most recent state of the VM.
//
// # Node
//
// Node adapts a Set to replication.BackupNode. The gRPC and HTTP servers on
// a backup node, and in-process tests, all go through it.
package replica
