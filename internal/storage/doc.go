// Package storage holds the backup-side copy of replicated VM memory.
//
// # Overview
//
// A backup node keeps one PageStore per replicated VM. Chunks streamed from
// the primary are applied with Put; the store keeps only the newest copy of
// each page address.
//
//	┌─────────────────────────────────────┐
//	│      Primary (replication.Manager)  │
//	└─────────────────────────────────────┘
//	                 │ chunks
//	                 ▼
//	┌─────────────────────────────────────┐
//	│     Backup node (replica.Replica)   │
//	└─────────────────────────────────────┘
//	                 │ Put
//	                 ▼
//	┌─────────────────────────────────────┐
//	│       PageStore (MemoryStore)       │
//	└─────────────────────────────────────┘
//
// # Idempotency
//
// The primary resends every chunk it has not seen acknowledged, including a
// chunk that reached the node but whose acknowledgement was lost when a
// parallel transfer failed. Put therefore compares CapturedAt per address:
//
//   - no stored copy: the page is stored
//   - stored copy is older or equal: the page replaces it
//   - stored copy is newer: the page is counted as stale and skipped
//
// Applying the same chunk twice, or two chunks out of order, always leaves
// the newest copy of every page.
//
// # Implementations
//
// MemoryStore: in-memory map guarded by sync.RWMutex
//   - Payloads are copied on Put and on Get
//   - No persistence; a restarted backup node is re-seeded by the primary
//
// # Thread Safety
//
// All PageStore implementations must be safe for concurrent use: chunks of
// one batch arrive on separate connections and are applied concurrently.
package storage
