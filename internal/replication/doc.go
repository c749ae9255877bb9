// Package replication streams a running VM's dirty memory pages from its
// primary host to a set of backup nodes, throttles the VM when replication
// falls behind, and drives planned migration and unplanned failover.
//
// # Overview
//
// Every actively replicated VM has one replication loop. Each cycle the loop
// pulls the pages dirtied since the previous cycle from the VM host, adds
// them to the VM's replication buffer, decides how hard to throttle the VM
// based on how full that buffer is, and ships the buffered pages to the
// backup nodes in parallel. Pages leave the buffer only when the backup node
// that received them acknowledges the chunk.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────┐
//	│                      Manager                          │
//	│  per-VM loop · migration · failover · stop/close      │
//	├───────────────┬──────────────────┬───────────────────┤
//	│  Controller   │  TransferEngine  │  NodeDirectory     │
//	│  buffer/lag   │  chunk fan-out   │  (collaborator)    │
//	│  throttling   │  fail-fast join  │  backup placement  │
//	│  emergency    │  bandwidth limit │                    │
//	│  pause        │                  │                    │
//	└──────┬────────┴────────┬─────────┴───────────────────┘
//	       │                 │
//	       ▼                 ▼
//	   VMHost           BackupNode × N
//	 (collaborator)     (collaborator)
//
// # Replication Cycle
//
//  1. GetDirtyPages from the VM host; buffer them (a newer copy of an
//     address replaces an older unacknowledged one).
//  2. Compute the buffer level: buffered bytes / max_buffer_size.
//  3. Above the throttle threshold, apply the curve's intensity as a CPU and
//     an I/O directive. Back under it, release a previously applied throttle.
//     Turbo catchup suspends both.
//  4. At a level of 1.0 or more either pause the VM and drain the buffer
//     until it is below the resume level (emergency pause), or drop the
//     oldest pages until it is (lossy mode). An emergency pause skips the
//     regular transfer.
//  5. Partition the buffered pages into one contiguous chunk per backup node
//     and deliver them concurrently. The first failure cancels the other
//     deliveries; delivered chunks are acknowledged, the rest are resent in
//     a later cycle.
//
// A failed cycle is logged and counted; the loop itself only ends when
// replication is stopped.
//
// # Planned Migration
//
// Phase 1 enables turbo catchup (no throttling, no bandwidth limit) and polls
// the buffer level until it is under the convergence level, optionally bounded
// by a timeout. Phase 2 runs under the VM's cycle lock: pause the VM, capture
// its final state, send the remaining buffered pages and the final state to
// the target, and resume the VM on the target. A Phase 2 failure resumes the
// VM on the primary and nothing is committed.
//
// # Unplanned Failover
//
// The backup with the lowest replication lag is promoted (ties go to the
// lowest node ID). Still-buffered pages are applied to it and the VM resumes
// there. The backup set is swapped under the cycle lock, so no transfer can
// target the promoted node mid-swap.
//
// # Concurrency
//
// Per-VM state has two locks. The cycle lock serializes everything that
// mutates a VM's buffer or talks to its host on its behalf: replication
// cycles, throttling, the migration blackout and the failover swap. The
// state lock guards the fields themselves and is only held for short
// reads and updates, so status queries and convergence polling never wait
// for a cycle to finish. Different VMs share nothing but the read-only
// configuration.
package replication
