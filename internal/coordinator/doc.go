// Package coordinator holds the control plane pieces the coordinator binary
// puts around replication.Manager.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            COORDINATOR              │
//	├─────────────────────────────────────┤
//	│  ┌───────────────────────────────┐  │
//	│  │ PlacementRegistry             │  │
//	│  │ - registered backup nodes     │  │
//	│  │ - VM → replica nodes          │  │
//	│  │ - least loaded placement      │  │
//	│  └───────────────────────────────┘  │
//	│  ┌───────────────────────────────┐  │
//	│  │ Directory                     │  │
//	│  │ - replication.NodeDirectory   │  │
//	│  │ - gRPC or HTTP transports     │  │
//	│  └───────────────────────────────┘  │
//	│  ┌───────────────────────────────┐  │
//	│  │ HealthMonitor + WatchHosts    │  │
//	│  │ - /health polling             │  │
//	│  │ - failed host → failover      │  │
//	│  │ - failed node → no new VMs    │  │
//	│  └───────────────────────────────┘  │
//	└─────────────────────────────────────┘
//
// # Placement
//
// Assign picks healthy nodes holding the fewest replicas, breaking ties by
// node ID, so a fresh cluster spreads VMs round robin:
//
//	nodes n1 n2 n3, two replicas per VM
//	vm-a → n1 n2
//	vm-b → n3 n1
//	vm-c → n2 n3
//
// Nodes failing health checks keep their existing replicas but take no new
// ones until they answer again or re-register.
//
// # Failure Handling
//
// The health monitor marks an endpoint unhealthy after three consecutive
// failed checks. When that endpoint is a primary host, FailoverHost runs
// Manager.HandleUnplannedFailover for every VM still replicating from it,
// concurrently, and reports the VMs it could not move.
package coordinator
