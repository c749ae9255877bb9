// Package vmhost connects the replication manager to the hypervisor side of
// a primary host.
//
// Client implements replication.VMHost against a host agent's HTTP API, and
// NewHandler serves that API over any VMHost. Simulated is an in-memory host
// used by cmd/hostagent and the end-to-end tests: every VM dirties pages at a
// configured rate, and the CPU throttle directive scales that rate down
// through a token bucket, so adaptive throttling has a measurable effect.
//
// Agent API (all POST, JSON bodies):
//
//	/vms/dirty-pages       {"vm_id"}               -> {"pages":[...]}
//	/vms/capture           {"vm_id"}               -> {"state":"..."}
//	/vms/resume-on-target  {"vm_id","node_id"}
//	/vms/throttle/cpu      {"vm_id","intensity"}
//	/vms/throttle/io       {"vm_id","intensity"}
//	/vms/pause             {"vm_id"}
//	/vms/resume            {"vm_id"}
//
// Simulated hosts also serve GET /vms (list) and POST /vms (add a VM).
package vmhost
