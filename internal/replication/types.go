package replication

import "time"

// MemoryPage is a single captured guest memory page. Pages are immutable once
// captured; the buffer copies payloads on ingestion.
type MemoryPage struct {
	Address    uint64    `json:"address"`
	Size       int       `json:"size"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// Bytes returns the number of bytes the page occupies in the replication
// buffer. Size wins when set; otherwise the payload length is used.
func (p MemoryPage) Bytes() int64 {
	if p.Size > 0 {
		return int64(p.Size)
	}
	return int64(len(p.Payload))
}

// Clone returns a deep copy of the page.
func (p MemoryPage) Clone() MemoryPage {
	c := p
	if p.Payload != nil {
		c.Payload = make([]byte, len(p.Payload))
		copy(c.Payload, p.Payload)
	}
	return c
}

// pagesBytes sums the buffer footprint of pages.
func pagesBytes(pages []MemoryPage) int64 {
	var total int64
	for _, p := range pages {
		total += p.Bytes()
	}
	return total
}

// ThrottlingState is the last throttle applied to a VM.
type ThrottlingState struct {
	Intensity float64   `json:"intensity"`
	AppliedAt time.Time `json:"applied_at"`
}

// Phase is the replication state machine position of a VM.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseReplicating Phase = "replicating"
	PhaseMigrating   Phase = "migrating"
	PhaseFailingOver Phase = "failing_over"
)

// VMReplicationState is a point-in-time view of one replicated VM.
type VMReplicationState struct {
	VMID           string          `json:"vm_id"`
	Phase          Phase           `json:"phase"`
	BufferSize     int64           `json:"buffer_size"`
	BufferLevel    float64         `json:"buffer_level"`
	BufferedPages  int             `json:"buffered_pages"`
	ReplicationLag time.Duration   `json:"replication_lag"`
	Throttling     ThrottlingState `json:"throttling"`
	Turbo          bool            `json:"turbo"`
	Backups        []string        `json:"backups"`
	Cycles         uint64          `json:"cycles"`
	CycleErrors    uint64          `json:"cycle_errors"`
	DroppedPages   uint64          `json:"dropped_pages"`
	StartedAt      time.Time       `json:"started_at"`
}
