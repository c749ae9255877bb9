package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Batch is a set of buffered pages shipped to a VM's backup nodes in one
// replication cycle.
type Batch struct {
	VMID  string
	Pages []MemoryPage

	// Turbo bypasses the per-node bandwidth limit.
	Turbo bool
}

// ChunkResult is the outcome of delivering one chunk to one node. Offset
// and Count locate the chunk within the batch.
type ChunkResult struct {
	NodeID    string
	Offset    int
	Count     int
	Bytes     int64
	Delivered bool
	Err       error
}

// TransferReport lists every chunk of a batch and whether its node
// acknowledged it.
type TransferReport struct {
	Chunks []ChunkResult
}

// DeliveredPages returns the number of pages in delivered chunks.
func (r TransferReport) DeliveredPages() int {
	n := 0
	for _, c := range r.Chunks {
		if c.Delivered {
			n += c.Count
		}
	}
	return n
}

// TransferStatistics summarises every chunk delivery the engine attempted.
type TransferStatistics struct {
	TotalBytes     int64         `json:"total_bytes"`
	Transfers      uint64        `json:"transfers"`
	Failures       uint64        `json:"failures"`
	AverageLatency time.Duration `json:"average_latency"`
}

// TransferEngine fans batches out to backup nodes concurrently.
type TransferEngine struct {
	bandwidth int64
	timeout   time.Duration
	metrics   *Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	stats    TransferStatistics
	latency  time.Duration
}

// NewTransferEngine creates an engine that limits each node to bandwidth
// bytes per second (zero is unlimited) and gives up on a chunk after
// timeout (zero disables the timeout).
func NewTransferEngine(bandwidth int64, timeout time.Duration, metrics *Metrics) *TransferEngine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &TransferEngine{
		bandwidth: bandwidth,
		timeout:   timeout,
		metrics:   metrics,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// PartitionPages splits pages into contiguous chunks of ceil(len/n) pages.
// There are never more than n chunks; with fewer pages than n some nodes
// get none. Every page lands in exactly one chunk, in order. The chunks
// share the backing array of pages.
func PartitionPages(pages []MemoryPage, n int) [][]MemoryPage {
	if n <= 0 || len(pages) == 0 {
		return nil
	}
	size := (len(pages) + n - 1) / n

	chunks := make([][]MemoryPage, 0, n)
	for start := 0; start < len(pages); start += size {
		end := start + size
		if end > len(pages) {
			end = len(pages)
		}
		chunks = append(chunks, pages[start:end:end])
	}
	return chunks
}

// ReplicatePagesParallel partitions the batch across nodes and delivers
// chunk i to nodes[i], all chunks concurrently. It waits for every chunk.
//
// The first failed delivery cancels the others and is returned as a
// *BackupNodeError. The report is complete either way: chunks that reached
// their node before the failure are marked Delivered, so the caller can
// acknowledge exactly those pages.
func (e *TransferEngine) ReplicatePagesParallel(ctx context.Context, batch Batch, nodes []BackupNode) (TransferReport, error) {
	if len(batch.Pages) == 0 {
		return TransferReport{}, nil
	}
	if len(nodes) == 0 {
		return TransferReport{}, fmt.Errorf("%w: %s", ErrNoBackupNodes, batch.VMID)
	}

	chunks := PartitionPages(batch.Pages, len(nodes))
	report := TransferReport{Chunks: make([]ChunkResult, len(chunks))}

	g, gctx := errgroup.WithContext(ctx)
	offset := 0
	for i, chunk := range chunks {
		i, chunk, node := i, chunk, nodes[i]
		report.Chunks[i] = ChunkResult{
			NodeID: node.ID(),
			Offset: offset,
			Count:  len(chunk),
			Bytes:  pagesBytes(chunk),
		}
		offset += len(chunk)

		g.Go(func() error {
			err := e.sendChunk(gctx, batch.VMID, node, chunk, batch.Turbo)
			// Each goroutine owns its own slot.
			report.Chunks[i].Delivered = err == nil
			report.Chunks[i].Err = err
			return err
		})
	}

	if err := g.Wait(); err != nil {
		var nodeErr *BackupNodeError
		if !errors.As(err, &nodeErr) {
			err = &BackupNodeError{Err: err}
		}
		return report, err
	}
	return report, nil
}

func (e *TransferEngine) sendChunk(ctx context.Context, vmID string, node BackupNode, chunk []MemoryPage, turbo bool) error {
	nodeID := node.ID()
	size := pagesBytes(chunk)

	if !turbo {
		if err := e.waitBytes(ctx, nodeID, size); err != nil {
			return &BackupNodeError{NodeID: nodeID, Err: err}
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err := node.ReceiveMemoryChunk(ctx, vmID, chunk)
	took := time.Since(start)

	e.record(nodeID, size, took, err)
	if err != nil {
		log.WithFields(logrus.Fields{"vm": vmID, "node": nodeID, "pages": len(chunk)}).WithError(err).Debug("chunk delivery failed")
		return &BackupNodeError{NodeID: nodeID, Err: err}
	}
	return nil
}

// TransferFinalState sends the pages still buffered on the primary and then
// the final captured state to the migration target.
func (e *TransferEngine) TransferFinalState(ctx context.Context, vmID string, state []byte, remaining []MemoryPage, target BackupNode) error {
	nodeID := target.ID()

	if len(remaining) > 0 {
		if err := e.sendChunk(ctx, vmID, target, remaining, true); err != nil {
			return err
		}
	}

	start := time.Now()
	err := target.ReceiveFinalState(ctx, vmID, state)
	e.record(nodeID, int64(len(state)), time.Since(start), err)
	if err != nil {
		return &BackupNodeError{NodeID: nodeID, Err: fmt.Errorf("final state: %w", err)}
	}
	return nil
}

// Stats returns the accumulated transfer statistics.
func (e *TransferEngine) Stats() TransferStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	if s.Transfers > 0 {
		s.AverageLatency = e.latency / time.Duration(s.Transfers)
	}
	return s
}

func (e *TransferEngine) record(nodeID string, bytes int64, took time.Duration, err error) {
	e.mu.Lock()
	e.stats.Transfers++
	e.latency += took
	if err != nil {
		e.stats.Failures++
	} else {
		e.stats.TotalBytes += bytes
	}
	e.mu.Unlock()

	e.metrics.observeChunk(nodeID, bytes, took, err)
}

// waitBytes blocks until the node's bandwidth budget covers n bytes.
func (e *TransferEngine) waitBytes(ctx context.Context, nodeID string, n int64) error {
	lim := e.limiter(nodeID)
	if lim == nil {
		return nil
	}
	burst := int64(lim.Burst())
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := lim.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (e *TransferEngine) limiter(nodeID string) *rate.Limiter {
	if e.bandwidth <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.bandwidth), int(e.bandwidth))
		e.limiters[nodeID] = lim
	}
	return lim
}
