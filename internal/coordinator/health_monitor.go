package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/ramstream/internal/cluster"
)

var log = logrus.WithField("component", "coordinator")

// Health status values.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth is the health record of one monitored endpoint.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor polls the /health endpoint of backup nodes and primary hosts.
//
// An endpoint becomes unhealthy after maxFailures consecutive failed checks;
// onUnhealthy fires once per transition, and onHealthy fires when an
// unhealthy endpoint answers again. Callbacks run on their own goroutine so
// a slow failover never stalls the check loop.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	onHealthy   func(nodeID string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex // Protects nodes and the callbacks
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that checks every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetMaxFailures sets how many consecutive failures mark an endpoint unhealthy.
func (h *HealthMonitor) SetMaxFailures(n int) {
	if n < 1 {
		n = 1
	}
	h.maxFailures = n
}

func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

func (h *HealthMonitor) SetOnHealthy(callback func(nodeID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHealthy = callback
}

// SetCheckFunction replaces the HTTP health check.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the check loop until ctx or the monitor is cancelled. The
// provider is consulted every round, so endpoints that disappear from it
// stop being tracked.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.WithField("interval", h.interval).Info("health monitor started")
	h.checkAll(ctx, provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Debug("health monitor stopped")
}

func (h *HealthMonitor) checkAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.check(ctx, node)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			log.WithField("node", id).Debug("stopped monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(checkCtx, node.Addr)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()
	entry := log.WithField("node", node.ID)

	if err != nil {
		health.ConsecutiveFails++
		entry.WithError(err).Debugf("health check failed (%d/%d)", health.ConsecutiveFails, h.maxFailures)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			entry.Warnf("marked unhealthy after %d failures", health.ConsecutiveFails)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(node.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		entry.Info("recovered")
		if h.onHealthy != nil {
			go h.onHealthy(node.ID)
		}
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the record of nodeID, or nil.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every record.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		out[id] = &c
	}
	return out
}

func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
