package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/ramstream/internal/config"
	"github.com/dreamware/ramstream/internal/throttle"
)

var log = logrus.WithField("component", "replication")

// resumeTimeout bounds the resume issued after an interrupted emergency pause.
const resumeTimeout = 5 * time.Second

// Controller owns the buffer and lag bookkeeping of every replicated VM and
// turns buffer levels into throttle directives for the VM host.
//
// Methods that mutate a VM (throttling, pause, enqueue, acknowledge, drop)
// must only be called by the VM's current owner: its replication cycle, or
// an operation holding the VM's cycle lock. Reads are safe from anywhere.
type Controller struct {
	cfg     *config.Config
	eval    throttle.Evaluator
	host    VMHost
	vms     *arena
	metrics *Metrics
	now     func() time.Time
}

func newController(cfg *config.Config, host VMHost, vms *arena, metrics *Metrics) *Controller {
	return &Controller{
		cfg:     cfg,
		eval:    cfg.Evaluator(),
		host:    host,
		vms:     vms,
		metrics: metrics,
		now:     time.Now,
	}
}

// GetBufferLevel returns buffered bytes / max_buffer_size for the VM. The
// level is computed from the live byte count on every call.
//
// Returns:
//   - ErrUnknownVM when the VM is not replicated
func (c *Controller) GetBufferLevel(vmID string) (float64, error) {
	st, err := c.vms.get(vmID)
	if err != nil {
		return 0, err
	}
	return c.level(st), nil
}

func (c *Controller) level(st *vmState) float64 {
	return float64(st.bufferBytes()) / float64(c.cfg.MaxBufferSize)
}

// ApplyAdaptiveThrottling evaluates the throttling curve for level and
// issues the resulting intensity as a CPU directive and an I/O directive.
// Both must succeed; the ThrottlingState is only recorded when they do.
//
// Returns:
//   - ErrUnknownVM when the VM is not replicated
//   - ErrThrottlingFailed when the host rejects either directive
func (c *Controller) ApplyAdaptiveThrottling(ctx context.Context, vmID string, level float64) error {
	st, err := c.vms.get(vmID)
	if err != nil {
		return err
	}
	return c.applyIntensity(ctx, st, c.eval.Intensity(level))
}

func (c *Controller) applyIntensity(ctx context.Context, st *vmState, intensity float64) error {
	if err := c.host.ThrottleCPU(ctx, st.id, intensity); err != nil {
		return fmt.Errorf("%w: cpu directive for %s: %w", ErrThrottlingFailed, st.id, err)
	}
	if err := c.host.ThrottleIO(ctx, st.id, intensity); err != nil {
		return fmt.Errorf("%w: io directive for %s: %w", ErrThrottlingFailed, st.id, err)
	}

	applied := ThrottlingState{Intensity: intensity, AppliedAt: c.now()}
	st.mu.Lock()
	prev := st.throttling
	st.throttling = applied
	st.mu.Unlock()

	c.metrics.throttleIntensity.WithLabelValues(st.id).Set(intensity)
	if prev.Intensity != intensity {
		log.WithFields(logrus.Fields{"vm": st.id, "intensity": intensity}).Debug("throttle changed")
	}
	return nil
}

// ThrottlingState returns the last throttle applied to the VM.
func (c *Controller) ThrottlingState(vmID string) (ThrottlingState, error) {
	st, err := c.vms.get(vmID)
	if err != nil {
		return ThrottlingState{}, err
	}
	return st.lastThrottle(), nil
}

// EmergencyPauseVM handles a saturated buffer.
//
// With emergency pause enabled the VM is paused (retrying transient pause
// failures), then every pause_poll_interval drain is called once and the
// level re-read, until the level is below pause_resume_level. The VM is then
// resumed. The VM is also resumed when ctx is cancelled mid-wait, in which
// case ctx.Err() is returned.
//
// With emergency pause disabled the oldest buffered pages are discarded
// until the level is below pause_resume_level.
func (c *Controller) EmergencyPauseVM(ctx context.Context, vmID string, drain func(context.Context) error) error {
	if !c.cfg.EmergencyPauseEnabled {
		_, err := c.DiscardOldestPages(vmID, c.cfg.PauseResumeLevel)
		return err
	}

	st, err := c.vms.get(vmID)
	if err != nil {
		return err
	}
	logger := log.WithField("vm", vmID)

	if err := c.pauseWithRetry(ctx, vmID); err != nil {
		return fmt.Errorf("emergency pause of %s: %w", vmID, err)
	}
	c.metrics.emergencyPauses.WithLabelValues(vmID).Inc()
	logger.WithField("buffer_level", c.level(st)).Warn("replication buffer saturated, VM paused")

	waitErr := c.awaitDrain(ctx, st, drain)

	if waitErr != nil && st.currentPhase() == PhaseFailingOver {
		// the VM resumes on the promoted backup, not here
		logger.WithField("buffer_level", c.level(st)).Warn("emergency pause interrupted by failover, VM left paused")
		return waitErr
	}

	resumeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
	defer cancel()
	if err := c.host.ResumeExecution(resumeCtx, vmID); err != nil {
		return fmt.Errorf("resume of %s after emergency pause: %w", vmID, err)
	}
	if waitErr != nil {
		logger.WithField("buffer_level", c.level(st)).WithError(waitErr).Warn("emergency pause interrupted, VM resumed before the buffer drained")
		return waitErr
	}
	logger.WithField("buffer_level", c.level(st)).Info("replication buffer drained, VM resumed")
	return nil
}

func (c *Controller) awaitDrain(ctx context.Context, st *vmState, drain func(context.Context) error) error {
	ticker := time.NewTicker(c.cfg.PausePollInterval.Duration)
	defer ticker.Stop()

	for c.level(st) >= c.cfg.PauseResumeLevel {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if drain == nil {
			continue
		}
		if err := drain(ctx); err != nil {
			log.WithField("vm", st.id).WithError(err).Debug("drain step during emergency pause failed")
		}
	}
	return nil
}

// pauseWithRetry issues PauseExecution up to 1+pause_retries times.
func (c *Controller) pauseWithRetry(ctx context.Context, vmID string) error {
	var err error
	for attempt := 0; attempt <= c.cfg.PauseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("pause of %s: %w (last error: %v)", vmID, ctx.Err(), err)
			case <-time.After(c.cfg.PauseRetryBackoff.Duration):
			}
		}
		if err = c.host.PauseExecution(ctx, vmID); err == nil {
			return nil
		}
		log.WithFields(logrus.Fields{"vm": vmID, "attempt": attempt + 1}).WithError(err).Warn("pause failed")
	}
	return fmt.Errorf("pause of %s failed after %d attempts: %w", vmID, c.cfg.PauseRetries+1, err)
}

// DiscardOldestPages drops buffered pages, oldest first, until the buffer
// level is below targetLevel. It returns the number of pages dropped.
func (c *Controller) DiscardOldestPages(vmID string, targetLevel float64) (int, error) {
	st, err := c.vms.get(vmID)
	if err != nil {
		return 0, err
	}

	limit := int64(targetLevel * float64(c.cfg.MaxBufferSize))

	st.mu.Lock()
	dropped := st.buffer.dropOldest(limit)
	st.dropped += uint64(dropped)
	st.mu.Unlock()

	c.refresh(st)
	if dropped > 0 {
		c.metrics.pagesDropped.WithLabelValues(vmID).Add(float64(dropped))
		log.WithFields(logrus.Fields{"vm": vmID, "dropped": dropped}).Warn("replication buffer saturated, discarded oldest pages")
	}
	return dropped, nil
}

// InitiateTurboCatchup suspends throttling for the VM: any applied throttle
// is released and transfers run without a bandwidth limit until
// EndTurboCatchup. It waits for an in-flight cycle to finish, interrupting
// an emergency pause, and gives up when ctx ends.
func (c *Controller) InitiateTurboCatchup(ctx context.Context, vmID string) error {
	st, err := c.vms.get(vmID)
	if err != nil {
		return err
	}

	st.interruptPause()
	if err := st.lockCycle(ctx); err != nil {
		return err
	}
	defer st.unlockCycle()

	st.setTurbo(true)
	if st.lastThrottle().Intensity > 0 {
		if err := c.applyIntensity(ctx, st, 0); err != nil {
			st.setTurbo(false)
			return err
		}
	}
	log.WithField("vm", vmID).Info("turbo catchup enabled")
	return nil
}

// EndTurboCatchup re-enables throttling for the VM from its next cycle.
func (c *Controller) EndTurboCatchup(vmID string) {
	st, err := c.vms.get(vmID)
	if err != nil {
		return
	}
	st.setTurbo(false)
	log.WithField("vm", vmID).Info("turbo catchup disabled")
}

// BufferedPages returns a copy of the pages not yet acknowledged by a backup
// node, oldest first.
func (c *Controller) BufferedPages(vmID string) ([]MemoryPage, error) {
	st, err := c.vms.get(vmID)
	if err != nil {
		return nil, err
	}
	pages, _ := st.pending()
	return pages, nil
}

// enqueue adds freshly captured pages to the VM's buffer.
func (c *Controller) enqueue(st *vmState, pages []MemoryPage) {
	if len(pages) == 0 {
		return
	}
	st.mu.Lock()
	st.buffer.push(pages)
	st.mu.Unlock()
	c.refresh(st)
}

// acknowledge removes the pages of every delivered chunk from the buffer and
// returns how many were removed. seqs must be the sequence numbers returned
// with the batch the report belongs to.
func (c *Controller) acknowledge(st *vmState, pages []MemoryPage, seqs []uint64, report TransferReport) int {
	acked := 0
	st.mu.Lock()
	for _, chunk := range report.Chunks {
		if !chunk.Delivered {
			continue
		}
		for i := chunk.Offset; i < chunk.Offset+chunk.Count; i++ {
			if st.buffer.ack(pages[i].Address, seqs[i]) {
				acked++
			}
		}
	}
	st.mu.Unlock()

	c.refresh(st)
	if acked > 0 {
		c.metrics.pagesReplicated.WithLabelValues(st.id).Add(float64(acked))
	}
	return acked
}

// refresh recomputes the replication lag and publishes buffer metrics.
func (c *Controller) refresh(st *vmState) {
	now := c.now()

	st.mu.Lock()
	if oldest, ok := st.buffer.oldest(); ok {
		st.lag = now.Sub(oldest)
	} else {
		st.lag = 0
	}
	bytes, lag := st.buffer.bytes, st.lag
	st.mu.Unlock()

	c.metrics.observeBuffer(st.id, bytes, c.cfg.MaxBufferSize, lag)
}
