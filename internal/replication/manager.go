package replication

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/ramstream/internal/config"
)

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers the replication metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *managerOptions) {
		o.registerer = reg
	}
}

// Manager coordinates replication for every VM on a primary host. It runs
// one replication loop per VM and drives planned migrations and unplanned
// failovers.
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg        *config.Config
	host       VMHost
	dir        NodeDirectory
	vms        *arena
	metrics    *Metrics
	controller *Controller
	engine     *TransferEngine
}

// NewManager validates cfg and creates a Manager that talks to host and
// places backups through dir. A nil cfg uses the defaults.
func NewManager(cfg *config.Config, host VMHost, dir NodeDirectory, opts ...Option) (*Manager, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if host == nil || dir == nil {
		return nil, errors.New("replication manager needs a VM host and a node directory")
	}

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	metrics := NewMetrics(o.registerer)
	vms := newArena()
	return &Manager{
		cfg:        cfg,
		host:       host,
		dir:        dir,
		vms:        vms,
		metrics:    metrics,
		controller: newController(cfg, host, vms, metrics),
		engine:     NewTransferEngine(cfg.TransferBandwidth, cfg.TransferTimeout.Duration, metrics),
	}, nil
}

// Controller returns the adaptive replication controller.
func (m *Manager) Controller() *Controller { return m.controller }

// Engine returns the parallel transfer engine.
func (m *Manager) Engine() *TransferEngine { return m.engine }

// StartVMReplication assigns backup nodes to the VM and starts its
// replication loop. The loop outlives ctx; only ctx's values are kept.
//
// Returns:
//   - ErrAlreadyReplicating when the VM already has replication state
//   - ErrNoBackupNodes when no backup node could be assigned
func (m *Manager) StartVMReplication(ctx context.Context, vmID string) error {
	if vmID == "" {
		return errors.New("vm id is required")
	}

	st := newVMState(vmID, time.Now())
	if err := m.vms.add(st); err != nil {
		return err
	}

	backups, err := m.dir.AssignBackups(ctx, vmID, m.cfg.BackupNodeCount)
	if err == nil && len(backups) == 0 {
		err = fmt.Errorf("%w: %s", ErrNoBackupNodes, vmID)
	}
	if err != nil {
		m.vms.remove(st)
		m.dir.Release(vmID)
		return fmt.Errorf("start replication of %s: %w", vmID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.mu.Lock()
	if st.stopping {
		st.mu.Unlock()
		cancel()
		close(st.done)
		m.dir.Release(vmID)
		return fmt.Errorf("%w: replication of %s was stopped while starting", ErrInvalidPhase, vmID)
	}
	st.backups = backups
	st.phase = PhaseReplicating
	st.cancel = cancel
	st.mu.Unlock()

	go m.replicationLoop(loopCtx, st)

	log.WithFields(logrus.Fields{"vm": vmID, "backups": nodeIDs(backups)}).Info("replication started")
	return nil
}

func (m *Manager) replicationLoop(ctx context.Context, st *vmState) {
	defer close(st.done)

	for {
		moved, err := m.runCycle(ctx, st)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.cycleFailed(st, err)
		}

		delay := m.cfg.ReplicationInterval.Duration
		if moved > 0 && st.isTurbo() {
			delay = 0
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

// runCycle performs one replication cycle and returns the number of pages
// acknowledged by backup nodes.
func (m *Manager) runCycle(ctx context.Context, st *vmState) (int, error) {
	if err := st.lockCycle(ctx); err != nil {
		return 0, err
	}
	defer st.unlockCycle()

	if st.isStopping() {
		return 0, nil
	}
	switch st.currentPhase() {
	case PhaseReplicating, PhaseMigrating:
	default:
		return 0, nil
	}
	st.countCycle()

	pages, err := m.host.GetDirtyPages(ctx, st.id)
	if err != nil {
		return 0, fmt.Errorf("%w: dirty pages of %s: %w", ErrReplicationFailed, st.id, err)
	}
	m.controller.enqueue(st, pages)

	if st.bufferBytes() == 0 {
		return 0, nil
	}

	level := m.controller.level(st)
	if !st.isTurbo() {
		if err := m.adjustThrottle(ctx, st, level); err != nil {
			// Shipping pages is what brings the level down, so carry on.
			m.cycleFailed(st, err)
		}
	}

	if level >= 1 {
		if !m.cfg.EmergencyPauseEnabled {
			if _, err := m.controller.DiscardOldestPages(st.id, m.cfg.PauseResumeLevel); err != nil {
				return 0, err
			}
		} else {
			return m.emergencyPause(ctx, st)
		}
	}

	return m.transferBuffered(ctx, st)
}

// emergencyPause pauses the VM until transfers drain the buffer. Failover
// and migration interrupt the pause so they are not stuck behind backups
// that cannot drain it.
func (m *Manager) emergencyPause(ctx context.Context, st *vmState) (int, error) {
	pauseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !st.beginPause(cancel) {
		return 0, nil
	}
	defer st.endPause()

	moved := 0
	err := m.controller.EmergencyPauseVM(pauseCtx, st.id, func(ctx context.Context) error {
		n, err := m.transferBuffered(ctx, st)
		moved += n
		return err
	})
	if err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		err = fmt.Errorf("emergency pause of %s interrupted: %w", st.id, err)
	}
	return moved, err
}

// adjustThrottle throttles above the threshold and releases a previous
// throttle once the level is back under it.
func (m *Manager) adjustThrottle(ctx context.Context, st *vmState, level float64) error {
	if level > m.cfg.ThrottleThreshold {
		return m.controller.ApplyAdaptiveThrottling(ctx, st.id, level)
	}
	if st.lastThrottle().Intensity > 0 {
		return m.controller.applyIntensity(ctx, st, 0)
	}
	return nil
}

// transferBuffered ships every buffered page to the VM's backups and
// acknowledges the delivered chunks.
func (m *Manager) transferBuffered(ctx context.Context, st *vmState) (int, error) {
	pages, seqs := st.pending()
	if len(pages) == 0 {
		return 0, nil
	}

	batch := Batch{VMID: st.id, Pages: pages, Turbo: st.isTurbo()}
	report, err := m.engine.ReplicatePagesParallel(ctx, batch, st.backupSet())
	acked := m.controller.acknowledge(st, pages, seqs, report)
	if err != nil {
		return acked, fmt.Errorf("%w: %s: %w", ErrReplicationFailed, st.id, err)
	}
	return acked, nil
}

func (m *Manager) cycleFailed(st *vmState, err error) {
	st.recordCycleError()
	m.metrics.cycleErrors.WithLabelValues(st.id, errorKind(err)).Inc()
	log.WithField("vm", st.id).WithError(err).Warn("replication cycle failed")
}

// StopVMReplication stops the VM's replication loop, releases any throttle
// still applied to the VM and destroys its replication state. A cycle in
// progress is interrupted.
func (m *Manager) StopVMReplication(ctx context.Context, vmID string) error {
	st, err := m.vms.get(vmID)
	if err != nil {
		return err
	}
	if !st.markStopping() {
		return fmt.Errorf("%w: replication of %s is already stopping", ErrInvalidPhase, vmID)
	}

	m.stopLoop(st)
	m.finish(ctx, st, true)
	log.WithField("vm", vmID).Info("replication stopped")
	return nil
}

// stopLoop cancels the VM's loop and waits for it to exit. The caller must
// not hold the cycle lock.
func (m *Manager) stopLoop(st *vmState) {
	st.mu.RLock()
	cancel := st.cancel
	st.mu.RUnlock()

	if cancel == nil {
		return
	}
	cancel()
	<-st.done
}

// finish destroys the VM's state once its loop has exited.
func (m *Manager) finish(ctx context.Context, st *vmState, releaseThrottle bool) {
	if !m.vms.remove(st) {
		return
	}

	if releaseThrottle && st.lastThrottle().Intensity > 0 {
		if err := m.controller.applyIntensity(ctx, st, 0); err != nil {
			log.WithField("vm", st.id).WithError(err).Warn("failed to release throttle")
		}
	}

	st.setPhase(PhaseIdle)
	m.dir.Release(st.id)
	m.metrics.forget(st.id)
}

// ExecutePlannedMigration moves the VM to targetNode.
//
// Phase 1 switches to turbo catchup and waits until the buffer level drops
// below convergence_level. Phase 2 pauses the VM, captures its final state,
// sends the remaining buffered pages and the final state to the target and
// resumes the VM there. A failure in either phase leaves the VM running on
// the primary and returns ErrMigrationFailed. On success replication of
// the VM stops.
func (m *Manager) ExecutePlannedMigration(ctx context.Context, vmID, targetNode string) (err error) {
	logger := log.WithFields(logrus.Fields{"vm": vmID, "target": targetNode, "op": uuid.NewString()})
	defer func() { m.metrics.migrations.WithLabelValues(result(err)).Inc() }()

	st, err := m.vms.get(vmID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	if err := st.transition(PhaseReplicating, PhaseMigrating); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	abort := func(err error) error {
		m.controller.EndTurboCatchup(vmID)
		st.setPhase(PhaseReplicating)
		logger.WithError(err).Error("migration aborted, VM stays on primary")
		return fmt.Errorf("%w: %s to %s: %w", ErrMigrationFailed, vmID, targetNode, err)
	}

	target, err := m.dir.Lookup(ctx, targetNode)
	if err != nil {
		return abort(err)
	}

	logger.Info("migration phase 1: memory convergence")
	if err := m.controller.InitiateTurboCatchup(ctx, vmID); err != nil {
		return abort(err)
	}
	if err := m.awaitConvergence(ctx, st); err != nil {
		if !errors.Is(err, ErrConvergenceTimeout) || m.cfg.MigrationTimeoutAction != config.TimeoutForce {
			return abort(err)
		}
		logger.WithField("buffer_level", m.controller.level(st)).Warn("convergence timed out, forcing switch")
	}

	logger.Info("migration phase 2: blackout and switch")
	start := time.Now()

	st.interruptPause()
	if err := st.lockCycle(ctx); err != nil {
		return abort(err)
	}
	err = m.blackoutAndSwitch(ctx, st, target)
	if err == nil {
		st.markStopping()
	}
	st.unlockCycle()

	if err != nil {
		return abort(err)
	}

	m.stopLoop(st)
	m.finish(ctx, st, false)
	logger.WithField("blackout", time.Since(start)).Info("migration complete")
	return nil
}

// awaitConvergence polls the buffer level until it is below
// convergence_level, ctx ends or the convergence timeout expires.
func (m *Manager) awaitConvergence(ctx context.Context, st *vmState) error {
	var expired <-chan time.Time
	if d := m.cfg.MigrationConvergenceTimeout.Duration; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	ticker := time.NewTicker(m.cfg.ConvergencePollInterval.Duration)
	defer ticker.Stop()

	for {
		if m.controller.level(st) < m.cfg.ConvergenceLevel {
			return nil
		}
		if st.isStopping() {
			return fmt.Errorf("%w: replication of %s stopped", ErrInvalidPhase, st.id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			return fmt.Errorf("%w after %s", ErrConvergenceTimeout, m.cfg.MigrationConvergenceTimeout.Duration)
		case <-ticker.C:
		}
	}
}

// blackoutAndSwitch runs migration phase 2. The caller holds the cycle lock.
// Once the VM is paused any failure resumes it on the primary.
func (m *Manager) blackoutAndSwitch(ctx context.Context, st *vmState, target BackupNode) error {
	if st.isStopping() {
		return fmt.Errorf("%w: replication of %s stopped", ErrInvalidPhase, st.id)
	}

	if err := m.controller.pauseWithRetry(ctx, st.id); err != nil {
		return err
	}

	state, err := m.host.PauseAndCaptureFinalState(ctx, st.id)
	if err != nil {
		return m.resumePrimary(ctx, st.id, fmt.Errorf("capture final state: %w", err))
	}

	remaining, _ := st.pending()
	if err := m.engine.TransferFinalState(ctx, st.id, state, remaining, target); err != nil {
		return m.resumePrimary(ctx, st.id, err)
	}

	if err := m.host.ResumeVMOnTarget(ctx, st.id, target.ID()); err != nil {
		return m.resumePrimary(ctx, st.id, fmt.Errorf("resume on %s: %w", target.ID(), err))
	}
	return nil
}

// resumePrimary restarts the VM on the primary after a failed blackout and
// returns cause, annotated if the resume failed too.
func (m *Manager) resumePrimary(ctx context.Context, vmID string, cause error) error {
	resumeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resumeTimeout)
	defer cancel()
	if err := m.host.ResumeExecution(resumeCtx, vmID); err != nil {
		return fmt.Errorf("%w (resume on primary also failed: %v)", cause, err)
	}
	return cause
}

// HandleUnplannedFailover promotes the VM's most up to date backup after
// failedNode went down and returns the promoted node's ID.
//
// The backup with the lowest replication lag wins; equal lags go to the
// lowest node ID. The promoted node receives every page still buffered on
// the primary before the VM is resumed on it. If any step fails the backup
// set is restored and ErrFailoverFailed is returned. On success replication
// of the VM stops.
func (m *Manager) HandleUnplannedFailover(ctx context.Context, vmID, failedNode string) (promoted string, err error) {
	logger := log.WithFields(logrus.Fields{"vm": vmID, "failed": failedNode, "op": uuid.NewString()})
	defer func() { m.metrics.failovers.WithLabelValues(result(err)).Inc() }()

	st, err := m.vms.get(vmID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFailoverFailed, err)
	}
	if err := st.transition(PhaseReplicating, PhaseFailingOver); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFailoverFailed, err)
	}

	logger.Warn("starting unplanned failover")

	st.interruptPause()
	if err := st.lockCycle(ctx); err != nil {
		st.setPhase(PhaseReplicating)
		logger.WithError(err).Error("failover gave up waiting for the replication cycle")
		return "", fmt.Errorf("%w: %s: %w", ErrFailoverFailed, vmID, err)
	}
	promoted, prev, err := m.failover(ctx, st, failedNode)
	if err != nil {
		if prev != nil {
			st.swapBackups(prev)
		}
		st.setPhase(PhaseReplicating)
		st.unlockCycle()
		logger.WithError(err).Error("failover failed, backup set restored")
		return "", fmt.Errorf("%w: %s: %w", ErrFailoverFailed, vmID, err)
	}
	st.markStopping()
	st.unlockCycle()

	m.stopLoop(st)
	m.finish(ctx, st, false)
	logger.WithField("promoted", promoted).Info("failover complete")
	return promoted, nil
}

// failover runs the promotion under the cycle lock. prev is the backup set
// before the swap, nil if the swap did not happen.
func (m *Manager) failover(ctx context.Context, st *vmState, failedNode string) (string, []BackupNode, error) {
	var candidates []BackupNode
	for _, b := range st.backupSet() {
		if b.ID() != failedNode {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrNoBackupNodes, st.id)
	}

	best, err := m.selectBestBackup(ctx, st.id, candidates)
	if err != nil {
		return "", nil, err
	}

	next := make([]BackupNode, 0, len(candidates)-1)
	for _, b := range candidates {
		if b.ID() != best.ID() {
			next = append(next, b)
		}
	}
	prev := st.swapBackups(next)

	id := best.ID()
	if err := best.PromoteToPrimary(ctx, st.id); err != nil {
		return "", prev, &BackupNodeError{NodeID: id, Err: fmt.Errorf("promote: %w", err)}
	}
	if pages, _ := st.pending(); len(pages) > 0 {
		if err := best.ApplyRemainingPages(ctx, st.id, pages); err != nil {
			return "", prev, &BackupNodeError{NodeID: id, Err: fmt.Errorf("apply remaining pages: %w", err)}
		}
	}
	if err := best.ResumeVM(ctx, st.id); err != nil {
		return "", prev, &BackupNodeError{NodeID: id, Err: fmt.Errorf("resume: %w", err)}
	}
	return id, prev, nil
}

type lagReading struct {
	node BackupNode
	lag  time.Duration
	err  error
}

// selectBestBackup queries every candidate's lag concurrently and returns
// the one with the lowest lag, ties going to the lowest node ID. Nodes that
// fail to report are skipped.
func (m *Manager) selectBestBackup(ctx context.Context, vmID string, candidates []BackupNode) (BackupNode, error) {
	readings := make([]lagReading, len(candidates))

	var g errgroup.Group
	for i, node := range candidates {
		i, node := i, node
		g.Go(func() error {
			lag, err := node.ReplicationLag(ctx, vmID)
			readings[i] = lagReading{node: node, lag: lag, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs *multierror.Error
	usable := readings[:0]
	for _, r := range readings {
		if r.err != nil {
			errs = multierror.Append(errs, &BackupNodeError{NodeID: r.node.ID(), Err: r.err})
			log.WithFields(logrus.Fields{"vm": vmID, "node": r.node.ID()}).WithError(r.err).Warn("backup did not report lag, skipping")
			continue
		}
		usable = append(usable, r)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: no backup reported its lag: %w", ErrNoBackupNodes, errs.ErrorOrNil())
	}

	slices.SortFunc(usable, func(a, b lagReading) int {
		if c := cmp.Compare(a.lag, b.lag); c != 0 {
			return c
		}
		return strings.Compare(a.node.ID(), b.node.ID())
	})
	return usable[0].node, nil
}

// Status returns the replication state of one VM.
func (m *Manager) Status(vmID string) (VMReplicationState, error) {
	st, err := m.vms.get(vmID)
	if err != nil {
		return VMReplicationState{}, err
	}
	return st.snapshot(m.cfg.MaxBufferSize), nil
}

// List returns the replication state of every VM, sorted by VM ID.
func (m *Manager) List() []VMReplicationState {
	states := m.vms.all()
	out := make([]VMReplicationState, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot(m.cfg.MaxBufferSize))
	}
	return out
}

// Close stops replication of every VM.
func (m *Manager) Close(ctx context.Context) error {
	var errs *multierror.Error
	for _, st := range m.vms.all() {
		if err := m.StopVMReplication(ctx, st.id); err != nil && !errors.Is(err, ErrUnknownVM) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// sleep waits for d or until ctx ends, reporting whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nodeIDs(nodes []BackupNode) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID())
	}
	return ids
}
