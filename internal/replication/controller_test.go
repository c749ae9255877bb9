package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ramstream/internal/config"
)

// newTestController returns a controller with one registered VM "vm-1".
func newTestController(t *testing.T, cfg *config.Config, host VMHost) (*Controller, *vmState) {
	t.Helper()
	vms := newArena()
	st := newVMState("vm-1", time.Now())
	st.phase = PhaseReplicating
	require.NoError(t, vms.add(st))
	return newController(cfg, host, vms, NewMetrics(nil)), st
}

func TestControllerGetBufferLevel(t *testing.T) {
	c, st := newTestController(t, testConfig(), &fakeHost{})

	level, err := c.GetBufferLevel("vm-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, level)

	c.enqueue(st, pages(0, 50))
	level, err = c.GetBufferLevel("vm-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, level, 1e-9)

	_, err = c.GetBufferLevel("missing")
	assert.ErrorIs(t, err, ErrUnknownVM)
}

func TestControllerApplyAdaptiveThrottling(t *testing.T) {
	host := &fakeHost{}
	c, _ := newTestController(t, testConfig(), host)

	require.NoError(t, c.ApplyAdaptiveThrottling(context.Background(), "vm-1", 0.85))

	seen := host.snapshot()
	require.Len(t, seen.cpu, 1)
	require.Len(t, seen.io, 1)
	assert.InDelta(t, 0.45, seen.cpu[0], 1e-9)
	assert.InDelta(t, 0.45, seen.io[0], 1e-9)

	state, err := c.ThrottlingState("vm-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, state.Intensity, 1e-9)
	assert.False(t, state.AppliedAt.IsZero())

	err = c.ApplyAdaptiveThrottling(context.Background(), "missing", 0.85)
	assert.ErrorIs(t, err, ErrUnknownVM)
}

func TestControllerApplyAdaptiveThrottlingFailure(t *testing.T) {
	host := &fakeHost{throttleErr: errors.New("cgroup write failed")}
	c, _ := newTestController(t, testConfig(), host)

	err := c.ApplyAdaptiveThrottling(context.Background(), "vm-1", 0.95)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottlingFailed)
	assert.Contains(t, err.Error(), "cgroup write failed")

	state, err := c.ThrottlingState("vm-1")
	require.NoError(t, err)
	assert.Equal(t, ThrottlingState{}, state, "failed directive must not be recorded")
}

func TestControllerEmergencyPauseDrains(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	host := &fakeHost{}
	c, st := newTestController(t, testConfig(), host)
	c.enqueue(st, pages(0, 100))

	drains := 0
	drain := func(ctx context.Context) error {
		drains++
		// Ship ten pages per poll.
		pending, seqs := st.pending()
		st.mu.Lock()
		for i := 0; i < 10 && i < len(pending); i++ {
			st.buffer.ack(pending[i].Address, seqs[i])
		}
		st.mu.Unlock()
		return nil
	}

	require.NoError(t, c.EmergencyPauseVM(context.Background(), "vm-1", drain))

	level, err := c.GetBufferLevel("vm-1")
	require.NoError(t, err)
	assert.Less(t, level, 0.8)
	assert.Equal(t, 3, drains, "100% -> 90% -> 80% -> 70%")

	seen := host.snapshot()
	assert.Equal(t, 1, seen.pauseCalls)
	assert.Equal(t, 1, seen.resumes)
	assert.False(t, seen.paused)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "replication buffer drained, VM resumed", last.Message)
	assert.Contains(t, last.Data, "buffer_level")
	assert.NotContains(t, last.Data, "level", "must not shadow the entry's severity")
}

func TestControllerEmergencyPauseResumesOnCancel(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	host := &fakeHost{}
	c, st := newTestController(t, testConfig(), host)
	c.enqueue(st, pages(0, 100))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.EmergencyPauseVM(ctx, "vm-1", func(context.Context) error {
		return errors.New("backups unreachable")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	seen := host.snapshot()
	assert.Equal(t, 1, seen.resumes, "VM must be resumed even when the wait is interrupted")
	assert.False(t, seen.paused)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "emergency pause interrupted, VM resumed before the buffer drained", last.Message)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, "replication buffer drained, VM resumed", e.Message)
	}
}

func TestControllerEmergencyPauseRetriesPause(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{name: "first attempt", failures: 0, wantCalls: 1},
		{name: "transient failures", failures: 2, wantCalls: 3},
		{name: "all attempts fail", failures: 10, wantErr: true, wantCalls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{pauseFailures: tt.failures}
			c, st := newTestController(t, testConfig(), host)
			c.enqueue(st, pages(0, 50))

			err := c.EmergencyPauseVM(context.Background(), "vm-1", nil)
			seen := host.snapshot()
			assert.Equal(t, tt.wantCalls, seen.pauseCalls)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, 0, seen.resumes, "a VM that never paused is not resumed")
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, 1, seen.resumes)
		})
	}
}

func TestControllerEmergencyPauseDisabledDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.EmergencyPauseEnabled = false
	host := &fakeHost{}
	c, st := newTestController(t, cfg, host)
	c.enqueue(st, pages(0, 100))

	require.NoError(t, c.EmergencyPauseVM(context.Background(), "vm-1", nil))

	level, err := c.GetBufferLevel("vm-1")
	require.NoError(t, err)
	assert.Less(t, level, 0.8)
	assert.InDelta(t, 0.79, level, 1e-9)

	buffered, err := c.BufferedPages("vm-1")
	require.NoError(t, err)
	require.Len(t, buffered, 79)
	assert.Equal(t, uint64(21*testPageSize), buffered[0].Address, "newest pages survive")

	assert.Equal(t, 0, host.snapshot().pauseCalls)
	assert.Equal(t, uint64(21), st.snapshot(cfg.MaxBufferSize).DroppedPages)
}

func TestControllerTurboCatchupReleasesThrottle(t *testing.T) {
	host := &fakeHost{}
	c, st := newTestController(t, testConfig(), host)

	require.NoError(t, c.ApplyAdaptiveThrottling(context.Background(), "vm-1", 1.0))
	require.NoError(t, c.InitiateTurboCatchup(context.Background(), "vm-1"))

	assert.True(t, st.isTurbo())
	seen := host.snapshot()
	require.Len(t, seen.cpu, 2)
	assert.InDelta(t, 0.9, seen.cpu[0], 1e-9)
	assert.Equal(t, 0.0, seen.cpu[1])

	c.EndTurboCatchup("vm-1")
	assert.False(t, st.isTurbo())
}

func TestControllerTurboCatchupHonoursContext(t *testing.T) {
	c, st := newTestController(t, testConfig(), &fakeHost{})
	require.NoError(t, st.lockCycle(context.Background()))
	defer st.unlockCycle()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.InitiateTurboCatchup(ctx, "vm-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, st.isTurbo())
}

func TestControllerAcknowledge(t *testing.T) {
	c, st := newTestController(t, testConfig(), &fakeHost{})
	c.enqueue(st, pages(0, 6))
	batch, seqs := st.pending()

	report := TransferReport{Chunks: []ChunkResult{
		{NodeID: "a", Offset: 0, Count: 3, Delivered: true},
		{NodeID: "b", Offset: 3, Count: 3, Delivered: false},
	}}
	acked := c.acknowledge(st, batch, seqs, report)
	assert.Equal(t, 3, acked)

	buffered, err := c.BufferedPages("vm-1")
	require.NoError(t, err)
	require.Len(t, buffered, 3)
	assert.Equal(t, uint64(3*testPageSize), buffered[0].Address)
}

func TestControllerLagTracksOldestPage(t *testing.T) {
	c, st := newTestController(t, testConfig(), &fakeHost{})
	now := time.Now()
	c.now = func() time.Time { return now }

	old := page(0)
	old.CapturedAt = now.Add(-200 * time.Millisecond)
	c.enqueue(st, []MemoryPage{old, page(4096)})
	assert.Equal(t, 200*time.Millisecond, st.snapshot(testConfig().MaxBufferSize).ReplicationLag)

	batch, seqs := st.pending()
	c.acknowledge(st, batch, seqs, TransferReport{Chunks: []ChunkResult{{Offset: 0, Count: 2, Delivered: true}}})
	assert.Equal(t, time.Duration(0), st.snapshot(testConfig().MaxBufferSize).ReplicationLag)
}
