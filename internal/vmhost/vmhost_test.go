package vmhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ramstream/internal/cluster"
	"github.com/dreamware/ramstream/internal/replication"
)

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestHost(t *testing.T, spec VMSpec) (*Simulated, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := NewSimulated()
	h.now = c.now
	require.NoError(t, h.AddVM(spec))
	return h, c
}

func TestSimulatedDirtyRateFollowsThrottle(t *testing.T) {
	ctx := context.Background()
	h, c := newTestHost(t, VMSpec{ID: "vm-1", MemoryPages: 1000, DirtyRate: 100})

	pages, err := h.GetDirtyPages(ctx, "vm-1")
	require.NoError(t, err)
	assert.Len(t, pages, 100, "initial burst")

	require.NoError(t, h.ThrottleCPU(ctx, "vm-1", 0.5))
	c.advance(time.Second)
	pages, err = h.GetDirtyPages(ctx, "vm-1")
	require.NoError(t, err)
	assert.Len(t, pages, 50)

	require.NoError(t, h.ThrottleCPU(ctx, "vm-1", 1))
	c.advance(time.Second)
	pages, err = h.GetDirtyPages(ctx, "vm-1")
	require.NoError(t, err)
	assert.Empty(t, pages, "fully throttled VM dirties nothing")

	st, err := h.Status("vm-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.CPUThrottle)
	assert.Equal(t, uint64(150), st.Dirtied)
}

func TestSimulatedAddressesWrap(t *testing.T) {
	h, _ := newTestHost(t, VMSpec{ID: "vm-1", MemoryPages: 4, DirtyRate: 10})

	pages, err := h.GetDirtyPages(context.Background(), "vm-1")
	require.NoError(t, err)
	require.Len(t, pages, 10)
	for i, p := range pages {
		assert.Equal(t, uint64(i%4)*DefaultPageSize, p.Address)
		assert.Equal(t, DefaultPageSize, p.Size)
		assert.Len(t, p.Payload, payloadBytes)
	}
}

func TestSimulatedLifecycle(t *testing.T) {
	ctx := context.Background()
	h, c := newTestHost(t, VMSpec{ID: "vm-1", MemoryPages: 16, DirtyRate: 10})

	require.NoError(t, h.PauseExecution(ctx, "vm-1"))
	c.advance(time.Second)
	pages, err := h.GetDirtyPages(ctx, "vm-1")
	require.NoError(t, err)
	assert.Empty(t, pages, "paused VM dirties nothing")

	require.NoError(t, h.ResumeExecution(ctx, "vm-1"))
	pages, err = h.GetDirtyPages(ctx, "vm-1")
	require.NoError(t, err)
	assert.NotEmpty(t, pages)

	state, err := h.PauseAndCaptureFinalState(ctx, "vm-1")
	require.NoError(t, err)
	assert.Contains(t, string(state), "vm=vm-1")

	require.NoError(t, h.ResumeVMOnTarget(ctx, "vm-1", "node-2"))
	assert.Error(t, h.ResumeExecution(ctx, "vm-1"), "moved VM cannot resume on the primary")

	st, err := h.Status("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "node-2", st.RunningOn)
	assert.Equal(t, 1, st.Captures)
}

func TestSimulatedErrors(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t, VMSpec{ID: "vm-1", MemoryPages: 16, DirtyRate: 10})

	tests := []struct {
		name string
		err  error
	}{
		{"unknown vm", h.PauseExecution(ctx, "missing")},
		{"cpu intensity out of range", h.ThrottleCPU(ctx, "vm-1", 1.5)},
		{"io intensity out of range", h.ThrottleIO(ctx, "vm-1", -0.1)},
		{"resume on target while running", h.ResumeVMOnTarget(ctx, "vm-1", "node-2")},
		{"duplicate vm", h.AddVM(VMSpec{ID: "vm-1", MemoryPages: 1})},
		{"empty id", h.AddVM(VMSpec{MemoryPages: 1})},
		{"no memory", h.AddVM(VMSpec{ID: "vm-2"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.err)
		})
	}

	_, err := h.GetDirtyPages(ctx, "missing")
	assert.ErrorIs(t, err, replication.ErrUnknownVM)
}

func TestClientAgainstHandler(t *testing.T) {
	h, _ := newTestHost(t, VMSpec{ID: "vm-1", MemoryPages: 8, DirtyRate: 5})
	server := httptest.NewServer(NewHandler(h))
	defer server.Close()

	ctx := context.Background()
	client := NewClient(server.URL + "/")
	require.NoError(t, client.Ping(ctx))

	pages, err := client.GetDirtyPages(ctx, "vm-1")
	require.NoError(t, err)
	assert.Len(t, pages, 5)

	require.NoError(t, client.ThrottleCPU(ctx, "vm-1", 0.4))
	require.NoError(t, client.ThrottleIO(ctx, "vm-1", 0.2))
	require.NoError(t, client.PauseExecution(ctx, "vm-1"))
	require.NoError(t, client.ResumeExecution(ctx, "vm-1"))

	state, err := client.PauseAndCaptureFinalState(ctx, "vm-1")
	require.NoError(t, err)
	assert.Contains(t, string(state), "dirtied=5")
	require.NoError(t, client.ResumeVMOnTarget(ctx, "vm-1", "node-3"))

	st, err := h.Status("vm-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, st.CPUThrottle, 1e-9)
	assert.InDelta(t, 0.2, st.IOThrottle, 1e-9)
	assert.Equal(t, "node-3", st.RunningOn)

	err = client.PauseExecution(ctx, "missing")
	var statusErr *cluster.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestHandlerVMs(t *testing.T) {
	h := NewSimulated()
	server := httptest.NewServer(NewHandler(h))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, cluster.PostJSON(ctx, server.URL+PathVMs, VMSpec{ID: "vm-9", MemoryPages: 32, DirtyRate: 1}, nil))

	var list []VMStatus
	require.NoError(t, cluster.GetJSON(ctx, server.URL+PathVMs, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "vm-9", list[0].VMID)

	resp, err := http.Get(server.URL + PathPause)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
