package reset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/fxnlabs/gpucmd/internal/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRing struct {
	id  uint32
	err error
	mu  sync.Mutex
	n   int
}

func (r *fakeRing) QueueID() uint32 { return r.id }

func (r *fakeRing) Reinit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return r.err
}

func (r *fakeRing) Snapshot() ring.Stats { return ring.Stats{QueueID: r.id} }

type fakeSystem struct {
	mu      sync.Mutex
	calls   []string
	rings   []Ring
	aborted int
}

func (s *fakeSystem) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeSystem) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSystem) PauseScheduler()       { s.record("pause") }
func (s *fakeSystem) ResumeScheduler()      { s.record("resume") }
func (s *fakeSystem) DisableNotifications() { s.record("disable") }
func (s *fakeSystem) EnableNotifications()  { s.record("enable") }
func (s *fakeSystem) AbortRunning() int     { s.record("abort"); return s.aborted }
func (s *fakeSystem) Rings() []Ring         { return s.rings }

func (s *fakeSystem) ReinitFence() {
	// Ring reinit must come after the fence address is programmed.
	for _, r := range s.rings {
		if r.(*fakeRing).n != 0 {
			panic("rings reinitialized before fence")
		}
	}
	s.record("fence")
}

// device models the CONTROL/STATUS handshake of a healthy device.
type device struct {
	rf            *regs.File
	mu            sync.Mutex
	controls      []uint32
	brokenScratch bool
	stuck         bool
}

func newDevice() *device {
	d := &device{rf: regs.NewFile()}
	d.rf.Set(regs.Status, regs.StatusIdle)
	d.rf.WriteHook = func(offset, value uint32) {
		switch offset {
		case regs.Control:
			d.mu.Lock()
			d.controls = append(d.controls, value)
			stuck := d.stuck
			d.mu.Unlock()
			if value&regs.CtrlReset != 0 {
				d.rf.Set(regs.Status, 0)
			} else if value == 0 && !stuck {
				d.rf.Set(regs.Status, regs.StatusIdle)
			}
		case regs.Scratch:
			d.mu.Lock()
			broken := d.brokenScratch
			d.mu.Unlock()
			if broken {
				d.rf.Set(regs.Scratch, 0)
			}
		}
	}
	return d
}

func (d *device) Controls() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.controls...)
}

func testConfig() Config {
	return Config{
		IdleTimeout:  20 * time.Millisecond,
		HoldDuration: 5 * time.Millisecond,
		ReadyTimeout: 20 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
}

func newTestManager(t *testing.T, d *device, sys *fakeSystem) *Manager {
	t.Helper()
	m, err := New(d.rf, sys, testConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(time.Second) })
	return m
}

func TestResetSequence(t *testing.T) {
	d := newDevice()
	sys := &fakeSystem{rings: []Ring{&fakeRing{id: 0}, &fakeRing{id: 1}}, aborted: 1}
	m := newTestManager(t, d, sys)

	require.True(t, m.Schedule())
	require.NoError(t, m.Wait(context.Background(), time.Second))

	assert.Equal(t, []string{"pause", "disable", "abort", "fence", "enable", "resume"}, sys.Calls())
	assert.Equal(t, []uint32{regs.CtrlReset, 0, regs.CtrlEnable}, d.Controls())
	assert.Equal(t, regs.IRQAll, d.rf.Get(regs.IRQAck))
	for _, r := range sys.rings {
		assert.Equal(t, 1, r.(*fakeRing).n)
	}

	assert.False(t, m.InProgress())
	assert.False(t, m.Degraded())
	assert.Equal(t, uint64(1), m.Count())

	snap := m.LastSnapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.ID, 36)
	assert.Len(t, snap.Rings, 2)
	assert.Equal(t, "NONE", snap.ErrorName)

	st := m.Stats()
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.LastReset.IsZero())
	assert.Empty(t, st.LastError)
}

func TestConcurrentScheduleRunsOnce(t *testing.T) {
	d := newDevice()
	sys := &fakeSystem{}
	m := newTestManager(t, d, sys)

	var wg sync.WaitGroup
	started := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- m.Schedule()
		}()
	}
	wg.Wait()
	close(started)

	wins := 0
	for ok := range started {
		if ok {
			wins++
		}
	}
	require.NoError(t, m.Wait(context.Background(), time.Second))

	// Later calls may start a fresh reset once the first finished; none
	// may overlap it.
	assert.GreaterOrEqual(t, wins, 1)
	assert.Equal(t, uint64(wins), m.Count())
	pauses := 0
	for _, c := range sys.Calls() {
		if c == "pause" {
			pauses++
		}
	}
	assert.Equal(t, wins, pauses)
}

func TestScheduleWhileResettingIsNoop(t *testing.T) {
	d := newDevice()
	sys := &fakeSystem{}
	m, err := New(d.rf, sys, Config{HoldDuration: 50 * time.Millisecond, PollInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close(time.Second)

	require.True(t, m.Schedule())
	assert.True(t, m.InProgress())
	assert.False(t, m.Schedule())
	assert.False(t, m.Schedule())

	require.NoError(t, m.Wait(context.Background(), time.Second))
	assert.Equal(t, uint64(1), m.Count())
}

func TestResetFailures(t *testing.T) {
	testCases := []struct {
		name   string
		setup  func(*device, *fakeSystem)
		errMsg string
	}{
		{
			name:   "broken scratch",
			setup:  func(d *device, _ *fakeSystem) { d.brokenScratch = true },
			errMsg: "scratch register test failed",
		},
		{
			name:   "stuck in reset",
			setup:  func(d *device, _ *fakeSystem) { d.stuck = true },
			errMsg: "device not ready",
		},
		{
			name: "ring reinit",
			setup: func(_ *device, s *fakeSystem) {
				s.rings = []Ring{&fakeRing{id: 0}, &fakeRing{id: 1, err: errors.New("boom")}}
			},
			errMsg: "queue 1: boom",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := newDevice()
			sys := &fakeSystem{}
			tc.setup(d, sys)
			m := newTestManager(t, d, sys)

			require.True(t, m.Schedule())
			require.NoError(t, m.Wait(context.Background(), time.Second))

			assert.False(t, m.InProgress())
			assert.True(t, m.Degraded())
			assert.ErrorIs(t, m.Err(), ErrResetFailed)
			assert.Contains(t, m.Err().Error(), tc.errMsg)
			assert.NotContains(t, sys.Calls(), "resume")
			assert.Equal(t, uint64(1), m.Stats().Failures)
		})
	}
}

func TestResetRecoversFromDegraded(t *testing.T) {
	d := newDevice()
	d.brokenScratch = true
	sys := &fakeSystem{}
	m := newTestManager(t, d, sys)

	require.True(t, m.Schedule())
	require.NoError(t, m.Wait(context.Background(), time.Second))
	require.True(t, m.Degraded())

	d.mu.Lock()
	d.brokenScratch = false
	d.mu.Unlock()
	require.True(t, m.Schedule())
	require.NoError(t, m.Wait(context.Background(), time.Second))
	assert.False(t, m.Degraded())
	assert.NoError(t, m.Err())
}

func TestNotIdleBeforeResetContinues(t *testing.T) {
	d := newDevice()
	d.rf.Set(regs.Status, regs.StatusBusy)
	sys := &fakeSystem{}
	m := newTestManager(t, d, sys)

	require.True(t, m.Schedule())
	require.NoError(t, m.Wait(context.Background(), time.Second))
	assert.False(t, m.Degraded())
	assert.Contains(t, sys.Calls(), "resume")
}

func TestWait(t *testing.T) {
	d := newDevice()
	sys := &fakeSystem{}
	m, err := New(d.rf, sys, Config{HoldDuration: 100 * time.Millisecond, PollInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close(time.Second)

	assert.NoError(t, m.Wait(context.Background(), time.Millisecond))

	require.True(t, m.Schedule())
	assert.ErrorIs(t, m.Wait(context.Background(), 5*time.Millisecond), ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Wait(ctx, time.Second), context.Canceled)

	assert.NoError(t, m.Wait(context.Background(), time.Second))
}
