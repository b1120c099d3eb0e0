package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProgress struct {
	mu    sync.Mutex
	heads []uint32
	fence uint32
}

func (p *fakeProgress) RingHeads() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.heads...)
}

func (p *fakeProgress) FenceValue() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fence
}

func (p *fakeProgress) advance() {
	p.mu.Lock()
	p.fence++
	p.mu.Unlock()
}

type fakeResetter struct {
	inProgress atomic.Bool
	schedules  atomic.Int32
}

func (r *fakeResetter) Schedule() bool {
	r.schedules.Add(1)
	return !r.inProgress.Load()
}

func (r *fakeResetter) InProgress() bool { return r.inProgress.Load() }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	rf       *regs.File
	progress *fakeProgress
	resetter *fakeResetter
	clock    *clock
	m        *Monitor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		rf:       regs.NewFile(),
		progress: &fakeProgress{heads: []uint32{0, 0}},
		resetter: &fakeResetter{},
		clock:    &clock{now: time.Unix(1700000000, 0)},
	}
	f.rf.Set(regs.Status, regs.StatusIdle)
	f.m = New(f.rf, f.progress, f.resetter, cfg, zap.NewNop())
	f.m.now = f.clock.Now
	f.m.refresh(f.clock.Now())
	return f
}

func TestHealthyTick(t *testing.T) {
	f := newFixture(t, Config{})
	assert.False(t, f.m.Check())
	assert.False(t, f.m.Check())
	assert.Equal(t, uint32(2), f.rf.Get(regs.Scratch))

	st := f.m.Stats()
	assert.Equal(t, uint64(2), st.Checks)
	assert.Zero(t, st.ResetRequests)
	assert.Zero(t, f.resetter.schedules.Load())
}

func TestHeartbeat(t *testing.T) {
	testCases := []struct {
		name      string
		threshold int
		misses    int
		requested bool
	}{
		{"single miss flags by default", 0, 1, true},
		{"below threshold", 3, 2, false},
		{"at threshold", 3, 3, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{HeartbeatMissThreshold: tc.threshold})
			f.rf.ReadHook = func(offset, value uint32) uint32 {
				if offset == regs.Scratch {
					return 0xFFFFFFFF
				}
				return value
			}
			var requested bool
			for i := 0; i < tc.misses; i++ {
				requested = f.m.Check()
			}
			assert.Equal(t, tc.requested, requested)
			assert.Equal(t, uint64(tc.misses), f.m.Stats().HeartbeatMisses)
		})
	}

	t.Run("recovery resets the count", func(t *testing.T) {
		f := newFixture(t, Config{HeartbeatMissThreshold: 2})
		var broken atomic.Bool
		f.rf.ReadHook = func(offset, value uint32) uint32 {
			if offset == regs.Scratch && broken.Load() {
				return 0
			}
			return value
		}
		broken.Store(true)
		assert.False(t, f.m.Check())
		broken.Store(false)
		assert.False(t, f.m.Check())
		broken.Store(true)
		assert.False(t, f.m.Check())
	})
}

func TestStagnation(t *testing.T) {
	f := newFixture(t, Config{StagnationTimeout: 5 * time.Second})
	f.rf.Set(regs.Status, regs.StatusBusy)

	f.clock.Advance(3 * time.Second)
	assert.False(t, f.m.Check())

	// Progress moves the baseline.
	f.progress.advance()
	assert.False(t, f.m.Check())
	f.clock.Advance(4 * time.Second)
	assert.False(t, f.m.Check())

	f.clock.Advance(2 * time.Second)
	assert.True(t, f.m.Check())
	assert.Equal(t, uint64(1), f.m.Stats().Hangs)
	assert.Equal(t, int32(1), f.resetter.schedules.Load())

	// Reported once per stall.
	assert.False(t, f.m.Check())
}

func TestIdleDeviceIsNotHung(t *testing.T) {
	f := newFixture(t, Config{StagnationTimeout: time.Second})
	f.clock.Advance(time.Minute)
	assert.False(t, f.m.Check())

	// The baseline was refreshed while idle.
	f.rf.Set(regs.Status, regs.StatusBusy)
	f.clock.Advance(500 * time.Millisecond)
	assert.False(t, f.m.Check())
}

func TestSkippedDuringReset(t *testing.T) {
	f := newFixture(t, Config{StagnationTimeout: time.Second})
	f.rf.Set(regs.Status, regs.StatusBusy|regs.StatusHalted)
	f.resetter.inProgress.Store(true)

	f.clock.Advance(time.Minute)
	assert.False(t, f.m.Check())
	assert.Zero(t, f.rf.Get(regs.Scratch))

	// The reset refreshed the baseline, so no stale hang is reported.
	f.resetter.inProgress.Store(false)
	f.rf.Set(regs.Status, regs.StatusBusy)
	f.clock.Advance(500 * time.Millisecond)
	assert.False(t, f.m.Check())
}

func TestDeviceErrors(t *testing.T) {
	t.Run("recoverable errors are cleared", func(t *testing.T) {
		f := newFixture(t, Config{ErrorThreshold: 3})
		for i := 1; i <= 2; i++ {
			f.rf.Set(regs.Status, regs.WithErrorCode(regs.StatusIdle, regs.ErrorMemFault))
			assert.False(t, f.m.Check())
			assert.Zero(t, f.rf.Get(regs.Status)&regs.StatusError)
			assert.Equal(t, i, f.m.Stats().ConsecutiveErrors)
		}
		f.rf.Set(regs.Status, regs.WithErrorCode(regs.StatusIdle, regs.ErrorMemFault))
		assert.True(t, f.m.Check())
		assert.Equal(t, uint64(3), f.m.Stats().Errors)
	})

	t.Run("clean tick resets the count", func(t *testing.T) {
		f := newFixture(t, Config{ErrorThreshold: 2})
		f.rf.Set(regs.Status, regs.WithErrorCode(regs.StatusIdle, regs.ErrorTimeout))
		assert.False(t, f.m.Check())
		assert.False(t, f.m.Check())
		assert.Zero(t, f.m.Stats().ConsecutiveErrors)
		f.rf.Set(regs.Status, regs.WithErrorCode(regs.StatusIdle, regs.ErrorTimeout))
		assert.False(t, f.m.Check())
	})

	t.Run("unknown code is unrecoverable", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.rf.Set(regs.Status, regs.WithErrorCode(regs.StatusIdle, 0x7F))
		assert.True(t, f.m.Check())
		assert.Contains(t, f.m.Stats().LastProblem, "NONE")
	})

	t.Run("halted", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.rf.Set(regs.Status, regs.StatusHalted)
		assert.True(t, f.m.Check())
		assert.Contains(t, f.m.Stats().LastProblem, "halted")
	})
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Millisecond})
	f.m.Start(context.Background())
	require.Eventually(t, func() bool { return f.m.Stats().Checks >= 3 }, time.Second, time.Millisecond)
	f.m.Stop()
	checks := f.m.Stats().Checks
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, checks, f.m.Stats().Checks)
	f.m.Stop()
}
