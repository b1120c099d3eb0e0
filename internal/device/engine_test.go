package device

import (
	"context"
	"testing"
	"time"

	"github.com/fxnlabs/gpucmd/internal/command"
	"github.com/fxnlabs/gpucmd/internal/config"
	"github.com/fxnlabs/gpucmd/internal/gpu"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/fxnlabs/gpucmd/internal/reset"
	"github.com/fxnlabs/gpucmd/internal/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RingSize = 4096
	cfg.HealthEnabled = false
	cfg.Sched.Tick = 5 * time.Millisecond
	cfg.Sched.WatchdogInterval = 10 * time.Millisecond
	cfg.Reset = reset.Config{
		IdleTimeout:  20 * time.Millisecond,
		HoldDuration: time.Millisecond,
		ReadyTimeout: 50 * time.Millisecond,
		PollInterval: time.Millisecond,
	}
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *gpu.SimBackend) {
	t.Helper()
	sim := gpu.NewSimBackend(gpu.SimConfig{Queues: 3}, zap.NewNop())
	require.NoError(t, sim.Initialize())

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(sim, cfg, zap.NewNop())
	require.NoError(t, err)
	e.Start(context.Background())
	t.Cleanup(func() { _ = e.Close() })
	return e, sim
}

func nop() sched.Spec {
	return sched.Spec{Payload: command.NOP(), Priority: sched.PriorityNormal}
}

func TestConfigFrom(t *testing.T) {
	fileCfg := config.Default()
	fileCfg.Engine.NumQueues = 2
	fileCfg.Engine.DefaultJobTimeout = 3 * time.Second
	fileCfg.Reset.HoldDuration = 7 * time.Millisecond
	disabled := false
	fileCfg.Health.Enabled = &disabled

	cfg := ConfigFrom(fileCfg)
	assert.Equal(t, 2, cfg.NumQueues)
	assert.Equal(t, 3*time.Second, cfg.Sched.DefaultTimeout)
	assert.Equal(t, 7*time.Millisecond, cfg.Reset.HoldDuration)
	assert.False(t, cfg.HealthEnabled)
	assert.Equal(t, 65536, cfg.RingSize)
}

func TestNewCapsQueues(t *testing.T) {
	sim := gpu.NewSimBackend(gpu.SimConfig{Queues: 2}, zap.NewNop())
	require.NoError(t, sim.Initialize())
	cfg := testConfig()
	cfg.NumQueues = 4

	e, err := New(sim, cfg, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()
	assert.Len(t, e.Stats().Rings, 2)
}

func TestSubmitNOP(t *testing.T) {
	e, sim := newTestEngine(t, nil)

	id, err := e.Submit(nop())
	require.NoError(t, err)

	st, err := e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.StateCompleted, st.State)
	assert.Equal(t, sched.ResultSuccess, st.Result)
	assert.Equal(t, uint32(0), st.Queue)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Rings[0].Submitted)
	assert.Equal(t, uint64(1), stats.Rings[0].Completed)
	assert.Equal(t, uint64(1), stats.Scheduler.Completed)
	assert.Positive(t, sim.Executed())
	assert.True(t, e.Health().Healthy)
}

func TestSubmitWithUserFence(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	addr, err := e.FenceAddr(0)
	require.NoError(t, err)
	spec := nop()
	spec.Fence = &sched.FenceTarget{Addr: addr, Value: 42}

	id, err := e.Submit(spec)
	require.NoError(t, err)
	_, err = e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint32(42), e.FenceValue(addr))
	assert.NoError(t, e.WaitFence(context.Background(), addr, 42, 10*time.Millisecond))

	_, err = e.FenceAddr(-1)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestQueueSlotsCannotBeForged(t *testing.T) {
	e, sim := newTestEngine(t, nil)

	computeQueue := uint32(1)
	_, err := e.Submit(sched.Spec{
		Queue:   &computeQueue,
		Payload: command.Fence(e.fences.SlotAddr(0), 1_000_000),
	})
	require.ErrorIs(t, err, sched.ErrInvalidPayload)

	sim.SetHung(true)
	executed := sim.Executed()
	id, err := e.Submit(sched.Spec{Payload: command.Draw(3, 1, 0, 0)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := e.Get(id)
		return err == nil && st.State == sched.StateRunning
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	st, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, sched.StateRunning, st.State)
	assert.Equal(t, executed, sim.Executed())
	assert.Zero(t, e.fences.Value(e.fences.SlotAddr(0)))
}

func TestFenceAddrAliasesThirdRing(t *testing.T) {
	e, sim := newTestEngine(t, nil)

	base := sim.Read32(regs.Queue(regs.CmdBase, 2))
	assert.NotZero(t, base)
	assert.Equal(t, base, sim.Read32(regs.FenceAddr))
	assert.NotEqual(t, e.fences.Addr(), sim.Read32(regs.FenceAddr))

	// Completion runs through fence memory regardless.
	copyQueue := uint32(2)
	id, err := e.Submit(sched.Spec{Payload: command.NOP(), Queue: &copyQueue})
	require.NoError(t, err)
	st, err := e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.ResultSuccess, st.Result)
	assert.True(t, e.fences.Signaled(e.fences.SlotAddr(2), st.Seqno))
}

func TestDependentJobsAcrossQueues(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	copyQueue := uint32(2)
	first, err := e.Submit(sched.Spec{Payload: command.Compute(1, 1, 1), Priority: sched.PriorityNormal})
	require.NoError(t, err)
	second, err := e.Submit(sched.Spec{Payload: command.NOP(), Queue: &copyQueue, Deps: []uint64{first}})
	require.NoError(t, err)

	st, err := e.Wait(context.Background(), second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.ResultSuccess, st.Result)

	dep, err := e.Get(first)
	require.NoError(t, err)
	assert.Equal(t, sched.StateCompleted, dep.State)
	assert.Equal(t, uint32(1), dep.Queue)
	assert.False(t, dep.EndedAt.After(st.StartedAt))
}

func TestDeviceErrorAbortsJob(t *testing.T) {
	e, sim := newTestEngine(t, nil)

	sim.InjectError(regs.ErrorShaderFault)
	id, err := e.Submit(nop())
	require.NoError(t, err)

	st, err := e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.StateAborted, st.State)
	assert.Equal(t, sched.ResultDeviceError, st.Result)

	h := e.Health()
	assert.False(t, h.Healthy)
	assert.Equal(t, "SHADER_FAULT", h.Error)
}

func TestResetWhileRunning(t *testing.T) {
	e, sim := newTestEngine(t, nil)

	sim.SetHung(true)
	id, err := e.Submit(nop())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := e.Get(id)
		return err == nil && st.State == sched.StateRunning
	}, time.Second, time.Millisecond)

	require.True(t, e.RequestReset())
	assert.False(t, e.RequestReset())

	_, err = e.Submit(nop())
	assert.ErrorIs(t, err, ErrResetInProgress)
	assert.True(t, IsRetryable(err))

	require.NoError(t, e.WaitReset(context.Background(), time.Second))

	st, err := e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.StateAborted, st.State)
	assert.Equal(t, sched.ResultReset, st.Result)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Reset.Count)
	assert.False(t, stats.Reset.Degraded)
	assert.NotEmpty(t, stats.Reset.LastSnapshot)

	// The rings are usable again.
	id, err = e.Submit(nop())
	require.NoError(t, err)
	st, err = e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.ResultSuccess, st.Result)
}

func TestWatchdogTimesOutJob(t *testing.T) {
	e, sim := newTestEngine(t, func(cfg *Config) {
		cfg.Sched.DefaultTimeout = 20 * time.Millisecond
		cfg.Sched.WatchdogInterval = 5 * time.Millisecond
	})

	sim.SetHung(true)
	id, err := e.Submit(nop())
	require.NoError(t, err)

	st, err := e.Wait(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.StateTimedOut, st.State)
	assert.Equal(t, sched.ResultTimeout, st.Result)

	require.NoError(t, e.WaitReset(context.Background(), time.Second))
	assert.Equal(t, uint64(1), e.Stats().Reset.Count)
}

func TestHealthMonitorDetectsHang(t *testing.T) {
	e, sim := newTestEngine(t, func(cfg *Config) {
		cfg.HealthEnabled = true
		cfg.Health.Interval = 5 * time.Millisecond
		cfg.Health.StagnationTimeout = 20 * time.Millisecond
	})

	sim.SetHung(true)
	id, err := e.Submit(nop())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.Stats().Reset.Count >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.WaitReset(context.Background(), time.Second))

	st, err := e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, sched.ResultReset, st.Result)

	stats := e.Stats()
	require.NotNil(t, stats.Health)
	assert.GreaterOrEqual(t, stats.Health.Hangs, uint64(1))
}

func TestFailedResetDegrades(t *testing.T) {
	e, sim := newTestEngine(t, nil)

	sim.SetStuckInReset(true)
	require.True(t, e.RequestReset())
	require.NoError(t, e.WaitReset(context.Background(), time.Second))

	h := e.Health()
	assert.True(t, h.Degraded)
	assert.False(t, h.Healthy)

	_, err := e.Submit(nop())
	assert.ErrorIs(t, err, ErrDegraded)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, uint64(1), e.Stats().Reset.Failures)
}

func TestClose(t *testing.T) {
	sim := gpu.NewSimBackend(gpu.SimConfig{Queues: 3}, zap.NewNop())
	require.NoError(t, sim.Initialize())
	e, err := New(sim, testConfig(), zap.NewNop())
	require.NoError(t, err)
	e.Start(context.Background())

	sim.SetHung(true)
	id, err := e.Submit(nop())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	st, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, sched.ResultCanceled, st.Result)
	assert.Empty(t, sim.Memory().Live())
	assert.Zero(t, sim.Read32(regs.Control)&regs.CtrlEnable)
}

func TestIsRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"reset in progress", ErrResetInProgress, true},
		{"wait timeout", sched.ErrWaitTimeout, true},
		{"degraded", ErrDegraded, false},
		{"invalid payload", sched.ErrInvalidPayload, false},
		{"nil", nil, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
