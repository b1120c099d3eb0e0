// Package reset drives the bounded device recovery sequence.
package reset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpucmd/internal/metrics"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/fxnlabs/gpucmd/internal/ring"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrResetFailed is recorded when the device does not come back after a
	// reset. The device is left degraded and the reset is not retried.
	ErrResetFailed = errors.New("device reset failed")
	// ErrTimeout is returned by Wait when the reset did not finish in time.
	ErrTimeout = errors.New("timed out waiting for reset")
	// ErrStatusTimeout is returned when STATUS did not report the expected bit.
	ErrStatusTimeout = errors.New("timed out waiting for device status")
)

// scratch patterns for the post-reset liveness test.
const (
	scratchPattern uint32 = 0xDEADBEEF
)

// State is the reset manager state.
type State int32

const (
	StateIdle State = iota
	StateResetting
)

func (s State) String() string {
	if s == StateResetting {
		return "resetting"
	}
	return "idle"
}

// Ring is the part of a command ring the reset sequence touches.
type Ring interface {
	QueueID() uint32
	Reinit() error
	Snapshot() ring.Stats
}

// Subsystems are the engine parts the sequence quiesces and rebuilds.
type Subsystems interface {
	PauseScheduler()
	ResumeScheduler()
	DisableNotifications()
	EnableNotifications()
	// AbortRunning finishes every running job and returns how many there were.
	AbortRunning() int
	ReinitFence()
	Rings() []Ring
}

// Config holds the sequence timings.
type Config struct {
	IdleTimeout  time.Duration
	HoldDuration time.Duration
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  time.Second,
		HoldDuration: 100 * time.Millisecond,
		ReadyTimeout: time.Second,
		PollInterval: time.Millisecond,
	}
}

// Snapshot is a best-effort diagnostic capture taken before the reset.
type Snapshot struct {
	ID        string            `json:"id"`
	Taken     time.Time         `json:"taken"`
	Registers map[string]uint32 `json:"registers"`
	ErrorName string            `json:"errorName"`
	Rings     []ring.Stats      `json:"rings"`
}

// Stats describes reset activity.
type Stats struct {
	State        string        `json:"state"`
	Count        uint64        `json:"count"`
	Failures     uint64        `json:"failures"`
	Degraded     bool          `json:"degraded"`
	LastReset    time.Time     `json:"lastReset,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
	LastSnapshot string        `json:"lastSnapshot,omitempty"`
}

// Manager serializes resets. At most one sequence runs at a time; requests
// made while one is running are no-ops.
type Manager struct {
	regs regs.Registers
	sys  Subsystems
	cfg  Config
	pool *ants.Pool
	log  *zap.Logger

	state atomic.Int32
	count atomic.Uint64

	mu           sync.Mutex
	done         chan struct{}
	degraded     bool
	failures     uint64
	lastErr      error
	lastReset    time.Time
	lastDuration time.Duration
	lastSnapshot *Snapshot
}

// New creates a reset manager.
func New(rr regs.Registers, sys Subsystems, cfg Config, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = d.HoldDuration
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = d.ReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}

	m := &Manager{
		regs: rr,
		sys:  sys,
		cfg:  cfg,
		log:  log.Named("reset"),
		done: make(chan struct{}),
	}
	close(m.done)

	pool, err := ants.NewPool(1, ants.WithPanicHandler(func(p interface{}) {
		m.log.Error("Reset sequence panicked", zap.Any("panic", p))
		m.finish(fmt.Errorf("%w: panic: %v", ErrResetFailed, p), time.Now())
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create reset worker: %w", err)
	}
	m.pool = pool
	return m, nil
}

// Schedule starts a reset unless one is already running. It returns true
// when this call started the sequence.
func (m *Manager) Schedule() bool {
	m.mu.Lock()
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateResetting)) {
		m.mu.Unlock()
		return false
	}
	m.done = make(chan struct{})
	m.mu.Unlock()

	n := m.count.Add(1)
	metrics.Resets.Inc()
	m.log.Warn("Device reset scheduled", zap.Uint64("count", n))

	start := time.Now()
	if err := m.pool.Submit(func() { m.finish(m.sequence(), start) }); err != nil {
		m.finish(fmt.Errorf("%w: %w", ErrResetFailed, err), start)
	}
	return true
}

// InProgress reports whether a reset is running.
func (m *Manager) InProgress() bool {
	return State(m.state.Load()) == StateResetting
}

// Degraded reports whether the last reset failed.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Err returns the failure of the last reset, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Count returns the number of resets started.
func (m *Manager) Count() uint64 { return m.count.Load() }

// LastSnapshot returns the diagnostic capture of the most recent reset.
func (m *Manager) LastSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnapshot
}

// Wait blocks until no reset is running, the timeout elapses or ctx is
// done.
func (m *Manager) Wait(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if !m.InProgress() {
		m.mu.Unlock()
		return nil
	}
	done := m.done
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sequence() error {
	m.log.Info("Starting device reset")
	m.sys.PauseScheduler()

	if err := m.waitStatus(regs.StatusIdle, m.cfg.IdleTimeout); err != nil {
		m.log.Warn("Device did not go idle before reset", zap.Error(err))
	}

	snap := m.capture()
	m.mu.Lock()
	m.lastSnapshot = snap
	m.mu.Unlock()

	m.sys.DisableNotifications()
	if n := m.sys.AbortRunning(); n > 0 {
		m.log.Info("Aborted in-flight jobs", zap.Int("count", n))
	}

	m.regs.Write32(regs.Control, regs.CtrlReset)
	time.Sleep(m.cfg.HoldDuration)
	m.regs.Write32(regs.Control, 0)

	if err := m.waitStatus(regs.StatusIdle, m.cfg.ReadyTimeout); err != nil {
		return fmt.Errorf("%w: device not ready: %w", ErrResetFailed, err)
	}
	m.regs.Write32(regs.IRQAck, regs.IRQAll)
	if err := m.checkScratch(); err != nil {
		return fmt.Errorf("%w: %w", ErrResetFailed, err)
	}

	// Ring reinit overwrites FENCE_ADDR when queue 2 exists. The device does
	// not read it.
	m.sys.ReinitFence()
	g := new(errgroup.Group)
	for _, r := range m.sys.Rings() {
		g.Go(func() error {
			if err := r.Reinit(); err != nil {
				return fmt.Errorf("queue %d: %w", r.QueueID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: failed to reinitialize rings: %w", ErrResetFailed, err)
	}
	m.regs.Write32(regs.Control, regs.CtrlEnable)
	m.sys.EnableNotifications()

	m.sys.ResumeScheduler()
	return nil
}

func (m *Manager) finish(err error, start time.Time) {
	elapsed := time.Since(start)
	metrics.ResetDuration.Observe(float64(elapsed.Microseconds()) / 1000)

	m.mu.Lock()
	m.lastDuration = elapsed
	if err != nil {
		m.degraded = true
		m.failures++
		m.lastErr = err
		metrics.ResetFailures.Inc()
		m.log.Error("Device reset failed, device degraded", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		m.degraded = false
		m.lastErr = nil
		m.lastReset = time.Now()
		m.log.Info("Device reset complete", zap.Duration("elapsed", elapsed))
	}
	m.state.Store(int32(StateIdle))
	close(m.done)
	m.mu.Unlock()
}

func (m *Manager) waitStatus(bit uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status := m.regs.Read32(regs.Status)
		if status&bit != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: status 0x%08x after %s", ErrStatusTimeout, status, timeout)
		}
		time.Sleep(m.cfg.PollInterval)
	}
}

func (m *Manager) checkScratch() error {
	for _, pattern := range []uint32{scratchPattern, ^scratchPattern} {
		m.regs.Write32(regs.Scratch, pattern)
		if got := m.regs.Read32(regs.Scratch); got != pattern {
			return fmt.Errorf("scratch register test failed: wrote 0x%08x, read 0x%08x", pattern, got)
		}
	}
	return nil
}

func (m *Manager) capture() *Snapshot {
	status := m.regs.Read32(regs.Status)
	snap := &Snapshot{
		ID:    uuid.NewString(),
		Taken: time.Now(),
		Registers: map[string]uint32{
			"version":    m.regs.Read32(regs.Version),
			"caps":       m.regs.Read32(regs.Caps),
			"control":    m.regs.Read32(regs.Control),
			"status":     status,
			"irqStatus":  m.regs.Read32(regs.IRQStatus),
			"irqEnable":  m.regs.Read32(regs.IRQEnable),
			// Holds queue 2's CMD_BASE when that queue exists.
			"fenceAddr":  m.regs.Read32(regs.FenceAddr),
			"fenceValue": m.regs.Read32(regs.FenceValue),
		},
		ErrorName: regs.LookupError(regs.ErrorCode(status)).Name,
	}
	for _, r := range m.sys.Rings() {
		snap.Rings = append(snap.Rings, r.Snapshot())
	}
	m.log.Info("Captured pre-reset snapshot",
		zap.String("id", snap.ID),
		zap.String("status", fmt.Sprintf("0x%08x", status)),
		zap.String("error", snap.ErrorName))
	return snap
}

// Stats returns reset counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		State:        State(m.state.Load()).String(),
		Count:        m.count.Load(),
		Failures:     m.failures,
		Degraded:     m.degraded,
		LastReset:    m.lastReset,
		LastDuration: m.lastDuration,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	if m.lastSnapshot != nil {
		st.LastSnapshot = m.lastSnapshot.ID
	}
	return st
}

// Close waits for a running sequence and releases the worker.
func (m *Manager) Close(timeout time.Duration) error {
	if err := m.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("failed to release reset worker: %w", err)
	}
	return nil
}
