// Package device assembles the command submission engine: fence memory,
// one ring per hardware queue, the scheduler, the notification dispatcher,
// reset recovery and the health monitor, all bound to a single backend.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/gpucmd/internal/config"
	"github.com/fxnlabs/gpucmd/internal/dma"
	"github.com/fxnlabs/gpucmd/internal/fence"
	"github.com/fxnlabs/gpucmd/internal/gpu"
	"github.com/fxnlabs/gpucmd/internal/health"
	"github.com/fxnlabs/gpucmd/internal/irq"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/fxnlabs/gpucmd/internal/reset"
	"github.com/fxnlabs/gpucmd/internal/ring"
	"github.com/fxnlabs/gpucmd/internal/sched"
	"go.uber.org/zap"
)

var (
	// ErrResetInProgress is returned for submissions made while the device
	// is being reset. Retry once the reset finishes.
	ErrResetInProgress = errors.New("device reset in progress")
	// ErrDegraded is returned after a reset failed to bring the device back.
	ErrDegraded = errors.New("device is degraded")
	// ErrInvalidSlot is returned for a user fence slot outside the region.
	ErrInvalidSlot = errors.New("invalid fence slot")
)

// notificationMask is the set of notifications the engine listens to.
const notificationMask = regs.IRQCmdComplete | regs.IRQError | regs.IRQFence

const closeTimeout = 5 * time.Second

// Config collects the engine tunables.
type Config struct {
	NumQueues        int
	RingSize         int
	RingPollInterval time.Duration
	IRQWorkers       int
	HealthEnabled    bool
	Sched            sched.Config
	Reset            reset.Config
	Health           health.Config
}

// DefaultConfig returns an engine configuration with every default applied.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom maps the file configuration onto the engine.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		NumQueues:        cfg.Engine.NumQueues,
		RingSize:         cfg.Engine.RingSize,
		RingPollInterval: cfg.Engine.RingPollInterval,
		IRQWorkers:       cfg.IRQ.Workers,
		HealthEnabled:    cfg.HealthEnabled(),
		Sched: sched.Config{
			DefaultTimeout:   cfg.Engine.DefaultJobTimeout,
			RingSpaceTimeout: cfg.Engine.RingSpaceTimeout,
			Tick:             cfg.Engine.SchedulerTick,
			WatchdogInterval: cfg.Engine.WatchdogInterval,
			RetainCompleted:  cfg.Engine.RetainCompleted,
		},
		Reset: reset.Config{
			IdleTimeout:  cfg.Reset.IdleTimeout,
			HoldDuration: cfg.Reset.HoldDuration,
			ReadyTimeout: cfg.Reset.ReadyTimeout,
			PollInterval: cfg.Reset.PollInterval,
		},
		Health: health.Config{
			Interval:               cfg.Health.Interval,
			StagnationTimeout:      cfg.Health.StagnationTimeout,
			ErrorThreshold:         cfg.Health.ErrorThreshold,
			HeartbeatMissThreshold: cfg.Health.HeartbeatMissThreshold,
		},
	}
}

// Engine is the explicit context object for one device. Every method is
// safe for concurrent use.
type Engine struct {
	backend gpu.Backend
	cfg     Config
	log     *zap.Logger

	fences *fence.Context
	rings  []*ring.Ring
	sched  *sched.Scheduler
	irq    *irq.Dispatcher
	reset  *reset.Manager
	health *health.Monitor

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New builds an engine on an initialized backend. The queue count is capped
// by what the device reports.
func New(backend gpu.Backend, cfg Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("device")

	info := backend.GetDeviceInfo()
	queues := cfg.NumQueues
	if queues <= 0 {
		queues = 1
	}
	if info.Queues > 0 && queues > info.Queues {
		log.Warn("Device has fewer queues than configured", zap.Int("configured", queues), zap.Int("device", info.Queues))
		queues = info.Queues
	}
	if queues > fence.Slots {
		return nil, fmt.Errorf("too many queues: %d", queues)
	}

	e := &Engine{backend: backend, cfg: cfg, log: log}
	alloc := backend.Allocator()

	// Queue 2's ring registers overwrite FENCE_ADDR. That is accepted
	// because the device only uses the fence memory, never the register.
	fences, err := fence.New(backend, alloc, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create fence context: %w", err)
	}
	e.fences = fences

	schedRings := make([]sched.Ring, 0, queues)
	for q := 0; q < queues; q++ {
		r, err := ring.New(backend, alloc, cfg.RingSize, uint32(q), log, ring.WithPollInterval(cfg.RingPollInterval))
		if err != nil {
			e.teardown()
			return nil, fmt.Errorf("failed to create ring for queue %d: %w", q, err)
		}
		e.rings = append(e.rings, r)
		schedRings = append(schedRings, r)
	}

	e.sched, err = sched.New(cfg.Sched, fences, schedRings, log)
	if err != nil {
		e.teardown()
		return nil, err
	}

	e.irq, err = irq.New(backend, cfg.IRQWorkers, log)
	if err != nil {
		e.teardown()
		return nil, err
	}
	e.irq.Handle(notificationMask, e.onNotification)
	backend.Subscribe(e.irq.Notify)

	e.reset, err = reset.New(backend, subsystems{e}, cfg.Reset, log)
	if err != nil {
		e.teardown()
		return nil, err
	}
	e.sched.SetTimeoutHandler(func() { e.reset.Schedule() })

	if cfg.HealthEnabled {
		e.health = health.New(backend, progress{e}, e.reset, cfg.Health, log)
	}

	log.Info("Engine created",
		zap.String("device", info.Name),
		zap.Int("queues", queues),
		zap.Uint32("ringSize", e.rings[0].Size()),
		zap.Bool("health", cfg.HealthEnabled))
	return e, nil
}

func (e *Engine) onNotification(bits uint32) {
	status := e.backend.Read32(regs.Status)
	if bits&regs.IRQError != 0 {
		info := regs.LookupError(regs.ErrorCode(status))
		e.log.Warn("Device reported an error", zap.String("error", info.Name), zap.String("description", info.Description))
	}
	e.sched.HandleNotification(bits, status)
}

// Start enables the device and launches the scheduler and health monitor.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.irq.Enable(notificationMask)
	e.backend.Write32(regs.Control, regs.CtrlEnable)
	e.sched.Start(ctx)
	if e.health != nil {
		e.health.Start(ctx)
	}
	e.log.Info("Engine started")
}

// Close stops every worker, cancels outstanding jobs and releases device
// memory. The engine cannot be restarted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if e.health != nil {
		e.health.Stop()
	}
	var errs []error
	if err := e.reset.Close(closeTimeout); err != nil {
		errs = append(errs, err)
	}
	e.sched.Stop()
	if cancel != nil {
		cancel()
	}
	if err := e.irq.Close(closeTimeout); err != nil {
		errs = append(errs, err)
	}
	e.backend.Write32(regs.Control, 0)
	e.teardown()
	e.log.Info("Engine closed")
	return errors.Join(errs...)
}

func (e *Engine) teardown() {
	for _, r := range e.rings {
		r.Destroy()
	}
	if e.fences != nil {
		e.fences.Close()
	}
}

// Submit queues a job. It fails fast while a reset is running and after a
// failed reset.
func (e *Engine) Submit(spec sched.Spec) (uint64, error) {
	if e.reset.InProgress() {
		return 0, ErrResetInProgress
	}
	if e.reset.Degraded() {
		return 0, ErrDegraded
	}
	return e.sched.Submit(spec)
}

// Wait blocks until job id finishes or the timeout elapses.
func (e *Engine) Wait(ctx context.Context, id uint64, timeout time.Duration) (sched.Status, error) {
	return e.sched.Wait(ctx, id, timeout)
}

// Get returns the status of job id.
func (e *Engine) Get(id uint64) (sched.Status, error) {
	return e.sched.Get(id)
}

// Cancel removes a job that has not started.
func (e *Engine) Cancel(id uint64) error {
	return e.sched.Cancel(id)
}

// RequestReset starts a device reset. It returns false when one is already
// running.
func (e *Engine) RequestReset() bool {
	return e.reset.Schedule()
}

// WaitReset blocks until no reset is running.
func (e *Engine) WaitReset(ctx context.Context, timeout time.Duration) error {
	return e.reset.Wait(ctx, timeout)
}

// FenceAddr returns the device address of user fence slot. Slots below the
// queue count are reserved for job completion.
func (e *Engine) FenceAddr(slot int) (uint32, error) {
	i := slot + len(e.rings)
	if slot < 0 || i >= fence.Slots {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return e.fences.SlotAddr(i), nil
}

// FenceValue returns the value stored at a fence address.
func (e *Engine) FenceValue(addr uint32) uint32 {
	return e.fences.Value(addr)
}

// WaitFence blocks until the fence at addr reaches target.
func (e *Engine) WaitFence(ctx context.Context, addr, target uint32, timeout time.Duration) error {
	return e.fences.Wait(ctx, addr, target, timeout)
}

// Info describes the device behind the engine.
func (e *Engine) Info() gpu.DeviceInfo {
	return e.backend.GetDeviceInfo()
}

// IsRetryable reports whether err is transient and the operation may be
// retried unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ring.ErrTimeout) ||
		errors.Is(err, ring.ErrNoSpace) ||
		errors.Is(err, dma.ErrOutOfMemory) ||
		errors.Is(err, ErrResetInProgress) ||
		errors.Is(err, sched.ErrWaitTimeout) ||
		errors.Is(err, fence.ErrTimeout)
}

// subsystems exposes the engine parts the reset sequence drives.
type subsystems struct{ e *Engine }

func (s subsystems) PauseScheduler() { s.e.sched.Pause() }
func (s subsystems) ResumeScheduler() { s.e.sched.Resume() }
func (s subsystems) DisableNotifications() { s.e.irq.Disable() }
func (s subsystems) EnableNotifications() { s.e.irq.Enable(notificationMask) }
func (s subsystems) AbortRunning() int { return s.e.sched.AbortRunning() }
func (s subsystems) ReinitFence() { s.e.fences.Reinit() }

func (s subsystems) Rings() []reset.Ring {
	out := make([]reset.Ring, len(s.e.rings))
	for i, r := range s.e.rings {
		out[i] = r
	}
	return out
}

// progress reports the positions the health monitor watches.
type progress struct{ e *Engine }

func (p progress) RingHeads() []uint32 {
	heads := make([]uint32, len(p.e.rings))
	for i, r := range p.e.rings {
		heads[i] = r.Head()
	}
	return heads
}

// FenceValue folds every completion slot into one value that changes
// whenever any queue signals.
func (p progress) FenceValue() uint32 {
	var v uint32
	for i := range p.e.rings {
		v += p.e.fences.Value(p.e.fences.SlotAddr(i))
	}
	return v
}
