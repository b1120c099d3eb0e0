// Package irq splits device notification handling into a top half that only
// acknowledges and records the bits, and a bottom half that runs handlers on
// a worker pool.
package irq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpucmd/internal/metrics"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Handler processes the notification bits collected since the last run.
type Handler func(bits uint32)

type entry struct {
	mask uint32
	fn   Handler
}

// Dispatcher owns interrupt enablement and the handler table.
type Dispatcher struct {
	regs regs.Registers
	pool *ants.Pool
	log  *zap.Logger

	enabled   atomic.Bool
	pending   atomic.Uint32
	scheduled atomic.Bool

	mu       sync.RWMutex
	handlers []entry

	accepted atomic.Uint64
	dropped  atomic.Uint64
	runs     atomic.Uint64
}

// New creates a dispatcher whose bottom half runs on a pool of workers
// goroutines. Notifications start disabled.
func New(rr regs.Registers, workers int, log *zap.Logger) (*Dispatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{regs: rr, log: log.Named("irq")}
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			d.log.Error("Notification handler panicked", zap.Any("panic", p))
			d.scheduled.Store(false)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create irq pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Handle registers fn for notifications matching mask.
func (d *Dispatcher) Handle(mask uint32, fn Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, entry{mask: mask, fn: fn})
	d.mu.Unlock()
}

// Enable programs IRQ_ENABLE and starts accepting notifications.
func (d *Dispatcher) Enable(mask uint32) {
	d.regs.Write32(regs.IRQEnable, mask)
	d.enabled.Store(true)
	d.log.Debug("Notifications enabled", zap.Uint32("mask", mask))
}

// Disable masks all notifications. Bits already recorded are still handled.
func (d *Dispatcher) Disable() {
	d.enabled.Store(false)
	d.regs.Write32(regs.IRQEnable, 0)
	d.log.Debug("Notifications disabled")
}

// Enabled reports whether notifications are accepted.
func (d *Dispatcher) Enabled() bool { return d.enabled.Load() }

// Notify is the top half. It never blocks: it acknowledges the bits,
// records them and makes sure one bottom half is scheduled.
func (d *Dispatcher) Notify(status uint32) {
	if status == 0 {
		return
	}
	if !d.enabled.Load() {
		d.dropped.Add(1)
		return
	}
	d.regs.Write32(regs.IRQAck, status)
	d.pending.Or(status)
	d.accepted.Add(1)
	metrics.Notifications.Inc()
	d.schedule()
}

func (d *Dispatcher) schedule() {
	if !d.scheduled.CompareAndSwap(false, true) {
		return
	}
	if err := d.pool.Submit(d.drain); err != nil {
		d.scheduled.Store(false)
		if !errors.Is(err, ants.ErrPoolClosed) {
			d.log.Error("Failed to schedule notification handling", zap.Error(err))
		}
	}
}

// drain is the bottom half. At most one runs at a time.
func (d *Dispatcher) drain() {
	for {
		bits := d.pending.Swap(0)
		if bits == 0 {
			d.scheduled.Store(false)
			// Bits recorded after the swap may have seen scheduled still set.
			if d.pending.Load() == 0 || !d.scheduled.CompareAndSwap(false, true) {
				return
			}
			continue
		}
		d.runs.Add(1)
		d.dispatch(bits)
	}
}

func (d *Dispatcher) dispatch(bits uint32) {
	d.mu.RLock()
	handlers := make([]entry, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		if h.mask&bits != 0 {
			h.fn(bits)
		}
	}
}

// Stats describes dispatcher activity.
type Stats struct {
	Enabled  bool   `json:"enabled"`
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
	Runs     uint64 `json:"runs"`
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enabled:  d.enabled.Load(),
		Accepted: d.accepted.Load(),
		Dropped:  d.dropped.Load(),
		Runs:     d.runs.Load(),
	}
}

// Close disables notifications and waits up to timeout for the bottom half
// to finish.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.Disable()
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("failed to release irq pool: %w", err)
	}
	return nil
}
