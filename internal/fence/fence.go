// Package fence tracks command completion through monotonic 32-bit values the
// device writes into a shared memory region.
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpucmd/internal/dma"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"go.uber.org/zap"
)

// RegionSize is the size of the fence value region in bytes.
const RegionSize = 4096

// Slots is the number of 32-bit fence slots in the region.
const Slots = RegionSize / 4

var (
	// ErrTimeout is returned by Wait when the target was not reached in time.
	ErrTimeout = errors.New("fence: wait timed out")
	// ErrClosed is returned to waiters when the context is torn down.
	ErrClosed = errors.New("fence: context closed")
)

type waiter struct {
	addr   uint32
	target uint32
	ch     chan struct{}
}

// Context owns the fence region and the device-wide sequence counter.
type Context struct {
	regs  regs.Registers
	alloc dma.Allocator
	buf   *dma.Buffer
	seq   atomic.Uint32

	mu      sync.Mutex
	waiters map[*waiter]struct{}
	closed  bool

	log *zap.Logger
}

// New allocates and zeroes the fence region and publishes its address.
func New(rr regs.Registers, alloc dma.Allocator, log *zap.Logger) (*Context, error) {
	if log == nil {
		log = zap.NewNop()
	}
	buf, err := alloc.Alloc(RegionSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate fence region: %w", err)
	}
	buf.Zero()

	c := &Context{
		regs:    rr,
		alloc:   alloc,
		buf:     buf,
		waiters: make(map[*waiter]struct{}),
		log:     log.Named("fence"),
	}
	rr.Write32(regs.FenceAddr, buf.Addr)
	c.log.Info("Fence region ready", zap.String("addr", fmt.Sprintf("0x%08x", buf.Addr)))
	return c, nil
}

// Addr returns the device address of the region.
func (c *Context) Addr() uint32 { return c.buf.Addr }

// SlotAddr returns the device address of slot i.
func (c *Context) SlotAddr(i int) uint32 {
	return c.buf.Addr + uint32(i%Slots)*4
}

// NextValue returns the next sequence value. Values start at 1 and increase
// in serial number order: after 2^32-1 values the counter wraps, skipping 0,
// and Passed keeps ordering them.
func (c *Context) NextValue() uint32 {
	for {
		if v := c.seq.Add(1); v != 0 {
			return v
		}
		c.log.Info("Fence sequence wrapped")
	}
}

// Passed reports whether value has reached target in serial number order.
// The comparison stays correct across wrap-around as long as the two are
// less than 2^31 apart; a target further ahead than that counts as reached.
func Passed(value, target uint32) bool {
	return int32(value-target) >= 0
}

// Last returns the most recently issued sequence value.
func (c *Context) Last() uint32 {
	return c.seq.Load()
}

func (c *Context) index(addr uint32) (int, bool) {
	if addr&3 != 0 || !c.buf.Contains(addr) {
		return 0, false
	}
	return int(addr-c.buf.Addr) / 4, true
}

// Value returns the current value at addr, or 0 for addresses outside the
// region.
func (c *Context) Value(addr uint32) uint32 {
	i, ok := c.index(addr)
	if !ok {
		return 0
	}
	return c.buf.Load(i)
}

// Signaled reports whether the value at addr has reached target. Addresses
// outside the region are treated as signaled so callers never wait on memory
// the device cannot write.
func (c *Context) Signaled(addr, target uint32) bool {
	i, ok := c.index(addr)
	if !ok {
		return true
	}
	return Passed(c.buf.Load(i), target)
}

// ForceSignal raises the value at addr to at least value on the device's
// behalf. It never lowers a value.
func (c *Context) ForceSignal(addr, value uint32) {
	i, ok := c.index(addr)
	if !ok {
		return
	}
	for {
		old := c.buf.Load(i)
		if Passed(old, value) {
			break
		}
		if c.buf.CompareAndSwap(i, old, value) {
			c.log.Debug("Force-signaled fence", zap.Uint32("addr", addr), zap.Uint32("value", value))
			break
		}
	}
	c.Process()
}

// Wait blocks until the value at addr reaches target, the timeout elapses
// or ctx is done.
func (c *Context) Wait(ctx context.Context, addr, target uint32, timeout time.Duration) error {
	if c.Signaled(addr, target) {
		return nil
	}

	w := &waiter{addr: addr, target: target, ch: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.waiters[w] = struct{}{}
	c.mu.Unlock()
	defer c.remove(w)

	// The device may have written the value between the first check and
	// registration.
	if c.Signaled(addr, target) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed && !c.Signaled(addr, target) {
			return ErrClosed
		}
		return nil
	case <-timer.C:
		if c.Signaled(addr, target) {
			return nil
		}
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) remove(w *waiter) {
	c.mu.Lock()
	delete(c.waiters, w)
	c.mu.Unlock()
}

// Process wakes every waiter whose target has been reached and returns how
// many were woken.
func (c *Context) Process() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	woken := 0
	for w := range c.waiters {
		if c.Signaled(w.addr, w.target) {
			close(w.ch)
			delete(c.waiters, w)
			woken++
		}
	}
	return woken
}

// Waiters returns the number of registered waiters.
func (c *Context) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Reinit republishes the region address after a device reset. Values are
// kept so they never move backwards.
func (c *Context) Reinit() {
	c.regs.Write32(regs.FenceAddr, c.buf.Addr)
}

// Close wakes all waiters with ErrClosed and releases the region.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for w := range c.waiters {
		close(w.ch)
		delete(c.waiters, w)
	}
	c.mu.Unlock()

	c.regs.Write32(regs.FenceAddr, 0)
	if err := c.alloc.Free(c.buf); err != nil {
		c.log.Warn("Failed to free fence region", zap.Error(err))
	}
}
