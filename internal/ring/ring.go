// Package ring implements the fixed-capacity circular command buffer shared
// between the software producer and a hardware queue.
package ring

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/gpucmd/internal/dma"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"go.uber.org/zap"
)

var (
	// ErrInvalidSize is returned when the requested size is outside the
	// supported range.
	ErrInvalidSize = errors.New("ring: invalid size")
	// ErrTimeout is returned when space did not become available in time.
	// The ring is untouched and the caller may retry.
	ErrTimeout = errors.New("ring: timed out waiting for space")
	// ErrNoSpace is returned by Write when the payload does not fit.
	ErrNoSpace = errors.New("ring: not enough space")
	// ErrTooLarge is returned when a payload can never fit in the ring.
	ErrTooLarge = errors.New("ring: payload larger than ring capacity")
	// ErrDestroyed is returned for operations on a destroyed ring.
	ErrDestroyed = errors.New("ring: destroyed")
)

// DefaultPollInterval is how often WaitSpace re-reads the hardware head.
const DefaultPollInterval = time.Millisecond

// Ring is one hardware queue's command buffer. Write and Kick are not safe
// for concurrent use; the scheduler serializes them per queue.
type Ring struct {
	regs    regs.Registers
	alloc   dma.Allocator
	buf     *dma.Buffer
	queueID uint32
	size    uint32 // bytes
	mask    uint32 // dwords - 1

	tail      atomic.Uint32
	destroyed atomic.Bool
	submitted atomic.Uint64
	completed atomic.Uint64

	pollInterval time.Duration
	log          *zap.Logger
}

// Option configures a Ring.
type Option func(*Ring)

// WithPollInterval sets the WaitSpace polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Ring) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// New allocates a ring of size bytes for queueID and programs its registers.
// Sizes that are not a power of two are rounded up.
func New(rr regs.Registers, alloc dma.Allocator, size int, queueID uint32, log *zap.Logger, opts ...Option) (*Ring, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ring").With(zap.Uint32("queue", queueID))

	if size < regs.RingSizeMin || size > regs.RingSizeMax {
		log.Error("Invalid ring size", zap.Int("size", size))
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidSize, size, regs.RingSizeMin, regs.RingSizeMax)
	}
	if queueID >= regs.MaxQueues {
		return nil, fmt.Errorf("ring: queue %d out of range", queueID)
	}
	rounded := roundUpPow2(uint32(size))
	if rounded != uint32(size) {
		log.Warn("Rounding ring size", zap.Int("requested", size), zap.Uint32("size", rounded))
	}

	buf, err := alloc.Alloc(int(rounded))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate ring buffer: %w", err)
	}
	buf.Zero()

	r := &Ring{
		regs:         rr,
		alloc:        alloc,
		buf:          buf,
		queueID:      queueID,
		size:         rounded,
		mask:         rounded/4 - 1,
		pollInterval: DefaultPollInterval,
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.program()

	log.Info("Created ring", zap.Uint32("size", rounded), zap.String("addr", fmt.Sprintf("0x%08x", buf.Addr)))
	return r, nil
}

func (r *Ring) program() {
	r.regs.Write32(regs.Queue(regs.CmdBase, r.queueID), r.buf.Addr)
	r.regs.Write32(regs.Queue(regs.CmdSize, r.queueID), r.size)
	r.regs.Write32(regs.Queue(regs.CmdHead, r.queueID), 0)
	r.regs.Write32(regs.Queue(regs.CmdTail, r.queueID), 0)
	r.tail.Store(0)
}

// Destroy disables the ring in hardware, then releases its memory.
func (r *Ring) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	r.regs.Write32(regs.Queue(regs.CmdBase, r.queueID), 0)
	r.regs.Write32(regs.Queue(regs.CmdSize, r.queueID), 0)
	if err := r.alloc.Free(r.buf); err != nil {
		r.log.Warn("Failed to free ring buffer", zap.Error(err))
	}
}

// QueueID returns the hardware queue the ring feeds.
func (r *Ring) QueueID() uint32 { return r.queueID }

// Size returns the ring size in bytes.
func (r *Ring) Size() uint32 { return r.size }

// Capacity returns the ring size in dwords.
func (r *Ring) Capacity() uint32 { return r.mask + 1 }

// Head returns the hardware read position in dwords.
func (r *Ring) Head() uint32 {
	return r.regs.Read32(regs.Queue(regs.CmdHead, r.queueID)) & r.mask
}

// Tail returns the software write position in dwords.
func (r *Ring) Tail() uint32 { return r.tail.Load() }

// Space returns the number of dwords that can be written without
// overtaking the hardware head.
func (r *Ring) Space() uint32 {
	return space(r.Head(), r.tail.Load(), r.mask+1)
}

func space(head, tail, capacity uint32) uint32 {
	used := (tail - head) & (capacity - 1)
	return capacity - used - 1
}

// Idle reports whether the hardware has consumed everything written.
func (r *Ring) Idle() bool {
	return r.Head() == r.tail.Load()
}

// WaitSpace polls until needed dwords are free, the timeout elapses or ctx
// is done. A timeout is reported as ErrTimeout and leaves the ring untouched.
func (r *Ring) WaitSpace(ctx context.Context, needed uint32, timeout time.Duration) error {
	if r.destroyed.Load() {
		return ErrDestroyed
	}
	if needed > r.mask {
		return fmt.Errorf("%w: %d dwords", ErrTooLarge, needed)
	}
	if r.Space() >= needed {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if r.Space() >= needed {
				return nil
			}
			r.log.Warn("Timed out waiting for ring space", zap.Uint32("needed", needed), zap.Uint32("space", r.Space()))
			return ErrTimeout
		case <-ticker.C:
			if r.Space() >= needed {
				return nil
			}
		}
	}
}

// Write copies words into the ring at the tail, wrapping as needed, and
// then publishes the new tail. It fails without side effects if the words
// do not fit.
func (r *Ring) Write(words []uint32) error {
	if r.destroyed.Load() {
		return ErrDestroyed
	}
	n := uint32(len(words))
	if n > r.mask {
		return fmt.Errorf("%w: %d dwords", ErrTooLarge, n)
	}
	if r.Space() < n {
		return ErrNoSpace
	}
	tail := r.tail.Load()
	for _, w := range words {
		r.buf.Store(int(tail), w)
		tail = (tail + 1) & r.mask
	}
	// The atomic store orders the payload stores before the new tail.
	r.tail.Store(tail)
	return nil
}

// Kick publishes the tail to hardware and rings the doorbell.
func (r *Ring) Kick() {
	r.regs.Write32(regs.Queue(regs.CmdTail, r.queueID), r.tail.Load())
	r.regs.Write32(regs.Doorbell(r.queueID), 1)
	r.submitted.Add(1)
}

// Retire records that one kicked submission has completed.
func (r *Ring) Retire() {
	r.completed.Add(1)
}

// Reinit clears the ring and reprograms its registers after a device reset.
// Counters are kept.
func (r *Ring) Reinit() error {
	if r.destroyed.Load() {
		return ErrDestroyed
	}
	r.buf.Zero()
	r.program()
	r.log.Debug("Ring reinitialized")
	return nil
}

// Stats is a snapshot of ring bookkeeping.
type Stats struct {
	QueueID   uint32 `json:"queueId"`
	Addr      uint32 `json:"addr"`
	Size      uint32 `json:"size"`
	Head      uint32 `json:"head"`
	Tail      uint32 `json:"tail"`
	Space     uint32 `json:"space"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
}

// Snapshot returns the current ring bookkeeping.
func (r *Ring) Snapshot() Stats {
	head, tail := r.Head(), r.tail.Load()
	return Stats{
		QueueID:   r.queueID,
		Addr:      r.buf.Addr,
		Size:      r.size,
		Head:      head,
		Tail:      tail,
		Space:     space(head, tail, r.mask+1),
		Submitted: r.submitted.Load(),
		Completed: r.completed.Load(),
	}
}

func roundUpPow2(v uint32) uint32 {
	if v&(v-1) == 0 {
		return v
	}
	return 1 << bits.Len32(v)
}
