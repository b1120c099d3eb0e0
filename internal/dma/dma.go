// Package dma provides the DMA-capable memory capability used for ring
// backing storage and fence memory.
package dma

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	// It is retryable: nothing is left half-allocated.
	ErrOutOfMemory = errors.New("dma: out of memory")
	// ErrInvalidSize is returned for zero or negative allocation sizes.
	ErrInvalidSize = errors.New("dma: invalid allocation size")
	// ErrUnknownBuffer is returned when freeing a buffer the allocator does not own.
	ErrUnknownBuffer = errors.New("dma: unknown buffer")
)

// Handle identifies an allocation.
type Handle uint32

// Allocator is the DMA allocation capability exposed by a device backend.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
	Free(buf *Buffer) error
}

// Buffer is the CPU view of a device-visible allocation. Word accessors are
// atomic so the device and the CPU can share the memory.
type Buffer struct {
	Addr   uint32
	Handle Handle
	words  []uint32
}

// NewBuffer wraps words as a buffer at addr. Allocators use it; tests can
// use it to build standalone buffers.
func NewBuffer(addr uint32, handle Handle, words []uint32) *Buffer {
	return &Buffer{Addr: addr, Handle: handle, words: words}
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() int {
	return len(b.words) * 4
}

// Len returns the buffer size in dwords.
func (b *Buffer) Len() int {
	return len(b.words)
}

// Load atomically reads word i.
func (b *Buffer) Load(i int) uint32 {
	return atomic.LoadUint32(&b.words[i])
}

// Store atomically writes word i.
func (b *Buffer) Store(i int, v uint32) {
	atomic.StoreUint32(&b.words[i], v)
}

// CompareAndSwap atomically replaces word i with v if it still holds old.
func (b *Buffer) CompareAndSwap(i int, old, v uint32) bool {
	return atomic.CompareAndSwapUint32(&b.words[i], old, v)
}

// Zero clears the buffer.
func (b *Buffer) Zero() {
	for i := range b.words {
		atomic.StoreUint32(&b.words[i], 0)
	}
}

// Contains reports whether addr falls inside the buffer.
func (b *Buffer) Contains(addr uint32) bool {
	return addr >= b.Addr && uint64(addr) < uint64(b.Addr)+uint64(b.Size())
}

func (b *Buffer) String() string {
	return fmt.Sprintf("dma buffer %d at 0x%08x (%d bytes)", b.Handle, b.Addr, b.Size())
}
