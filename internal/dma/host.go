package dma

import (
	"sort"
	"sync"
)

const (
	pageSize = 4096
	// hostBase keeps device addresses non-zero; a zero CMD_BASE means disabled.
	hostBase uint32 = 0x1000_0000
	hostTop  uint64 = 1 << 32
)

// HostAllocator hands out page-aligned buffers from process memory inside a
// 32-bit device address window.
type HostAllocator struct {
	mu         sync.Mutex
	next       uint32
	nextHandle Handle
	used       int
	limit      int
	live       map[Handle]*Buffer
}

// NewHostAllocator returns an allocator capped at limit bytes. A limit of
// zero means unlimited within the address window.
func NewHostAllocator(limit int) *HostAllocator {
	return &HostAllocator{
		next:  hostBase,
		limit: limit,
		live:  make(map[Handle]*Buffer),
	}
}

// Alloc implements Allocator.
func (a *HostAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	pages := (size + pageSize - 1) / pageSize
	span := pages * pageSize

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit > 0 && a.used+span > a.limit {
		return nil, ErrOutOfMemory
	}
	if uint64(a.next)+uint64(span) > hostTop {
		return nil, ErrOutOfMemory
	}

	a.nextHandle++
	buf := NewBuffer(a.next, a.nextHandle, make([]uint32, (size+3)/4))
	a.next += uint32(span)
	a.used += span
	a.live[buf.Handle] = buf
	return buf, nil
}

// Free implements Allocator.
func (a *HostAllocator) Free(buf *Buffer) error {
	if buf == nil {
		return ErrUnknownBuffer
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	owned, ok := a.live[buf.Handle]
	if !ok || owned != buf {
		return ErrUnknownBuffer
	}
	delete(a.live, buf.Handle)
	a.used -= ((buf.Size() + pageSize - 1) / pageSize) * pageSize
	return nil
}

// Resolve maps a device address to a live buffer and the dword index within
// it. The device side of the simulation uses it for DMA reads and writes.
func (a *HostAllocator) Resolve(addr uint32) (*Buffer, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, buf := range a.live {
		if buf.Contains(addr) {
			return buf, int(addr-buf.Addr) / 4, true
		}
	}
	return nil, 0, false
}

// Used returns the number of bytes currently allocated, rounded to pages.
func (a *HostAllocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Live returns the handles of live buffers in ascending order.
func (a *HostAllocator) Live() []Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	handles := make([]Handle, 0, len(a.live))
	for h := range a.live {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}
