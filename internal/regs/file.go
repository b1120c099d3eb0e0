package regs

import "sync"

// File is an in-memory register file. It backs unit tests and is the
// register store of the simulated device.
type File struct {
	mu     sync.Mutex
	values map[uint32]uint32

	// ReadHook, when set, can override the value returned for an offset.
	ReadHook func(offset, value uint32) uint32
	// WriteHook, when set, is called after every write with the lock released.
	WriteHook func(offset, value uint32)
}

// NewFile returns an empty register file.
func NewFile() *File {
	return &File{values: make(map[uint32]uint32)}
}

// Read32 implements Registers.
func (f *File) Read32(offset uint32) uint32 {
	f.mu.Lock()
	v := f.values[offset]
	hook := f.ReadHook
	f.mu.Unlock()
	if hook != nil {
		return hook(offset, v)
	}
	return v
}

// Write32 implements Registers.
func (f *File) Write32(offset, value uint32) {
	f.mu.Lock()
	f.values[offset] = value
	hook := f.WriteHook
	f.mu.Unlock()
	if hook != nil {
		hook(offset, value)
	}
}

// Set stores a value without invoking hooks. Use it to model values the
// device updates on its own (heads, status).
func (f *File) Set(offset, value uint32) {
	f.mu.Lock()
	f.values[offset] = value
	f.mu.Unlock()
}

// Get reads a value without invoking hooks.
func (f *File) Get(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[offset]
}
