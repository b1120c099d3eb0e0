package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/fxnlabs/gpucmd/internal/command"
	"github.com/fxnlabs/gpucmd/internal/dma"
	"github.com/fxnlabs/gpucmd/internal/fence"
	"github.com/fxnlabs/gpucmd/internal/regs"
	"go.uber.org/zap"
)

// SimVersion is the VERSION register value of the simulated device.
const SimVersion uint32 = 0x00010000

// SimConfig configures the simulated device.
type SimConfig struct {
	// Queues is the number of hardware queues reported in CAPS.
	Queues int
	// MemoryLimit caps DMA allocations in bytes. Zero means unbounded.
	MemoryLimit int
}

// SimBackend is an in-process command processor. Ringing a doorbell
// consumes the queue's ring synchronously: commands execute against DMA
// memory, fences are written back and notifications are raised to
// subscribers, filtered by IRQ_ENABLE.
type SimBackend struct {
	file   *regs.File
	alloc  *dma.HostAllocator
	cfg    SimConfig
	logger *zap.Logger

	mu            sync.Mutex
	subs          []func(uint32)
	enabled       bool
	inReset       bool
	errCode       uint32
	halted        bool
	hung          bool
	brokenScratch bool
	stuckInReset  bool
	injected      uint32
	executed      uint64
	initialized   bool
}

// NewSimBackend creates a simulated device
func NewSimBackend(cfg SimConfig, logger *zap.Logger) *SimBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queues <= 0 || cfg.Queues > regs.MaxQueues {
		cfg.Queues = regs.MaxQueues
	}
	b := &SimBackend{
		file:   regs.NewFile(),
		alloc:  dma.NewHostAllocator(cfg.MemoryLimit),
		cfg:    cfg,
		logger: logger.Named("sim"),
	}
	b.file.ReadHook = b.onRead
	b.file.WriteHook = b.onWrite
	return b
}

// Initialize powers up the device with an idle status
func (b *SimBackend) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	b.file.Set(regs.Version, SimVersion)
	b.file.Set(regs.Caps, uint32(b.cfg.Queues))
	b.syncStatusLocked()
	b.initialized = true
	b.logger.Info("Simulated device initialized", zap.Int("queues", b.cfg.Queues))
	return nil
}

// Cleanup drops subscribers
func (b *SimBackend) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.initialized = false
	return nil
}

// IsAvailable checks if the backend is available (always true for the simulator)
func (b *SimBackend) IsAvailable() bool {
	return true
}

// GetDeviceInfo returns device information for the simulator
func (b *SimBackend) GetDeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:          "Simulated command processor",
		Kind:          KindSim,
		Version:       SimVersion,
		Queues:        b.cfg.Queues,
		MemoryLimit:   int64(b.cfg.MemoryLimit),
		DriverVersion: runtime.Version(),
	}
}

// Read32 implements regs.Registers.
func (b *SimBackend) Read32(offset uint32) uint32 { return b.file.Read32(offset) }

// Write32 implements regs.Registers.
func (b *SimBackend) Write32(offset, value uint32) { b.file.Write32(offset, value) }

// Allocator returns the device's DMA allocator.
func (b *SimBackend) Allocator() dma.Allocator { return b.alloc }

// Memory exposes the host allocator for inspection.
func (b *SimBackend) Memory() *dma.HostAllocator { return b.alloc }

// Subscribe registers a notification callback.
func (b *SimBackend) Subscribe(fn func(status uint32)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// SetHung freezes or releases command execution. A hung device reports busy
// while work is pending; releasing it processes the backlog.
func (b *SimBackend) SetHung(hung bool) {
	b.mu.Lock()
	b.hung = hung
	b.syncStatusLocked()
	b.mu.Unlock()
	if !hung {
		b.run(-1)
	}
}

// SetBrokenScratch makes SCRATCH read back inverted.
func (b *SimBackend) SetBrokenScratch(broken bool) {
	b.mu.Lock()
	b.brokenScratch = broken
	b.mu.Unlock()
}

// SetStuckInReset keeps the device in reset after the reset bit is cleared.
func (b *SimBackend) SetStuckInReset(stuck bool) {
	b.mu.Lock()
	b.stuckInReset = stuck
	b.mu.Unlock()
}

// SetHalted sets or clears the HALTED status bit.
func (b *SimBackend) SetHalted(halted bool) {
	b.mu.Lock()
	b.halted = halted
	b.syncStatusLocked()
	b.mu.Unlock()
}

// InjectError makes the next executed command fail with code.
func (b *SimBackend) InjectError(code uint32) {
	b.mu.Lock()
	b.injected = code
	b.mu.Unlock()
}

// Executed returns the number of commands executed.
func (b *SimBackend) Executed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executed
}

func (b *SimBackend) onRead(offset, value uint32) uint32 {
	if offset != regs.Scratch {
		return value
	}
	b.mu.Lock()
	broken := b.brokenScratch
	b.mu.Unlock()
	if broken {
		return ^value
	}
	return value
}

func (b *SimBackend) onWrite(offset, value uint32) {
	switch {
	case offset == regs.Control:
		b.control(value)
	case offset == regs.Status:
		b.mu.Lock()
		if value&regs.StatusError == 0 {
			b.errCode = 0
		}
		if value&regs.StatusHalted == 0 {
			b.halted = false
		}
		b.syncStatusLocked()
		b.mu.Unlock()
	case offset == regs.IRQAck:
		b.mu.Lock()
		b.file.Set(regs.IRQStatus, b.file.Get(regs.IRQStatus)&^value)
		b.mu.Unlock()
	case offset >= regs.DoorbellBase && offset < regs.DoorbellBase+4*regs.MaxQueues:
		b.run(int((offset - regs.DoorbellBase) / 4))
	}
}

func (b *SimBackend) control(value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if value&regs.CtrlReset != 0 {
		b.inReset = true
		b.errCode = 0
		b.halted = false
		b.hung = false
		b.injected = 0
		for q := uint32(0); q < uint32(b.cfg.Queues); q++ {
			b.file.Set(regs.Queue(regs.CmdHead, q), 0)
			b.file.Set(regs.Queue(regs.CmdTail, q), 0)
		}
		b.file.Set(regs.IRQStatus, 0)
		b.logger.Debug("Device entering reset")
	} else if b.inReset && !b.stuckInReset {
		b.inReset = false
		b.logger.Debug("Device left reset")
	}
	b.enabled = value&regs.CtrlEnable != 0 && !b.inReset
	b.syncStatusLocked()
}

func (b *SimBackend) pendingLocked() bool {
	for q := uint32(0); q < uint32(b.cfg.Queues); q++ {
		if b.file.Get(regs.Queue(regs.CmdSize, q)) == 0 {
			continue
		}
		if b.file.Get(regs.Queue(regs.CmdHead, q)) != b.file.Get(regs.Queue(regs.CmdTail, q)) {
			return true
		}
	}
	return false
}

func (b *SimBackend) syncStatusLocked() {
	var status uint32
	pending := b.pendingLocked()
	switch {
	case b.inReset:
	case b.hung && pending:
		status = regs.StatusBusy
	default:
		status = regs.StatusIdle
	}
	if !pending {
		status |= regs.StatusCmdEmpty
	}
	if b.halted {
		status |= regs.StatusHalted
	}
	if b.errCode != 0 {
		status = regs.WithErrorCode(status, b.errCode)
	}
	b.file.Set(regs.Status, status)
}

// run executes queue q, or every queue when q is negative, and delivers the
// resulting notification after releasing the device lock.
func (b *SimBackend) run(q int) {
	b.mu.Lock()
	var irq uint32
	if q >= 0 {
		irq = b.executeLocked(uint32(q))
	}
	// A WAIT on another queue may have been released by this queue's fences.
	for other := 0; other < b.cfg.Queues; other++ {
		if other != q {
			irq |= b.executeLocked(uint32(other))
		}
	}
	b.syncStatusLocked()

	bits := irq & b.file.Get(regs.IRQEnable)
	if bits != 0 {
		b.file.Set(regs.IRQStatus, b.file.Get(regs.IRQStatus)|bits)
	}
	subs := make([]func(uint32), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if bits == 0 {
		return
	}
	for _, fn := range subs {
		fn(bits)
	}
}

func (b *SimBackend) executeLocked(q uint32) uint32 {
	if b.hung || b.inReset || !b.enabled || q >= uint32(b.cfg.Queues) {
		return 0
	}
	base := b.file.Get(regs.Queue(regs.CmdBase, q))
	size := b.file.Get(regs.Queue(regs.CmdSize, q))
	if base == 0 || size < 4 {
		return 0
	}
	capacity := size / 4
	mask := capacity - 1
	head := b.file.Get(regs.Queue(regs.CmdHead, q)) & mask
	tail := b.file.Get(regs.Queue(regs.CmdTail, q)) & mask
	if head == tail {
		return 0
	}

	buf, start, ok := b.alloc.Resolve(base)
	if !ok || start+int(capacity) > buf.Len() {
		b.file.Set(regs.Queue(regs.CmdHead, q), tail)
		return b.faultLocked(q, regs.ErrorMemFault)
	}

	var irq uint32
	for head != tail {
		avail := (tail - head) & mask
		hdr := command.Header(buf.Load(start + int(head)))
		n := uint32(hdr.Size())
		if n == 0 || n > avail {
			irq |= b.faultLocked(q, regs.ErrorInvalidCmd)
			head = tail
			break
		}
		if b.injected != 0 {
			irq |= b.faultLocked(q, b.injected)
			b.injected = 0
			head = tail
			break
		}
		args := make([]uint32, n-1)
		for i := range args {
			args[i] = buf.Load(start + int((head+1+uint32(i))&mask))
		}

		res, stall := b.execLocked(q, hdr.Opcode(), args)
		if stall {
			break
		}
		b.executed++
		irq |= res
		if res&regs.IRQError != 0 {
			head = tail
			break
		}
		head = (head + n) & mask
	}
	b.file.Set(regs.Queue(regs.CmdHead, q), head)

	irq |= regs.IRQCmdComplete
	if head == tail {
		irq |= regs.IRQQueueEmpty
	}
	return irq
}

// execLocked runs one command. stall reports a WAIT whose condition does
// not hold yet; the queue stops at that command.
func (b *SimBackend) execLocked(q uint32, op command.Opcode, args []uint32) (irq uint32, stall bool) {
	switch op {
	case command.OpNOP, command.OpDraw, command.OpCompute, command.OpRegRead:
		return 0, false
	case command.OpDMA:
		if len(args) < 3 {
			return b.faultLocked(q, regs.ErrorInvalidCmd), false
		}
		if err := b.copyLocked(args[0], args[1], args[2]); err != nil {
			b.logger.Warn("DMA fault", zap.Uint32("queue", q), zap.Error(err))
			return b.faultLocked(q, regs.ErrorMemFault), false
		}
		return 0, false
	case command.OpFence:
		if len(args) < 2 {
			return b.faultLocked(q, regs.ErrorInvalidCmd), false
		}
		buf, i, ok := b.alloc.Resolve(args[0])
		if !ok || args[0]&3 != 0 {
			return b.faultLocked(q, regs.ErrorMemFault), false
		}
		buf.Store(i, args[1])
		return regs.IRQFence, false
	case command.OpWait:
		if len(args) < 2 {
			return 0, false
		}
		buf, i, ok := b.alloc.Resolve(args[0])
		if !ok {
			return b.faultLocked(q, regs.ErrorMemFault), false
		}
		if !fence.Passed(buf.Load(i), args[1]) {
			return 0, true
		}
		return 0, false
	case command.OpRegWrite:
		if len(args) < 2 {
			return b.faultLocked(q, regs.ErrorInvalidCmd), false
		}
		b.file.Set(args[0], args[1])
		return 0, false
	default:
		return b.faultLocked(q, regs.ErrorInvalidCmd), false
	}
}

func (b *SimBackend) copyLocked(src, dst, size uint32) error {
	if size == 0 || size&3 != 0 {
		return fmt.Errorf("invalid transfer size %d", size)
	}
	srcBuf, si, ok := b.alloc.Resolve(src)
	if !ok || !srcBuf.Contains(src+size-1) {
		return fmt.Errorf("source 0x%08x+%d not mapped", src, size)
	}
	dstBuf, di, ok := b.alloc.Resolve(dst)
	if !ok || !dstBuf.Contains(dst+size-1) {
		return fmt.Errorf("destination 0x%08x+%d not mapped", dst, size)
	}
	for k := 0; k < int(size/4); k++ {
		dstBuf.Store(di+k, srcBuf.Load(si+k))
	}
	return nil
}

func (b *SimBackend) faultLocked(q uint32, code uint32) uint32 {
	b.errCode = code
	info := regs.LookupError(code)
	b.logger.Warn("Device fault", zap.Uint32("queue", q), zap.String("code", info.Name))
	return regs.IRQError
}
