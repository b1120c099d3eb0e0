// Package regs describes the fixed memory-mapped register layout of the device
// and the narrow access capability the engine consumes.
package regs

// Registers is the register access capability exposed by a device backend.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset, value uint32)
}

// Base register offsets. These are fixed for compatibility.
const (
	Version = 0x0000
	Caps    = 0x0004
	Control = 0x0008
	Status  = 0x000C
	Scratch = 0x0010

	IRQStatus = 0x0020
	IRQEnable = 0x0024
	IRQAck    = 0x0028

	CmdBase = 0x0040
	CmdSize = 0x0044
	CmdHead = 0x0048 // read-only
	CmdTail = 0x004C

	// FenceAddr and FenceValue share offsets with queue 2's CmdBase and
	// CmdSize. With three or more queues the ring wins; the device never
	// reads FenceAddr, fence values live in shared memory.
	FenceAddr  = 0x0060
	FenceValue = 0x0064 // read-only

	DoorbellBase = 0x2000
)

// QueueStride is the distance between two queues' ring register blocks.
const QueueStride = 0x10

// Control register bits.
const (
	CtrlEnable uint32 = 1 << 0
	CtrlReset  uint32 = 1 << 1
	CtrlPause  uint32 = 1 << 2
)

// Status register bits.
const (
	StatusIdle     uint32 = 1 << 0
	StatusBusy     uint32 = 1 << 1
	StatusError    uint32 = 1 << 2
	StatusHalted   uint32 = 1 << 3
	StatusCmdEmpty uint32 = 1 << 5
	StatusCmdFull  uint32 = 1 << 6

	statusErrorShift = 16
	statusErrorMask  = 0xFF
)

// Interrupt bits shared by IRQ_STATUS, IRQ_ENABLE and IRQ_ACK.
const (
	IRQCmdComplete uint32 = 1 << 0
	IRQError       uint32 = 1 << 1
	IRQFence       uint32 = 1 << 2
	IRQQueueEmpty  uint32 = 1 << 3

	IRQAll uint32 = 0xFFFFFFFF
)

// Ring size limits in bytes and the maximum number of hardware queues.
const (
	RingSizeMin = 4096
	RingSizeMax = 262144
	MaxQueues   = 16
)

// Queue returns the per-queue offset of a ring register.
func Queue(base uint32, queueID uint32) uint32 {
	return base + QueueStride*queueID
}

// Doorbell returns the doorbell register of a queue.
func Doorbell(queueID uint32) uint32 {
	return DoorbellBase + 4*queueID
}

// ErrorCode extracts the device error code carried in a STATUS value.
func ErrorCode(status uint32) uint32 {
	return (status >> statusErrorShift) & statusErrorMask
}

// WithErrorCode returns status with the error bit set and code encoded.
func WithErrorCode(status, code uint32) uint32 {
	status &^= statusErrorMask << statusErrorShift
	return status | StatusError | (code&statusErrorMask)<<statusErrorShift
}
