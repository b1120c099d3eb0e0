// Package command implements the ring payload wire format: a header word
// (8-bit opcode, 8-bit size in dwords, 16-bit flags) followed by the
// command's arguments.
package command

import "fmt"

// Opcode identifies a command.
type Opcode uint8

const (
	OpNOP      Opcode = 0x00
	OpDraw     Opcode = 0x01
	OpCompute  Opcode = 0x02
	OpDMA      Opcode = 0x03
	OpFence    Opcode = 0x04
	OpWait     Opcode = 0x05
	OpRegWrite Opcode = 0x06
	OpRegRead  Opcode = 0x07
)

var opcodeNames = map[Opcode]string{
	OpNOP:      "NOP",
	OpDraw:     "DRAW",
	OpCompute:  "COMPUTE",
	OpDMA:      "DMA",
	OpFence:    "FENCE",
	OpWait:     "WAIT",
	OpRegWrite: "REG_WRITE",
	OpRegRead:  "REG_READ",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP(0x%02x)", uint8(o))
}

// Header is the first word of every command.
type Header uint32

// NewHeader encodes a header.
func NewHeader(op Opcode, size uint8, flags uint16) Header {
	return Header(uint32(op) | uint32(size)<<8 | uint32(flags)<<16)
}

// Opcode returns the header's opcode.
func (h Header) Opcode() Opcode { return Opcode(h & 0xFF) }

// Size returns the command size in dwords, header included.
func (h Header) Size() int { return int((h >> 8) & 0xFF) }

// Flags returns the header flags.
func (h Header) Flags() uint16 { return uint16(h >> 16) }

// Command sizes in dwords, header included.
const (
	SizeNOP      = 1
	SizeDraw     = 5
	SizeCompute  = 4
	SizeDMA      = 5
	SizeFence    = 3
	SizeWait     = 3
	SizeRegWrite = 3
	SizeRegRead  = 2
)

// NOP returns a single no-op command.
func NOP() []uint32 {
	return []uint32{uint32(NewHeader(OpNOP, SizeNOP, 0))}
}

// Draw returns a draw command.
func Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) []uint32 {
	return []uint32{
		uint32(NewHeader(OpDraw, SizeDraw, 0)),
		vertexCount, instanceCount, firstVertex, firstInstance,
	}
}

// Compute returns a compute dispatch command.
func Compute(groupsX, groupsY, groupsZ uint32) []uint32 {
	return []uint32{
		uint32(NewHeader(OpCompute, SizeCompute, 0)),
		groupsX, groupsY, groupsZ,
	}
}

// DMA returns a copy command moving size bytes from src to dst.
func DMA(src, dst, size, flags uint32) []uint32 {
	return []uint32{
		uint32(NewHeader(OpDMA, SizeDMA, 0)),
		src, dst, size, flags,
	}
}

// Fence returns a command that makes the device write value to addr.
func Fence(addr, value uint32) []uint32 {
	return []uint32{uint32(NewHeader(OpFence, SizeFence, 0)), addr, value}
}

// Wait returns a command that stalls the queue until the word at addr is at
// least value.
func Wait(addr, value uint32) []uint32 {
	return []uint32{uint32(NewHeader(OpWait, SizeWait, 0)), addr, value}
}

// RegWrite returns a privileged register write.
func RegWrite(offset, value uint32) []uint32 {
	return []uint32{uint32(NewHeader(OpRegWrite, SizeRegWrite, 0)), offset, value}
}

// RegRead returns a privileged register read.
func RegRead(offset uint32) []uint32 {
	return []uint32{uint32(NewHeader(OpRegRead, SizeRegRead, 0)), offset}
}

// Concat joins command buffers.
func Concat(cmds ...[]uint32) []uint32 {
	n := 0
	for _, c := range cmds {
		n += len(c)
	}
	out := make([]uint32, 0, n)
	for _, c := range cmds {
		out = append(out, c...)
	}
	return out
}

// Walk calls fn for each command in words. It stops at the first error,
// including a zero-size or truncated command.
func Walk(words []uint32, fn func(offset int, h Header, args []uint32) error) error {
	for off := 0; off < len(words); {
		h := Header(words[off])
		size := h.Size()
		if size == 0 {
			return &ValidationError{Offset: off, Opcode: h.Opcode(), Reason: "zero-size command"}
		}
		if off+size > len(words) {
			return &ValidationError{Offset: off, Opcode: h.Opcode(), Reason: "command buffer truncated"}
		}
		if err := fn(off, h, words[off+1:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}
