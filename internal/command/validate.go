package command

import (
	"errors"
	"fmt"
)

// ErrEmpty is returned for a submission with no command words.
var ErrEmpty = errors.New("command buffer is empty")

// ValidationError describes the first invalid command in a buffer.
type ValidationError struct {
	Offset int
	Opcode Opcode
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s command at dword %d: %s", e.Opcode, e.Offset, e.Reason)
}

const (
	maxVertexCount = 65536
	maxDMASize     = 16 * 1024 * 1024
)

type validator struct {
	minSize    int
	maxSize    int
	privileged bool
	check      func(args []uint32) string
}

var validators = map[Opcode]validator{
	OpNOP:      {1, 1, false, nil},
	OpDraw:     {5, 8, false, checkDraw},
	OpCompute:  {4, 8, false, nil},
	OpDMA:      {4, 5, false, checkDMA},
	OpFence:    {3, 3, false, checkFence},
	OpWait:     {2, 3, false, nil},
	OpRegWrite: {3, 3, true, nil},
	OpRegRead:  {2, 3, true, nil},
}

func checkDraw(args []uint32) string {
	if args[0] == 0 || args[0] > maxVertexCount {
		return fmt.Sprintf("vertex count %d out of range", args[0])
	}
	if args[1] == 0 {
		return "instance count must be non-zero"
	}
	return ""
}

func checkDMA(args []uint32) string {
	src, dst, size := args[0], args[1], args[2]
	if size == 0 || size > maxDMASize {
		return fmt.Sprintf("transfer size %d out of range", size)
	}
	if src&3 != 0 || dst&3 != 0 || size&3 != 0 {
		return "addresses and size must be 4-byte aligned"
	}
	return ""
}

func checkFence(args []uint32) string {
	if args[0]&3 != 0 {
		return "fence address must be 4-byte aligned"
	}
	return ""
}

// Option configures Validate.
type Option func(*options)

type options struct {
	reservedLo, reservedHi uint64
}

// WithReserved rejects FENCE, WAIT and DMA commands that touch device
// memory in [lo, hi).
func WithReserved(lo, hi uint32) Option {
	return func(o *options) {
		o.reservedLo, o.reservedHi = uint64(lo), uint64(hi)
	}
}

// Overlaps reports whether [addr, addr+size) intersects [lo, hi).
func Overlaps(addr, size, lo, hi uint32) bool {
	end := uint64(addr) + uint64(size)
	return uint64(addr) < uint64(hi) && end > uint64(lo)
}

func (o *options) touchesReserved(op Opcode, args []uint32) bool {
	if o.reservedHi <= o.reservedLo {
		return false
	}
	lo, hi := uint32(o.reservedLo), uint32(o.reservedHi)
	switch op {
	case OpFence, OpWait:
		return Overlaps(args[0], 4, lo, hi)
	case OpDMA:
		return Overlaps(args[0], args[2], lo, hi) || Overlaps(args[1], args[2], lo, hi)
	}
	return false
}

// Sanitized is the result of validating a command buffer.
type Sanitized struct {
	Words []uint32
	// Stripped counts privileged commands replaced by NOPs.
	Stripped int
}

// Validate checks every command in words and returns a sanitized copy.
// Privileged commands in an unprivileged submission are replaced by one
// NOP per dword so the buffer keeps its length. words is never modified.
func Validate(words []uint32, privileged bool, opts ...Option) (Sanitized, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(words) == 0 {
		return Sanitized{}, ErrEmpty
	}
	out := make([]uint32, len(words))
	copy(out, words)

	stripped := 0
	err := Walk(out, func(off int, h Header, args []uint32) error {
		v, ok := validators[h.Opcode()]
		if !ok {
			return &ValidationError{Offset: off, Opcode: h.Opcode(), Reason: "unknown opcode"}
		}
		if h.Size() < v.minSize || h.Size() > v.maxSize {
			return &ValidationError{Offset: off, Opcode: h.Opcode(), Reason: fmt.Sprintf("size %d outside [%d, %d]", h.Size(), v.minSize, v.maxSize)}
		}
		if v.check != nil {
			if reason := v.check(args); reason != "" {
				return &ValidationError{Offset: off, Opcode: h.Opcode(), Reason: reason}
			}
		}
		if o.touchesReserved(h.Opcode(), args) {
			return &ValidationError{Offset: off, Opcode: h.Opcode(), Reason: "touches reserved fence memory"}
		}
		if v.privileged && !privileged {
			nop := uint32(NewHeader(OpNOP, SizeNOP, 0))
			for i := off; i < off+h.Size(); i++ {
				out[i] = nop
			}
			stripped++
		}
		return nil
	})
	if err != nil {
		return Sanitized{}, err
	}
	return Sanitized{Words: out, Stripped: stripped}, nil
}
