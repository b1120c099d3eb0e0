package command

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	h := NewHeader(OpDMA, 5, 0xBEEF)
	assert.Equal(t, OpDMA, h.Opcode())
	assert.Equal(t, 5, h.Size())
	assert.Equal(t, uint16(0xBEEF), h.Flags())
	assert.Equal(t, uint32(0xBEEF0503), uint32(h))

	// A NOP is opcode 0, size 1.
	assert.Equal(t, []uint32{0x00000100}, NOP())
}

func TestWalk(t *testing.T) {
	buf := Concat(NOP(), Draw(3, 1, 0, 0), Fence(0x1000, 7))

	var ops []Opcode
	err := Walk(buf, func(off int, h Header, args []uint32) error {
		ops = append(ops, h.Opcode())
		assert.Len(t, args, h.Size()-1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Opcode{OpNOP, OpDraw, OpFence}, ops)

	t.Run("truncated", func(t *testing.T) {
		err := Walk(Draw(3, 1, 0, 0)[:3], func(int, Header, []uint32) error { return nil })
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "command buffer truncated", verr.Reason)
	})

	t.Run("zero size", func(t *testing.T) {
		err := Walk([]uint32{0}, func(int, Header, []uint32) error { return nil })
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name        string
		words       []uint32
		expectError bool
	}{
		{"nop", NOP(), false},
		{"draw", Draw(3, 1, 0, 0), false},
		{"draw zero vertices", Draw(0, 1, 0, 0), true},
		{"draw too many vertices", Draw(70000, 1, 0, 0), true},
		{"draw zero instances", Draw(3, 0, 0, 0), true},
		{"compute", Compute(8, 8, 1), false},
		{"dma", DMA(0x1000, 0x2000, 64, 0), false},
		{"dma unaligned", DMA(0x1001, 0x2000, 64, 0), true},
		{"dma empty", DMA(0x1000, 0x2000, 0, 0), true},
		{"fence", Fence(0x1000, 1), false},
		{"fence unaligned", Fence(0x1002, 1), true},
		{"wait", Wait(0x1000, 1), false},
		{"unknown opcode", []uint32{uint32(NewHeader(0x42, 1, 0))}, true},
		{"bad nop size", []uint32{uint32(NewHeader(OpNOP, 2, 0)), 0}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Validate(tc.words, false)
			if tc.expectError {
				var verr *ValidationError
				assert.True(t, errors.As(err, &verr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.words, out.Words)
		})
	}

	t.Run("empty", func(t *testing.T) {
		_, err := Validate(nil, false)
		assert.ErrorIs(t, err, ErrEmpty)
	})
}

func TestValidatePrivileged(t *testing.T) {
	words := Concat(Draw(3, 1, 0, 0), RegWrite(0x08, 0x2), RegRead(0x0C))
	original := append([]uint32(nil), words...)

	t.Run("unprivileged submission is stripped", func(t *testing.T) {
		out, err := Validate(words, false)
		require.NoError(t, err)
		assert.Equal(t, 2, out.Stripped)
		assert.Len(t, out.Words, len(words))
		for _, w := range out.Words[SizeDraw:] {
			assert.Equal(t, NOP()[0], w)
		}
		// The caller's buffer is untouched.
		assert.Equal(t, original, words)
	})

	t.Run("privileged submission is kept", func(t *testing.T) {
		out, err := Validate(words, true)
		require.NoError(t, err)
		assert.Zero(t, out.Stripped)
		assert.Equal(t, words, out.Words)
	})
}

func TestValidateReserved(t *testing.T) {
	const lo, hi = 0x1000_0000, 0x1000_000C
	testCases := []struct {
		name        string
		words       []uint32
		expectError bool
	}{
		{"fence into reserved slot", Fence(0x1000_0004, 1_000_000), true},
		{"fence rewinding reserved slot", Fence(lo, 0), true},
		{"fence after reserved range", Fence(hi, 7), false},
		{"wait on reserved slot", Wait(0x1000_0008, 1), true},
		{"dma into reserved range", DMA(0x2000, 0x0FFF_FFF8, 16, 0), true},
		{"dma out of reserved range", DMA(lo, 0x2000, 4, 0), true},
		{"dma beside reserved range", DMA(0x2000, hi, 64, 0), false},
		{"draw", Draw(3, 1, 0, 0), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.words, true, WithReserved(lo, hi))
			if tc.expectError {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Contains(t, verr.Reason, "reserved")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps(0x10, 4, 0x10, 0x14))
	assert.True(t, Overlaps(0x0C, 8, 0x10, 0x14))
	assert.False(t, Overlaps(0x0C, 4, 0x10, 0x14))
	assert.False(t, Overlaps(0x14, 4, 0x10, 0x14))
	assert.True(t, Overlaps(0xFFFF_FFFC, 8, 0xFFFF_FFF0, 0xFFFF_FFFF))
}
