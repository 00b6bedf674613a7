package armhook

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func armWords(t *testing.T, w *ARMWriter) []uint32 {
	t.Helper()
	code := w.Bytes()
	require.Zero(t, len(code)%4, "A32 output must be a whole number of words")
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words
}

func TestARMWriterPrimitives(t *testing.T) {
	tests := []struct {
		name string
		emit func(w *ARMWriter) error
		want []uint32
	}{
		{
			name: "ldr pc address",
			emit: func(w *ARMWriter) error {
				w.PutLdrRegAddress(PC, 0x12345678)
				return nil
			},
			want: []uint32{0xE51FF004, 0x12345678},
		},
		{
			name: "ldr r0 address skips its literal",
			emit: func(w *ARMWriter) error {
				w.PutLdrBRegAddress(R0, 0xCAFE0000)
				return nil
			},
			want: []uint32{0xE59F0000, 0xEA000000, 0xCAFE0000},
		},
		{
			name: "b over the next word",
			emit: func(w *ARMWriter) error { return w.PutBImm(8) },
			want: []uint32{0xEA000000},
		},
		{
			name: "b forward",
			emit: func(w *ARMWriter) error { return w.PutBImm(0x40) },
			want: []uint32{0xEA00000E},
		},
		{
			name: "bl backward",
			emit: func(w *ARMWriter) error { return w.PutBLImm(-0x10) },
			want: []uint32{0xEBFFFFFA},
		},
		{
			name: "conditional branch",
			emit: func(w *ARMWriter) error { return w.PutBCondImm(0x0, 12) }, // beq
			want: []uint32{0x0A000001},
		},
		{
			name: "sub sp",
			emit: func(w *ARMWriter) error { return w.PutSubRegImm(SP, 0xC) },
			want: []uint32{0xE24DD00C},
		},
		{
			name: "add lr pc 4",
			emit: func(w *ARMWriter) error { return w.PutAddRegRegImm(LR, PC, 4) },
			want: []uint32{0xE28FE004},
		},
		{
			name: "str ldr offsets",
			emit: func(w *ARMWriter) error {
				if err := w.PutStrRegRegOffset(R1, SP, 4); err != nil {
					return err
				}
				return w.PutLdrRegRegOffset(R1, SP, 4)
			},
			want: []uint32{0xE58D1004, 0xE59D1004},
		},
		{
			name: "stack push pop forms",
			emit: func(w *ARMWriter) error {
				if err := w.PutStrRegRegPreDec(R0, SP, 8); err != nil {
					return err
				}
				if err := w.PutLdrRegRegPostInc(R0, SP, 4); err != nil {
					return err
				}
				return w.PutLdrRegRegPostInc(PC, SP, 4)
			},
			want: []uint32{0xE52D0008, 0xE49D0004, 0xE49DF004},
		},
		{
			name: "nop",
			emit: func(w *ARMWriter) error {
				w.PutNop()
				return nil
			},
			want: []uint32{0xE320F000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w ARMWriter
			w.Reset(0x10000)
			require.NoError(t, tt.emit(&w))
			assert.Equal(t, tt.want, armWords(t, &w))
		})
	}
}

func TestARMWriterBranchRange(t *testing.T) {
	var w ARMWriter
	w.Reset(0x10000)
	assert.Error(t, w.PutBImm(ARMNearJumpRangeSize+8))
	assert.Error(t, w.PutBImm(6)) // not word aligned
	assert.NoError(t, w.PutBImm(8-ARMNearJumpRangeSize))
}

func TestARMWriterTracksPC(t *testing.T) {
	var w ARMWriter
	w.Reset(0x10000)
	require.Equal(t, uintptr(0x10000), w.PC())
	w.PutNop()
	w.PutNop()
	assert.Equal(t, uintptr(0x10008), w.PC())
	assert.Equal(t, 8, w.Size())
	assert.Equal(t, uintptr(0x10000), w.StartPC())

	w.Reset(0x20000)
	assert.Zero(t, w.Size())
	assert.Equal(t, uintptr(0x20000), w.PC())
}
