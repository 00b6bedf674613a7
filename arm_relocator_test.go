package armhook

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relocateARM pushes count input instructions at src through a fresh
// relocator emitting at dst.
func relocateARM(t *testing.T, mem *fakeMemory, src, dst uintptr, count int) (*ARMRelocator, *ARMWriter) {
	t.Helper()
	var (
		reader ARMReader
		writer ARMWriter
		rel    ARMRelocator
	)
	writer.Reset(dst)
	reader.Reset(mem, src)
	rel.Reset(&reader, &writer)
	for i := 0; i < count; i++ {
		_, err := rel.ReadOne()
		require.NoError(t, err)
	}
	require.NoError(t, rel.WriteAll())
	return &rel, &writer
}

func TestARMRelocatorVerbatim(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xE92D40F0, 0xE24DD008)

	_, w := relocateARM(t, mem, 0x10000, 0x20000, 2)
	assert.Equal(t, []uint32{0xE92D40F0, 0xE24DD008}, armWords(t, w))
}

func TestARMRelocatorLdrLiteral(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xE59F0004) // ldr r0, [pc, #4] -> slot at 0x1000C

	_, w := relocateARM(t, mem, 0x10000, 0x20000, 1)
	assert.Equal(t, []uint32{
		0xE59F0000, // ldr r0, [pc, #0]
		0xEA000000, // b past the literal
		0x0001000C, // original slot address
		0xE5900000, // ldr r0, [r0]
	}, armWords(t, w))
}

func TestARMRelocatorLdrPCLiteral(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xE59FF004) // ldr pc, [pc, #4] (GOT-style jump)

	_, w := relocateARM(t, mem, 0x10000, 0x20000, 1)
	assert.Equal(t, []uint32{
		0xE52D0008, // str r0, [sp, #-8]!
		0xE59F0000,
		0xEA000000,
		0x0001000C,
		0xE5900000, // ldr r0, [r0]
		0xE58D0004, // str r0, [sp, #4]
		0xE49D0004, // pop scratch
		0xE49DF004, // pop into pc
	}, armWords(t, w))
}

func TestARMRelocatorAdr(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xE28F2010) // adr r2, 0x10018

	_, w := relocateARM(t, mem, 0x10000, 0x20000, 1)
	assert.Equal(t, []uint32{0xE59F2000, 0xEA000000, 0x00010018}, armWords(t, w))
}

func TestARMRelocatorBranchSameForm(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xEA00000E) // b 0x10040

	_, w := relocateARM(t, mem, 0x10000, 0x20000, 1)
	words := armWords(t, w)
	require.Len(t, words, 1)

	// decode the re-encoded branch from its new home
	out := decodeOneARM(t, words[0], 0x20000)
	assert.Equal(t, KindB, out.Kind)
	assert.Equal(t, uintptr(0x10040), out.Target)
}

func TestARMRelocatorBranchIndirect(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xEA00000E) // b 0x10040, unreachable from 0x5000000

	_, w := relocateARM(t, mem, 0x10000, 0x5000000, 1)
	assert.Equal(t, []uint32{0xE51FF004, 0x00010040}, armWords(t, w))
}

func TestARMRelocatorCondBranchInverted(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0x0A00000E) // beq 0x10040

	_, w := relocateARM(t, mem, 0x10000, 0x5000000, 1)
	assert.Equal(t, []uint32{
		0x1A000001, // bne over the indirect jump
		0xE51FF004,
		0x00010040,
	}, armWords(t, w))
}

func TestARMRelocatorBL(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xEB00000E) // bl 0x10040

	_, w := relocateARM(t, mem, 0x10000, 0x5000000, 1)
	assert.Equal(t, []uint32{
		0xE28FE004, // lr = past the jump
		0xE51FF004,
		0x00010040,
	}, armWords(t, w))
}

func TestARMRelocatorBLX(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xFA00000E) // blx 0x10040 (to thumb)

	_, w := relocateARM(t, mem, 0x10000, 0x5000000, 1)
	assert.Equal(t, []uint32{
		0xE28FE004,
		0xE51FF004,
		0x00010041, // thumb bit set at the destination
	}, armWords(t, w))
}

func TestARMRelocatorRejectsUnsupported(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xE1A0000F) // mov r0, pc

	var (
		reader ARMReader
		writer ARMWriter
		rel    ARMRelocator
	)
	writer.Reset(0x20000)
	reader.Reset(mem, 0x10000)
	rel.Reset(&reader, &writer)

	_, err := rel.ReadOne()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedInstruction))
}

func TestARMRelocatorRecordsMapping(t *testing.T) {
	mem := newFakeMemory()
	mem.putU32(0x10000, 0xE92D40F0, 0xE59F0004, 0xE24DD008)

	rel, _ := relocateARM(t, mem, 0x10000, 0x20000, 3)
	require.Len(t, rel.Insns, 3)
	assert.Equal(t, uintptr(0x20000), rel.Insns[0].OutPC)
	assert.Equal(t, uintptr(0x20004), rel.Insns[1].OutPC)
	assert.Equal(t, 16, rel.Insns[1].OutSize) // literal load expansion
	assert.Equal(t, uintptr(0x20014), rel.Insns[2].OutPC)
	assert.Equal(t, 12, rel.InputSize())
}

func TestARMRelocatableSize(t *testing.T) {
	tests := []struct {
		name  string
		words []uint32
		want  int
	}{
		{"fully relocatable", []uint32{0xE92D40F0, 0xE24DD008}, 8},
		{"first unsupported", []uint32{0xE1A0000F, 0xE24DD008}, 0},
		{"second unsupported", []uint32{0xE92D40F0, 0xE1A0000F}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newFakeMemory()
			mem.putU32(0x10000, tt.words...)
			got := armRelocatableSize(mem, 0x10000, armFullRedirectSize)
			assert.Equal(t, tt.want, got)
			// deterministic
			assert.Equal(t, got, armRelocatableSize(mem, 0x10000, armFullRedirectSize))
		})
	}
}
