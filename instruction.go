package armhook

// instruction.go - decoded instruction records
//
// Readers classify instructions only as far as relocation needs: every
// PC-relative form gets its absolute target precomputed, everything
// else is carried as raw bytes and copied verbatim.

// InsnKind classifies a decoded instruction for the relocator.
type InsnKind int

const (
	// KindOther is any PC-independent instruction, kept verbatim.
	KindOther InsnKind = iota
	// KindLdrLit is a PC-relative word load (ldr Rt, [pc, #imm]).
	KindLdrLit
	// KindAdr is an address computation off PC (adr / add Rd, pc, #imm).
	KindAdr
	// KindB is an unconditional immediate branch.
	KindB
	// KindBCond is a conditional immediate branch.
	KindBCond
	// KindBL is a branch with link within the same instruction set.
	KindBL
	// KindBLX is an immediate branch with link that switches sets.
	KindBLX
	// KindCbz and KindCbnz are the Thumb compare-and-branch forms.
	KindCbz
	KindCbnz
	// KindUnsupported marks an instruction the relocator cannot move.
	KindUnsupported
)

func (k InsnKind) String() string {
	switch k {
	case KindOther:
		return "other"
	case KindLdrLit:
		return "ldr-literal"
	case KindAdr:
		return "adr"
	case KindB:
		return "b"
	case KindBCond:
		return "b<c>"
	case KindBL:
		return "bl"
	case KindBLX:
		return "blx"
	case KindCbz:
		return "cbz"
	case KindCbnz:
		return "cbnz"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// condAL is the always condition code.
const condAL = 0xE

// Insn is one decoded instruction.
//
// Raw holds the little-endian instruction word; for 32-bit Thumb
// encodings it is hw1<<16|hw2 in halfword order. Target is the
// absolute address a PC-relative operand refers to: the literal
// address for KindLdrLit, the computed label for KindAdr, the branch
// destination (mode bit stripped) for branch kinds.
type Insn struct {
	Addr      uintptr
	Raw       uint32
	Size      int // 2 or 4 bytes
	Kind      InsnKind
	Reg       Reg    // Rt/Rd/Rn as the kind requires
	Cond      uint32 // condition field for KindBCond
	Target    uintptr
	DestThumb bool // branch destination executes as Thumb
}

// isThumbAddress reports whether a code pointer selects the Thumb set.
func isThumbAddress(addr uintptr) bool {
	return addr&1 != 0
}

// stripThumbBit clears the instruction-set selector bit.
func stripThumbBit(addr uintptr) uintptr {
	return addr &^ 1
}

// alignPC rounds down to the 4-byte boundary Thumb literal addressing
// uses as its base.
func alignPC(addr uintptr) uintptr {
	return addr &^ 3
}
