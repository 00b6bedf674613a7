package armhook

// arm_reader.go - A32 instruction decoding
//
// Mask-and-compare classification, working down from the most
// specific patterns. Only the classes the relocator rewrites are
// pulled apart; instructions that read PC in any other way are marked
// unsupported, everything else is carried verbatim.

import "math/bits"

// ARMReader decodes a stream of A32 instructions.
type ARMReader struct {
	mem       Memory
	start     uintptr
	addr      uintptr
	Size      int // bytes consumed so far
	InsnCount int
}

// Reset points the reader at a new code address.
func (r *ARMReader) Reset(mem Memory, addr uintptr) {
	r.mem = mem
	r.start = addr
	r.addr = addr
	r.Size = 0
	r.InsnCount = 0
}

// ReadOne decodes the next instruction.
func (r *ARMReader) ReadOne() (*Insn, error) {
	raw, err := readU32(r.mem, r.addr)
	if err != nil {
		return nil, err
	}
	insn := decodeARM(raw, r.addr)
	r.addr += 4
	r.Size += 4
	r.InsnCount++
	return insn, nil
}

// armExpandImm decodes an A32 modified immediate (8-bit value rotated
// right by twice the 4-bit rotation field).
func armExpandImm(imm12 uint32) uint32 {
	val := imm12 & 0xFF
	rot := int(((imm12 >> 8) & 0xF) * 2)
	return bits.RotateLeft32(val, -rot)
}

func armSignExtend24(imm24 uint32) int32 {
	return int32(imm24<<8) >> 8
}

// dpUsesRn reports whether an A32 data-processing opcode reads its Rn
// field (MOV and MVN do not).
func dpUsesRn(opcode uint32) bool {
	return opcode != 0xD && opcode != 0xF
}

func decodeARM(raw uint32, at uintptr) *Insn {
	insn := &Insn{Addr: at, Raw: raw, Size: 4, Kind: KindOther}
	cond := raw >> 28
	pc := at + 8

	// Unconditional space: only blx <label> is PC-relative here. The
	// rest (hints, NEON) never reads PC through an operand we track.
	if cond == 0xF {
		if raw&0x0E000000 == 0x0A000000 {
			h := (raw >> 24) & 1
			off := uintptr(int32(armSignExtend24(raw&0xFFFFFF)<<2)) + uintptr(h<<1)
			insn.Kind = KindBLX
			insn.Cond = condAL
			insn.Target = pc + off
			insn.DestThumb = true
		}
		return insn
	}

	switch {
	case raw&0x0E000000 == 0x0A000000: // b/bl <label>
		link := raw&0x01000000 != 0
		insn.Cond = cond
		insn.Target = pc + uintptr(int32(armSignExtend24(raw&0xFFFFFF)<<2))
		switch {
		case link:
			insn.Kind = KindBL
		case cond == condAL:
			insn.Kind = KindB
		default:
			insn.Kind = KindBCond
		}

	case raw&0x0E000000 == 0x04000000: // load/store immediate
		rn := Reg((raw >> 16) & 0xF)
		if rn != PC {
			break
		}
		if raw&0x0F7F0000 == 0x051F0000 && cond == condAL {
			// ldr Rt, [pc, #+/-imm12]
			insn.Kind = KindLdrLit
			insn.Reg = Reg((raw >> 12) & 0xF)
			imm := uintptr(raw & 0xFFF)
			if raw&0x00800000 != 0 {
				insn.Target = pc + imm
			} else {
				insn.Target = pc - imm
			}
		} else {
			insn.Kind = KindUnsupported
		}

	case raw&0x0E000000 == 0x06000000: // load/store register offset
		if Reg((raw>>16)&0xF) == PC || Reg(raw&0xF) == PC {
			insn.Kind = KindUnsupported
		}

	case raw&0x0C000000 == 0x00000000: // data processing
		rn := Reg((raw >> 16) & 0xF)
		opcode := (raw >> 21) & 0xF
		if raw&0x0FFF0000 == 0x028F0000 && cond == condAL {
			// adr Rd, <label>  (add Rd, pc, #imm)
			insn.Kind = KindAdr
			insn.Reg = Reg((raw >> 12) & 0xF)
			insn.Target = pc + uintptr(armExpandImm(raw&0xFFF))
			break
		}
		if raw&0x0FFF0000 == 0x024F0000 && cond == condAL {
			// adr Rd, <label>  (sub Rd, pc, #imm)
			insn.Kind = KindAdr
			insn.Reg = Reg((raw >> 12) & 0xF)
			insn.Target = pc - uintptr(armExpandImm(raw&0xFFF))
			break
		}
		if raw&0x02000000 == 0 {
			// register form also reads Rm
			if Reg(raw&0xF) == PC {
				insn.Kind = KindUnsupported
				break
			}
		}
		if rn == PC && dpUsesRn(opcode) {
			insn.Kind = KindUnsupported
		}

	case raw&0x0E000000 == 0x08000000: // ldm/stm
		if Reg((raw>>16)&0xF) == PC {
			insn.Kind = KindUnsupported
		}
	}
	return insn
}
