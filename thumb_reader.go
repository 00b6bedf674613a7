package armhook

// thumb_reader.go - T16/T32 instruction decoding
//
// A halfword whose top five bits are 0b11101, 0b11110 or 0b11111
// starts a 32-bit encoding; everything else is 16-bit. Decode works
// down the format tables the same way the A32 reader does.

// ThumbReader decodes a stream of T16/T32 instructions.
type ThumbReader struct {
	mem       Memory
	start     uintptr
	addr      uintptr
	Size      int // bytes consumed so far
	InsnCount int
}

// Reset points the reader at a new code address (thumb bit stripped).
func (r *ThumbReader) Reset(mem Memory, addr uintptr) {
	r.mem = mem
	r.start = stripThumbBit(addr)
	r.addr = r.start
	r.Size = 0
	r.InsnCount = 0
}

// isThumb32 reports whether hw1 starts a 32-bit encoding.
func isThumb32(hw1 uint16) bool {
	return hw1>>11 >= 0x1D
}

// ReadOne decodes the next instruction.
func (r *ThumbReader) ReadOne() (*Insn, error) {
	hw1, err := readU16(r.mem, r.addr)
	if err != nil {
		return nil, err
	}
	var insn *Insn
	if isThumb32(hw1) {
		hw2, err := readU16(r.mem, r.addr+2)
		if err != nil {
			return nil, err
		}
		insn = decodeThumb32(hw1, hw2, r.addr)
	} else {
		insn = decodeThumb16(hw1, r.addr)
	}
	r.addr += uintptr(insn.Size)
	r.Size += insn.Size
	r.InsnCount++
	return insn, nil
}

func decodeThumb16(hw uint16, at uintptr) *Insn {
	insn := &Insn{Addr: at, Raw: uint32(hw), Size: 2, Kind: KindOther}
	pc := at + 4

	switch {
	case hw&0xF800 == 0x4800: // ldr Rd, [pc, #imm8*4]
		insn.Kind = KindLdrLit
		insn.Reg = Reg((hw >> 8) & 7)
		insn.Target = alignPC(pc) + uintptr(hw&0xFF)*4

	case hw&0xF800 == 0xA000: // adr Rd, <label>  (add Rd, pc, #imm8*4)
		insn.Kind = KindAdr
		insn.Reg = Reg((hw >> 8) & 7)
		insn.Target = alignPC(pc) + uintptr(hw&0xFF)*4

	case hw&0xF800 == 0xE000: // b.n <label>
		insn.Kind = KindB
		insn.Cond = condAL
		insn.Target = pc + uintptr(int32(int16(hw<<5))>>4)
		insn.DestThumb = true

	case hw&0xF000 == 0xD000: // b<c>.n <label>, svc
		cond := uint32((hw >> 8) & 0xF)
		if cond >= 0xE {
			break // svc / permanently undefined, PC-independent
		}
		insn.Kind = KindBCond
		insn.Cond = cond
		insn.Target = pc + uintptr(int32(int8(hw&0xFF))<<1)
		insn.DestThumb = true

	case hw&0xF500 == 0xB100: // cbz/cbnz Rn, <label>
		if hw&0x0800 != 0 {
			insn.Kind = KindCbnz
		} else {
			insn.Kind = KindCbz
		}
		insn.Reg = Reg(hw & 7)
		imm := uintptr((hw>>9)&1)<<6 | uintptr((hw>>3)&0x1F)<<1
		insn.Target = pc + imm
		insn.DestThumb = true

	case hw&0xFF00 == 0xBF00: // it / hints
		if hw&0x000F != 0 {
			insn.Kind = KindUnsupported // it block
		}

	case hw&0xFF00 == 0x4700: // bx/blx Rm
		if Reg((hw>>3)&0xF) == PC {
			insn.Kind = KindUnsupported
		}

	case hw&0xFC00 == 0x4400: // add/cmp/mov with high registers
		if Reg((hw>>3)&0xF) == PC {
			insn.Kind = KindUnsupported // reads pc (mov Rd, pc etc.)
		}
	}
	return insn
}

func decodeThumb32(hw1, hw2 uint16, at uintptr) *Insn {
	insn := &Insn{Addr: at, Raw: uint32(hw1)<<16 | uint32(hw2), Size: 4, Kind: KindOther}
	pc := at + 4

	switch {
	case hw1&0xF800 == 0xF000 && hw2&0x8000 == 0x8000: // branch family
		switch hw2 & 0xD000 {
		case 0x9000: // b.w
			insn.Kind = KindB
			insn.Cond = condAL
			insn.Target = pc + uintptr(thumb32BranchOffset(hw1, hw2))
			insn.DestThumb = true
		case 0xD000: // bl
			insn.Kind = KindBL
			insn.Cond = condAL
			insn.Target = pc + uintptr(thumb32BranchOffset(hw1, hw2))
			insn.DestThumb = true
		case 0xC000: // blx <label>
			insn.Kind = KindBLX
			insn.Cond = condAL
			insn.Target = alignPC(pc) + uintptr(thumb32BLXOffset(hw1, hw2))
		case 0x8000: // b<c>.w or system
			cond := uint32((hw1 >> 6) & 0xF)
			if cond >= 0xE {
				break // msr/mrs/barriers, PC-independent
			}
			insn.Kind = KindBCond
			insn.Cond = cond
			insn.Target = pc + uintptr(thumb32CondBranchOffset(hw1, hw2))
			insn.DestThumb = true
		}

	case hw1&0xFC0F == 0xF80F: // load/store, Rn == pc
		if hw1&0xFF7F == 0xF85F {
			// ldr.w Rt, [pc, #+/-imm12]
			insn.Kind = KindLdrLit
			insn.Reg = Reg((hw2 >> 12) & 0xF)
			imm := uintptr(hw2 & 0xFFF)
			if hw1&0x0080 != 0 {
				insn.Target = alignPC(pc) + imm
			} else {
				insn.Target = alignPC(pc) - imm
			}
		} else {
			insn.Kind = KindUnsupported // byte/half/signed literal forms
		}

	case hw1&0xFBFF == 0xF20F: // adr.w Rd, <label> (add)
		insn.Kind = KindAdr
		insn.Reg = Reg((hw2 >> 8) & 0xF)
		insn.Target = alignPC(pc) + uintptr(thumb32PlainImm12(hw1, hw2))

	case hw1&0xFBFF == 0xF2AF: // adr.w Rd, <label> (sub)
		insn.Kind = KindAdr
		insn.Reg = Reg((hw2 >> 8) & 0xF)
		insn.Target = alignPC(pc) - uintptr(thumb32PlainImm12(hw1, hw2))

	case hw1&0xFFF0 == 0xE8D0 && hw2&0x00E0 == 0x0000: // tbb/tbh
		if Reg(hw1&0xF) == PC {
			insn.Kind = KindUnsupported
		}

	case hw1&0xFE00 == 0xEA00: // data processing, register
		if Reg(hw1&0xF) == PC || Reg(hw2&0xF) == PC {
			insn.Kind = KindUnsupported
		}

	case hw1&0xF800 == 0xF000: // data processing, immediate
		if Reg(hw1&0xF) == PC {
			insn.Kind = KindUnsupported
		}
	}
	return insn
}

// thumb32BranchOffset decodes the 25-bit b.w/bl offset
// (S:I1:I2:imm10:imm11:'0', I = NOT(J XOR S)).
func thumb32BranchOffset(hw1, hw2 uint16) int32 {
	s := uint32(hw1>>10) & 1
	j1 := uint32(hw2>>13) & 1
	j2 := uint32(hw2>>11) & 1
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	off := s<<24 | i1<<23 | i2<<22 | uint32(hw1&0x3FF)<<12 | uint32(hw2&0x7FF)<<1
	return int32(off<<7) >> 7
}

// thumb32BLXOffset decodes the blx immediate
// (S:I1:I2:imm10H:imm10L:'00').
func thumb32BLXOffset(hw1, hw2 uint16) int32 {
	s := uint32(hw1>>10) & 1
	j1 := uint32(hw2>>13) & 1
	j2 := uint32(hw2>>11) & 1
	i1 := ^(j1 ^ s) & 1
	i2 := ^(j2 ^ s) & 1
	off := s<<24 | i1<<23 | i2<<22 | uint32(hw1&0x3FF)<<12 | uint32((hw2>>1)&0x3FF)<<2
	return int32(off<<7) >> 7
}

// thumb32CondBranchOffset decodes the 21-bit b<c>.w offset
// (S:J2:J1:imm6:imm11:'0').
func thumb32CondBranchOffset(hw1, hw2 uint16) int32 {
	s := uint32(hw1>>10) & 1
	j1 := uint32(hw2>>13) & 1
	j2 := uint32(hw2>>11) & 1
	off := s<<20 | j2<<19 | j1<<18 | uint32(hw1&0x3F)<<12 | uint32(hw2&0x7FF)<<1
	return int32(off<<11) >> 11
}

// thumb32PlainImm12 decodes the i:imm3:imm8 zero-extended immediate.
func thumb32PlainImm12(hw1, hw2 uint16) uint32 {
	return uint32(hw1>>10&1)<<11 | uint32(hw2>>12&7)<<8 | uint32(hw2&0xFF)
}
