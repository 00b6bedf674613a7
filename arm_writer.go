package armhook

// arm_writer.go - A32 instruction emission
//
// The writer tracks the runtime PC of every emitted byte so PC-relative
// forms can be materialized directly. Address loads place their 32-bit
// literal inline, immediately after the referring instruction, with a
// skip branch when the destination register keeps executing.

import (
	"encoding/binary"
	"fmt"
)

// ARMNearJumpRangeSize is the reach of an A32 immediate branch.
const ARMNearJumpRangeSize = 0x2000000 // +/-32 MiB

// ARMWriter emits A32 instructions into an internal buffer.
type ARMWriter struct {
	code    []byte
	startPC uintptr
}

// Reset clears the buffer and sets the runtime PC of the first byte.
func (w *ARMWriter) Reset(pc uintptr) {
	w.code = w.code[:0]
	w.startPC = pc
}

// Bytes returns the emitted code.
func (w *ARMWriter) Bytes() []byte { return w.code }

// Size returns the number of emitted bytes.
func (w *ARMWriter) Size() int { return len(w.code) }

// StartPC returns the runtime PC of the first emitted byte.
func (w *ARMWriter) StartPC() uintptr { return w.startPC }

// PC returns the runtime PC of the next emitted byte.
func (w *ARMWriter) PC() uintptr { return w.startPC + uintptr(len(w.code)) }

func (w *ARMWriter) put32(instr uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], instr)
	w.code = append(w.code, buf[:]...)
}

// PutRaw32 emits a raw instruction word (verbatim relocation).
func (w *ARMWriter) PutRaw32(instr uint32) { w.put32(instr) }

// PutNop emits nop.
func (w *ARMWriter) PutNop() { w.put32(0xE320F000) }

// PutLdrRegAddress loads a 32-bit address into reg from an inline
// literal. For the PC destination the literal sits in the load's
// shadow (ldr pc, [pc, #-4]); otherwise a skip branch steps over it.
func (w *ARMWriter) PutLdrRegAddress(reg Reg, address uintptr) {
	if reg == PC {
		w.put32(0xE51FF004) // ldr pc, [pc, #-4]
		w.put32(uint32(address))
		return
	}
	w.put32(0xE59F0000 | uint32(reg)<<12) // ldr reg, [pc, #0]
	w.put32(0xEA000000)                   // b past the literal
	w.put32(uint32(address))
}

// PutLdrBRegAddress is the register-destination address load. On A32
// it is the same sequence as PutLdrRegAddress; the Thumb writer is the
// one that needs a distinct short form.
func (w *ARMWriter) PutLdrBRegAddress(reg Reg, address uintptr) {
	w.PutLdrRegAddress(reg, address)
}

// PutBImm emits b <label>. offset is relative to the address of the
// branch instruction itself.
func (w *ARMWriter) PutBImm(offset int64) error {
	return w.putBranchImm(0xEA000000, offset)
}

// PutBCondImm emits b<c> <label>.
func (w *ARMWriter) PutBCondImm(cond uint32, offset int64) error {
	return w.putBranchImm(0x0A000000|cond<<28, offset)
}

// PutBLImm emits bl <label>.
func (w *ARMWriter) PutBLImm(offset int64) error {
	return w.putBranchImm(0xEB000000, offset)
}

func (w *ARMWriter) putBranchImm(opcode uint32, offset int64) error {
	rel := offset - 8 // branch offsets are relative to pc, which reads as insn+8
	if rel%4 != 0 {
		return fmt.Errorf("branch offset not word aligned: %#x", offset)
	}
	if rel < -ARMNearJumpRangeSize || rel >= ARMNearJumpRangeSize {
		return fmt.Errorf("branch offset out of range: %#x", offset)
	}
	w.put32(opcode | uint32(rel>>2)&0xFFFFFF)
	return nil
}

// PutAddRegRegImm emits add Rd, Rn, #imm.
func (w *ARMWriter) PutAddRegRegImm(rd, rn Reg, imm uint32) error {
	if imm > 0xFF {
		return fmt.Errorf("immediate too large for add: %d", imm)
	}
	w.put32(0xE2800000 | uint32(rn)<<16 | uint32(rd)<<12 | imm)
	return nil
}

// PutSubRegImm emits sub Rd, Rd, #imm.
func (w *ARMWriter) PutSubRegImm(rd Reg, imm uint32) error {
	if imm > 0xFF {
		return fmt.Errorf("immediate too large for sub: %d", imm)
	}
	w.put32(0xE2400000 | uint32(rd)<<16 | uint32(rd)<<12 | imm)
	return nil
}

// PutAddRegImm emits add Rd, Rd, #imm.
func (w *ARMWriter) PutAddRegImm(rd Reg, imm uint32) error {
	return w.PutAddRegRegImm(rd, rd, imm)
}

// PutStrRegRegOffset emits str Rt, [Rn, #imm].
func (w *ARMWriter) PutStrRegRegOffset(rt, rn Reg, offset uint32) error {
	if offset > 0xFFF {
		return fmt.Errorf("str offset out of range: %d", offset)
	}
	w.put32(0xE5800000 | uint32(rn)<<16 | uint32(rt)<<12 | offset)
	return nil
}

// PutLdrRegRegOffset emits ldr Rt, [Rn, #imm].
func (w *ARMWriter) PutLdrRegRegOffset(rt, rn Reg, offset uint32) error {
	if offset > 0xFFF {
		return fmt.Errorf("ldr offset out of range: %d", offset)
	}
	w.put32(0xE5900000 | uint32(rn)<<16 | uint32(rt)<<12 | offset)
	return nil
}

// PutStrRegRegPreDec emits str Rt, [Rn, #-imm]! (push-style store).
func (w *ARMWriter) PutStrRegRegPreDec(rt, rn Reg, imm uint32) error {
	if imm > 0xFFF {
		return fmt.Errorf("str writeback offset out of range: %d", imm)
	}
	w.put32(0xE5200000 | uint32(rn)<<16 | uint32(rt)<<12 | imm)
	return nil
}

// PutLdrRegRegPostInc emits ldr Rt, [Rn], #imm (pop-style load).
func (w *ARMWriter) PutLdrRegRegPostInc(rt, rn Reg, imm uint32) error {
	if imm > 0xFFF {
		return fmt.Errorf("ldr post-index offset out of range: %d", imm)
	}
	w.put32(0xE4900000 | uint32(rn)<<16 | uint32(rt)<<12 | imm)
	return nil
}
