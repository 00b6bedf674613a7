package armhook

// thumb_relocator.go - T16/T32 prologue relocation
//
// Same shape as the A32 relocator. Thumb adds alignment padding around
// literal loads. Unconditional branches (b.n, b.w) are re-encoded as
// b.w when that still reaches and become an indirect jump otherwise;
// the conditional forms (b<c>, cbz/cbnz) always turn into a guarded
// indirect jump.

import "github.com/pkg/errors"

// ThumbRelocator consumes instructions from a ThumbReader and re-emits
// them through a ThumbWriter.
type ThumbRelocator struct {
	reader  *ThumbReader
	writer  *ThumbWriter
	Insns   []RelocatedInsn
	written int
}

// Reset binds the relocator to a fresh reader/writer pair.
func (r *ThumbRelocator) Reset(reader *ThumbReader, writer *ThumbWriter) {
	r.reader = reader
	r.writer = writer
	r.Insns = r.Insns[:0]
	r.written = 0
}

// InputSize returns the number of input bytes consumed so far.
func (r *ThumbRelocator) InputSize() int { return r.reader.Size }

// InputInsnCount returns the number of input instructions read.
func (r *ThumbRelocator) InputInsnCount() int { return r.reader.InsnCount }

// ReadOne decodes the next input instruction and queues it for
// relocation. Unsupported instructions fail immediately.
func (r *ThumbRelocator) ReadOne() (*Insn, error) {
	insn, err := r.reader.ReadOne()
	if err != nil {
		return nil, err
	}
	if insn.Kind == KindUnsupported {
		return nil, errors.Wrapf(ErrUnsupportedInstruction, "thumb insn %#x at %#x", insn.Raw, insn.Addr)
	}
	r.Insns = append(r.Insns, RelocatedInsn{Input: insn})
	return insn, nil
}

// WriteOne relocates the oldest queued instruction.
func (r *ThumbRelocator) WriteOne() error {
	if r.written >= len(r.Insns) {
		return errors.New("no pending instruction to relocate")
	}
	rec := &r.Insns[r.written]
	rec.OutPC = r.writer.PC()
	if err := r.rewrite(rec.Input); err != nil {
		return err
	}
	rec.OutSize = int(r.writer.PC() - rec.OutPC)
	r.written++
	return nil
}

// WriteAll relocates every queued instruction.
func (r *ThumbRelocator) WriteAll() error {
	for r.written < len(r.Insns) {
		if err := r.WriteOne(); err != nil {
			return err
		}
	}
	return nil
}

// indirectTailSize is the length PutLdrRegAddress(PC, ...) will emit
// when starting at pc.
func indirectTailSize(pc uintptr) int64 {
	if pc%4 != 0 {
		return 10 // nop + ldr.w + literal
	}
	return 8
}

func (r *ThumbRelocator) rewrite(insn *Insn) error {
	w := r.writer
	switch insn.Kind {
	case KindOther:
		if insn.Size == 2 {
			w.PutRaw16(uint16(insn.Raw))
		} else {
			w.PutRaw32(insn.Raw)
		}

	case KindLdrLit:
		return r.rewriteLdrLit(insn)

	case KindAdr:
		return w.PutLdrBRegAddress(insn.Reg, insn.Target)

	case KindB:
		if off, ok := r.sameFormOffset(insn.Target); ok {
			return w.PutBImm32(off)
		}
		return w.PutLdrRegAddress(PC, insn.Target|1)

	case KindBCond:
		tail := indirectTailSize(w.PC() + 2)
		if err := w.PutBCondImm16(insn.Cond^1, 2+tail); err != nil {
			return err
		}
		return w.PutLdrRegAddress(PC, insn.Target|1)

	case KindCbz, KindCbnz:
		tail := indirectTailSize(w.PC() + 4)
		if err := w.PutCbzCbnz(insn.Kind == KindCbnz, insn.Reg, 4); err != nil {
			return err
		}
		if err := w.PutBImm16(2 + tail); err != nil {
			return err
		}
		return w.PutLdrRegAddress(PC, insn.Target|1)

	case KindBL:
		if off, ok := r.sameFormOffset(insn.Target); ok {
			return w.PutBLImm32(off)
		}
		return r.rewriteLongCall(insn.Target | 1)

	case KindBLX:
		return r.rewriteLongCall(insn.Target)

	default:
		return errors.Wrapf(ErrUnsupportedInstruction, "thumb insn %#x at %#x", insn.Raw, insn.Addr)
	}
	return nil
}

// rewriteLdrLit re-emits a literal load so the same slot is fetched at
// run time from its absolute address.
func (r *ThumbRelocator) rewriteLdrLit(insn *Insn) error {
	w := r.writer
	if insn.Reg == PC {
		// ldr.w pc, [pc, #imm]: indirect jump through a code pointer
		// slot. r12 is the veneer scratch register; clobbering it at a
		// tail-call site is within the procedure-call standard.
		w.PutPushReg(R0)
		if err := w.PutLdrBRegAddress(R0, insn.Target); err != nil {
			return err
		}
		w.PutLdrRegRegOffset(R0, R0, 0)
		w.PutMovRegReg(R12, R0)
		w.PutPopReg(R0)
		w.PutBXReg(R12)
		return nil
	}
	if err := w.PutLdrBRegAddress(insn.Reg, insn.Target); err != nil {
		return err
	}
	if insn.Reg.IsLow() {
		return w.PutLdrRegRegOffset(insn.Reg, insn.Reg, 0)
	}
	return w.PutLdrWRegRegOffset(insn.Reg, insn.Reg, 0)
}

// rewriteLongCall replaces bl/blx with an explicit link-register load
// and an indirect jump. target carries the destination mode bit.
func (r *ThumbRelocator) rewriteLongCall(target uintptr) error {
	w := r.writer
	w.PutMovRegReg(LR, PC) // lr = this insn + 4, mode bit clear
	tail := indirectTailSize(w.PC() + 4)
	if err := w.PutAddWRegImm8(LR, uint32(tail)+3); err != nil {
		return err
	}
	return w.PutLdrRegAddress(PC, target)
}

// sameFormOffset reports the branch offset from the current emit PC if
// it still fits the 32-bit immediate form.
func (r *ThumbRelocator) sameFormOffset(target uintptr) (int64, bool) {
	off := int64(target) - int64(r.writer.PC())
	rel := off - 4
	if rel%2 != 0 || rel < -ThumbNearJumpRangeSize || rel >= ThumbNearJumpRangeSize {
		return 0, false
	}
	return off, true
}

// thumbRelocatableSize decodes forward from addr and returns the
// number of prologue bytes that can be relocated safely, stopping at
// the first unsupported instruction or once minBytes are covered.
func thumbRelocatableSize(mem Memory, addr uintptr, minBytes int) int {
	var reader ThumbReader
	reader.Reset(mem, addr)
	size := 0
	for size < minBytes {
		insn, err := reader.ReadOne()
		if err != nil || insn.Kind == KindUnsupported {
			break
		}
		size += insn.Size
	}
	return size
}
