package armhook

// arm_relocator.go - A32 prologue relocation
//
// Each input instruction is re-emitted at the writer's PC with any
// PC-relative operand rewritten to reach the same absolute target.
// The per-input output PCs are recorded so callers can map an input
// boundary to its relocated address.

import "github.com/pkg/errors"

// RelocatedInsn maps one input instruction to the start of its
// relocated output.
type RelocatedInsn struct {
	Input   *Insn
	OutPC   uintptr
	OutSize int
}

// ARMRelocator consumes instructions from an ARMReader and re-emits
// them through an ARMWriter.
type ARMRelocator struct {
	reader  *ARMReader
	writer  *ARMWriter
	Insns   []RelocatedInsn
	written int
}

// Reset binds the relocator to a fresh reader/writer pair.
func (r *ARMRelocator) Reset(reader *ARMReader, writer *ARMWriter) {
	r.reader = reader
	r.writer = writer
	r.Insns = r.Insns[:0]
	r.written = 0
}

// InputSize returns the number of input bytes consumed so far.
func (r *ARMRelocator) InputSize() int { return r.reader.Size }

// InputInsnCount returns the number of input instructions read.
func (r *ARMRelocator) InputInsnCount() int { return r.reader.InsnCount }

// ReadOne decodes the next input instruction and queues it for
// relocation. Unsupported instructions fail immediately.
func (r *ARMRelocator) ReadOne() (*Insn, error) {
	insn, err := r.reader.ReadOne()
	if err != nil {
		return nil, err
	}
	if insn.Kind == KindUnsupported {
		return nil, errors.Wrapf(ErrUnsupportedInstruction, "arm insn %#08x at %#x", insn.Raw, insn.Addr)
	}
	r.Insns = append(r.Insns, RelocatedInsn{Input: insn})
	return insn, nil
}

// WriteOne relocates the oldest queued instruction.
func (r *ARMRelocator) WriteOne() error {
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
func (r *ARMRelocator) WriteAll() error {
	for r.written < len(r.Insns) {
		if err := r.WriteOne(); err != nil {
			return err
		}
	}
	return nil
}

func (r *ARMRelocator) rewrite(insn *Insn) error {
	w := r.writer
	switch insn.Kind {
	case KindOther:
		w.PutRaw32(insn.Raw)

	case KindLdrLit:
		if insn.Reg == PC {
			// ldr pc, [pc, #imm]: the slot value must be fetched at
			// run time (GOT-style jumps are repointed by the loader),
			// so go through a scratch register kept on the stack.
			w.PutStrRegRegPreDec(R0, SP, 8)
			w.PutLdrBRegAddress(R0, insn.Target)
			w.PutLdrRegRegOffset(R0, R0, 0)
			w.PutStrRegRegOffset(R0, SP, 4)
			w.PutLdrRegRegPostInc(R0, SP, 4)
			w.PutLdrRegRegPostInc(PC, SP, 4)
			return nil
		}
		w.PutLdrBRegAddress(insn.Reg, insn.Target)
		w.PutLdrRegRegOffset(insn.Reg, insn.Reg, 0)

	case KindAdr:
		if insn.Reg == PC {
			w.PutLdrRegAddress(PC, insn.Target)
			return nil
		}
		w.PutLdrBRegAddress(insn.Reg, insn.Target)

	case KindB:
		if off, ok := r.sameFormOffset(insn.Target); ok {
			return w.PutBImm(off)
		}
		w.PutLdrRegAddress(PC, insn.Target)

	case KindBCond:
		if off, ok := r.sameFormOffset(insn.Target); ok {
			return w.PutBCondImm(insn.Cond, off)
		}
		// invert the condition over an indirect jump
		if err := w.PutBCondImm(insn.Cond^1, 12); err != nil {
			return err
		}
		w.PutLdrRegAddress(PC, insn.Target)

	case KindBL:
		if off, ok := r.sameFormOffset(insn.Target); ok {
			return w.putBranchImm(0x0B000000|insn.Cond<<28, off)
		}
		if insn.Cond != condAL {
			return errors.Wrapf(ErrUnsupportedInstruction, "conditional bl out of range at %#x", insn.Addr)
		}
		w.PutAddRegRegImm(LR, PC, 4)
		w.PutLdrRegAddress(PC, insn.Target)

	case KindBLX:
		w.PutAddRegRegImm(LR, PC, 4)
		w.PutLdrRegAddress(PC, insn.Target|1)

	default:
		return errors.Wrapf(ErrUnsupportedInstruction, "arm insn %#08x at %#x", insn.Raw, insn.Addr)
	}
	return nil
}

// sameFormOffset reports the branch offset from the current emit PC if
// it still fits an imm24 encoding.
func (r *ARMRelocator) sameFormOffset(target uintptr) (int64, bool) {
	off := int64(target) - int64(r.writer.PC())
	rel := off - 8
	if rel%4 != 0 || rel < -ARMNearJumpRangeSize || rel >= ARMNearJumpRangeSize {
		return 0, false
	}
	return off, true
}

// armRelocatableSize decodes forward from addr and returns the number
// of prologue bytes that can be relocated safely, stopping at the
// first unsupported instruction or once minBytes are covered.
func armRelocatableSize(mem Memory, addr uintptr, minBytes int) int {
	var reader ARMReader
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
