package armhook

// backend.go - trampoline builder
//
// The install pipeline for one hook runs
// Prepare -> BuildInvoke -> BuildEnter [-> BuildEnterTransfer]
// [-> BuildLeave|BuildInsnLeave|BuildDBI] -> Activate, with the patch
// write at the target as the linearization point. A OneInstruction
// hook runs BuildInsnLeave before BuildInvoke, because the invoke
// trampoline embeds the insn-leave address. Everything before it
// only touches allocator-owned slices, so a failure anywhere leaves
// the target untouched.

import (
	"unsafe"

	"github.com/pkg/errors"
)

// HookKind selects what the installed hook does at the target.
type HookKind int

const (
	// FunctionReplace redirects calls to a replacement function; the
	// relocated prologue is still built so the replacement can call
	// back into the original.
	FunctionReplace HookKind = iota
	// FunctionEnterLeave wraps the call with enter and leave thunks.
	FunctionEnterLeave
	// OneInstruction intercepts a single instruction site.
	OneInstruction
	// FunctionViaGOT redirects through an indirect pointer; no
	// transfer bridge is built.
	FunctionViaGOT
	// DynamicBinaryInstrumentation routes enter-only instrumentation
	// through the DBI thunk.
	DynamicBinaryInstrumentation
)

// Redirect sizes per instruction set. A Thumb full redirect grows by
// two when the target is not word aligned (a leading nop keeps the
// literal pool aligned).
const (
	armTinyRedirectSize   = 4
	armFullRedirectSize   = 8
	thumbTinyRedirectSize = 4
	thumbFullRedirectSize = 8
)

// Prologue holds the bytes displaced from the target.
type Prologue struct {
	Bytes   [16]byte
	Size    int
	Address uintptr
}

// entryBackend is the per-entry record the planner fills in.
type entryBackend struct {
	redirectCodeSize int
}

// HookEntry is one hook installation, owned by the interceptor
// registry. The builder fills the trampoline fields.
type HookEntry struct {
	Target      uintptr // thumb bit selects the instruction set
	Kind        HookKind
	TryNearJump bool

	// user callback addresses, dispatched by the shared thunks
	OnEnter     uintptr
	OnLeave     uintptr
	OnInvoke    uintptr
	ReplaceCall uintptr

	OriginPrologue            Prologue
	OnEnterTrampoline         uintptr
	OnEnterTransferTrampoline uintptr
	OnInvokeTrampoline        uintptr
	OnLeaveTrampoline         uintptr
	OnInsnLeaveTrampoline     uintptr
	OnDBITrampoline           uintptr
	NextInsnAddr              uintptr

	backend *entryBackend
	slices  []*CodeSlice
}

// entryAddress is the value the stubs smuggle to the thunks so they
// can find this entry again at run time.
func entryAddress(entry *HookEntry) uintptr {
	return uintptr(unsafe.Pointer(entry))
}

// InterceptorBackend owns the long-lived assembly workspaces and the
// shared thunks. It is not safe for concurrent installs; the registry
// serializes them.
type InterceptorBackend struct {
	allocator Allocator
	mem       Memory
	thunks    Thunks

	armReader    ARMReader
	armWriter    ARMWriter
	armRelocator ARMRelocator

	thumbReader    ThumbReader
	thumbWriter    ThumbWriter
	thumbRelocator ThumbRelocator
}

// NewInterceptorBackend builds the backend and pre-builds the shared
// thunks.
func NewInterceptorBackend(alloc Allocator, mem Memory, thunker Thunker) (*InterceptorBackend, error) {
	thunks, err := thunker.BuildThunks(alloc)
	if err != nil {
		return nil, errors.Wrap(err, "build thunks")
	}
	return &InterceptorBackend{
		allocator: alloc,
		mem:       mem,
		thunks:    thunks,
	}, nil
}

// PrepareTrampoline decides the redirect strategy and saves the bytes
// that will be overwritten.
func (b *InterceptorBackend) PrepareTrampoline(entry *HookEntry) error {
	entry.backend = &entryBackend{}
	target := stripThumbBit(entry.Target)

	if isThumbAddress(entry.Target) {
		if entry.TryNearJump {
			entry.backend.redirectCodeSize = thumbTinyRedirectSize
		} else {
			limit := thumbRelocatableSize(b.mem, target, thumbFullRedirectSize)
			switch {
			case limit >= thumbFullRedirectSize:
				entry.backend.redirectCodeSize = thumbFullRedirectSize
				if target%4 != 0 {
					// nop at the patch site keeps the literal aligned
					entry.backend.redirectCodeSize += 2
				}
			case limit >= thumbTinyRedirectSize:
				entry.TryNearJump = true
				entry.backend.redirectCodeSize = thumbTinyRedirectSize
			default:
				return errors.Wrapf(ErrUnrelocatablePrologue, "thumb target %#x", entry.Target)
			}
		}
	} else {
		if entry.TryNearJump {
			entry.backend.redirectCodeSize = armTinyRedirectSize
		} else {
			limit := armRelocatableSize(b.mem, target, armFullRedirectSize)
			switch {
			case limit >= armFullRedirectSize:
				entry.backend.redirectCodeSize = armFullRedirectSize
			case limit >= armTinyRedirectSize:
				entry.TryNearJump = true
				entry.backend.redirectCodeSize = armTinyRedirectSize
			default:
				return errors.Wrapf(ErrUnrelocatablePrologue, "arm target %#x", entry.Target)
			}
		}
	}

	size := entry.backend.redirectCodeSize
	if err := b.mem.Read(target, entry.OriginPrologue.Bytes[:size]); err != nil {
		return errors.Wrap(err, "save origin prologue")
	}
	entry.OriginPrologue.Size = size
	entry.OriginPrologue.Address = target
	return nil
}

// buildThumbDispatchStub assembles the common stub shape: reserve
// three stack slots, plant the entry address in the middle one and
// jump to a shared thunk. The thunk consumes the entry slot and the
// spare next-hop slot below it.
func (b *InterceptorBackend) buildThumbDispatchStub(entry *HookEntry, thunk uintptr) (*CodeSlice, error) {
	return thumbCodePatch(b.mem, b.allocator, &b.thumbWriter, 0, 0, func(w *ThumbWriter) error {
		w.PutSubRegImm(SP, 0xC)
		w.PutStrRegRegOffset(R1, SP, 0)
		if err := w.PutLdrBRegAddress(R1, entryAddress(entry)); err != nil {
			return err
		}
		w.PutStrRegRegOffset(R1, SP, 4)
		w.PutLdrRegRegOffset(R1, SP, 0)
		w.PutAddRegImm(SP, 4)
		return w.PutLdrRegAddress(PC, thunk)
	})
}

// BuildEnterTrampoline assembles the stub the redirect lands on. For a
// tiny redirect (and any hook kind but GOT) it also builds the near
// transfer bridge the patch site can actually reach.
func (b *InterceptorBackend) BuildEnterTrampoline(entry *HookEntry) error {
	slice, err := b.buildThumbDispatchStub(entry, b.thunks.Enter)
	if err != nil {
		return errors.Wrap(err, "build enter trampoline")
	}
	entry.slices = append(entry.slices, slice)
	entry.OnEnterTrampoline = slice.PC | 1

	debugLog.Debugf("enter trampoline at %#x, length %d, entry %#x, jumps to enter thunk %#x",
		slice.PC, b.thumbWriter.Size(), entryAddress(entry), b.thunks.Enter)

	if entry.Kind != FunctionViaGOT && b.isTinyRedirect(entry) {
		if err := b.BuildEnterTransferTrampoline(entry); err != nil {
			return err
		}
	}
	return nil
}

// BuildEnterTransferTrampoline assembles the near bridge a tiny
// redirect branches to: a single indirect jump to the enter trampoline
// (or straight to the replacement for FunctionReplace).
func (b *InterceptorBackend) BuildEnterTransferTrampoline(entry *HookEntry) error {
	target := stripThumbBit(entry.Target)
	jumpTo := entry.OnEnterTrampoline
	if entry.Kind == FunctionReplace {
		jumpTo = entry.ReplaceCall
	}

	var base, rng uintptr
	if isThumbAddress(entry.Target) {
		if b.isTinyRedirect(entry) {
			base = target
			rng = ThumbNearJumpRangeSize - 0x10
		}
		slice, err := thumbCodePatch(b.mem, b.allocator, &b.thumbWriter, base, rng, func(w *ThumbWriter) error {
			return w.PutLdrRegAddress(PC, jumpTo)
		})
		if err != nil {
			return errors.Wrap(err, "build enter transfer trampoline")
		}
		entry.slices = append(entry.slices, slice)
		entry.OnEnterTransferTrampoline = slice.PC | 1
	} else {
		if b.isTinyRedirect(entry) {
			base = target
			rng = ARMNearJumpRangeSize - 0x10
		}
		slice, err := armCodePatch(b.mem, b.allocator, &b.armWriter, base, rng, func(w *ARMWriter) error {
			w.PutLdrRegAddress(PC, jumpTo)
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "build enter transfer trampoline")
		}
		entry.slices = append(entry.slices, slice)
		entry.OnEnterTransferTrampoline = slice.PC
	}

	debugLog.Debugf("enter transfer trampoline at %#x, jumps to %#x",
		stripThumbBit(entry.OnEnterTransferTrampoline), jumpTo)
	return nil
}

// BuildDBITrampoline assembles the dynamic-binary-instrumentation
// stub.
func (b *InterceptorBackend) BuildDBITrampoline(entry *HookEntry) error {
	slice, err := b.buildThumbDispatchStub(entry, b.thunks.DBI)
	if err != nil {
		return errors.Wrap(err, "build dbi trampoline")
	}
	entry.slices = append(entry.slices, slice)
	entry.OnDBITrampoline = slice.PC | 1

	debugLog.Debugf("dbi trampoline at %#x, entry %#x, jumps to dbi thunk %#x",
		slice.PC, entryAddress(entry), b.thunks.DBI)

	if b.isTinyRedirect(entry) {
		return b.BuildEnterTransferTrampoline(entry)
	}
	return nil
}

// BuildLeaveTrampoline assembles the stub the leave thunk is reached
// through when the wrapped call returns.
func (b *InterceptorBackend) BuildLeaveTrampoline(entry *HookEntry) error {
	slice, err := b.buildThumbDispatchStub(entry, b.thunks.Leave)
	if err != nil {
		return errors.Wrap(err, "build leave trampoline")
	}
	entry.slices = append(entry.slices, slice)
	entry.OnLeaveTrampoline = slice.PC | 1

	debugLog.Debugf("leave trampoline at %#x, jumps to leave thunk %#x", slice.PC, b.thunks.Leave)
	return nil
}

// BuildInsnLeaveTrampoline assembles the stub a OneInstruction hook
// transfers to after the displaced instruction has run.
func (b *InterceptorBackend) BuildInsnLeaveTrampoline(entry *HookEntry) error {
	slice, err := b.buildThumbDispatchStub(entry, b.thunks.InsnLeave)
	if err != nil {
		return errors.Wrap(err, "build insn leave trampoline")
	}
	entry.slices = append(entry.slices, slice)
	entry.OnInsnLeaveTrampoline = slice.PC | 1

	debugLog.Debugf("insn leave trampoline at %#x, jumps to insn leave thunk %#x", slice.PC, b.thunks.InsnLeave)
	return nil
}

// BuildInvokeTrampoline relocates the displaced prologue and appends
// the jump back to the remainder of the target.
func (b *InterceptorBackend) BuildInvokeTrampoline(entry *HookEntry) error {
	target := stripThumbBit(entry.Target)
	redirect := entry.backend.redirectCodeSize

	slice, err := b.allocator.Alloc(trampolineSliceSize, 0, 0)
	if err != nil {
		return errors.Wrap(err, "build invoke trampoline")
	}

	if isThumbAddress(entry.Target) {
		w := &b.thumbWriter
		w.Reset(slice.PC)
		b.thumbReader.Reset(b.mem, target)
		rel := &b.thumbRelocator
		rel.Reset(&b.thumbReader, w)

		err = b.relocatePrologue(entry, redirect,
			func() error { _, e := rel.ReadOne(); return e },
			rel.WriteOne, rel.WriteAll, rel.InputSize,
			func() error { return w.PutLdrRegAddress(PC, entry.OnInsnLeaveTrampoline) },
		)
		if err == nil {
			resume := target + uintptr(rel.InputSize())
			err = w.PutLdrRegAddress(PC, resume|1)
		}
		if err == nil {
			if patchErr := b.mem.PatchCode(slice.PC, w.Bytes()); patchErr != nil {
				err = errors.Wrap(ErrPatchRejected, patchErr.Error())
			}
		}
		if err != nil {
			b.allocator.Free(slice) //nolint:errcheck
			return errors.Wrap(err, "build invoke trampoline")
		}
		entry.slices = append(entry.slices, slice)
		entry.OnInvokeTrampoline = slice.PC | 1
		if entry.Kind == OneInstruction {
			entry.NextInsnAddr = rel.Insns[1].OutPC | 1
		}
		b.logInvoke(entry, rel.InputSize(), rel.InputInsnCount(), w.Size(), target+uintptr(rel.InputSize()))
	} else {
		w := &b.armWriter
		w.Reset(slice.PC)
		b.armReader.Reset(b.mem, target)
		rel := &b.armRelocator
		rel.Reset(&b.armReader, w)

		err = b.relocatePrologue(entry, redirect,
			func() error { _, e := rel.ReadOne(); return e },
			rel.WriteOne, rel.WriteAll, rel.InputSize,
			func() error { w.PutLdrRegAddress(PC, entry.OnInsnLeaveTrampoline); return nil },
		)
		if err == nil {
			resume := target + uintptr(rel.InputSize())
			w.PutLdrRegAddress(PC, resume)
			if patchErr := b.mem.PatchCode(slice.PC, w.Bytes()); patchErr != nil {
				err = errors.Wrap(ErrPatchRejected, patchErr.Error())
			}
		}
		if err != nil {
			b.allocator.Free(slice) //nolint:errcheck
			return errors.Wrap(err, "build invoke trampoline")
		}
		entry.slices = append(entry.slices, slice)
		entry.OnInvokeTrampoline = slice.PC
		if entry.Kind == OneInstruction {
			entry.NextInsnAddr = rel.Insns[1].OutPC
		}
		b.logInvoke(entry, rel.InputSize(), rel.InputInsnCount(), w.Size(), target+uintptr(rel.InputSize()))
	}
	return nil
}

// relocatePrologue drives a relocator until the displaced input length
// is covered. For OneInstruction hooks the insn-leave jump is planted
// right after the first relocated instruction, and relocation always
// continues into the following instruction so control can resume
// there.
func (b *InterceptorBackend) relocatePrologue(entry *HookEntry, redirect int,
	readOne, writeOne, writeAll func() error, inputSize func() int, putInsnLeaveJump func() error) error {

	if entry.Kind == OneInstruction {
		if err := readOne(); err != nil {
			return err
		}
		if err := writeOne(); err != nil {
			return err
		}
		if err := putInsnLeaveJump(); err != nil {
			return err
		}
		for {
			if err := readOne(); err != nil {
				return err
			}
			if err := writeOne(); err != nil {
				return err
			}
			if inputSize() >= redirect {
				return nil
			}
		}
	}

	for inputSize() < redirect {
		if err := readOne(); err != nil {
			return err
		}
	}
	return writeAll()
}

func (b *InterceptorBackend) logInvoke(entry *HookEntry, inSize, inCount, outSize int, resume uintptr) {
	if !debugEnabled() {
		return
	}
	debugLog.Debugf("invoke trampoline at %#x, input %d bytes / %d insns, output %d bytes, resumes at %#x",
		stripThumbBit(entry.OnInvokeTrampoline), inSize, inCount, outSize, resume)
	debugLog.Debugf("origin prologue: %s", hexdump(entry.OriginPrologue.Bytes[:entry.OriginPrologue.Size]))
}

// ActivateTrampoline writes the final redirect over the target. This
// is the linearization point: the hook is invisible before the patch
// and live after it.
func (b *InterceptorBackend) ActivateTrampoline(entry *HookEntry) error {
	target := stripThumbBit(entry.Target)
	size := entry.backend.redirectCodeSize

	if isThumbAddress(entry.Target) {
		w := &b.thumbWriter
		w.Reset(target)
		if size == thumbTinyRedirectSize {
			off := int64(stripThumbBit(entry.OnEnterTransferTrampoline)) - int64(w.PC())
			if err := w.PutBImm32(off); err != nil {
				return errors.Wrap(err, "activate trampoline")
			}
		} else {
			if target%4 != 0 && size == thumbFullRedirectSize+2 {
				w.PutNop()
			}
			// a full redirect reaches any address, so the replacement
			// is loaded directly; only tiny redirects need the bridge
			dest := entry.OnEnterTrampoline
			if entry.Kind == FunctionReplace {
				dest = entry.ReplaceCall
			}
			if err := w.PutLdrRegAddress(PC, dest); err != nil {
				return errors.Wrap(err, "activate trampoline")
			}
		}
		if err := b.mem.PatchCode(target, w.Bytes()); err != nil {
			return errors.Wrap(ErrPatchRejected, err.Error())
		}
	} else {
		w := &b.armWriter
		w.Reset(target)
		if size == armTinyRedirectSize {
			off := int64(entry.OnEnterTransferTrampoline) - int64(w.PC())
			if err := w.PutBImm(off); err != nil {
				return errors.Wrap(err, "activate trampoline")
			}
		} else {
			dest := entry.OnEnterTrampoline
			if entry.Kind == FunctionReplace {
				dest = entry.ReplaceCall
			}
			w.PutLdrRegAddress(PC, dest)
		}
		if err := b.mem.PatchCode(target, w.Bytes()); err != nil {
			return errors.Wrap(ErrPatchRejected, err.Error())
		}
	}

	debugLog.Debugf("activated hook at %#x, redirect %d bytes", target, size)
	return nil
}

// FreeTrampoline returns the entry's slices to the allocator. The
// redirect at the target is not reverted here; the registry owns that
// decision.
func (b *InterceptorBackend) FreeTrampoline(entry *HookEntry) error {
	for _, slice := range entry.slices {
		b.allocator.Free(slice) //nolint:errcheck
	}
	entry.slices = nil
	entry.OnEnterTrampoline = 0
	entry.OnEnterTransferTrampoline = 0
	entry.OnInvokeTrampoline = 0
	entry.OnLeaveTrampoline = 0
	entry.OnInsnLeaveTrampoline = 0
	entry.OnDBITrampoline = 0
	entry.NextInsnAddr = 0
	return nil
}

func (b *InterceptorBackend) isTinyRedirect(entry *HookEntry) bool {
	if isThumbAddress(entry.Target) {
		return entry.backend.redirectCodeSize == thumbTinyRedirectSize
	}
	return entry.backend.redirectCodeSize == armTinyRedirectSize
}
