package armhook

// code_slice.go - executable code slices and the commit path
//
// A CodeSlice is a small span of allocator-owned memory that will run
// at CodeSlice.PC. Slices are acquired before emission so the writers
// know their runtime PC and can range-check near branches against real
// addresses; the assembled bytes are then committed through the
// page-patch primitive.

import "github.com/pkg/errors"

// CodeSlice is a span of executable memory handed out by an Allocator.
type CodeSlice struct {
	PC   uintptr
	Size int
}

// Allocator hands out executable code slices. When rng is zero any
// location is acceptable; otherwise the slice PC must satisfy
// |pc - base| <= rng.
type Allocator interface {
	Alloc(size int, base, rng uintptr) (*CodeSlice, error)
	Free(slice *CodeSlice) error
}

// trampolineSliceSize is the fixed capacity requested for every stub.
// The largest stub (a fully indirect relocated prologue plus its
// resume jump) stays well under this.
const trampolineSliceSize = 256

// distance is the absolute gap between two code addresses, used to
// check slices against a reachability window.
func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

// thumbCodePatch acquires a slice, emits a Thumb stub into it through
// emit and commits the bytes.
func thumbCodePatch(mem Memory, alloc Allocator, w *ThumbWriter, base, rng uintptr, emit func(*ThumbWriter) error) (*CodeSlice, error) {
	slice, err := alloc.Alloc(trampolineSliceSize, base, rng)
	if err != nil {
		return nil, err
	}
	w.Reset(slice.PC)
	if err := emit(w); err != nil {
		alloc.Free(slice) //nolint:errcheck
		return nil, err
	}
	if err := mem.PatchCode(slice.PC, w.Bytes()); err != nil {
		alloc.Free(slice) //nolint:errcheck
		return nil, errors.Wrap(ErrPatchRejected, err.Error())
	}
	return slice, nil
}

// armCodePatch is the A32 counterpart of thumbCodePatch.
func armCodePatch(mem Memory, alloc Allocator, w *ARMWriter, base, rng uintptr, emit func(*ARMWriter) error) (*CodeSlice, error) {
	slice, err := alloc.Alloc(trampolineSliceSize, base, rng)
	if err != nil {
		return nil, err
	}
	w.Reset(slice.PC)
	if err := emit(w); err != nil {
		alloc.Free(slice) //nolint:errcheck
		return nil, err
	}
	if err := mem.PatchCode(slice.PC, w.Bytes()); err != nil {
		alloc.Free(slice) //nolint:errcheck
		return nil, errors.Wrap(ErrPatchRejected, err.Error())
	}
	return slice, nil
}
