package armhook

// errors.go - failure taxonomy
//
// Builder steps short-circuit on the first failure; activation is the
// last step, so any of these leaves the target bytes untouched.

import "github.com/pkg/errors"

var (
	// ErrUnsupportedInstruction marks a prologue instruction outside
	// the relocatable subset.
	ErrUnsupportedInstruction = errors.New("instruction not relocatable")

	// ErrUnrelocatablePrologue means even a tiny redirect cannot be
	// placed over the first instructions of the target.
	ErrUnrelocatablePrologue = errors.New("prologue cannot be displaced")

	// ErrSliceUnreachable means the allocator could not provide a code
	// slice within the requested reachability range.
	ErrSliceUnreachable = errors.New("no code slice within reach")

	// ErrPatchRejected means the page-patch primitive refused to
	// commit code bytes, either into a stub slice or the final write
	// at the target.
	ErrPatchRejected = errors.New("code patch rejected")

	// ErrRXPagesUnavailable means the allocator cannot provide
	// executable pages at all.
	ErrRXPagesUnavailable = errors.New("r-x pages unavailable")
)
