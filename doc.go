// Package armhook is the trampoline-building core of an in-process
// function-hooking engine for 32-bit ARM, covering both the A32 and
// T32 instruction sets.
//
// Given a target address (low bit set for Thumb), the backend picks a
// redirect strategy that fits the space available at the patch site,
// relocates the displaced prologue so its PC-relative operands keep
// their meaning at the new address, assembles the small stubs that
// bridge between the patch site, the shared thunks and the original
// code, and finally writes the redirect over the target.
//
// The executable-memory allocator, the page-patch primitive and the
// context-saving thunks are collaborators behind the Allocator, Memory
// and Thunker interfaces; default implementations for live processes
// are provided for linux (the page allocator on 32-bit ARM linux,
// where the mmap2 syscall it is built on exists).
package armhook
