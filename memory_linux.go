//go:build linux

package armhook

// memory_linux.go - process memory access via mprotect
//
// Patching briefly makes the containing pages writable, copies the
// bytes, restores r-x and flushes the instruction cache over the
// range. Reads are plain loads; the target is our own address space.

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// armCacheflushTrap is the ARM-private cacheflush syscall
// (__ARM_NR_cacheflush). Only meaningful on 32-bit ARM kernels.
const armCacheflushTrap = 0x0f0002

// ProcessMemory implements Memory over the current process image.
type ProcessMemory struct{}

// NewProcessMemory returns the live-process Memory implementation.
func NewProcessMemory() *ProcessMemory {
	return &ProcessMemory{}
}

func (m *ProcessMemory) Read(addr uintptr, out []byte) error {
	for i := range out {
		out[i] = *(*byte)(unsafe.Pointer(addr + uintptr(i)))
	}
	return nil
}

func (m *ProcessMemory) PatchCode(addr uintptr, code []byte) error {
	if len(code) == 0 {
		return nil
	}
	pageSize := uintptr(unix.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + uintptr(len(code)) + pageSize - 1) &^ (pageSize - 1)
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "mprotect rwx")
	}
	for i, b := range code {
		*(*byte)(unsafe.Pointer(addr + uintptr(i))) = b
	}
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "mprotect rx")
	}
	flushInstructionCache(addr, uintptr(len(code)))
	return nil
}

// flushInstructionCache invalidates the i-cache over [addr, addr+size).
func flushInstructionCache(addr, size uintptr) {
	if runtime.GOARCH != "arm" {
		return
	}
	// int cacheflush(long start, long end, long flags)
	unix.Syscall(armCacheflushTrap, addr, addr+size, 0) //nolint:errcheck
}
