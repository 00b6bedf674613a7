//go:build linux && arm

package armhook

// alloc_linux.go - executable page allocator
//
// Slices are carved out of anonymous mappings. The mappings are made
// with the raw mmap2 syscall because near requests need an address
// hint, which the wrapped unix.Mmap cannot pass; freed slices go on a
// free-list and are handed out again for later requests of the same
// size.

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageAllocator implements Allocator over anonymous rwx mappings; the
// patch primitive narrows committed stubs back to r-x.
type PageAllocator struct {
	mu       sync.Mutex
	pageBase uintptr
	pageLen  int
	pageOff  int
	freelist map[int][]*CodeSlice
}

// NewPageAllocator probes that executable pages can be mapped at all
// and returns the allocator, or an error when the platform refuses.
func NewPageAllocator() (*PageAllocator, error) {
	a := &PageAllocator{freelist: make(map[int][]*CodeSlice)}
	base, err := mmapExec(0, uintptr(unix.Getpagesize()))
	if err != nil {
		return nil, errors.Wrap(ErrRXPagesUnavailable, err.Error())
	}
	a.pageBase = base
	a.pageLen = unix.Getpagesize()
	return a, nil
}

// mmapExec maps one span of anonymous rwx memory, around hint when one
// is given. mmap2 takes its offset in pages; it is zero either way.
func mmapExec(hint, length uintptr) (uintptr, error) {
	prot := uintptr(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC)
	flags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP2, hint, length, prot, flags, ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func munmapSpan(addr, length uintptr) {
	unix.Syscall(unix.SYS_MUNMAP, addr, length, 0) //nolint:errcheck
}

// Alloc hands out a slice, preferring the free-list, then the current
// page. Near requests map fresh pages around base until one lands in
// range.
func (a *PageAllocator) Alloc(size int, base, rng uintptr) (*CodeSlice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size = (size + 3) &^ 3
	if rng == 0 {
		if cached := a.freelist[size]; len(cached) > 0 {
			slice := cached[len(cached)-1]
			a.freelist[size] = cached[:len(cached)-1]
			return slice, nil
		}
		return a.carve(size)
	}
	return a.allocNear(size, base, rng)
}

func (a *PageAllocator) carve(size int) (*CodeSlice, error) {
	if a.pageOff+size > a.pageLen {
		pageSize := unix.Getpagesize()
		mapped, err := mmapExec(0, uintptr(pageSize))
		if err != nil {
			return nil, errors.Wrap(ErrRXPagesUnavailable, err.Error())
		}
		a.pageBase = mapped
		a.pageLen = pageSize
		a.pageOff = 0
	}
	slice := &CodeSlice{PC: a.pageBase + uintptr(a.pageOff), Size: size}
	a.pageOff += size
	return slice, nil
}

func (a *PageAllocator) allocNear(size int, base, rng uintptr) (*CodeSlice, error) {
	pageSize := uintptr(unix.Getpagesize())
	// Walk hint addresses outward from the target. The kernel treats
	// the hint as advisory, so every returned address is checked
	// against the window before it is accepted.
	for step := pageSize; step < rng; step += 64 * pageSize {
		for _, hint := range []uintptr{base + step, base - step} {
			mapped, err := mmapExec(hint&^(pageSize-1), pageSize)
			if err != nil {
				continue
			}
			if distance(mapped, base) <= rng && distance(mapped+uintptr(size), base) <= rng {
				return &CodeSlice{PC: mapped, Size: size}, nil
			}
			munmapSpan(mapped, pageSize)
		}
	}
	return nil, errors.Wrapf(ErrSliceUnreachable, "base %#x range %#x", base, rng)
}

// Free returns a slice to the free-list for reuse.
func (a *PageAllocator) Free(slice *CodeSlice) error {
	if slice == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freelist[slice.Size] = append(a.freelist[slice.Size], slice)
	return nil
}
