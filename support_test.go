package armhook

// support_test.go - synthetic address space and allocator for tests
//
// Tests never need executable pages: code lives in a sparse fake
// memory keyed by address, and the fake allocator hands out slices at
// chosen fake PCs.

import "encoding/binary"

type fakeMemory struct {
	bytes map[uintptr]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uintptr]byte)}
}

func (m *fakeMemory) Read(addr uintptr, out []byte) error {
	for i := range out {
		out[i] = m.bytes[addr+uintptr(i)]
	}
	return nil
}

func (m *fakeMemory) PatchCode(addr uintptr, code []byte) error {
	for i, b := range code {
		m.bytes[addr+uintptr(i)] = b
	}
	return nil
}

func (m *fakeMemory) putU16(addr uintptr, hws ...uint16) uintptr {
	for _, hw := range hws {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], hw)
		m.PatchCode(addr, buf[:])
		addr += 2
	}
	return addr
}

func (m *fakeMemory) putU32(addr uintptr, words ...uint32) uintptr {
	for _, word := range words {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], word)
		m.PatchCode(addr, buf[:])
		addr += 4
	}
	return addr
}

func (m *fakeMemory) u16At(addr uintptr) uint16 {
	var buf [2]byte
	m.Read(addr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (m *fakeMemory) u32At(addr uintptr) uint32 {
	var buf [4]byte
	m.Read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// fakeAllocator hands out slices at synthetic PCs far from the usual
// test targets. Near requests land nearStep above the reachability
// base unless failNear is set.
type fakeAllocator struct {
	next     uintptr
	nearStep uintptr
	failNear bool
	allocs   []*CodeSlice
	freed    []*CodeSlice
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 0x4000000, nearStep: 0x100000}
}

func (a *fakeAllocator) Alloc(size int, base, rng uintptr) (*CodeSlice, error) {
	var slice *CodeSlice
	if rng != 0 {
		if a.failNear || a.nearStep+uintptr(size) > rng {
			return nil, ErrSliceUnreachable
		}
		slice = &CodeSlice{PC: base + a.nearStep, Size: size}
		a.nearStep += 0x1000
	} else {
		slice = &CodeSlice{PC: a.next, Size: size}
		a.next += 0x1000
	}
	a.allocs = append(a.allocs, slice)
	return slice, nil
}

func (a *fakeAllocator) Free(slice *CodeSlice) error {
	a.freed = append(a.freed, slice)
	return nil
}

var testThunks = StaticThunks{
	Enter:     0x700000,
	Leave:     0x700100,
	InsnLeave: 0x700200,
	DBI:       0x700300,
}

func newTestBackend() (*InterceptorBackend, *fakeMemory, *fakeAllocator) {
	mem := newFakeMemory()
	alloc := newFakeAllocator()
	backend, err := NewInterceptorBackend(alloc, mem, testThunks)
	if err != nil {
		panic(err)
	}
	return backend, mem, alloc
}
