package armhook

// memory.go - access to the hooked process image
//
// Every read of target bytes and every committed patch goes through
// Memory, so the whole builder can run against a synthetic address
// space in tests.

import "encoding/binary"

// Memory reads code bytes from the process image and commits patched
// bytes back with whatever permission juggling and cache maintenance
// the platform requires.
type Memory interface {
	Read(addr uintptr, out []byte) error
	// PatchCode writes code bytes at addr. The implementation is
	// responsible for transient write permission and for invalidating
	// the instruction cache over the patched range.
	PatchCode(addr uintptr, code []byte) error
}

func readU16(mem Memory, addr uintptr) (uint16, error) {
	var buf [2]byte
	if err := mem.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readU32(mem Memory, addr uintptr) (uint32, error) {
	var buf [4]byte
	if err := mem.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
