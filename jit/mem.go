/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package jit

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

/*
Raw access to code memory.

The code arena is mmap'd outside the Go heap, so TCAs can be turned into
pointers directly. Anything that may be read by another thread while it is
rewritten goes through the atomic helpers; every patchable operand is laid
out at its natural alignment so one store replaces it as a whole.
*/

// FatalError is panicked on invariant violations that must not be papered
// over, e.g. a patch site that does not decode as a branch.
type FatalError struct {
	Msg string
}

func (e FatalError) Error() string {
	return "jit: fatal: " + e.Msg
}

func fatalf(format string, args ...any) {
	panic(FatalError{fmt.Sprintf(format, args...)})
}

func byteAt(a TCA) byte {
	return *(*byte)(unsafe.Pointer(a))
}

func bytesAt(a TCA, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a)), n)
}

// load32 reads an aligned word and returns it in the given byte order.
func load32(a TCA, order binary.ByteOrder) uint32 {
	if a&3 != 0 {
		fatalf("unaligned 32 bit access at %#x", uintptr(a))
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], atomic.LoadUint32((*uint32)(unsafe.Pointer(a))))
	return order.Uint32(buf[:])
}

// store32 writes v in the given byte order with a single atomic store.
func store32(a TCA, v uint32, order binary.ByteOrder) {
	if a&3 != 0 {
		fatalf("unaligned 32 bit patch at %#x", uintptr(a))
	}
	var buf [4]byte
	order.PutUint32(buf[:], v)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(a)), binary.NativeEndian.Uint32(buf[:]))
}

func load64(a TCA, order binary.ByteOrder) uint64 {
	if a&7 != 0 {
		fatalf("unaligned 64 bit access at %#x", uintptr(a))
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], atomic.LoadUint64((*uint64)(unsafe.Pointer(a))))
	return order.Uint64(buf[:])
}

func store64(a TCA, v uint64, order binary.ByteOrder) {
	if a&7 != 0 {
		fatalf("unaligned 64 bit patch at %#x", uintptr(a))
	}
	var buf [8]byte
	order.PutUint64(buf[:], v)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(a)), binary.NativeEndian.Uint64(buf[:]))
}

// LoadAddrSlot reads a direct address slot (a TCA stored in code or data).
func LoadAddrSlot(slot TCA) TCA {
	return TCA(load64(slot, binary.NativeEndian))
}

// SmashAddr rewrites a direct address slot.
func SmashAddr(slot, target TCA) {
	store64(slot, uint64(target), binary.NativeEndian)
}
