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

import "fmt"

// TCA is an address inside the translation cache. Zero means "no code".
type TCA uintptr

// FuncID identifies a function registered in the FuncTable.
type FuncID uint32

// InvalidFuncID is never handed out by RegisterFunc.
const InvalidFuncID FuncID = 0

// TransID numbers translations in creation order.
type TransID int32

// InvalidTransID marks a missing translation id.
const InvalidTransID TransID = -1

// TransKind tags a translation with the tier that produced it.
type TransKind uint8

const (
	TransInterp   TransKind = iota // no code, interpreter only
	TransLive                      // tracelet compiled without profiling
	TransProfile                   // instrumented code in the prof section
	TransOptimize                  // region compiled from profile data
	TransPrologue                  // function entry prologue
)

func (k TransKind) String() string {
	switch k {
	case TransInterp:
		return "Interp"
	case TransLive:
		return "Live"
	case TransProfile:
		return "Profile"
	case TransOptimize:
		return "Optimize"
	case TransPrologue:
		return "Prologue"
	}
	return fmt.Sprintf("TransKind(%d)", uint8(k))
}

// TransFlags are passed through to the translator untouched.
type TransFlags uint64

const (
	// FlagNoProfiledFallthrough asks the translator not to emit a profiling
	// fallthrough for the new translation.
	FlagNoProfiledFallthrough TransFlags = 1 << iota
	// FlagForceLive skips the profiling tier for this request.
	FlagForceLive
)

// SrcKey identifies a point in source-level code. It is a plain value and
// compares structurally.
type SrcKey struct {
	Func    FuncID
	Offset  int32
	Resumed bool
}

const srcKeyOffsetMask = 0x7fffffff

// Valid reports whether the key names a real function.
func (sk SrcKey) Valid() bool {
	return sk.Func != InvalidFuncID
}

// ToAtomicInt packs the key into one register-sized word:
// func id in the upper 32 bits, offset in bits 1..31, resumed flag in bit 0.
func (sk SrcKey) ToAtomicInt() uint64 {
	v := uint64(sk.Func)<<32 | uint64(uint32(sk.Offset)&srcKeyOffsetMask)<<1
	if sk.Resumed {
		v |= 1
	}
	return v
}

// SrcKeyFromAtomicInt is the inverse of ToAtomicInt.
func SrcKeyFromAtomicInt(v uint64) SrcKey {
	return SrcKey{
		Func:    FuncID(v >> 32),
		Offset:  int32((v >> 1) & srcKeyOffsetMask),
		Resumed: v&1 != 0,
	}
}

// FuncPtr resolves the key's function through the global FuncTable.
func (sk SrcKey) FuncPtr() *Func {
	return LookupFunc(sk.Func)
}

func (sk SrcKey) String() string {
	if !sk.Valid() {
		return "SrcKey{invalid}"
	}
	name := fmt.Sprintf("func#%d", sk.Func)
	if f := sk.FuncPtr(); f != nil {
		name = f.Name
	}
	r := ""
	if sk.Resumed {
		r = "r"
	}
	return fmt.Sprintf("%s@%d%s", name, sk.Offset, r)
}

// TransArgs bundles the inputs of a translation request.
type TransArgs struct {
	SK    SrcKey
	Flags TransFlags
}
