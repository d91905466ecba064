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
	"math"
)

type x64Decoder struct{}

const (
	x64JmpLen  = 5 // E9 rel32
	x64CallLen = 5 // E8 rel32
	x64JccLen  = 6 // 0F 8x rel32

	x64FuncGuardLen = 20
)

var x64CondCodes = [...]byte{
	CondEQ: 0x4,
	CondNE: 0x5,
	CondLT: 0xC,
	CondGE: 0xD,
}

func (x64Decoder) Name() string { return "x64" }

func (x64Decoder) Classify(a TCA) BranchKind {
	switch b := byteAt(a); b {
	case 0xE9:
		return BranchJmp
	case 0xE8:
		return BranchCall
	case 0x0F:
		if byteAt(a+1)&0xF0 == 0x80 {
			return BranchJcc
		}
	}
	return BranchUnknown
}

func x64RelTarget(a TCA, opLen int) TCA {
	rel := int32(load32(a+TCA(opLen-4), binary.LittleEndian))
	return TCA(int64(a) + int64(opLen) + int64(rel))
}

func x64SmashRel(a, target TCA, opLen int) {
	rel := int64(target) - (int64(a) + int64(opLen))
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		fatalf("x64: target %#x out of rel32 range from %#x", uintptr(target), uintptr(a))
	}
	store32(a+TCA(opLen-4), uint32(int32(rel)), binary.LittleEndian)
}

func (d x64Decoder) JmpTarget(a TCA) TCA {
	if byteAt(a) != 0xE9 {
		fatalf("x64: no jmp at %#x", uintptr(a))
	}
	return x64RelTarget(a, x64JmpLen)
}

func (d x64Decoder) JccTarget(a TCA) TCA {
	if d.Classify(a) != BranchJcc {
		fatalf("x64: no jcc at %#x", uintptr(a))
	}
	return x64RelTarget(a, x64JccLen)
}

func (d x64Decoder) CallTarget(a TCA) TCA {
	if byteAt(a) != 0xE8 {
		fatalf("x64: no call at %#x", uintptr(a))
	}
	return x64RelTarget(a, x64CallLen)
}

func (d x64Decoder) SmashJmp(a, target TCA) {
	if byteAt(a) != 0xE9 {
		fatalf("x64: smashing non-jmp at %#x", uintptr(a))
	}
	x64SmashRel(a, target, x64JmpLen)
}

func (d x64Decoder) SmashJcc(a, target TCA) {
	if d.Classify(a) != BranchJcc {
		fatalf("x64: smashing non-jcc at %#x", uintptr(a))
	}
	x64SmashRel(a, target, x64JccLen)
}

func (d x64Decoder) SmashCall(a, target TCA) {
	if byteAt(a) != 0xE8 {
		fatalf("x64: smashing non-call at %#x", uintptr(a))
	}
	x64SmashRel(a, target, x64CallLen)
}

// alignOperand pads with nops until the rel32 that follows opLen-4 bytes of
// opcode starts on a 4 byte boundary.
func (d x64Decoder) alignOperand(w *CodeWriter, opLen int) {
	for (w.Ptr+TCA(opLen-4))&3 != 0 {
		d.EmitPad(w)
	}
}

func (d x64Decoder) emitRel(w *CodeWriter, opLen int, target TCA, opcode ...byte) TCA {
	d.alignOperand(w, opLen)
	at := w.Ptr
	w.emitBytes(opcode...)
	w.emitU32(0, true)
	x64SmashRel(at, target, opLen)
	return at
}

func (d x64Decoder) EmitSmashableJmp(w *CodeWriter, target TCA) TCA {
	return d.emitRel(w, x64JmpLen, target, 0xE9) // jmp rel32
}

func (d x64Decoder) EmitSmashableCall(w *CodeWriter, target TCA) TCA {
	return d.emitRel(w, x64CallLen, target, 0xE8) // call rel32
}

func (d x64Decoder) EmitSmashableJcc(w *CodeWriter, cc Cond, target TCA) TCA {
	return d.emitRel(w, x64JccLen, target, 0x0F, 0x80|x64CondCodes[cc]) // jcc rel32
}

func (d x64Decoder) EmitFuncGuard(w *CodeWriter, f FuncID, redispatch TCA) TCA {
	for w.Ptr&3 != 0 {
		d.EmitPad(w)
	}
	start := w.Ptr
	w.emitBytes(0x49, 0xBB)             // mov r11, imm64
	w.emitU64(uint64(f), true)          //   func id
	w.emitBytes(0x4C, 0x39, 0x5D, 0x10) // cmp [rbp+0x10], r11
	d.EmitSmashableJcc(w, CondNE, redispatch)
	if w.Ptr-start != x64FuncGuardLen {
		fatalf("x64: func guard is %d bytes", w.Ptr-start)
	}
	return w.Ptr
}

func (x64Decoder) FuncGuardLen() int { return x64FuncGuardLen }

func (x64Decoder) FuncGuardFunc(guard TCA) FuncID {
	if byteAt(guard) != 0x49 || byteAt(guard+1) != 0xBB {
		fatalf("x64: no func guard at %#x", uintptr(guard))
	}
	return FuncID(binary.LittleEndian.Uint64(bytesAt(guard+2, 8)))
}

func (x64Decoder) EmitTrap(w *CodeWriter) { w.emitByte(0xCC) } // int3
func (x64Decoder) EmitPad(w *CodeWriter)  { w.emitByte(0x90) } // nop
