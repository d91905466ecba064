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

import "encoding/binary"

type arm64Decoder struct{}

// instruction words (x17 is the intra-procedure scratch register)
const (
	arm64LdrX17Lit = 0x58000011 // ldr x17, <pc+imm19*4>
	arm64LdrLitMsk = 0xFF00001F
	arm64BrX17     = 0xD61F0220 // br x17
	arm64BlrX17    = 0xD63F0220 // blr x17
	arm64BCond     = 0x54000000 // b.cond <pc+imm19*4>
	arm64BCondMsk  = 0xFF000010
	arm64B         = 0x14000000 // b <pc+imm26*4>
	arm64Nop       = 0xD503201F
	arm64Brk       = 0xD4200000 // brk #0

	arm64JmpLen       = 16 // ldr, br, .quad
	arm64CallLen      = 20 // ldr, blr, b over, .quad
	arm64JccLen       = 20 // b.!cc over, ldr, br, .quad
	arm64FuncGuardLen = 36
)

var arm64CondCodes = [...]uint32{
	CondEQ: 0x0,
	CondNE: 0x1,
	CondLT: 0xB,
	CondGE: 0xA,
}

func (arm64Decoder) Name() string { return "arm64" }

func arm64Word(a TCA) uint32 {
	return load32(a, binary.LittleEndian)
}

// arm64Literal returns the address loaded by the ldr literal at a.
func arm64Literal(a TCA) TCA {
	w := arm64Word(a)
	if w&arm64LdrLitMsk != arm64LdrX17Lit {
		fatalf("arm64: no ldr x17 literal at %#x (%08x)", uintptr(a), w)
	}
	imm19 := (w >> 5) & 0x7FFFF
	return a + TCA(imm19*4)
}

func (arm64Decoder) Classify(a TCA) BranchKind {
	w0 := arm64Word(a)
	if w0&arm64BCondMsk == arm64BCond {
		if arm64Word(a+4)&arm64LdrLitMsk == arm64LdrX17Lit && arm64Word(a+8) == arm64BrX17 {
			return BranchJcc
		}
		return BranchUnknown
	}
	if w0&arm64LdrLitMsk == arm64LdrX17Lit {
		switch arm64Word(a + 4) {
		case arm64BrX17:
			return BranchJmp
		case arm64BlrX17:
			return BranchCall
		}
	}
	return BranchUnknown
}

func (d arm64Decoder) expect(a TCA, kind BranchKind) {
	if k := d.Classify(a); k != kind {
		fatalf("arm64: expected %s at %#x, found %s", kind, uintptr(a), k)
	}
}

func (d arm64Decoder) JmpTarget(a TCA) TCA {
	d.expect(a, BranchJmp)
	return TCA(load64(arm64Literal(a), binary.LittleEndian))
}

func (d arm64Decoder) JccTarget(a TCA) TCA {
	d.expect(a, BranchJcc)
	return TCA(load64(arm64Literal(a+4), binary.LittleEndian))
}

func (d arm64Decoder) CallTarget(a TCA) TCA {
	d.expect(a, BranchCall)
	return TCA(load64(arm64Literal(a), binary.LittleEndian))
}

func (d arm64Decoder) SmashJmp(a, target TCA) {
	d.expect(a, BranchJmp)
	store64(arm64Literal(a), uint64(target), binary.LittleEndian)
}

func (d arm64Decoder) SmashJcc(a, target TCA) {
	d.expect(a, BranchJcc)
	store64(arm64Literal(a+4), uint64(target), binary.LittleEndian)
}

func (d arm64Decoder) SmashCall(a, target TCA) {
	d.expect(a, BranchCall)
	store64(arm64Literal(a), uint64(target), binary.LittleEndian)
}

func (d arm64Decoder) alignTo(w *CodeWriter, rem TCA) {
	for w.Ptr&7 != rem {
		d.EmitPad(w)
	}
}

func (d arm64Decoder) EmitSmashableJmp(w *CodeWriter, target TCA) TCA {
	d.alignTo(w, 0)
	at := w.Ptr
	w.emitU32(arm64LdrX17Lit|2<<5, true) // ldr x17, [pc+8]
	w.emitU32(arm64BrX17, true)          // br x17
	w.emitU64(uint64(target), true)      // .quad target
	return at
}

func (d arm64Decoder) EmitSmashableCall(w *CodeWriter, target TCA) TCA {
	d.alignTo(w, 4)
	at := w.Ptr
	w.emitU32(arm64LdrX17Lit|3<<5, true) // ldr x17, [pc+12]
	w.emitU32(arm64BlrX17, true)         // blr x17
	w.emitU32(arm64B|3, true)            // b +12 (skip literal)
	w.emitU64(uint64(target), true)      // .quad target
	return at
}

func (d arm64Decoder) EmitSmashableJcc(w *CodeWriter, cc Cond, target TCA) TCA {
	d.alignTo(w, 4)
	at := w.Ptr
	w.emitU32(arm64BCond|5<<5|arm64CondCodes[cc.Invert()], true) // b.!cc +20
	w.emitU32(arm64LdrX17Lit|2<<5, true)                          // ldr x17, [pc+8]
	w.emitU32(arm64BrX17, true)                                   // br x17
	w.emitU64(uint64(target), true)                               // .quad target
	return at
}

func (d arm64Decoder) EmitFuncGuard(w *CodeWriter, f FuncID, redispatch TCA) TCA {
	d.alignTo(w, 4)
	start := w.Ptr
	w.emitU32(0xF9400BB0, true)                           // ldr x16, [x29, #16]
	w.emitU32(0xD2800011|(uint32(f)&0xFFFF)<<5, true)     // movz x17, #lo16
	w.emitU32(0xF2A00011|(uint32(f)>>16&0xFFFF)<<5, true) // movk x17, #hi16, lsl #16
	w.emitU32(0xEB11021F, true)                           // cmp x16, x17
	d.EmitSmashableJcc(w, CondNE, redispatch)
	if w.Ptr-start != arm64FuncGuardLen {
		fatalf("arm64: func guard is %d bytes", w.Ptr-start)
	}
	return w.Ptr
}

func (arm64Decoder) FuncGuardLen() int { return arm64FuncGuardLen }

func (arm64Decoder) FuncGuardFunc(guard TCA) FuncID {
	movz, movk := arm64Word(guard+4), arm64Word(guard+8)
	if movz&0xFFE0001F != 0xD2800011 || movk&0xFFE0001F != 0xF2A00011 {
		fatalf("arm64: no func guard at %#x", uintptr(guard))
	}
	return FuncID((movz>>5)&0xFFFF | ((movk>>5)&0xFFFF)<<16)
}

func (arm64Decoder) EmitTrap(w *CodeWriter) { w.emitU32(arm64Brk, true) }
func (arm64Decoder) EmitPad(w *CodeWriter)  { w.emitU32(arm64Nop, true) }
