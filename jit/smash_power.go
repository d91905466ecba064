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

// ppc64Decoder handles both ppc64 (big endian) and ppc64le instruction words.
//
// b/bl only reach +-32MiB, less than a code cache may span, so every
// smashable form loads its target from an 8 byte aligned literal and
// branches through ctr. The literal is found through the link register:
//
//	jmp  (a%8 == 4): mflr r0; bcl 20,31,+4; mflr r12; mtlr r0;
//	                 ld r12,20(r12); mtctr r12; bctr; .quad target
//	call (a%8 == 0): bcl 20,31,+4; mflr r12; ld r12,20(r12); mtctr r12;
//	                 bctrl; b +12; .quad target
//	jcc  (a%8 == 0): bc !cc,+40; jmp
type ppc64Decoder struct {
	little bool
	order  binary.ByteOrder
}

func newPPC64Decoder(little bool) ppc64Decoder {
	if little {
		return ppc64Decoder{little: true, order: binary.LittleEndian}
	}
	return ppc64Decoder{little: false, order: binary.BigEndian}
}

const (
	ppc64OpBC = 16 // bc, B-form

	ppc64MflrR0   = 0x7C0802A6
	ppc64MtlrR0   = 0x7C0803A6
	ppc64Bcl      = 0x429F0005 // bcl 20,31,+4
	ppc64MflrR12  = 0x7D8802A6
	ppc64LdR12    = 0xE98C0000 // ld r12, ds(r12)
	ppc64LdMask   = 0xFFFF0003
	ppc64MtctrR12 = 0x7D8903A6
	ppc64Bctr     = 0x4E800420
	ppc64Bctrl    = 0x4E800421
	ppc64BSkip    = 0x4800000C // b +12
	ppc64Nop      = 0x60000000 // ori 0,0,0
	ppc64Trap     = 0x7FE00008 // tw 31,0,0

	ppc64JmpLen       = 36
	ppc64CallLen      = 32
	ppc64JccLen       = 4 + ppc64JmpLen
	ppc64FuncGuardLen = 16 + ppc64JccLen
)

// BO/BI pairs that branch when the condition holds (cr0)
var ppc64CondBOBI = [...][2]uint32{
	CondEQ: {12, 2},
	CondNE: {4, 2},
	CondLT: {12, 0},
	CondGE: {4, 0},
}

func (d ppc64Decoder) Name() string {
	if d.little {
		return "ppc64le"
	}
	return "ppc64"
}

func (d ppc64Decoder) word(a TCA) uint32 {
	return load32(a, d.order)
}

func (d ppc64Decoder) isJmp(a TCA) bool {
	return d.word(a) == ppc64MflrR0 && d.word(a+4) == ppc64Bcl && d.word(a+8) == ppc64MflrR12 &&
		d.word(a+12) == ppc64MtlrR0 && d.word(a+16)&ppc64LdMask == ppc64LdR12 &&
		d.word(a+20) == ppc64MtctrR12 && d.word(a+24) == ppc64Bctr
}

func (d ppc64Decoder) isCall(a TCA) bool {
	return d.word(a) == ppc64Bcl && d.word(a+4) == ppc64MflrR12 && d.word(a+8)&ppc64LdMask == ppc64LdR12 &&
		d.word(a+12) == ppc64MtctrR12 && d.word(a+16) == ppc64Bctrl && d.word(a+20) == ppc64BSkip
}

func (d ppc64Decoder) Classify(a TCA) BranchKind {
	if a&3 != 0 {
		return BranchUnknown
	}
	switch {
	case d.isJmp(a):
		return BranchJmp
	case d.isCall(a):
		return BranchCall
	case d.word(a)>>26 == ppc64OpBC && d.word(a)&0xFFFF == ppc64JccLen && d.isJmp(a+4):
		return BranchJcc
	}
	return BranchUnknown
}

// literal returns the address the ld at ldAt reads; base is where the
// preceding bcl left the link register.
func (d ppc64Decoder) literal(base, ldAt TCA) TCA {
	return base + TCA(int16(d.word(ldAt)&0xFFFC))
}

func (d ppc64Decoder) jmpLiteral(a TCA) TCA  { return d.literal(a+8, a+16) }
func (d ppc64Decoder) callLiteral(a TCA) TCA { return d.literal(a+4, a+8) }

func (d ppc64Decoder) expect(a TCA, kind BranchKind) {
	if k := d.Classify(a); k != kind {
		fatalf("%s: expected %s at %#x, found %s", d.Name(), kind, uintptr(a), k)
	}
}

func (d ppc64Decoder) JmpTarget(a TCA) TCA {
	d.expect(a, BranchJmp)
	return TCA(load64(d.jmpLiteral(a), d.order))
}

func (d ppc64Decoder) JccTarget(a TCA) TCA {
	d.expect(a, BranchJcc)
	return TCA(load64(d.jmpLiteral(a+4), d.order))
}

func (d ppc64Decoder) CallTarget(a TCA) TCA {
	d.expect(a, BranchCall)
	return TCA(load64(d.callLiteral(a), d.order))
}

func (d ppc64Decoder) SmashJmp(a, target TCA) {
	d.expect(a, BranchJmp)
	store64(d.jmpLiteral(a), uint64(target), d.order)
}

func (d ppc64Decoder) SmashJcc(a, target TCA) {
	d.expect(a, BranchJcc)
	store64(d.jmpLiteral(a+4), uint64(target), d.order)
}

func (d ppc64Decoder) SmashCall(a, target TCA) {
	d.expect(a, BranchCall)
	store64(d.callLiteral(a), uint64(target), d.order)
}

func (d ppc64Decoder) alignTo(w *CodeWriter, rem TCA) {
	for w.Ptr&7 != rem {
		d.EmitPad(w)
	}
}

func (d ppc64Decoder) EmitSmashableJmp(w *CodeWriter, target TCA) TCA {
	d.alignTo(w, 4)
	at := w.Ptr
	w.emitU32(ppc64MflrR0, d.little)    // mflr r0
	w.emitU32(ppc64Bcl, d.little)       // bcl 20,31,+4
	w.emitU32(ppc64MflrR12, d.little)   // mflr r12
	w.emitU32(ppc64MtlrR0, d.little)    // mtlr r0
	w.emitU32(ppc64LdR12|20, d.little)  // ld r12, 20(r12)
	w.emitU32(ppc64MtctrR12, d.little)  // mtctr r12
	w.emitU32(ppc64Bctr, d.little)      // bctr
	w.emitU64(uint64(target), d.little) // .quad target
	return at
}

func (d ppc64Decoder) EmitSmashableCall(w *CodeWriter, target TCA) TCA {
	d.alignTo(w, 0)
	at := w.Ptr
	w.emitU32(ppc64Bcl, d.little)       // bcl 20,31,+4
	w.emitU32(ppc64MflrR12, d.little)   // mflr r12
	w.emitU32(ppc64LdR12|20, d.little)  // ld r12, 20(r12)
	w.emitU32(ppc64MtctrR12, d.little)  // mtctr r12
	w.emitU32(ppc64Bctrl, d.little)     // bctrl
	w.emitU32(ppc64BSkip, d.little)     // b +12 (skip literal)
	w.emitU64(uint64(target), d.little) // .quad target
	return at
}

func (d ppc64Decoder) EmitSmashableJcc(w *CodeWriter, cc Cond, target TCA) TCA {
	d.alignTo(w, 0)
	at := w.Ptr
	bobi := ppc64CondBOBI[cc.Invert()]
	w.emitU32(ppc64OpBC<<26|bobi[0]<<21|bobi[1]<<16|ppc64JccLen, d.little) // bc !cc, +40
	d.EmitSmashableJmp(w, target)
	return at
}

func (d ppc64Decoder) EmitFuncGuard(w *CodeWriter, f FuncID, redispatch TCA) TCA {
	d.alignTo(w, 0)
	start := w.Ptr
	w.emitU32(0xE99F0010, d.little)                  // ld r12, 16(r31)
	w.emitU32(0x3D600000|uint32(f)>>16, d.little)    // lis r11, hi16
	w.emitU32(0x616B0000|uint32(f)&0xFFFF, d.little) // ori r11, r11, lo16
	w.emitU32(0x7C2C5800, d.little)                  // cmpd r12, r11
	d.EmitSmashableJcc(w, CondNE, redispatch)
	if w.Ptr-start != ppc64FuncGuardLen {
		fatalf("%s: func guard is %d bytes", d.Name(), w.Ptr-start)
	}
	return w.Ptr
}

func (ppc64Decoder) FuncGuardLen() int { return ppc64FuncGuardLen }

func (d ppc64Decoder) FuncGuardFunc(guard TCA) FuncID {
	lis, ori := d.word(guard+4), d.word(guard+8)
	if lis&0xFFFF0000 != 0x3D600000 || ori&0xFFFF0000 != 0x616B0000 {
		fatalf("%s: no func guard at %#x", d.Name(), uintptr(guard))
	}
	return FuncID(lis&0xFFFF<<16 | ori&0xFFFF)
}

func (d ppc64Decoder) EmitTrap(w *CodeWriter) { w.emitU32(ppc64Trap, d.little) }
func (d ppc64Decoder) EmitPad(w *CodeWriter)  { w.emitU32(ppc64Nop, d.little) }
