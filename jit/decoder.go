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
	"fmt"
	"runtime"
)

/*
Smashable instructions
======================

A smashable instruction is a jmp, jcc or call whose target operand can be
replaced while other threads execute it. Each architecture lays these out so
the operand is one naturally aligned 32 or 64 bit unit:

  x64:   jmp/call rel32, jcc rel32; the rel32 is padded to a 4 byte boundary
  arm64: ldr x17, <literal>; br/blr x17; the literal is 8 byte aligned.
         jcc is b.<!cc> over a smashable jmp
  ppc64: the target is an 8 byte aligned literal loaded through the link
         register and branched to via ctr; b/bl would only reach 32MiB.
         jcc is bc <!cc> over a smashable jmp

The Decoder answers "what is at this address" for code produced by its own
emitters and rewrites the target. One Decoder is selected at startup; the
rest of the package never switches on the architecture.
*/

// BranchKind classifies a patch site.
type BranchKind uint8

const (
	BranchUnknown BranchKind = iota
	BranchJmp
	BranchJcc
	BranchCall
)

func (k BranchKind) String() string {
	switch k {
	case BranchJmp:
		return "jmp"
	case BranchJcc:
		return "jcc"
	case BranchCall:
		return "call"
	}
	return "unknown"
}

// Cond is an architecture independent branch condition.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondGE
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	}
	return CondLT
}

// Decoder is the per-architecture instruction classifier and rewriter.
type Decoder interface {
	Name() string

	// Classify looks at the instruction at a. Unknown is only returned for
	// bytes that are not a smashable form.
	Classify(a TCA) BranchKind
	JmpTarget(a TCA) TCA
	JccTarget(a TCA) TCA
	CallTarget(a TCA) TCA
	SmashJmp(a, target TCA)
	SmashJcc(a, target TCA)
	SmashCall(a, target TCA)

	// emitters; each returns the address of the emitted instruction
	EmitSmashableJmp(w *CodeWriter, target TCA) TCA
	EmitSmashableJcc(w *CodeWriter, cc Cond, target TCA) TCA
	EmitSmashableCall(w *CodeWriter, target TCA) TCA

	// EmitFuncGuard emits a check of the callee frame's function against f
	// that falls through into the prologue emitted right after it and
	// branches to redispatch on mismatch. The guard is exactly
	// FuncGuardLen bytes long and ends at the returned prologue address.
	EmitFuncGuard(w *CodeWriter, f FuncID, redispatch TCA) (prologue TCA)
	FuncGuardLen() int
	// FuncGuardFunc reads back the function a guard checks for.
	FuncGuardFunc(guard TCA) FuncID

	EmitTrap(w *CodeWriter) // smallest instruction that faults
	EmitPad(w *CodeWriter)  // smallest no-op
}

// SelectDecoder picks the decoder for an architecture name. An empty name
// selects the host architecture.
func SelectDecoder(arch string) (Decoder, error) {
	if arch == "" {
		arch = runtime.GOARCH
	}
	switch arch {
	case "amd64", "x64", "x86_64":
		return x64Decoder{}, nil
	case "arm64", "aarch64":
		return arm64Decoder{}, nil
	case "ppc64le":
		return newPPC64Decoder(true), nil
	case "ppc64":
		return newPPC64Decoder(false), nil
	}
	return nil, fmt.Errorf("no instruction decoder for architecture %q", arch)
}

// FuncGuardFromPrologue returns the guarded entry for a prologue.
func FuncGuardFromPrologue(d Decoder, prologue TCA) TCA {
	return prologue - TCA(d.FuncGuardLen())
}

// smashableTarget reads the current target of a call or branch site of any
// kind; used where the caller already knows the kind.
func smashableTarget(d Decoder, kind BranchKind, a TCA) TCA {
	switch kind {
	case BranchJmp:
		return d.JmpTarget(a)
	case BranchJcc:
		return d.JccTarget(a)
	case BranchCall:
		return d.CallTarget(a)
	}
	fatalf("%s: cannot read target of %s at %#x", d.Name(), kind, uintptr(a))
	return 0
}

func smash(d Decoder, kind BranchKind, a, target TCA) {
	switch kind {
	case BranchJmp:
		d.SmashJmp(a, target)
	case BranchJcc:
		d.SmashJcc(a, target)
	case BranchCall:
		d.SmashCall(a, target)
	default:
		fatalf("%s: cannot smash %s at %#x", d.Name(), kind, uintptr(a))
	}
}
