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
	"runtime"
	"testing"
)

// offset and width of the patchable operand of each smashable form
var operandLayout = map[string]map[BranchKind][2]int{
	"x64":     {BranchJmp: {1, 4}, BranchCall: {1, 4}, BranchJcc: {2, 4}},
	"arm64":   {BranchJmp: {8, 8}, BranchCall: {12, 8}, BranchJcc: {12, 8}},
	"ppc64le": {BranchJmp: {28, 8}, BranchCall: {24, 8}, BranchJcc: {32, 8}},
	"ppc64":   {BranchJmp: {28, 8}, BranchCall: {24, 8}, BranchJcc: {32, 8}},
}

func TestSmashableRoundTrip(t *testing.T) {
	for _, arch := range testArchs {
		rt, _, _ := newTestRuntime(t, arch)
		d := rt.Arch
		if d.Name() != arch {
			t.Errorf("SelectDecoder(%s) returned %s", arch, d.Name())
		}
		t1, t2 := rt.Stubs.CallToExit, rt.Stubs.ResumeHelper

		for _, kind := range []BranchKind{BranchJmp, BranchJcc, BranchCall} {
			// emit at every start alignment so padding is exercised
			for skew := 0; skew < 8; skew++ {
				w, err := rt.Code.Main.Writer(128)
				if err != nil {
					t.Fatal(err)
				}
				for i := 0; i < skew; i++ {
					d.EmitPad(w)
				}
				var site TCA
				switch kind {
				case BranchJmp:
					site = d.EmitSmashableJmp(w, t1)
				case BranchJcc:
					site = d.EmitSmashableJcc(w, CondEQ, t1)
				case BranchCall:
					site = d.EmitSmashableCall(w, t1)
				}
				layout := operandLayout[arch][kind]
				if (site+TCA(layout[0]))%TCA(layout[1]) != 0 {
					t.Errorf("%s %s at %#x: operand is not %d byte aligned", arch, kind, uintptr(site), layout[1])
				}
				if got := d.Classify(site); got != kind {
					t.Fatalf("%s: Classify(%s) = %s", arch, kind, got)
				}
				if got := smashableTarget(d, kind, site); got != t1 {
					t.Errorf("%s %s: target %#x, expected %#x", arch, kind, uintptr(got), uintptr(t1))
				}
				smash(d, kind, site, t2)
				if got := smashableTarget(d, kind, site); got != t2 {
					t.Errorf("%s %s: after smash target %#x, expected %#x", arch, kind, uintptr(got), uintptr(t2))
				}
				if got := d.Classify(site); got != kind {
					t.Errorf("%s: smash changed the kind of %s to %s", arch, kind, got)
				}
			}
		}
	}
}

func TestSmashWrongKindIsFatal(t *testing.T) {
	for _, arch := range testArchs {
		rt, _, _ := newTestRuntime(t, arch)
		call := emitSite(t, rt, BranchCall, rt.Stubs.CallToExit)
		jmp := emitSite(t, rt, BranchJmp, rt.Stubs.CallToExit)
		expectFatal(t, arch+" SmashJmp on call", func() { rt.Arch.SmashJmp(call, rt.Stubs.ResumeHelper) })
		expectFatal(t, arch+" SmashCall on jmp", func() { rt.Arch.SmashCall(jmp, rt.Stubs.ResumeHelper) })
		expectFatal(t, arch+" JccTarget on jmp", func() { rt.Arch.JccTarget(jmp) })
		if got := rt.Arch.CallTarget(call); got != rt.Stubs.CallToExit {
			t.Errorf("%s: failed smash modified the site", arch)
		}
	}
}

func TestClassifyTrap(t *testing.T) {
	for _, arch := range testArchs {
		rt, _, _ := newTestRuntime(t, arch)
		// unique stubs are filled with traps
		if got := rt.Arch.Classify(rt.Stubs.CallToExit); got != BranchUnknown {
			t.Errorf("%s: trap classified as %s", arch, got)
		}
	}
}

func TestFuncGuard(t *testing.T) {
	for _, arch := range testArchs {
		rt, _, _ := newTestRuntime(t, arch)
		f := testFunc(t, "guarded", 0)
		entry := emitPrologue(t, rt, rt.Code.Main, f)
		guard := FuncGuardFromPrologue(rt.Arch, entry)
		if got := rt.Arch.FuncGuardFunc(guard); got != f.ID {
			t.Errorf("%s: guard checks func#%d, expected func#%d", arch, got, f.ID)
		}
		// the mismatch branch is the last instruction of the guard
		jcc := entry - TCA(operandLayout[arch][BranchJcc][0]+operandLayout[arch][BranchJcc][1])
		if got := rt.Arch.Classify(jcc); got != BranchJcc {
			t.Fatalf("%s: no jcc at the end of the guard, found %s", arch, got)
		}
		if got := rt.Arch.JccTarget(jcc); got != rt.Stubs.FCallHelperThunk {
			t.Errorf("%s: guard redispatches to %#x", arch, uintptr(got))
		}
		expectFatal(t, arch+" FuncGuardFunc on trap", func() { rt.Arch.FuncGuardFunc(rt.Stubs.CallToExit) })
	}
}

func TestSelectDecoder(t *testing.T) {
	if _, err := SelectDecoder("mips"); err == nil {
		t.Error("expected an error for an unsupported architecture")
	}
	switch runtime.GOARCH {
	case "amd64", "arm64", "ppc64", "ppc64le":
		if _, err := SelectDecoder(""); err != nil {
			t.Errorf("host decoder: %v", err)
		}
	}
	for _, alias := range []string{"amd64", "x86_64"} {
		d, err := SelectDecoder(alias)
		if err != nil || d.Name() != "x64" {
			t.Errorf("SelectDecoder(%s) = %v, %v", alias, d, err)
		}
	}
}

func TestAddrSlot(t *testing.T) {
	rt, _, _ := newTestRuntime(t, "arm64")
	slot := emitAddrSlot(t, rt, rt.Stubs.CallToExit)
	if slot&7 != 0 {
		t.Fatalf("address slot %#x is not 8 byte aligned", uintptr(slot))
	}
	if got := LoadAddrSlot(slot); got != rt.Stubs.CallToExit {
		t.Errorf("slot holds %#x", uintptr(got))
	}
	SmashAddr(slot, rt.Stubs.ResumeHelper)
	if got := LoadAddrSlot(slot); got != rt.Stubs.ResumeHelper {
		t.Errorf("smashed slot holds %#x", uintptr(got))
	}
	expectFatal(t, "unaligned slot", func() { SmashAddr(slot+4, 0) })
}
