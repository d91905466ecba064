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
	"sync"
	"testing"
)

var testArchs = []string{"x64", "arm64", "ppc64le", "ppc64"}

// fakeTranslator answers lookups from the SrcDB unless a hook is set
type fakeTranslator struct {
	rt *Runtime

	mu           sync.Mutex
	get          func(TransArgs) TCA
	retranslate  func(TransArgs) TCA
	retransOpt   func(SrcKey, TransID) TCA
	prologue     func(*Func, int) TCA
	retranslated []SrcKey
}

func (ft *fakeTranslator) GetTranslation(args TransArgs) TCA {
	if ft.get != nil {
		return ft.get(args)
	}
	return ft.rt.TopTranslation(args.SK)
}

func (ft *fakeTranslator) Retranslate(args TransArgs) TCA {
	ft.mu.Lock()
	ft.retranslated = append(ft.retranslated, args.SK)
	ft.mu.Unlock()
	if ft.retranslate != nil {
		return ft.retranslate(args)
	}
	return 0
}

func (ft *fakeTranslator) RetranslateOpt(sk SrcKey, id TransID) TCA {
	if ft.retransOpt != nil {
		return ft.retransOpt(sk, id)
	}
	return 0
}

func (ft *fakeTranslator) GetFuncPrologue(f *Func, nArgs int) TCA {
	if ft.prologue != nil {
		return ft.prologue(f, nArgs)
	}
	return 0
}

type fakeInterp struct {
	dispatch func(ctx *ExecContext) TCA
	suspend  func(ctx *ExecContext, pc int32) TCA
}

func (fi *fakeInterp) DispatchBB(ctx *ExecContext) TCA {
	ctx.RequireRegState(RegsClean)
	return fi.dispatch(ctx)
}

func (fi *fakeInterp) SuspendStack(ctx *ExecContext, pc int32) TCA {
	if fi.suspend != nil {
		return fi.suspend(ctx, pc)
	}
	return 0
}

// newTestRuntime creates a runtime with a small code cache and no sweeper.
func newTestRuntime(t *testing.T, arch string) (*Runtime, *fakeTranslator, *fakeInterp) {
	t.Helper()
	return newTestRuntimeSize(t, arch, "1MiB")
}

func newTestRuntimeSize(t *testing.T, arch, codeSize string) (*Runtime, *fakeTranslator, *fakeInterp) {
	t.Helper()
	s := DefaultSettings()
	s.Arch = arch
	s.CodeSize = codeSize
	s.SweepInterval = ""
	rt, err := NewRuntime(&s)
	if err != nil {
		t.Fatalf("NewRuntime(%s): %v", arch, err)
	}
	t.Cleanup(func() { rt.Close() })
	ft := &fakeTranslator{rt: rt}
	fi := &fakeInterp{dispatch: func(ctx *ExecContext) TCA { return rt.Stubs.CallToExit }}
	rt.Translator = ft
	rt.Interp = fi
	return rt, ft, fi
}

func testFunc(t *testing.T, name string, numParams int) *Func {
	t.Helper()
	f := RegisterFunc(&Func{Name: name, NumParams: numParams})
	t.Cleanup(func() { UnregisterFunc(f.ID) })
	return f
}

// withSettings publishes a modified copy of the settings for one test.
func withSettings(t *testing.T, modify func(s *SettingsT)) {
	t.Helper()
	prev := *Settings()
	s := prev
	modify(&s)
	if err := SetSettings(s); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	t.Cleanup(func() { SetSettings(prev) })
}

// publishBlock emits a dummy translation for sk and makes it the top one.
func publishBlock(t *testing.T, rt *Runtime, sk SrcKey, kind TransKind) *Translation {
	t.Helper()
	writer := rt.Lease.TryAcquire(sk.Func, kind)
	if writer == nil {
		t.Fatalf("lease for %s is held", sk)
	}
	defer writer.Release()
	block := rt.Code.Main
	if kind == TransProfile {
		block = rt.Code.Prof
	}
	w, err := block.Writer(32)
	if err != nil {
		t.Fatal(err)
	}
	for w.Remaining() > 0 {
		rt.Arch.EmitTrap(w)
	}
	tr := &Translation{ID: NewTransID(), Kind: kind, SK: sk, Start: w.Start, Size: 32}
	rt.PublishTranslation(tr)
	return tr
}

// emitSite emits one smashable instruction of the given kind pointing at target.
func emitSite(t *testing.T, rt *Runtime, kind BranchKind, target TCA) TCA {
	t.Helper()
	w, err := rt.Code.Main.Writer(64)
	if err != nil {
		t.Fatal(err)
	}
	switch kind {
	case BranchJmp:
		return rt.Arch.EmitSmashableJmp(w, target)
	case BranchJcc:
		return rt.Arch.EmitSmashableJcc(w, CondNE, target)
	case BranchCall:
		return rt.Arch.EmitSmashableCall(w, target)
	}
	t.Fatalf("cannot emit %s", kind)
	return 0
}

// emitAddrSlot emits an address slot holding target.
func emitAddrSlot(t *testing.T, rt *Runtime, target TCA) TCA {
	t.Helper()
	w, err := rt.Code.Main.Writer(16)
	if err != nil {
		t.Fatal(err)
	}
	return w.EmitAddrSlot(rt.Arch, target)
}

// emitPrologue emits a func guard for f followed by a trap and returns the
// prologue entry.
func emitPrologue(t *testing.T, rt *Runtime, block *CodeBlock, f *Func) TCA {
	t.Helper()
	w, err := block.Writer(96)
	if err != nil {
		t.Fatal(err)
	}
	entry := rt.Arch.EmitFuncGuard(w, f.ID, rt.Stubs.FCallHelperThunk)
	rt.Arch.EmitTrap(w)
	return entry
}

func expectFatal(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if _, ok := r.(FatalError); !ok {
			t.Errorf("%s: expected a FatalError, got %v", what, r)
		}
	}()
	fn()
}
