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

import "testing"

// bindCallSetup registers a callee with one profiling prologue and returns
// the prologue entry.
func bindCallSetup(t *testing.T, rt *Runtime, ft *fakeTranslator, block *CodeBlock) (*Func, TCA) {
	t.Helper()
	f := testFunc(t, "callee", 1)
	entry := emitPrologue(t, rt, block, f)
	ft.prologue = func(g *Func, nArgs int) TCA {
		if g != f {
			return 0
		}
		return entry
	}
	return f, entry
}

func TestBindCallImmutableAndGuarded(t *testing.T) {
	for _, arch := range testArchs {
		rt, ft, _ := newTestRuntime(t, arch)
		f, entry := bindCallSetup(t, rt, ft, rt.Code.Prof)
		guard := FuncGuardFromPrologue(rt.Arch, entry)
		callee := &ActRec{Func: f, NumArgs: 1}

		direct := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
		if got := rt.HandleBindCall(direct, callee, true); got != entry {
			t.Errorf("%s: immutable call continued at %#x, expected the prologue", arch, uintptr(got))
		}
		if got := rt.Arch.CallTarget(direct); got != entry {
			t.Errorf("%s: immutable site targets %#x", arch, uintptr(got))
		}

		guarded := emitSite(t, rt, BranchCall, rt.Stubs.BindCallStub)
		if got := rt.HandleBindCall(guarded, callee, false); got != guard {
			t.Errorf("%s: guarded call continued at %#x, expected the func guard", arch, uintptr(got))
		}
		if got := rt.Arch.CallTarget(guarded); got != guard {
			t.Errorf("%s: guarded site targets %#x", arch, uintptr(got))
		}

		// binding again leaves the sites alone
		rt.HandleBindCall(direct, callee, true)
		rt.HandleBindCall(guarded, callee, false)
		if n := rt.Counters.Get(CounterBindCallSmashed); n != 2 {
			t.Errorf("%s: %d smashes, expected 2", arch, n)
		}

		rec := rt.ProfData.FindPrologueTransRec(f.ID, 1)
		if rec == nil {
			t.Fatalf("%s: no profiling record", arch)
		}
		if m := rec.MainCallers(); len(m) != 1 || m[0] != direct {
			t.Errorf("%s: main callers %v", arch, m)
		}
		if g := rec.GuardCallers(); len(g) != 1 || g[0] != guarded {
			t.Errorf("%s: guard callers %v", arch, g)
		}
		unlock := rt.Code.LockMetadata()
		callers := rt.Callers.Get(f.ID)
		unlock()
		if len(callers) != 2 || !callers[0].Profiled || !callers[0].Immutable || callers[1].Immutable {
			t.Errorf("%s: recorded callers %+v", arch, callers)
		}
	}
}

func TestBindCallWithoutPrologue(t *testing.T) {
	rt, ft, _ := newTestRuntime(t, "x64")
	f := testFunc(t, "noprologue", 0)
	site := emitSite(t, rt, BranchCall, rt.Stubs.BindCallStub)
	if got := rt.HandleBindCall(site, &ActRec{Func: f}, false); got != rt.Stubs.FCallHelperThunk {
		t.Errorf("continued at %#x", uintptr(got))
	}
	if rt.Arch.CallTarget(site) != rt.Stubs.BindCallStub {
		t.Errorf("site was modified")
	}

	_, entry := bindCallSetup(t, rt, ft, rt.Code.Main)
	withSettings(t, func(s *SettingsT) { s.FailJitPrologs = true })
	ft.prologue = func(*Func, int) TCA { return entry }
	if got := rt.HandleBindCall(site, &ActRec{Func: f}, true); got != rt.Stubs.FCallHelperThunk {
		t.Errorf("prologues disabled, continued at %#x", uintptr(got))
	}
	if rt.Arch.CallTarget(site) != rt.Stubs.BindCallStub {
		t.Errorf("site was modified with prologues disabled")
	}
}

func TestBindCallLeaseContended(t *testing.T) {
	rt, ft, _ := newTestRuntime(t, "arm64")
	f, entry := bindCallSetup(t, rt, ft, rt.Code.Main)
	site := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
	other := rt.Lease.TryAcquire(f.ID, TransLive)
	if got := rt.HandleBindCall(site, &ActRec{Func: f, NumArgs: 1}, true); got != entry {
		t.Errorf("contended bind continued at %#x", uintptr(got))
	}
	if rt.Arch.CallTarget(site) != rt.Stubs.ImmutableBindCallStub {
		t.Errorf("site patched without the lease")
	}
	other.Release()
}

func TestBindCallPrologueVanished(t *testing.T) {
	rt, ft, _ := newTestRuntime(t, "ppc64")
	f, entry := bindCallSetup(t, rt, ft, rt.Code.Main)
	site := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
	calls := 0
	ft.prologue = func(*Func, int) TCA {
		calls++
		if calls == 1 {
			return entry
		}
		return 0 // dropped while the lease was taken
	}
	if got := rt.HandleBindCall(site, &ActRec{Func: f, NumArgs: 1}, true); got != rt.Stubs.FCallHelperThunk {
		t.Errorf("continued at %#x", uintptr(got))
	}
	if rt.Arch.CallTarget(site) != rt.Stubs.ImmutableBindCallStub {
		t.Errorf("site was modified")
	}
}

func TestBindCallRecordsCallersForReuse(t *testing.T) {
	rt, ft, _ := newTestRuntime(t, "x64")
	f, _ := bindCallSetup(t, rt, ft, rt.Code.Main)
	direct := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
	guarded := emitSite(t, rt, BranchCall, rt.Stubs.BindCallStub)
	callee := &ActRec{Func: f, NumArgs: 3}
	rt.HandleBindCall(direct, callee, true)
	rt.HandleBindCall(guarded, callee, false)

	// optimized code: both sites still have to be found when f goes away
	unlock := rt.Code.LockMetadata()
	callers := rt.Callers.Get(f.ID)
	unlock()
	if len(callers) != 2 || callers[0].Site != direct || !callers[0].Immutable ||
		callers[1].Site != guarded || callers[1].Immutable || callers[1].Profiled || callers[1].ArgClass != 2 {
		t.Errorf("recorded callers %+v", callers)
	}
	if rt.ProfData.FindPrologueTransRec(f.ID, 2) != nil {
		t.Errorf("profiling record for a prologue in main code")
	}

	withSettings(t, func(s *SettingsT) { s.EnableReusableTC = false })
	other := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
	rt.HandleBindCall(other, callee, true)
	unlock = rt.Code.LockMetadata()
	callers = rt.Callers.Get(f.ID)
	unlock()
	if len(callers) != 2 {
		t.Errorf("caller recorded without reusable code: %+v", callers)
	}
}

func TestPublishPrologue(t *testing.T) {
	for _, arch := range testArchs {
		rt, ft, _ := newTestRuntime(t, arch)
		f, _ := bindCallSetup(t, rt, ft, rt.Code.Prof)
		callee := &ActRec{Func: f, NumArgs: 1}
		direct := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
		guarded := emitSite(t, rt, BranchCall, rt.Stubs.BindCallStub)
		rt.HandleBindCall(direct, callee, true)
		rt.HandleBindCall(guarded, callee, false)

		opt := emitPrologue(t, rt, rt.Code.Main, f)
		expectFatal(t, arch+" publish without lease", func() { rt.PublishPrologue(f, 1, opt) })

		writer := rt.Lease.TryAcquire(f.ID, TransOptimize)
		n := rt.PublishPrologue(f, 1, opt)
		writer.Release()
		if n != 2 {
			t.Errorf("%s: %d sites rebound", arch, n)
		}
		if got := rt.Arch.CallTarget(direct); got != opt {
			t.Errorf("%s: main caller targets %#x", arch, uintptr(got))
		}
		if got := rt.Arch.CallTarget(guarded); got != FuncGuardFromPrologue(rt.Arch, opt) {
			t.Errorf("%s: guard caller targets %#x", arch, uintptr(got))
		}
		rec := rt.ProfData.FindPrologueTransRec(f.ID, 1)
		if len(rec.MainCallers())+len(rec.GuardCallers()) != 0 {
			t.Errorf("%s: callers still recorded for the profiling prologue", arch)
		}
		unlock := rt.Code.LockMetadata()
		for _, c := range rt.Callers.Get(f.ID) {
			if c.Profiled {
				t.Errorf("%s: caller %#x still marked profiled", arch, uintptr(c.Site))
			}
		}
		unlock()
	}
}

func TestReclaimFunc(t *testing.T) {
	rt, ft, _ := newTestRuntime(t, "arm64")
	f, _ := bindCallSetup(t, rt, ft, rt.Code.Prof)
	callee := &ActRec{Func: f, NumArgs: 1}
	direct := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
	guarded := emitSite(t, rt, BranchCall, rt.Stubs.BindCallStub)
	rt.HandleBindCall(direct, callee, true)
	rt.HandleBindCall(guarded, callee, false)

	other := rt.Lease.TryAcquire(f.ID, TransLive)
	if rt.ReclaimFunc(f, nil) {
		t.Errorf("reclaimed while the lease was held")
	}
	other.Release()

	ctx := rt.NewContext("inside")
	ctx.Thread.Enter()
	released := false
	if !rt.ReclaimFunc(f, func() { released = true }) {
		t.Fatal("reclaim failed")
	}
	for _, site := range []TCA{direct, guarded} {
		if got := rt.Arch.CallTarget(site); got != rt.Stubs.FCallHelperThunk {
			t.Errorf("site %#x targets %#x after reclaim", uintptr(site), uintptr(got))
		}
	}
	if rt.ProfData.FindPrologueTransRec(f.ID, 1) != nil {
		t.Errorf("profiling record survived")
	}
	rt.Treadmill.Reclaim()
	if released {
		t.Errorf("released while a thread may still be inside the prologue")
	}
	ctx.Thread.Exit()
	if !released {
		t.Errorf("not released after the thread left")
	}
}

func TestReclaimFuncImmutableCaller(t *testing.T) {
	for _, arch := range testArchs {
		rt, ft, _ := newTestRuntime(t, arch)
		f, entry := bindCallSetup(t, rt, ft, rt.Code.Main)
		site := emitSite(t, rt, BranchCall, rt.Stubs.ImmutableBindCallStub)
		if got := rt.HandleBindCall(site, &ActRec{Func: f, NumArgs: 1}, true); got != entry {
			t.Fatalf("%s: bound to %#x, expected %#x", arch, uintptr(got), uintptr(entry))
		}

		released := false
		if !rt.ReclaimFunc(f, func() { released = true }) {
			t.Fatalf("%s: reclaim failed", arch)
		}
		rt.Treadmill.Reclaim()
		if !released {
			t.Errorf("%s: prologue not released", arch)
		}
		if got := rt.Arch.CallTarget(site); got == entry || got != rt.Stubs.FCallHelperThunk {
			t.Errorf("%s: immutable site targets %#x after its prologue was freed", arch, uintptr(got))
		}
	}
}
