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

func TestHandleResumeWithoutPC(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "x64")
	fi.dispatch = func(*ExecContext) TCA {
		t.Error("interpreter called without a pc")
		return 0
	}
	ctx := rt.NewContext("test")
	if got := rt.HandleResume(ctx, false); got != rt.Stubs.CallToExit {
		t.Errorf("continued at %s", rt.Stubs.Name(got))
	}
}

func TestHandleResumeTranslated(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "x64")
	f := testFunc(t, "resumed", 0)
	tr := publishBlock(t, rt, SrcKey{Func: f.ID, Offset: 4}, TransLive)
	fi.dispatch = func(*ExecContext) TCA {
		t.Error("interpreted although a translation exists")
		return 0
	}
	ctx := rt.NewContext("test")
	ctx.FP = &ActRec{Func: f}
	ctx.SyncPC(4)
	if got := rt.HandleResume(ctx, false); got != tr.Start {
		t.Errorf("continued at %#x", uintptr(got))
	}
}

func TestHandleResumeInterpretsUntilTranslation(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "arm64")
	f := testFunc(t, "interpreted", 0)
	tr := publishBlock(t, rt, SrcKey{Func: f.ID, Offset: 3}, TransLive)
	ctx := rt.NewContext("test")
	ctx.FP = &ActRec{Func: f}
	ctx.SyncPC(0)
	fi.dispatch = func(ctx *ExecContext) TCA {
		if ctx.JitCalledFrame != ctx.FP || CurrentJitCalledFrame() != ctx.FP {
			t.Errorf("jit called frame not set while interpreting")
		}
		ctx.SyncPC(ctx.PC + 1)
		return 0
	}
	if got := rt.HandleResume(ctx, false); got != tr.Start {
		t.Errorf("continued at %#x", uintptr(got))
	}
	if n := rt.Counters.Get(CounterInterpBB); n != 3 {
		t.Errorf("%d blocks interpreted, expected 3", n)
	}
	if ctx.JitCalledFrame != nil || CurrentJitCalledFrame() != nil {
		t.Errorf("jit called frame not reset")
	}
	if ctx.RegState != RegsDirty {
		t.Errorf("registers left %s", ctx.RegState)
	}
}

func TestHandleResumeInterpFirst(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "x64")
	f := testFunc(t, "forced", 0)
	publishBlock(t, rt, SrcKey{Func: f.ID}, TransLive)
	ctx := rt.NewContext("test")
	ctx.FP = &ActRec{Func: f}
	ctx.SyncPC(0)
	blocks := 0
	fi.dispatch = func(ctx *ExecContext) TCA {
		blocks++
		return rt.Stubs.CallToExit // the frame returned
	}
	if got := rt.HandleResume(ctx, true); got != rt.Stubs.CallToExit {
		t.Errorf("continued at %#x", uintptr(got))
	}
	if blocks != 1 || rt.Counters.Get(CounterInterpBBForce) != 1 {
		t.Errorf("%d blocks, %d forced", blocks, rt.Counters.Get(CounterInterpBBForce))
	}
}

func TestHandleResumeLostPCIsFatal(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "x64")
	f := testFunc(t, "lost", 0)
	ctx := rt.NewContext("test")
	ctx.FP = &ActRec{Func: f}
	ctx.SyncPC(0)
	fi.dispatch = func(ctx *ExecContext) TCA {
		ctx.HasPC = false
		return 0
	}
	expectFatal(t, "lost pc", func() { rt.HandleResume(ctx, true) })
	if ctx.JitCalledFrame != nil || CurrentJitCalledFrame() != nil {
		t.Errorf("jit called frame not reset after a panic")
	}
}

func TestHandleResumeNested(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "ppc64le")
	outer := &ActRec{Func: testFunc(t, "outer", 0)}
	inner := &ActRec{Func: testFunc(t, "inner", 0), SFP: outer}
	ctx := rt.NewContext("test")
	ctx.FP = outer
	ctx.SyncPC(0)

	fi.dispatch = func(ctx *ExecContext) TCA {
		if ctx.FP == inner {
			if ctx.JitCalledFrame != inner || CurrentJitCalledFrame() != inner {
				t.Errorf("nested dispatch does not see the inner frame")
			}
			return rt.Stubs.CallToExit
		}
		ctx.FP = inner
		ctx.SyncPC(0)
		if got := rt.HandleResume(ctx, true); got != rt.Stubs.CallToExit {
			t.Errorf("nested resume continued at %#x", uintptr(got))
		}
		ctx.FP = outer
		ctx.RegState = RegsClean
		if ctx.JitCalledFrame != outer || CurrentJitCalledFrame() != outer {
			t.Errorf("outer frame marker not restored after the nested dispatch")
		}
		return rt.Stubs.CallToExit
	}
	if got := rt.HandleResume(ctx, true); got != rt.Stubs.CallToExit {
		t.Errorf("continued at %#x", uintptr(got))
	}
	if ctx.JitCalledFrame != nil || CurrentJitCalledFrame() != nil {
		t.Errorf("marker not cleared")
	}
}

func TestHandleFCallAwaitSuspend(t *testing.T) {
	rt, _, fi := newTestRuntime(t, "x64")
	f := testFunc(t, "async", 0)
	ctx := rt.NewContext("test")
	ctx.FP = &ActRec{Func: f}
	ctx.SyncPC(6)

	if got := rt.HandleFCallAwaitSuspend(ctx); got != rt.Stubs.ResumeHelper {
		t.Errorf("without continuation: %#x", uintptr(got))
	}

	tr := publishBlock(t, rt, SrcKey{Func: f.ID, Offset: 8}, TransLive)
	fi.suspend = func(ctx *ExecContext, pc int32) TCA {
		if pc != 6 {
			t.Errorf("suspended at %d", pc)
		}
		if CurrentJitCalledFrame() != ctx.FP || ctx.RegState != RegsClean {
			t.Errorf("suspend runs without the frame marker or with dirty registers")
		}
		return tr.Start
	}
	if got := rt.HandleFCallAwaitSuspend(ctx); got != tr.Start {
		t.Errorf("continued at %#x", uintptr(got))
	}
	if ctx.RegState != RegsDirty || ctx.JitCalledFrame != nil {
		t.Errorf("state not restored")
	}
}
