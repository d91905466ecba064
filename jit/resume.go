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

import "github.com/jtolds/gls"

// the frame entered through the dispatcher, visible to interpreter code on
// the same goroutine that has no ExecContext at hand
var frameMgr = gls.NewContextManager()

const jitCalledFrameKey = "jit.calledFrame"

// CurrentJitCalledFrame returns the frame the current goroutine entered
// through HandleResume or HandleFCallAwaitSuspend, nil outside of them.
func CurrentJitCalledFrame() *ActRec {
	v, ok := frameMgr.GetValue(jitCalledFrameKey)
	if !ok {
		return nil
	}
	ar, _ := v.(*ActRec)
	return ar
}

// withJitCalledFrame marks ctx.FP as the jit called frame while fn runs.
// The marker is reset on every exit, panics included; the outermost exit
// leaves it nil.
func withJitCalledFrame(ctx *ExecContext, fn func()) {
	prev := ctx.JitCalledFrame
	ctx.JitCalledFrame = ctx.FP
	defer func() { ctx.JitCalledFrame = prev }()
	frameMgr.SetValues(gls.Values{jitCalledFrameKey: ctx.FP}, fn)
}

// HandleResume continues execution at the context's pc. Without a
// translation there, basic blocks are interpreted one at a time until one
// exists or the interpreter hands back an address itself.
func (rt *Runtime) HandleResume(ctx *ExecContext, interpFirst bool) TCA {
	log.Debugf("handleResume(%t)", interpFirst)
	if !ctx.HasPC {
		return rt.Stubs.CallToExit
	}

	ctx.RegState = RegsClean
	defer func() { ctx.RegState = RegsDirty }()

	sk := ctx.SrcKey()
	var start TCA
	if interpFirst {
		rt.Counters.Inc(CounterInterpBBForce)
	} else {
		start = rt.Translator.GetTranslation(TransArgs{SK: sk})
	}

	withJitCalledFrame(ctx, func() {
		// the translation may show up because another thread created it
		// or because the block ended where one already exists
		for start == 0 {
			rt.Counters.Inc(CounterInterpBB)
			if ret := rt.Interp.DispatchBB(ctx); ret != 0 {
				start = ret
				break
			}
			if !ctx.HasPC {
				fatalf("interpreter lost the pc after %s", sk)
			}
			sk = ctx.SrcKey()
			start = rt.Translator.GetTranslation(TransArgs{SK: sk})
		}
	})

	if Settings().RingBuffer {
		rt.Ring.AddResumeTC(sk, start)
	}
	return start
}

// HandleFCallAwaitSuspend suspends the async stack after an awaited call
// returned a not yet finished result.
func (rt *Runtime) HandleFCallAwaitSuspend(ctx *ExecContext) TCA {
	log.Debugf("handleFCallAwaitSuspend")
	ctx.RegState = RegsClean
	defer func() { ctx.RegState = RegsDirty }()

	var start TCA
	withJitCalledFrame(ctx, func() {
		start = rt.Interp.SuspendStack(ctx, ctx.PC)
	})
	if start == 0 {
		return rt.Stubs.ResumeHelper
	}
	return start
}
