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
package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/launix-de/jitsvc/jit"
)

// Machine stands in for the hardware: it follows the code in the cache by
// decoding the exits of each translation, and calls the service request
// handlers whenever the code would.
type Machine struct {
	rt   *jit.Runtime
	prog *Program
	tr   *Translator
	in   *Interpreter

	steps atomic.Uint64
}

// NewMachine wires a translator and an interpreter for prog into rt.
func NewMachine(rt *jit.Runtime, prog *Program) *Machine {
	m := &Machine{rt: rt, prog: prog}
	m.tr = NewTranslator(rt, prog)
	m.in = NewInterpreter(rt, prog)
	m.in.Call = m.callFromInterp
	rt.Translator = m.tr
	rt.Interp = m.in
	return m
}

func (m *Machine) Translator() *Translator { return m.tr }
func (m *Machine) Program() *Program       { return m.prog }

// Steps counts the code addresses the machine dispatched on.
func (m *Machine) Steps() uint64 { return m.steps.Load() }

// Run calls the function name as the outermost frame and returns when it
// returned.
func (m *Machine) Run(ctx *jit.ExecContext, name string) error {
	b := m.prog.Lookup(name)
	if b == nil {
		return fmt.Errorf("run: unknown function %s", name)
	}
	if ctx.Thread != nil {
		ctx.Thread.Enter()
		defer ctx.Thread.Exit()
	}
	ar := m.prog.NewFrame(b.Func, 0, nil, 0)
	m.prog.Calls.Add(1)
	ctx.FP = ar
	ctx.SyncPC(0)

	entry := m.rt.Translator.GetFuncPrologue(b.Func, 0)
	if entry == 0 {
		entry = m.rt.Stubs.FCallHelperThunk
	}
	m.run(ctx, entry)
	if ctx.HasPC {
		return fmt.Errorf("run %s: left at %s without returning", name, ctx.SrcKey())
	}
	return nil
}

// run executes from addr until the frame that is current at entry returns.
// It reports whether that frame returned from translated code.
func (m *Machine) run(ctx *jit.ExecContext, addr jit.TCA) (translatedRet bool) {
	us := &m.rt.Stubs
	for addr != us.CallToExit {
		m.steps.Add(1)
		ret := false
		switch addr {
		case 0:
			panic("sim: jump to null")
		case us.InterpHelperSyncedPC:
			addr = m.rt.HandleResume(ctx, true)
		case us.ResumeHelper, us.FCallHelperThunk:
			addr = m.rt.HandleResume(ctx, false)
		case us.FCallAwaitSuspendHelper:
			addr = m.rt.HandleFCallAwaitSuspend(ctx)
		default:
			addr, ret = m.exec(ctx, addr)
		}
		translatedRet = ret
	}
	return translatedRet
}

func (m *Machine) exec(ctx *jit.ExecContext, addr jit.TCA) (jit.TCA, bool) {
	r, ok := m.rt.Code.Owner(addr)
	if !ok {
		panic(fmt.Sprintf("sim: jump to unowned address %#x", uintptr(addr)))
	}
	switch r.Kind {
	case jit.OwnerRequestStub:
		if addr != r.Start {
			panic(fmt.Sprintf("sim: jump into the middle of request stub %#x", uintptr(r.Start)))
		}
		info := *r.Req
		return m.rt.HandleServiceRequest(ctx, &info), false
	case jit.OwnerPrologue:
		return m.enterPrologue(ctx, addr), false
	case jit.OwnerTranslation:
		return m.execTranslation(ctx, r.Trans, addr)
	}
	panic(fmt.Sprintf("sim: unexpected jump to %s %s", r.Kind, r.Name))
}

func (m *Machine) enterPrologue(ctx *jit.ExecContext, addr jit.TCA) jit.TCA {
	pm := m.tr.PrologueAt(addr)
	if pm == nil {
		panic(fmt.Sprintf("sim: no prologue at %#x", uintptr(addr)))
	}
	if addr == pm.Guard {
		if m.rt.Arch.FuncGuardFunc(pm.Guard) != ctx.FP.Func.ID {
			return m.rt.Stubs.FCallHelperThunk // guard redispatch
		}
		addr = pm.T.Start
	}
	if addr != pm.T.Start {
		panic(fmt.Sprintf("sim: jump into the middle of prologue %s", pm.T))
	}
	ctx.SyncPC(0)
	return m.rt.Arch.JmpTarget(pm.Exit)
}

func (m *Machine) execTranslation(ctx *jit.ExecContext, t *jit.Translation, addr jit.TCA) (jit.TCA, bool) {
	if addr != t.Start {
		panic(fmt.Sprintf("sim: jump into the middle of %s", t))
	}
	meta := m.tr.Meta(t.Start)
	ar := ctx.FP
	if ar == nil || ar.Func.ID != t.SK.Func {
		panic(fmt.Sprintf("sim: %s entered from a foreign frame", t))
	}
	ctx.SyncPC(t.SK.Offset)
	if meta.OptStub != 0 && meta.hits.Add(1) == m.tr.OptThreshold {
		return meta.OptStub, false
	}

	b := m.prog.Body(t.SK.Func)
	for off := t.SK.Offset; off < meta.BlockEnd; off++ {
		m.prog.step(ar, b.At(off))
	}
	d := m.rt.Arch
	in := b.At(meta.BlockEnd)
	switch in.Op {
	case OpJmp:
		ctx.SyncPC(in.Target)
		ex := meta.Exits[0]
		if ex.Kind == jit.IncomingAddr {
			return jit.LoadAddrSlot(ex.Site), false
		}
		return d.JmpTarget(ex.Site), false
	case OpDecJnz:
		if decJnz(ar, in) {
			ctx.SyncPC(in.Target)
			return d.JccTarget(meta.Exits[0].Site), false
		}
		ctx.SyncPC(meta.BlockEnd + 1)
		return d.JmpTarget(meta.Exits[1].Site), false
	case OpCall:
		callee := m.prog.call(ctx, b, meta.BlockEnd)
		site := meta.Exits[0].Site
		target := d.CallTarget(site)
		switch target {
		case m.rt.Stubs.BindCallStub:
			target = m.rt.HandleBindCall(site, callee, false)
		case m.rt.Stubs.ImmutableBindCallStub:
			target = m.rt.HandleBindCall(site, callee, true)
		}
		if m.run(ctx, target) {
			return d.JmpTarget(meta.Exits[1].Site), false
		}
		// the callee returned through the interpreter
		req := jit.NewPostInterpRetReq(callee, ctx.FP)
		return m.rt.HandleServiceRequest(ctx, &req), false
	}
	m.prog.ret(ctx, ar)
	return m.rt.Stubs.CallToExit, true
}

// callFromInterp runs a callee frame pushed by the interpreter.
func (m *Machine) callFromInterp(ctx *jit.ExecContext, callee *jit.ActRec) {
	entry := m.rt.Translator.GetFuncPrologue(callee.Func, callee.NumArgs)
	if entry == 0 {
		entry = m.rt.Stubs.FCallHelperThunk
	}
	m.run(ctx, entry)
}
