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

import "github.com/launix-de/jitsvc/jit"

// Interpreter runs the bytecode of a Program one basic block at a time.
type Interpreter struct {
	rt   *jit.Runtime
	prog *Program

	// Call runs a callee frame that the interpreter pushed and returns once
	// it has returned. Set by the Machine.
	Call func(ctx *jit.ExecContext, callee *jit.ActRec)
}

func NewInterpreter(rt *jit.Runtime, prog *Program) *Interpreter {
	return &Interpreter{rt: rt, prog: prog}
}

// DispatchBB interprets the block at ctx.PC. It returns CallToExit when the
// current frame returned, zero otherwise.
func (in *Interpreter) DispatchBB(ctx *jit.ExecContext) jit.TCA {
	ctx.RequireRegState(jit.RegsClean)
	ar := ctx.FP
	b := in.prog.Body(ar.Func.ID)
	for off := ctx.PC; ; off++ {
		instr := b.At(off)
		switch instr.Op {
		case OpJmp:
			ctx.SyncPC(instr.Target)
			return 0
		case OpDecJnz:
			if decJnz(ar, instr) {
				ctx.SyncPC(instr.Target)
			} else {
				ctx.SyncPC(off + 1)
			}
			return 0
		case OpCall:
			callee := in.prog.call(ctx, b, off)
			in.Call(ctx, callee)
			// the callee returned into this frame at off+1
			ctx.RegState = jit.RegsClean
			return 0
		case OpRet:
			in.prog.ret(ctx, ar)
			return in.rt.Stubs.CallToExit
		default:
			in.prog.step(ar, instr)
		}
	}
}

// SuspendStack has no async stacks to suspend.
func (in *Interpreter) SuspendStack(ctx *jit.ExecContext, pc int32) jit.TCA {
	return 0
}
