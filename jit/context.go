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

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("jit.svcreq")

// VMRegState tells the interpreter whether the VM registers (fp, pc) in the
// ExecContext are in sync with the machine state.
type VMRegState uint8

const (
	RegsDirty VMRegState = iota // generated code owns the registers
	RegsClean                   // fp is synced, pc may lag behind
)

func (s VMRegState) String() string {
	if s == RegsClean {
		return "clean"
	}
	return "dirty"
}

// ExecContext is the per-thread execution state handed to every handler.
// Generated code and the interpreter share it; only the owning thread
// touches it.
type ExecContext struct {
	RegState VMRegState

	FP    *ActRec // current frame
	PC    int32   // bytecode offset within FP.Func
	HasPC bool    // false when there is no frame to resume (e.g. after the outermost return)

	// DebuggerReturnOff is where execution continues after the debugger
	// interrupted a frame.
	DebuggerReturnOff int32

	// JitCalledFrame is the frame that was entered through the dispatcher,
	// nil outside of HandleResume.
	JitCalledFrame *ActRec

	Thread *TreadmillThread
}

// SrcKey is the location the context is currently at.
func (ctx *ExecContext) SrcKey() SrcKey {
	if ctx.FP == nil || ctx.FP.Func == nil {
		return SrcKey{}
	}
	return SrcKey{Func: ctx.FP.Func.ID, Offset: ctx.PC, Resumed: ctx.FP.Resumed}
}

// SyncPC moves the context to a location in the current function.
func (ctx *ExecContext) SyncPC(off int32) {
	ctx.PC = off
	ctx.HasPC = ctx.FP != nil
}

// RequireRegState panics when the context is not in the expected state.
// The interpreter calls it before touching fp or pc.
func (ctx *ExecContext) RequireRegState(want VMRegState) {
	if ctx.RegState != want {
		fatalf("vm registers are %s, expected %s", ctx.RegState, want)
	}
}
