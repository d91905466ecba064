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
	"strings"
	"sync/atomic"

	"github.com/launix-de/jitsvc/jit"
)

/*
a tiny bytecode to give the dispatcher something to run.

every instruction is one offset. A basic block runs from an offset up to and
including the next control instruction (Jmp, DecJnz, Call, Ret). Emit adds
its value to Program.Sum, so interpreted and translated runs of the same
program can be compared.
*/

type Op uint8

const (
	OpNop Op = iota
	OpSet          // Locals[Local] = Value
	OpEmit         // Program.Sum += Value
	OpEmitLocal    // Program.Sum += Locals[Local]
	OpJmp          // goto Target; Indirect jumps through an address slot
	OpDecJnz       // Locals[Local]--; if != 0 goto Target
	OpCall         // call Callee with NArgs arguments
	OpRet
)

func (op Op) String() string {
	switch op {
	case OpNop:
		return "Nop"
	case OpSet:
		return "Set"
	case OpEmit:
		return "Emit"
	case OpEmitLocal:
		return "EmitLocal"
	case OpJmp:
		return "Jmp"
	case OpDecJnz:
		return "DecJnz"
	case OpCall:
		return "Call"
	case OpRet:
		return "Ret"
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// IsControl reports whether op ends a basic block.
func (op Op) IsControl() bool {
	switch op {
	case OpJmp, OpDecJnz, OpCall, OpRet:
		return true
	}
	return false
}

type Instr struct {
	Op        Op
	Local     int
	Value     int64
	Target    int32
	Indirect  bool
	Callee    string
	NArgs     int
	Immutable bool // the call site always calls Callee
}

func (in Instr) String() string {
	switch in.Op {
	case OpSet:
		return fmt.Sprintf("Set L%d, %d", in.Local, in.Value)
	case OpEmit:
		return fmt.Sprintf("Emit %d", in.Value)
	case OpEmitLocal:
		return fmt.Sprintf("EmitLocal L%d", in.Local)
	case OpJmp:
		if in.Indirect {
			return fmt.Sprintf("Jmp *%d", in.Target)
		}
		return fmt.Sprintf("Jmp %d", in.Target)
	case OpDecJnz:
		return fmt.Sprintf("DecJnz L%d, %d", in.Local, in.Target)
	case OpCall:
		return fmt.Sprintf("Call %s/%d", in.Callee, in.NArgs)
	}
	return in.Op.String()
}

// Body is the bytecode of one function.
type Body struct {
	Func      *jit.Func
	NumLocals int
	Code      []Instr
	callees   []*jit.Func // resolved OpCall targets, by offset
}

// At returns the instruction at off; past the end there is an implicit Ret.
func (b *Body) At(off int32) Instr {
	if off < 0 || int(off) >= len(b.Code) {
		return Instr{Op: OpRet}
	}
	return b.Code[off]
}

// BlockEnd returns the offset of the control instruction ending the block
// that starts at off.
func (b *Body) BlockEnd(off int32) int32 {
	for ; int(off) < len(b.Code); off++ {
		if b.Code[off].Op.IsControl() {
			return off
		}
	}
	return off
}

func (b *Body) Callee(off int32) *jit.Func {
	return b.callees[off]
}

// Program is a set of registered functions.
type Program struct {
	bodies map[jit.FuncID]*Body
	byName map[string]*Body

	Sum   atomic.Int64
	Calls atomic.Uint64
	Rets  atomic.Uint64
}

// NewProgram registers every function and resolves call targets.
func NewProgram(bodies ...*Body) (*Program, error) {
	p := &Program{bodies: make(map[jit.FuncID]*Body), byName: make(map[string]*Body)}
	for _, b := range bodies {
		if _, dup := p.byName[b.Func.Name]; dup {
			return nil, fmt.Errorf("duplicate function %s", b.Func.Name)
		}
		jit.RegisterFunc(b.Func)
		p.bodies[b.Func.ID] = b
		p.byName[b.Func.Name] = b
	}
	for _, b := range bodies {
		b.callees = make([]*jit.Func, len(b.Code))
		for off, in := range b.Code {
			switch in.Op {
			case OpCall:
				callee, ok := p.byName[in.Callee]
				if !ok {
					return nil, fmt.Errorf("%s@%d: unknown callee %s", b.Func.Name, off, in.Callee)
				}
				b.callees[off] = callee.Func
			case OpJmp, OpDecJnz:
				if in.Target < 0 || int(in.Target) > len(b.Code) {
					return nil, fmt.Errorf("%s@%d: jump target %d out of range", b.Func.Name, off, in.Target)
				}
			}
			if (in.Op == OpSet || in.Op == OpEmitLocal || in.Op == OpDecJnz) && (in.Local < 0 || in.Local >= b.NumLocals) {
				return nil, fmt.Errorf("%s@%d: local %d out of range", b.Func.Name, off, in.Local)
			}
		}
	}
	return p, nil
}

// Close unregisters the program's functions.
func (p *Program) Close() {
	for id := range p.bodies {
		jit.UnregisterFunc(id)
	}
}

func (p *Program) Body(id jit.FuncID) *Body {
	return p.bodies[id]
}

func (p *Program) Lookup(name string) *Body {
	return p.byName[name]
}

// NewFrame creates the activation record for a call of f.
func (p *Program) NewFrame(f *jit.Func, nArgs int, caller *jit.ActRec, retOff int32) *jit.ActRec {
	return &jit.ActRec{
		Func:    f,
		NumArgs: nArgs,
		SFP:     caller,
		SOff:    retOff,
		Locals:  make([]int64, p.bodies[f.ID].NumLocals),
	}
}

// step runs the non control instruction at off.
func (p *Program) step(ar *jit.ActRec, in Instr) {
	switch in.Op {
	case OpSet:
		ar.Locals[in.Local] = in.Value
	case OpEmit:
		p.Sum.Add(in.Value)
	case OpEmitLocal:
		p.Sum.Add(ar.Locals[in.Local])
	}
}

// decJnz runs a DecJnz and reports whether it branches.
func decJnz(ar *jit.ActRec, in Instr) bool {
	ar.Locals[in.Local]--
	return ar.Locals[in.Local] != 0
}

// ret pops ar. The context continues in the caller, or has no pc left if ar
// was the outermost frame.
func (p *Program) ret(ctx *jit.ExecContext, ar *jit.ActRec) {
	p.Rets.Add(1)
	ctx.FP = ar.SFP
	if ar.SFP == nil {
		ctx.HasPC = false
		ctx.PC = 0
		return
	}
	ctx.SyncPC(ar.SOff)
}

// call pushes the callee frame of the call at off and enters it at offset 0.
func (p *Program) call(ctx *jit.ExecContext, b *Body, off int32) *jit.ActRec {
	in := b.Code[off]
	callee := p.NewFrame(b.callees[off], in.NArgs, ctx.FP, off+1)
	p.Calls.Add(1)
	ctx.FP = callee
	ctx.SyncPC(0)
	return callee
}

func (p *Program) String() string {
	var sb strings.Builder
	for _, b := range p.byName {
		fmt.Fprintf(&sb, "%s (func#%d, %d params, %d locals):\n", b.Func.Name, b.Func.ID, b.Func.NumParams, b.NumLocals)
		for off, in := range b.Code {
			fmt.Fprintf(&sb, "  %3d %s\n", off, in)
		}
	}
	return sb.String()
}
