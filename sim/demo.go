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

// DemoSum is what one run of DemoProgram's main adds to Program.Sum.
const DemoSum = 20 * (5 + 7)

// DemoCalls is the number of frames one run of DemoProgram's main creates.
const DemoCalls = 1 + 20*2

// DemoProgram is a small workload with a loop, an immutable call, a guarded
// call with excess arguments and an indirect jump.
func DemoProgram() []*Body {
	return []*Body{
		{
			Func:      &jit.Func{Name: "main"},
			NumLocals: 1,
			Code: []Instr{
				{Op: OpSet, Local: 0, Value: 20},
				{Op: OpCall, Callee: "work", NArgs: 1, Immutable: true},
				{Op: OpCall, Callee: "helper", NArgs: 3},
				{Op: OpDecJnz, Local: 0, Target: 1},
				{Op: OpRet},
			},
		},
		{
			Func:      &jit.Func{Name: "work", NumParams: 1},
			NumLocals: 1,
			Code: []Instr{
				{Op: OpSet, Local: 0, Value: 5},
				{Op: OpEmit, Value: 1},
				{Op: OpDecJnz, Local: 0, Target: 1},
				{Op: OpJmp, Target: 5, Indirect: true},
				{Op: OpEmit, Value: 1000},
				{Op: OpEmitLocal, Local: 0},
				{Op: OpRet},
			},
		},
		{
			Func:      &jit.Func{Name: "helper", NumParams: 2},
			NumLocals: 0,
			Code: []Instr{
				{Op: OpEmit, Value: 7},
				{Op: OpRet},
			},
		},
	}
}
