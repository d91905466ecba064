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
	"strings"
	"testing"

	"github.com/launix-de/jitsvc/jit"
)

func TestNewProgramValidates(t *testing.T) {
	for _, tc := range []struct {
		name   string
		bodies []*Body
		err    string
	}{
		{"unknown callee", []*Body{
			{Func: &jit.Func{Name: "a"}, Code: []Instr{{Op: OpCall, Callee: "b"}}},
		}, "unknown callee"},
		{"jump out of range", []*Body{
			{Func: &jit.Func{Name: "a"}, Code: []Instr{{Op: OpJmp, Target: 5}}},
		}, "out of range"},
		{"bad local", []*Body{
			{Func: &jit.Func{Name: "a"}, NumLocals: 1, Code: []Instr{{Op: OpSet, Local: 1}}},
		}, "local 1"},
		{"duplicate", []*Body{
			{Func: &jit.Func{Name: "a"}}, {Func: &jit.Func{Name: "a"}},
		}, "duplicate"},
	} {
		p, err := NewProgram(tc.bodies...)
		if err == nil || !strings.Contains(err.Error(), tc.err) {
			t.Errorf("%s: got %v", tc.name, err)
		}
		if p != nil {
			p.Close()
		}
		for _, b := range tc.bodies {
			if b.Func.ID != 0 {
				jit.UnregisterFunc(b.Func.ID)
			}
		}
	}
}

func TestBlocks(t *testing.T) {
	p, err := NewProgram(DemoProgram()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	work := p.Lookup("work")
	for _, tc := range []struct{ off, end int32 }{{0, 2}, {1, 2}, {3, 3}, {5, 6}, {7, 7}} {
		if got := work.BlockEnd(tc.off); got != tc.end {
			t.Errorf("BlockEnd(%d) = %d, expected %d", tc.off, got, tc.end)
		}
	}
	if work.At(100).Op != OpRet {
		t.Errorf("no implicit return past the end")
	}
	if p.Lookup("main").Callee(1) != p.Lookup("work").Func {
		t.Errorf("call target not resolved")
	}
	if jit.LookupFunc(work.Func.ID) != work.Func {
		t.Errorf("function not registered")
	}
	if !strings.Contains(p.String(), "DecJnz L0, 1") {
		t.Errorf("listing:\n%s", p)
	}
}
