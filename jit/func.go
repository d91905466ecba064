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
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
)

// FuncKind distinguishes plain functions from the resumable flavours.
type FuncKind uint8

const (
	FuncNormal FuncKind = iota
	FuncGenerator
	FuncAsync
	FuncAsyncGenerator
)

// Func is the slice of function metadata the dispatcher needs.
type Func struct {
	ID        FuncID
	Name      string
	NumParams int // non-variadic parameters
	Kind      FuncKind
}

// IsNonAsyncGenerator is true for generators that support delegation via yield from.
func (f *Func) IsNonAsyncGenerator() bool {
	return f.Kind == FuncGenerator
}

// PrologueArgClass maps an argument count to the prologue variant that
// handles it: one prologue per count up to NumParams, one shared prologue
// for everything above.
func (f *Func) PrologueArgClass(nArgs int) int {
	if nArgs <= f.NumParams {
		return nArgs
	}
	return f.NumParams + 1
}

type funcEntry struct {
	f *Func
}

func (e funcEntry) GetKey() uint32 {
	return uint32(e.f.ID)
}

func (e funcEntry) ComputeSize() uint {
	return 64 + uint(len(e.f.Name))
}

/* global function registry, read lock-free from SrcKey.FuncPtr */
var funcTable = NonLockingReadMap.New[funcEntry, uint32]()
var funcTableMu sync.Mutex
var nextFuncID atomic.Uint32

// RegisterFunc assigns an id to f and publishes it.
func RegisterFunc(f *Func) *Func {
	funcTableMu.Lock()
	defer funcTableMu.Unlock()
	f.ID = FuncID(nextFuncID.Add(1))
	funcTable.Set(&funcEntry{f})
	return f
}

// UnregisterFunc removes f from the registry. Code that still references the
// function must have been reclaimed first (see Runtime.ReclaimFunc).
func UnregisterFunc(id FuncID) {
	funcTableMu.Lock()
	defer funcTableMu.Unlock()
	funcTable.Remove(uint32(id))
}

// LookupFunc returns nil for unknown ids.
func LookupFunc(id FuncID) *Func {
	e := funcTable.Get(uint32(id))
	if e == nil {
		return nil
	}
	return e.f
}

// ActRec is an activation record as seen by the service request handlers.
type ActRec struct {
	Func    *Func
	NumArgs int
	SOff    int32 // return offset in the caller, relative to the caller's base
	Resumed bool  // frame lives in a resumable (generator/async) object

	// FCallAwait frames may suspend when the callee returns; the flag is
	// 0 (no suspend) or 1 (suspend).
	FCallAwait     bool
	FCallAwaitFlag uint8

	// Gen is set for resumed generator frames.
	Gen *Generator

	SFP    *ActRec // caller frame, nil for the outermost frame
	Locals []int64
}

// Generator is a coroutine object. Delegate is non-nil while the generator
// is running a yield from over an inner generator.
type Generator struct {
	AR       *ActRec
	Delegate *Generator
}

// returningFrame fixes up the returning frame reported by generated code.
// While a non-async generator delegates to an inner generator, the reported
// frame is not on the stack; the frame that actually returned belongs to the
// delegate.
func returningFrame(ar, caller *ActRec) *ActRec {
	if caller == nil || !caller.Resumed || caller.Func == nil || !caller.Func.IsNonAsyncGenerator() {
		return ar
	}
	if caller.Gen == nil || caller.Gen.Delegate == nil {
		return ar
	}
	return caller.Gen.Delegate.AR
}
