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
	"sort"
	"sync"
)

// PrologueKey identifies one prologue variant of a function.
type PrologueKey struct {
	Func  FuncID
	NArgs int // prologue arg class, see Func.PrologueArgClass
}

// PrologueTransRec tracks the call sites bound to a profiling prologue.
// Main callers call it directly because the callee is known statically;
// guard callers enter through the func guard. Once an optimized prologue
// exists, every recorded caller is re-smashed to it.
//
// Mutated under the write lease of the callee function.
type PrologueTransRec struct {
	Key          PrologueKey
	mainCallers  map[TCA]struct{}
	guardCallers map[TCA]struct{}
}

func (r *PrologueTransRec) AddMainCaller(site TCA) {
	r.mainCallers[site] = struct{}{}
}

func (r *PrologueTransRec) AddGuardCaller(site TCA) {
	r.guardCallers[site] = struct{}{}
}

// RemoveCaller drops the site from both sets.
func (r *PrologueTransRec) RemoveCaller(site TCA) {
	delete(r.mainCallers, site)
	delete(r.guardCallers, site)
}

func sortedSites(m map[TCA]struct{}) []TCA {
	result := make([]TCA, 0, len(m))
	for s := range m {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (r *PrologueTransRec) MainCallers() []TCA  { return sortedSites(r.mainCallers) }
func (r *PrologueTransRec) GuardCallers() []TCA { return sortedSites(r.guardCallers) }

// ProfData is the PGO store as far as call binding needs it.
type ProfData struct {
	mu        sync.Mutex
	prologues map[PrologueKey]*PrologueTransRec
}

func NewProfData() *ProfData {
	return &ProfData{prologues: make(map[PrologueKey]*PrologueTransRec)}
}

// PrologueTransRec returns the record for (f, nArgs), creating it on first use.
func (p *ProfData) PrologueTransRec(f FuncID, nArgs int) *PrologueTransRec {
	key := PrologueKey{f, nArgs}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.prologues[key]
	if !ok {
		rec = &PrologueTransRec{
			Key:          key,
			mainCallers:  make(map[TCA]struct{}),
			guardCallers: make(map[TCA]struct{}),
		}
		p.prologues[key] = rec
	}
	return rec
}

// FindPrologueTransRec returns nil when no caller was ever recorded.
func (p *ProfData) FindPrologueTransRec(f FuncID, nArgs int) *PrologueTransRec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prologues[PrologueKey{f, nArgs}]
}

// DropFunc forgets all records of a function.
func (p *ProfData) DropFunc(f FuncID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.prologues {
		if k.Func == f {
			delete(p.prologues, k)
		}
	}
}

// FuncCaller is a call site recorded for reclamation of a function's prologues.
type FuncCaller struct {
	Site      TCA
	Immutable bool
	Profiled  bool
	ArgClass  int
}

// FuncCallers remembers every smashed call site per callee so the callee
// can be unloaded: each site gets redirected before its prologues are freed.
// Guarded by CodeCache.LockMetadata.
type FuncCallers struct {
	callers map[FuncID][]FuncCaller
}

func NewFuncCallers() *FuncCallers {
	return &FuncCallers{callers: make(map[FuncID][]FuncCaller)}
}

// Record adds or updates the entry for c.Site.
func (fc *FuncCallers) Record(f FuncID, c FuncCaller) {
	list := fc.callers[f]
	for i := range list {
		if list[i].Site == c.Site {
			list[i] = c
			return
		}
	}
	fc.callers[f] = append(list, c)
}

// Get returns a copy of the recorded callers.
func (fc *FuncCallers) Get(f FuncID) []FuncCaller {
	return append([]FuncCaller(nil), fc.callers[f]...)
}

// Take returns and forgets the callers of f.
func (fc *FuncCallers) Take(f FuncID) []FuncCaller {
	list := fc.callers[f]
	delete(fc.callers, f)
	return list
}
