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
)

/*
write lease
-----------
serializes every mutation of translations, incoming branches and caller
records of one function. Acquisition never waits: a thread that does not
get the lease keeps running with an unpatched address and tries again the
next time it passes the same stub.
*/

type leaseSlot struct {
	held atomic.Bool
	kind atomic.Uint32
}

// WriteLease hands out per-function leases.
type WriteLease struct {
	slots     sync.Map // FuncID -> *leaseSlot
	acquired  atomic.Uint64
	contended atomic.Uint64
}

// LeaseHolder is a held lease. A nil *LeaseHolder means "not acquired";
// Release on nil is a no-op so callers can always defer it.
type LeaseHolder struct {
	lease *WriteLease
	slot  *leaseSlot
	Func  FuncID
	Kind  TransKind
}

func (l *WriteLease) slot(f FuncID) *leaseSlot {
	if s, ok := l.slots.Load(f); ok {
		return s.(*leaseSlot)
	}
	s, _ := l.slots.LoadOrStore(f, new(leaseSlot))
	return s.(*leaseSlot)
}

// TryAcquire returns nil when another thread holds the lease for f.
func (l *WriteLease) TryAcquire(f FuncID, kind TransKind) *LeaseHolder {
	s := l.slot(f)
	if !s.held.CompareAndSwap(false, true) {
		l.contended.Add(1)
		return nil
	}
	s.kind.Store(uint32(kind))
	l.acquired.Add(1)
	return &LeaseHolder{lease: l, slot: s, Func: f, Kind: kind}
}

// Release gives the lease back. Releasing twice is a fatal error.
func (h *LeaseHolder) Release() {
	if h == nil {
		return
	}
	if !h.slot.held.CompareAndSwap(true, false) {
		fatalf("write lease for func#%d released twice", h.Func)
	}
}

// Held reports whether some thread currently holds the lease for f.
func (l *WriteLease) Held(f FuncID) bool {
	s, ok := l.slots.Load(f)
	return ok && s.(*leaseSlot).held.Load()
}

// Stats returns the number of successful and failed acquisitions.
func (l *WriteLease) Stats() (acquired, contended uint64) {
	return l.acquired.Load(), l.contended.Load()
}
