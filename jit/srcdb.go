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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
)

// Translation is one unit of generated code answering a SrcKey.
type Translation struct {
	ID    TransID
	Kind  TransKind
	SK    SrcKey
	Start TCA
	Size  int
}

func (t *Translation) String() string {
	return fmt.Sprintf("trans#%d(%s %s @%#x+%d)", t.ID, t.Kind, t.SK, uintptr(t.Start), t.Size)
}

var nextTransID atomic.Int32

// NewTransID hands out translation ids.
func NewTransID() TransID {
	return TransID(nextTransID.Add(1))
}

// IncomingBranch is a patch site that currently targets some translation.
type IncomingBranch struct {
	Kind IncomingKind
	From TCA
}

type IncomingKind uint8

const (
	IncomingAddr IncomingKind = iota // 8 byte address slot
	IncomingJmp
	IncomingJcc
	IncomingCall
)

func (k IncomingKind) String() string {
	switch k {
	case IncomingAddr:
		return "addr"
	case IncomingJmp:
		return "jmp"
	case IncomingJcc:
		return "jcc"
	case IncomingCall:
		return "call"
	}
	return "?"
}

func (ib IncomingBranch) String() string {
	return fmt.Sprintf("%s@%#x", ib.Kind, uintptr(ib.From))
}

func incomingFromBranch(k BranchKind, from TCA) IncomingBranch {
	switch k {
	case BranchJmp:
		return IncomingBranch{IncomingJmp, from}
	case BranchJcc:
		return IncomingBranch{IncomingJcc, from}
	case BranchCall:
		return IncomingBranch{IncomingCall, from}
	}
	fatalf("no incoming branch kind for %s at %#x", k, uintptr(from))
	return IncomingBranch{}
}

// branchKind is the instruction kind behind a code site.
func (k IncomingKind) branchKind() BranchKind {
	switch k {
	case IncomingJmp:
		return BranchJmp
	case IncomingJcc:
		return BranchJcc
	case IncomingCall:
		return BranchCall
	}
	return BranchUnknown
}

// Target reads the site's current destination.
func (ib IncomingBranch) Target(d Decoder) TCA {
	if ib.Kind == IncomingAddr {
		return LoadAddrSlot(ib.From)
	}
	return smashableTarget(d, ib.Kind.branchKind(), ib.From)
}

// Patch points the site at dest. The caller holds the code lock.
func (ib IncomingBranch) Patch(d Decoder, dest TCA) {
	if ib.Kind == IncomingAddr {
		SmashAddr(ib.From, dest)
		return
	}
	smash(d, ib.Kind.branchKind(), ib.From, dest)
}

/*
SrcRec
------
everything known about one SrcKey:
 - the top translation: read lock-free by any thread, swapped atomically
 - all translations ever created for the key (for reclamation)
 - every incoming branch, so a new top translation or an invalidation can
   redirect them

translations and incoming branches are only touched while the write lease
for the key's function is held.
*/
type SrcRec struct {
	sk           SrcKey
	top          atomic.Pointer[Translation]
	anchor       TCA // where incoming branches go when there is no translation
	translations []*Translation
	incoming     []IncomingBranch
}

func (sr *SrcRec) SK() SrcKey { return sr.sk }

// TopTranslation is safe to call without any lock.
func (sr *SrcRec) TopTranslation() TCA {
	if t := sr.top.Load(); t != nil {
		return t.Start
	}
	return 0
}

// Top returns the current top translation or nil.
func (sr *SrcRec) Top() *Translation {
	return sr.top.Load()
}

// Anchor is the fallback target for incoming branches.
func (sr *SrcRec) Anchor() TCA { return sr.anchor }

// SetAnchor sets the fallback target. Requires the lease.
func (sr *SrcRec) SetAnchor(a TCA) { sr.anchor = a }

// IncomingBranches returns a copy. Requires the lease.
func (sr *SrcRec) IncomingBranches() []IncomingBranch {
	return append([]IncomingBranch(nil), sr.incoming...)
}

// Translations returns a copy. Requires the lease.
func (sr *SrcRec) Translations() []*Translation {
	return append([]*Translation(nil), sr.translations...)
}

// ChainFrom registers a patch site and points it at the top translation.
// Requires the lease and the code lock. A site that is already registered
// is only re-patched.
func (sr *SrcRec) ChainFrom(d Decoder, br IncomingBranch) {
	dest := sr.TopTranslation()
	if dest == 0 {
		dest = sr.anchor
	}
	registered := false
	for _, ib := range sr.incoming {
		if ib == br {
			registered = true
			break
		}
	}
	if !registered {
		sr.incoming = append(sr.incoming, br)
	}
	if dest != 0 {
		br.Patch(d, dest)
	}
}

// RemoveIncoming forgets a patch site, e.g. when the code containing it is
// reclaimed. Requires the lease.
func (sr *SrcRec) RemoveIncoming(from TCA) bool {
	for i, ib := range sr.incoming {
		if ib.From == from {
			sr.incoming = append(sr.incoming[:i], sr.incoming[i+1:]...)
			return true
		}
	}
	return false
}

// NewTranslation publishes t as top translation and redirects every
// incoming branch to it. Requires the lease and the code lock.
func (sr *SrcRec) NewTranslation(d Decoder, t *Translation) {
	sr.translations = append(sr.translations, t)
	sr.top.Store(t)
	for _, ib := range sr.incoming {
		ib.Patch(d, t.Start)
	}
}

// Invalidate clears the top translation, sends all incoming branches to the
// anchor and returns the translations that are no longer reachable. They may
// only be freed through the treadmill. Requires the lease and the code lock.
// Incoming branches without an anchor are fatal.
func (sr *SrcRec) Invalidate(d Decoder) []*Translation {
	if sr.anchor == 0 && len(sr.incoming) > 0 {
		fatalf("invalidate %s: %d incoming branches and no anchor", sr.sk, len(sr.incoming))
	}
	sr.top.Store(nil)
	for _, ib := range sr.incoming {
		ib.Patch(d, sr.anchor)
	}
	old := sr.translations
	sr.translations = nil
	return old
}

type srcDBEntry struct {
	key uint64
	rec *SrcRec
}

func (e srcDBEntry) GetKey() uint64 { return e.key }

func (e srcDBEntry) ComputeSize() uint {
	return 96 + 16*uint(len(e.rec.incoming)) + 8*uint(len(e.rec.translations))
}

// SrcDB maps SrcKeys to their SrcRec. Lookups never block; inserts are
// serialized so two racing inserts of the same key end up with one record.
type SrcDB struct {
	m  NonLockingReadMap.NonLockingReadMap[srcDBEntry, uint64]
	mu sync.Mutex
}

func NewSrcDB() *SrcDB {
	return &SrcDB{m: NonLockingReadMap.New[srcDBEntry, uint64]()}
}

// Find returns nil when the key has never been translated.
func (db *SrcDB) Find(sk SrcKey) *SrcRec {
	e := db.m.Get(sk.ToAtomicInt())
	if e == nil {
		return nil
	}
	return e.rec
}

// Insert returns the existing record or creates one.
func (db *SrcDB) Insert(sk SrcKey) *SrcRec {
	if sr := db.Find(sk); sr != nil {
		return sr
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if sr := db.Find(sk); sr != nil {
		return sr
	}
	sr := &SrcRec{sk: sk}
	db.m.Set(&srcDBEntry{key: sk.ToAtomicInt(), rec: sr})
	return sr
}

// Len counts the keys with a record.
func (db *SrcDB) Len() int {
	return len(db.m.GetAll())
}

// All returns every record, in key order.
func (db *SrcDB) All() []*SrcRec {
	all := db.m.GetAll()
	result := make([]*SrcRec, len(all))
	for i, e := range all {
		result[i] = e.rec
	}
	return result
}
