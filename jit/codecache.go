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
	"syscall"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/google/btree"
)

/*
translation cache memory
------------------------
one mmap'd arena split into three sections:
 - main:  live and optimized translations, optimized prologues
 - prof:  profiling translations and prologues (PGO callers are tracked for these)
 - stubs: unique stubs and per-request stubs

every allocation is entered into a btree so an arbitrary TCA can be mapped
back to the thing that owns it.
*/

// CodeBlock is one section of the arena. Allocation bumps the frontier.
type CodeBlock struct {
	Name     string
	base     TCA
	end      TCA
	mu       sync.Mutex
	frontier TCA
}

func (cb *CodeBlock) Contains(a TCA) bool {
	return a >= cb.base && a < cb.end
}

func (cb *CodeBlock) Base() TCA { return cb.base }

// Used returns the number of bytes handed out so far.
func (cb *CodeBlock) Used() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return int(cb.frontier - cb.base)
}

func (cb *CodeBlock) Capacity() int {
	return int(cb.end - cb.base)
}

// Writer reserves size bytes (16 byte aligned) and returns an emitter over them.
func (cb *CodeBlock) Writer(size int) (*CodeWriter, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	start := (cb.frontier + 15) &^ 15
	if start+TCA(size) > cb.end {
		return nil, fmt.Errorf("code block %s exhausted (%s of %s used)", cb.Name,
			units.BytesSize(float64(cb.frontier-cb.base)), units.BytesSize(float64(cb.end-cb.base)))
	}
	cb.frontier = start + TCA(size)
	return &CodeWriter{Ptr: start, Start: start, End: start + TCA(size)}, nil
}

// CodeWriter emits bytes into a reserved range. Emission happens before the
// range is published, so plain stores are fine here.
type CodeWriter struct {
	Ptr   TCA // current write position
	Start TCA
	End   TCA
}

func (w *CodeWriter) ensure(n int) {
	if w.Ptr+TCA(n) > w.End {
		panic(fmt.Sprintf("jit: code writer overflow at %#x (+%d)", uintptr(w.Ptr), n))
	}
}

func (w *CodeWriter) emitByte(b byte) {
	w.ensure(1)
	*(*byte)(unsafe.Pointer(w.Ptr)) = b
	w.Ptr++
}

func (w *CodeWriter) emitBytes(bs ...byte) {
	w.ensure(len(bs))
	copy(bytesAt(w.Ptr, len(bs)), bs)
	w.Ptr += TCA(len(bs))
}

func (w *CodeWriter) emitU32(v uint32, little bool) {
	if little {
		w.emitBytes(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	} else {
		w.emitBytes(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

func (w *CodeWriter) emitU64(v uint64, little bool) {
	if little {
		w.emitU32(uint32(v), true)
		w.emitU32(uint32(v>>32), true)
	} else {
		w.emitU32(uint32(v>>32), false)
		w.emitU32(uint32(v), false)
	}
}

// Pos is the address the next byte will be written to.
func (w *CodeWriter) Pos() TCA { return w.Ptr }

// Remaining bytes in the reservation.
func (w *CodeWriter) Remaining() int { return int(w.End - w.Ptr) }

// EmitAddrSlot emits an 8 byte aligned address slot (REQ_BIND_ADDR target)
// and returns its address.
func (w *CodeWriter) EmitAddrSlot(d Decoder, target TCA) TCA {
	for w.Ptr&7 != 0 {
		d.EmitPad(w)
	}
	slot := w.Ptr
	w.ensure(8)
	*(*uint64)(unsafe.Pointer(slot)) = uint64(target)
	w.Ptr += 8
	return slot
}

// CodeOwnerKind says what a code range is used for.
type CodeOwnerKind uint8

const (
	OwnerTranslation CodeOwnerKind = iota
	OwnerPrologue
	OwnerRequestStub
	OwnerUniqueStub
)

func (k CodeOwnerKind) String() string {
	switch k {
	case OwnerTranslation:
		return "translation"
	case OwnerPrologue:
		return "prologue"
	case OwnerRequestStub:
		return "reqstub"
	case OwnerUniqueStub:
		return "ustub"
	}
	return "unknown"
}

// CodeRange is an entry of the address index.
type CodeRange struct {
	Start TCA
	Size  int
	Kind  CodeOwnerKind
	Name  string
	Trans *Translation // OwnerTranslation, OwnerPrologue
	Req   *ReqInfo     // OwnerRequestStub
}

func (r CodeRange) Contains(a TCA) bool {
	return a >= r.Start && a < r.Start+TCA(r.Size)
}

// RequestStubSize is the slot size of one ephemeral request stub.
const RequestStubSize = 64

// CodeCache owns the arena, its sections, the address index and the two
// locks around code mutation.
type CodeCache struct {
	mem   []byte
	Main  *CodeBlock
	Prof  *CodeBlock
	Stubs *CodeBlock

	codeLock sync.Mutex // held only while instruction bytes are rewritten
	metaLock sync.Mutex // guards caller metadata shared across functions

	indexMu sync.RWMutex
	index   *btree.BTreeG[CodeRange]

	stubMu    sync.Mutex
	freeStubs []TCA
	liveStubs int
}

// NewCodeCache maps size bytes (rounded up to pages) and carves the sections.
func NewCodeCache(size int) (*CodeCache, error) {
	page := syscall.Getpagesize()
	n := (size + page - 1) & ^(page - 1)
	if n < 16*page {
		n = 16 * page
	}
	mem, err := syscall.Mmap(-1, 0, n, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code cache of %s: %w", units.BytesSize(float64(n)), err)
	}
	base := TCA(uintptr(unsafe.Pointer(&mem[0])))
	c := &CodeCache{mem: mem}
	q := TCA(n/4) &^ 15
	c.Main = &CodeBlock{Name: "main", base: base, end: base + 2*q, frontier: base}
	c.Prof = &CodeBlock{Name: "prof", base: base + 2*q, end: base + 3*q, frontier: base + 2*q}
	c.Stubs = &CodeBlock{Name: "stubs", base: base + 3*q, end: base + TCA(n), frontier: base + 3*q}
	c.index = btree.NewG[CodeRange](8, func(a, b CodeRange) bool {
		return a.Start < b.Start
	})
	return c, nil
}

// Close unmaps the arena. No thread may execute or patch code afterwards.
func (c *CodeCache) Close() error {
	if c.mem == nil {
		return nil
	}
	err := syscall.Munmap(c.mem)
	c.mem = nil
	return err
}

func (c *CodeCache) Contains(a TCA) bool {
	return c.Main.Contains(a) || c.Prof.Contains(a) || c.Stubs.Contains(a)
}

// Size of the whole arena in bytes.
func (c *CodeCache) Size() int { return len(c.mem) }

// LockCode serializes instruction rewrites. Usage: defer c.LockCode()()
func (c *CodeCache) LockCode() (unlock func()) {
	c.codeLock.Lock()
	return c.codeLock.Unlock
}

// LockMetadata guards the function caller registry.
func (c *CodeCache) LockMetadata() (unlock func()) {
	c.metaLock.Lock()
	return c.metaLock.Unlock
}

// Register enters a code range into the address index.
func (c *CodeCache) Register(r CodeRange) {
	c.indexMu.Lock()
	c.index.ReplaceOrInsert(r)
	c.indexMu.Unlock()
}

// Unregister drops the range starting at start.
func (c *CodeCache) Unregister(start TCA) {
	c.indexMu.Lock()
	c.index.Delete(CodeRange{Start: start})
	c.indexMu.Unlock()
}

// Owner finds the range containing a.
func (c *CodeCache) Owner(a TCA) (result CodeRange, ok bool) {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	c.index.DescendLessOrEqual(CodeRange{Start: a}, func(r CodeRange) bool {
		if r.Contains(a) {
			result, ok = r, true
		}
		return false
	})
	return
}

// AllocRequestStub hands out a stub slot for a service request that is only
// needed until the real target is known. The slot is filled with traps; the
// request itself is recorded in the index.
func (c *CodeCache) AllocRequestStub(d Decoder, info ReqInfo) (TCA, error) {
	c.stubMu.Lock()
	var stub TCA
	if n := len(c.freeStubs); n > 0 {
		stub = c.freeStubs[n-1]
		c.freeStubs = c.freeStubs[:n-1]
	}
	c.liveStubs++
	c.stubMu.Unlock()

	if stub == 0 {
		w, err := c.Stubs.Writer(RequestStubSize)
		if err != nil {
			c.stubMu.Lock()
			c.liveStubs--
			c.stubMu.Unlock()
			return 0, err
		}
		stub = w.Start
	}
	w := &CodeWriter{Ptr: stub, Start: stub, End: stub + RequestStubSize}
	for w.Remaining() > 0 {
		d.EmitTrap(w)
	}
	info.Stub = stub
	c.Register(CodeRange{Start: stub, Size: RequestStubSize, Kind: OwnerRequestStub, Name: info.Req.String(), Req: &info})
	return stub, nil
}

// RequestInfo returns the request recorded for a live stub, nil otherwise.
// The emitter of the branch into a stub fills in the patch site through it
// before the branch is published.
func (c *CodeCache) RequestInfo(stub TCA) *ReqInfo {
	r, ok := c.Owner(stub)
	if !ok || r.Kind != OwnerRequestStub || r.Start != stub {
		return nil
	}
	return r.Req
}

// FreeRequestStub returns a stub slot to the freelist. Callers that patched
// a branch away from the stub must go through the treadmill instead of
// calling this directly.
func (c *CodeCache) FreeRequestStub(stub TCA) {
	c.Unregister(stub)
	c.stubMu.Lock()
	c.freeStubs = append(c.freeStubs, stub)
	c.liveStubs--
	c.stubMu.Unlock()
}

// LiveRequestStubs counts stubs that are allocated and not yet freed.
func (c *CodeCache) LiveRequestStubs() int {
	c.stubMu.Lock()
	defer c.stubMu.Unlock()
	return c.liveStubs
}

// Stats summarizes section usage for humans.
func (c *CodeCache) Stats() string {
	return fmt.Sprintf("main %s/%s prof %s/%s stubs %s/%s (%d live request stubs)",
		units.BytesSize(float64(c.Main.Used())), units.BytesSize(float64(c.Main.Capacity())),
		units.BytesSize(float64(c.Prof.Used())), units.BytesSize(float64(c.Prof.Capacity())),
		units.BytesSize(float64(c.Stubs.Used())), units.BytesSize(float64(c.Stubs.Capacity())),
		c.LiveRequestStubs())
}
