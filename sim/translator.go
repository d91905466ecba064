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
	"sync"
	"sync/atomic"

	"github.com/launix-de/jitsvc/jit"
)

/*
the translator emits just enough code per block for the dispatcher to have
something real to decode and patch: filler, then the block's exits.

  fallthrough/Jmp  smashable jmp -> bind stub (or an address slot for indirect jumps)
  DecJnz           smashable jcc(NE) -> bind stub for the target, smashable jmp -> bind stub for the next block
  Call             smashable call -> bind call stub, smashable jmp -> bind stub for the return offset
  Ret              trap

profiling translations count their executions and request an optimized
translation once they are hot.
*/

// Exit is one patchable exit of a translation.
type Exit struct {
	Kind jit.IncomingKind
	Site jit.TCA
}

// TransMeta describes a translation emitted by the Translator.
type TransMeta struct {
	T        *jit.Translation
	BlockEnd int32
	Exits    []Exit
	OptStub  jit.TCA // RETRANSLATE_OPT request stub, profiling translations only
	hits     atomic.Int32
}

// PrologueMeta describes an emitted prologue.
type PrologueMeta struct {
	T     *jit.Translation // Start is the prologue entry
	Guard jit.TCA
	Exit  jit.TCA // smashable jmp to the function body
}

type Translator struct {
	rt   *jit.Runtime
	prog *Program

	JitThreshold int32 // lookups of a key before it gets translated
	OptThreshold int32 // executions of a profiling translation before it is optimized

	lookups   sync.Map // packed SrcKey -> *atomic.Int32
	meta      sync.Map // jit.TCA -> *TransMeta
	prologues sync.Map // jit.PrologueKey -> *PrologueMeta
	guards    sync.Map // guard jit.TCA -> *PrologueMeta
	optimized sync.Map // jit.FuncID -> struct{}

	emitted atomic.Uint64
}

func NewTranslator(rt *jit.Runtime, prog *Program) *Translator {
	return &Translator{rt: rt, prog: prog, JitThreshold: 1, OptThreshold: 8}
}

// Meta returns the metadata of the translation starting at start.
func (tr *Translator) Meta(start jit.TCA) *TransMeta {
	if m, ok := tr.meta.Load(start); ok {
		return m.(*TransMeta)
	}
	return nil
}

// PrologueAt returns the prologue whose guard or entry is a.
func (tr *Translator) PrologueAt(a jit.TCA) *PrologueMeta {
	if m, ok := tr.guards.Load(a); ok {
		return m.(*PrologueMeta)
	}
	r, ok := tr.rt.Code.Owner(a)
	if !ok || r.Kind != jit.OwnerPrologue {
		return nil
	}
	if m, ok := tr.guards.Load(r.Start); ok {
		return m.(*PrologueMeta)
	}
	return nil
}

// Emitted counts translations and prologues emitted so far.
func (tr *Translator) Emitted() uint64 {
	return tr.emitted.Load()
}

func (tr *Translator) warm(sk jit.SrcKey) bool {
	c, _ := tr.lookups.LoadOrStore(sk.ToAtomicInt(), new(atomic.Int32))
	return c.(*atomic.Int32).Add(1) > tr.JitThreshold
}

func (tr *Translator) GetTranslation(args jit.TransArgs) jit.TCA {
	if a := tr.rt.TopTranslation(args.SK); a != 0 {
		return a
	}
	if !tr.warm(args.SK) {
		return 0
	}
	return tr.translate(args, false)
}

func (tr *Translator) Retranslate(args jit.TransArgs) jit.TCA {
	return tr.translate(args, true)
}

// translate emits and publishes a translation under the write lease. Unless
// force is set, an existing top translation is returned instead.
func (tr *Translator) translate(args jit.TransArgs, force bool) jit.TCA {
	writer := tr.rt.Lease.TryAcquire(args.SK.Func, jit.TransProfile)
	if writer == nil {
		return 0
	}
	defer writer.Release()
	if a := tr.rt.TopTranslation(args.SK); a != 0 && !force {
		return a
	}
	kind := jit.TransLive
	if jit.Settings().ProfData && args.Flags&jit.FlagForceLive == 0 {
		if _, opt := tr.optimized.Load(args.SK.Func); !opt {
			kind = jit.TransProfile
		}
	}
	t, err := tr.emitBlock(args.SK, kind, args.Flags)
	if err != nil {
		panic(err) // recovered by the dispatcher
	}
	return t.Start
}

func (tr *Translator) RetranslateOpt(sk jit.SrcKey, id jit.TransID) jit.TCA {
	writer := tr.rt.Lease.TryAcquire(sk.Func, jit.TransOptimize)
	if writer == nil {
		return tr.rt.TopTranslation(sk)
	}
	defer writer.Release()
	sr := tr.rt.SrcDB.Find(sk)
	if sr == nil {
		return 0
	}
	if top := sr.Top(); top == nil || top.ID != id || top.Kind != jit.TransProfile {
		// already replaced
		return sr.TopTranslation()
	}
	t, err := tr.emitBlock(sk, jit.TransOptimize, jit.FlagNoProfiledFallthrough)
	if err != nil {
		panic(err)
	}
	if sk.Offset == 0 && !sk.Resumed {
		tr.optimizePrologues(sk.FuncPtr())
	}
	return t.Start
}

func blockSize(sk jit.SrcKey, end int32) int {
	return 128 + 4*int(end-sk.Offset+1)
}

// bindStub allocates a REQ_BIND_JMP/REQ_BIND_ADDR stub for target; the site
// is filled in by linkStub once the branch is emitted.
func (tr *Translator) bindStub(req jit.ServiceRequest, f jit.FuncID, target int32, flags jit.TransFlags) (jit.TCA, error) {
	return tr.rt.AllocBindStub(req, 0, jit.SrcKey{Func: f, Offset: target}, flags)
}

func (tr *Translator) linkStub(stub, site jit.TCA) {
	tr.rt.Code.RequestInfo(stub).Args[0].Raw = uint64(site)
}

// emitBlock emits and publishes the translation of the block at sk. The
// caller holds the write lease.
func (tr *Translator) emitBlock(sk jit.SrcKey, kind jit.TransKind, flags jit.TransFlags) (*jit.Translation, error) {
	b := tr.prog.Body(sk.Func)
	if b == nil {
		return nil, fmt.Errorf("translate %s: no such function", sk)
	}
	d := tr.rt.Arch
	end := b.BlockEnd(sk.Offset)
	block := tr.rt.Code.Main
	if kind == jit.TransProfile {
		block = tr.rt.Code.Prof
	}
	w, err := block.Writer(blockSize(sk, end))
	if err != nil {
		return nil, err
	}
	id := jit.NewTransID()
	meta := &TransMeta{BlockEnd: end}

	sr := tr.rt.SrcDB.Insert(sk)
	if _, err := tr.rt.EnsureAnchor(sr); err != nil {
		return nil, err
	}
	if kind == jit.TransProfile {
		if meta.OptStub, err = tr.rt.Code.AllocRequestStub(d, jit.NewRetranslateOptReq(sk, id)); err != nil {
			return nil, err
		}
	}

	for off := sk.Offset; off < end; off++ {
		d.EmitPad(w) // stands in for the block body
	}
	in := b.At(end)
	next := end + 1
	switch in.Op {
	case OpJmp:
		if in.Indirect {
			stub, err := tr.bindStub(jit.ReqBindAddr, sk.Func, in.Target, flags)
			if err != nil {
				return nil, err
			}
			slot := w.EmitAddrSlot(d, stub)
			tr.linkStub(stub, slot)
			meta.Exits = append(meta.Exits, Exit{jit.IncomingAddr, slot})
		} else if err := tr.emitJmpExit(w, meta, sk.Func, in.Target, flags); err != nil {
			return nil, err
		}
	case OpDecJnz:
		stub, err := tr.bindStub(jit.ReqBindJmp, sk.Func, in.Target, flags)
		if err != nil {
			return nil, err
		}
		site := d.EmitSmashableJcc(w, jit.CondNE, stub)
		tr.linkStub(stub, site)
		meta.Exits = append(meta.Exits, Exit{jit.IncomingJcc, site})
		if err := tr.emitJmpExit(w, meta, sk.Func, next, flags); err != nil {
			return nil, err
		}
	case OpCall:
		target := tr.rt.Stubs.BindCallStub
		if in.Immutable {
			target = tr.rt.Stubs.ImmutableBindCallStub
		}
		site := d.EmitSmashableCall(w, target)
		meta.Exits = append(meta.Exits, Exit{jit.IncomingCall, site})
		if err := tr.emitJmpExit(w, meta, sk.Func, next, flags); err != nil {
			return nil, err
		}
	default: // Ret, or running off the end
		d.EmitTrap(w)
	}

	t := &jit.Translation{ID: id, Kind: kind, SK: sk, Start: w.Start, Size: int(w.Pos() - w.Start)}
	for w.Remaining() > 0 {
		d.EmitTrap(w)
	}
	meta.T = t
	tr.meta.Store(t.Start, meta)
	tr.rt.PublishTranslation(t)
	tr.emitted.Add(1)
	return t, nil
}

func (tr *Translator) emitJmpExit(w *jit.CodeWriter, meta *TransMeta, f jit.FuncID, target int32, flags jit.TransFlags) error {
	stub, err := tr.bindStub(jit.ReqBindJmp, f, target, flags)
	if err != nil {
		return err
	}
	site := tr.rt.Arch.EmitSmashableJmp(w, stub)
	tr.linkStub(stub, site)
	meta.Exits = append(meta.Exits, Exit{jit.IncomingJmp, site})
	return nil
}

func (tr *Translator) GetFuncPrologue(f *jit.Func, nArgs int) jit.TCA {
	key := jit.PrologueKey{Func: f.ID, NArgs: f.PrologueArgClass(nArgs)}
	if m, ok := tr.prologues.Load(key); ok {
		return m.(*PrologueMeta).T.Start
	}
	writer := tr.rt.Lease.TryAcquire(f.ID, jit.TransPrologue)
	if writer == nil {
		return 0
	}
	defer writer.Release()
	if m, ok := tr.prologues.Load(key); ok {
		return m.(*PrologueMeta).T.Start
	}
	section := tr.rt.Code.Main
	if _, opt := tr.optimized.Load(f.ID); !opt && jit.Settings().ProfData {
		section = tr.rt.Code.Prof
	}
	m, err := tr.emitPrologue(f, key, section)
	if err != nil {
		panic(err)
	}
	return m.T.Start
}

// emitPrologue emits func guard and prologue. The caller holds the lease.
func (tr *Translator) emitPrologue(f *jit.Func, key jit.PrologueKey, section *jit.CodeBlock) (*PrologueMeta, error) {
	d := tr.rt.Arch
	w, err := section.Writer(128)
	if err != nil {
		return nil, err
	}
	entry := d.EmitFuncGuard(w, f.ID, tr.rt.Stubs.FCallHelperThunk)
	guard := jit.FuncGuardFromPrologue(d, entry) // the guard may start after alignment padding
	stub, err := tr.bindStub(jit.ReqBindJmp, f.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	exit := d.EmitSmashableJmp(w, stub)
	tr.linkStub(stub, exit)
	size := int(w.Pos() - guard)
	for w.Remaining() > 0 {
		d.EmitTrap(w)
	}

	t := &jit.Translation{ID: jit.NewTransID(), Kind: jit.TransPrologue, SK: jit.SrcKey{Func: f.ID}, Start: entry, Size: size}
	m := &PrologueMeta{T: t, Guard: guard, Exit: exit}
	tr.rt.Code.Register(jit.CodeRange{Start: guard, Size: size, Kind: jit.OwnerPrologue, Name: fmt.Sprintf("%s/%d", f.Name, key.NArgs), Trans: t})
	tr.guards.Store(guard, m)
	tr.prologues.Store(key, m)
	tr.emitted.Add(1)
	return m, nil
}

// optimizePrologues moves every prologue of f into main code and rebinds
// the recorded callers. The caller holds the lease of f.
func (tr *Translator) optimizePrologues(f *jit.Func) {
	if f == nil {
		return
	}
	tr.optimized.Store(f.ID, struct{}{})
	tr.prologues.Range(func(k, v any) bool {
		key := k.(jit.PrologueKey)
		if key.Func != f.ID || !tr.rt.Code.Prof.Contains(v.(*PrologueMeta).T.Start) {
			return true
		}
		m, err := tr.emitPrologue(f, key, tr.rt.Code.Main)
		if err != nil {
			panic(err)
		}
		tr.rt.PublishPrologue(f, key.NArgs, m.T.Start)
		return true
	})
}

// DropFunc forgets f's prologues; used when f is reclaimed.
func (tr *Translator) DropFunc(f jit.FuncID) {
	tr.prologues.Range(func(k, v any) bool {
		if k.(jit.PrologueKey).Func == f {
			m := v.(*PrologueMeta)
			tr.prologues.Delete(k)
			tr.guards.Delete(m.Guard)
			tr.rt.Code.Unregister(m.Guard)
		}
		return true
	})
	tr.optimized.Delete(f)
}
