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
)

// Translator is the compiler and translation cache.
type Translator interface {
	// GetTranslation returns the top translation for args.SK, translating
	// if needed and allowed. Zero when there is none.
	GetTranslation(args TransArgs) TCA
	// Retranslate creates a new translation for args.SK.
	Retranslate(args TransArgs) TCA
	// RetranslateOpt replaces the profiled translation id with an optimized one.
	RetranslateOpt(sk SrcKey, id TransID) TCA
	// GetFuncPrologue returns the prologue for f called with nArgs
	// arguments (not the func guard in front of it).
	GetFuncPrologue(f *Func, nArgs int) TCA
}

// Interpreter executes bytecode one basic block at a time.
type Interpreter interface {
	// DispatchBB interprets from ctx.PC up to the end of the basic block
	// and returns an address to continue at, or zero to continue with a
	// lookup at the new ctx.PC.
	DispatchBB(ctx *ExecContext) TCA
	// SuspendStack suspends the async stack at pc; zero if there is no
	// direct continuation.
	SuspendStack(ctx *ExecContext, pc int32) TCA
}

// Runtime ties the code cache, the translation database and the collaborators
// together. One Runtime serves every execution thread.
type Runtime struct {
	Arch      Decoder
	Code      *CodeCache
	SrcDB     *SrcDB
	Lease     *WriteLease
	Treadmill *Treadmill
	ProfData  *ProfData
	Callers   *FuncCallers
	Stubs     UniqueStubs
	Ring      *RingBuffer
	Counters  Counters

	Translator Translator
	Interp     Interpreter
}

// NewRuntime allocates the code cache and emits the unique stubs according
// to s. Translator and Interp have to be set before the first request.
func NewRuntime(s *SettingsT) (*Runtime, error) {
	arch, err := SelectDecoder(s.Arch)
	if err != nil {
		return nil, err
	}
	size, err := s.CodeSizeBytes()
	if err != nil {
		return nil, err
	}
	code, err := NewCodeCache(size)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Arch:      arch,
		Code:      code,
		SrcDB:     NewSrcDB(),
		Lease:     new(WriteLease),
		Treadmill: NewTreadmill(),
		ProfData:  NewProfData(),
		Callers:   NewFuncCallers(),
		Ring:      NewRingBuffer(s.RingBufferSize),
	}
	if rt.Stubs, err = emitUniqueStubs(arch, code); err != nil {
		code.Close()
		return nil, err
	}
	interval, err := s.SweepDuration()
	if err != nil {
		code.Close()
		return nil, err
	}
	if interval > 0 {
		rt.Treadmill.StartSweeper(interval)
	}
	log.Infof("runtime: %s decoder, code cache %s", arch.Name(), code.Stats())
	return rt, nil
}

// Close stops background work and releases the code cache. All threads
// must have left translated code.
func (rt *Runtime) Close() error {
	rt.Treadmill.StopSweeper()
	rt.Treadmill.Reclaim()
	return rt.Code.Close()
}

// NewContext creates the execution context of a new thread.
func (rt *Runtime) NewContext(name string) *ExecContext {
	return &ExecContext{Thread: rt.Treadmill.RegisterThread(name)}
}

// ReleaseContext unregisters the context's thread from the treadmill.
func (rt *Runtime) ReleaseContext(ctx *ExecContext) {
	if ctx.Thread != nil {
		rt.Treadmill.UnregisterThread(ctx.Thread)
		ctx.Thread = nil
	}
}

// TopTranslation is the lock-free read of the current translation for sk.
func (rt *Runtime) TopTranslation(sk SrcKey) TCA {
	if sr := rt.SrcDB.Find(sk); sr != nil {
		return sr.TopTranslation()
	}
	return 0
}

// PublishTranslation makes t the top translation of t.SK and redirects every
// branch that was chained to the key. The caller holds the write lease of
// the key's function.
func (rt *Runtime) PublishTranslation(t *Translation) {
	if !rt.Lease.Held(t.SK.Func) {
		fatalf("publish %s without write lease", t)
	}
	sr := rt.SrcDB.Insert(t.SK)
	kind := OwnerTranslation
	if t.Kind == TransPrologue {
		kind = OwnerPrologue
	}
	rt.Code.Register(CodeRange{Start: t.Start, Size: t.Size, Kind: kind, Name: t.SK.String(), Trans: t})
	defer rt.Code.LockCode()()
	sr.NewTranslation(rt.Arch, t)
	log.Debugf("published %s (%d incoming)", t, len(sr.incoming))
}

// InvalidateSrcKey drops the translations of sk; chained branches go back to
// the record's anchor. The dropped code is unregistered through the
// treadmill. Returns false if the lease is contended.
func (rt *Runtime) InvalidateSrcKey(sk SrcKey) bool {
	sr := rt.SrcDB.Find(sk)
	if sr == nil {
		return true
	}
	writer := rt.Lease.TryAcquire(sk.Func, TransLive)
	if writer == nil {
		rt.Counters.Inc(CounterLeaseContended)
		return false
	}
	defer writer.Release()

	if _, err := rt.EnsureAnchor(sr); err != nil {
		log.Errorf("invalidate %s: %s", sk, err)
		return false
	}
	unlock := rt.Code.LockCode()
	old := sr.Invalidate(rt.Arch)
	unlock()

	if len(old) > 0 {
		rt.Counters.Inc(CounterStubsEnqueued)
		rt.Treadmill.Enqueue(func() {
			for _, t := range old {
				rt.Code.Unregister(t.Start)
			}
		})
	}
	log.Debugf("invalidated %s: %d translations", sk, len(old))
	return true
}

// EnsureAnchor returns the anchor of sr and allocates a retranslate stub as
// anchor when there is none yet. Requires the lease of sr's func.
func (rt *Runtime) EnsureAnchor(sr *SrcRec) (TCA, error) {
	if a := sr.Anchor(); a != 0 {
		return a, nil
	}
	a, err := rt.Code.AllocRequestStub(rt.Arch, NewRetranslateReq(sr.SK().Offset, 0))
	if err != nil {
		return 0, err
	}
	sr.SetAnchor(a)
	return a, nil
}

// AllocBindStub allocates a request stub that binds a branch to sk.
// The stub's ReqInfo names toSmash as the site to patch.
func (rt *Runtime) AllocBindStub(req ServiceRequest, toSmash TCA, sk SrcKey, flags TransFlags) (TCA, error) {
	if req != ReqBindJmp && req != ReqBindAddr {
		return 0, fmt.Errorf("%s is not a bind request", req)
	}
	return rt.Code.AllocRequestStub(rt.Arch, NewBindReq(req, toSmash, sk, flags))
}

func (rt *Runtime) String() string {
	return fmt.Sprintf("%s decoder, %d srckeys, %s, %s", rt.Arch.Name(), rt.SrcDB.Len(), rt.Code.Stats(), rt.Treadmill)
}
