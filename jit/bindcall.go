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

// HandleBindCall binds the call at toSmash to the prologue of the callee
// frame's function and returns the address the call continues at. A call
// site that is not known to always call this function is bound to the func
// guard in front of the prologue instead.
func (rt *Runtime) HandleBindCall(toSmash TCA, callee *ActRec, isImmutable bool) TCA {
	f := callee.Func
	nArgs := callee.NumArgs
	log.Debugf("bindCall %s, %d args", f.Name, nArgs)
	rt.Counters.Inc(CounterBindCall)
	s := Settings()

	start := rt.prologueEntry(f, nArgs, isImmutable)
	if start == 0 || s.FailJitPrologs {
		// finish entering the callee frame in the runtime, then resume at
		// the callee's entry
		return rt.Stubs.FCallHelperThunk
	}

	writer := rt.Lease.TryAcquire(f.ID, TransProfile)
	if writer == nil {
		rt.Counters.Inc(CounterLeaseContended)
		return start
	}
	defer writer.Release()

	// the prologue may have been replaced while we went for the lease
	start = rt.prologueEntry(f, nArgs, isImmutable)
	if start == 0 {
		return rt.Stubs.FCallHelperThunk
	}

	defer rt.Code.LockCode()()

	if rt.Arch.CallTarget(toSmash) == start {
		return start
	}
	log.Debugf("bindCall smash %#x -> %#x", uintptr(toSmash), uintptr(start))
	rt.Arch.SmashCall(toSmash, start)
	rt.Counters.Inc(CounterBindCallSmashed)
	if s.RingBuffer {
		rt.Ring.AddBindCall(SrcKey{Func: f.ID}, start)
	}

	// callers of a prologue that still profiles are re-smashed once the
	// optimized prologue exists
	argClass := f.PrologueArgClass(nArgs)
	profiled := false
	if s.ProfData && rt.Code.Prof.Contains(start) {
		rec := rt.ProfData.PrologueTransRec(f.ID, argClass)
		if isImmutable {
			rec.AddMainCaller(toSmash)
		} else {
			rec.AddGuardCaller(toSmash)
		}
		profiled = true
	}

	// every site that has to be redirected before f's prologues are freed
	if s.EnableReusableTC {
		unlock := rt.Code.LockMetadata()
		rt.Callers.Record(f.ID, FuncCaller{Site: toSmash, Immutable: isImmutable, Profiled: profiled, ArgClass: argClass})
		unlock()
	}
	return start
}

func (rt *Runtime) prologueEntry(f *Func, nArgs int, isImmutable bool) TCA {
	start := rt.Translator.GetFuncPrologue(f, nArgs)
	if start != 0 && !isImmutable {
		start = FuncGuardFromPrologue(rt.Arch, start)
	}
	return start
}

// PublishPrologue re-smashes every recorded caller of the profiling
// prologue for (f, argClass) to prologue, guard callers to its func guard.
// The caller holds the write lease of f. Returns the number of call sites
// rewritten.
func (rt *Runtime) PublishPrologue(f *Func, argClass int, prologue TCA) int {
	if !rt.Lease.Held(f.ID) {
		fatalf("publish prologue of %s without write lease", f.Name)
	}
	rec := rt.ProfData.FindPrologueTransRec(f.ID, argClass)
	if rec == nil {
		return 0
	}
	guard := FuncGuardFromPrologue(rt.Arch, prologue)
	main, guarded := rec.MainCallers(), rec.GuardCallers()

	unlock := rt.Code.LockCode()
	for _, site := range main {
		rt.Arch.SmashCall(site, prologue)
		rec.RemoveCaller(site)
	}
	for _, site := range guarded {
		rt.Arch.SmashCall(site, guard)
		rec.RemoveCaller(site)
	}
	unlock()

	metaUnlock := rt.Code.LockMetadata()
	for _, c := range rt.Callers.Get(f.ID) {
		if c.Profiled && c.ArgClass == argClass {
			c.Profiled = false
			rt.Callers.Record(f.ID, c)
		}
	}
	metaUnlock()

	log.Debugf("published prologue of %s/%d: %d main, %d guard callers", f.Name, argClass, len(main), len(guarded))
	return len(main) + len(guarded)
}

// ReclaimFunc redirects every recorded call site of f to the fcall helper
// and hands release to the treadmill; release frees f's prologues once no
// thread can be inside them anymore. Returns false without doing anything
// when the lease of f is contended.
func (rt *Runtime) ReclaimFunc(f *Func, release func()) bool {
	writer := rt.Lease.TryAcquire(f.ID, TransPrologue)
	if writer == nil {
		rt.Counters.Inc(CounterLeaseContended)
		return false
	}
	defer writer.Release()

	metaUnlock := rt.Code.LockMetadata()
	callers := rt.Callers.Take(f.ID)
	metaUnlock()

	unlock := rt.Code.LockCode()
	for _, c := range callers {
		rt.Arch.SmashCall(c.Site, rt.Stubs.FCallHelperThunk)
	}
	unlock()

	rt.ProfData.DropFunc(f.ID)
	if release != nil {
		rt.Counters.Inc(CounterStubsEnqueued)
		rt.Treadmill.Enqueue(release)
	}
	log.Debugf("reclaimed %s: %d call sites redirected", f.Name, len(callers))
	return true
}
