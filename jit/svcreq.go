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
	"runtime/debug"
)

/*
Service requests
================

generated code that needs the runtime jumps into a request stub or calls a
handler with a ReqInfo. The handler returns the address generated code
continues at; it never returns zero and never panics for soft conditions.

argument slots per request:

  BIND_JMP, BIND_ADDR  [0] patch site  [1] packed SrcKey  [2] TransFlags
  RETRANSLATE          [0] offset      [1] TransFlags
  RETRANSLATE_OPT      [0] packed SrcKey [1] TransID
  POST_INTERP_RET      [0] returning frame [1] caller frame
  POST_DEBUGGER_RET    none, uses ctx.FP and ctx.DebuggerReturnOff
*/

type ServiceRequest uint8

const (
	ReqBindJmp ServiceRequest = iota
	ReqBindAddr
	ReqRetranslate
	ReqRetranslateOpt
	ReqPostInterpRet
	ReqPostDebuggerRet
)

func (r ServiceRequest) String() string {
	switch r {
	case ReqBindJmp:
		return "REQ_BIND_JMP"
	case ReqBindAddr:
		return "REQ_BIND_ADDR"
	case ReqRetranslate:
		return "REQ_RETRANSLATE"
	case ReqRetranslateOpt:
		return "REQ_RETRANSLATE_OPT"
	case ReqPostInterpRet:
		return "REQ_POST_INTERP_RET"
	case ReqPostDebuggerRet:
		return "REQ_POST_DEBUGGER_RET"
	}
	return fmt.Sprintf("REQ_%d", uint8(r))
}

// ReqArg is one register sized argument. Frame pointers travel in AR so the
// garbage collector keeps seeing them.
type ReqArg struct {
	Raw uint64
	AR  *ActRec
}

func (a ReqArg) TCA() TCA               { return TCA(a.Raw) }
func (a ReqArg) SrcKey() SrcKey         { return SrcKeyFromAtomicInt(a.Raw) }
func (a ReqArg) TransFlags() TransFlags { return TransFlags(a.Raw) }
func (a ReqArg) TransID() TransID       { return TransID(int32(a.Raw)) }
func (a ReqArg) Offset() int32          { return int32(a.Raw) }

// ReqInfo is a service request as raised by generated code.
type ReqInfo struct {
	Req  ServiceRequest
	Args [4]ReqArg
	Stub TCA // ephemeral request stub the request came through, if any
}

func (info *ReqInfo) String() string {
	switch info.Req {
	case ReqBindJmp, ReqBindAddr:
		return fmt.Sprintf("%s site=%#x sk=%s", info.Req, uintptr(info.Args[0].TCA()), info.Args[1].SrcKey())
	case ReqRetranslate:
		return fmt.Sprintf("%s off=%d", info.Req, info.Args[0].Offset())
	case ReqRetranslateOpt:
		return fmt.Sprintf("%s sk=%s trans#%d", info.Req, info.Args[0].SrcKey(), info.Args[1].TransID())
	}
	return info.Req.String()
}

func NewBindReq(req ServiceRequest, toSmash TCA, sk SrcKey, flags TransFlags) ReqInfo {
	return ReqInfo{Req: req, Args: [4]ReqArg{{Raw: uint64(toSmash)}, {Raw: sk.ToAtomicInt()}, {Raw: uint64(flags)}}}
}

func NewRetranslateReq(off int32, flags TransFlags) ReqInfo {
	return ReqInfo{Req: ReqRetranslate, Args: [4]ReqArg{{Raw: uint64(uint32(off))}, {Raw: uint64(flags)}}}
}

func NewRetranslateOptReq(sk SrcKey, id TransID) ReqInfo {
	return ReqInfo{Req: ReqRetranslateOpt, Args: [4]ReqArg{{Raw: sk.ToAtomicInt()}, {Raw: uint64(uint32(id))}}}
}

func NewPostInterpRetReq(ar, caller *ActRec) ReqInfo {
	return ReqInfo{Req: ReqPostInterpRet, Args: [4]ReqArg{{AR: ar}, {AR: caller}}}
}

func NewPostDebuggerRetReq() ReqInfo {
	return ReqInfo{Req: ReqPostDebuggerRet}
}

// bindJmp resolves sk and points the branch or address slot at toSmash to
// it. smashed is only set if the site was rewritten.
func (rt *Runtime) bindJmp(toSmash TCA, sk SrcKey, req ServiceRequest, flags TransFlags) (dest TCA, smashed bool) {
	rt.Counters.Inc(CounterBindJmp)
	dest = rt.Translator.GetTranslation(TransArgs{SK: sk, Flags: flags})
	if dest == 0 {
		return 0, false
	}

	writer := rt.Lease.TryAcquire(sk.Func, TransProfile)
	if writer == nil {
		// usable once, the site is bound the next time it is taken
		rt.Counters.Inc(CounterLeaseContended)
		return dest, false
	}
	defer writer.Release()

	sr := rt.SrcDB.Find(sk)
	if sr == nil {
		return 0, false
	}
	// the top translation may have been replaced or invalidated while we
	// went for the lease
	dest = sr.TopTranslation()
	if dest == 0 {
		return 0, false
	}

	defer rt.Code.LockCode()()

	if req == ReqBindAddr {
		if LoadAddrSlot(toSmash) == dest {
			return dest, false
		}
		sr.ChainFrom(rt.Arch, IncomingBranch{IncomingAddr, toSmash})
		rt.Counters.Inc(CounterBindJmpSmashed)
		return dest, true
	}

	kind := rt.Arch.Classify(toSmash)
	switch kind {
	case BranchJcc:
		target := rt.Arch.JccTarget(toSmash)
		if target == dest {
			return dest, false
		}
	case BranchJmp:
		target := rt.Arch.JmpTarget(toSmash)
		if target == 0 || target == dest {
			return dest, false
		}
	default:
		fatalf("%s: %s site %#x decodes as %s", rt.Arch.Name(), req, uintptr(toSmash), kind)
	}
	sr.ChainFrom(rt.Arch, incomingFromBranch(kind, toSmash))
	rt.Counters.Inc(CounterBindJmpSmashed)
	return dest, true
}

// HandleServiceRequest dispatches one request and returns where generated
// code continues. It never returns zero: if nothing could be resolved, the
// vm pc is synced and the interpreter entry is returned.
func (rt *Runtime) HandleServiceRequest(ctx *ExecContext, info *ReqInfo) TCA {
	// partially a lie: the pc is only synced below
	ctx.RegState = RegsClean
	defer func() { ctx.RegState = RegsDirty }()

	log.Debugf("handleServiceRequest %s", info)
	s := Settings()
	if s.RingBuffer {
		rt.Ring.AddServiceReq(info.Req, info.Args[0].Raw)
	}
	if t := CurrentTrace(); t != nil {
		name := info.Req.String()
		t.EventHalf(name, "svcreq", "B", 0, 0)
		defer t.EventHalf(name, "svcreq", "E", 0, 0)
	}

	start, sk, smashed := rt.dispatchRequest(ctx, info)

	if smashed && info.Stub != 0 {
		// other threads may still be inside the stub
		stub := info.Stub
		rt.Counters.Inc(CounterStubsEnqueued)
		rt.Treadmill.Enqueue(func() { rt.Code.FreeRequestStub(stub) })
	}

	if start == 0 {
		rt.Counters.Inc(CounterFallbackInterp)
		if sk.Valid() {
			ctx.SyncPC(sk.Offset)
		}
		start = rt.Stubs.InterpHelperSyncedPC
	}

	if s.RingBuffer {
		rt.Ring.AddResumeTC(sk, start)
	}
	return start
}

// dispatchRequest runs the per-kind action. Panics of collaborators are
// turned into "nothing resolved"; invariant violations propagate.
func (rt *Runtime) dispatchRequest(ctx *ExecContext, info *ReqInfo) (start TCA, sk SrcKey, smashed bool) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(FatalError); ok {
				panic(fe)
			}
			rt.Counters.Inc(CounterRecovered)
			log.Errorf("%s failed: %v\n%s", info, r, string(debug.Stack()))
			start, smashed = 0, false
		}
	}()

	switch info.Req {
	case ReqBindJmp, ReqBindAddr:
		toSmash := info.Args[0].TCA()
		sk = info.Args[1].SrcKey()
		flags := info.Args[2].TransFlags()
		start, smashed = rt.bindJmp(toSmash, sk, info.Req, flags)

	case ReqRetranslate:
		rt.Counters.Inc(CounterRetranslate)
		sk = SrcKey{Func: ctx.FP.Func.ID, Offset: info.Args[0].Offset(), Resumed: ctx.FP.Resumed}
		start = rt.Translator.Retranslate(TransArgs{SK: sk, Flags: info.Args[1].TransFlags()})
		log.Debugf("%s retranslated @%#x", sk, uintptr(start))

	case ReqRetranslateOpt:
		sk = info.Args[0].SrcKey()
		id := info.Args[1].TransID()
		start = rt.Translator.RetranslateOpt(sk, id)
		log.Debugf("%s retranslated-OPT: trans#%d start @%#x", sk, id, uintptr(start))

	case ReqPostInterpRet:
		// only the control flow part of the return: find the caller's translation
		ar, caller := info.Args[0].AR, info.Args[1].AR
		if caller != ctx.FP {
			fatalf("%s: caller frame is not the current frame", info.Req)
		}
		ar = returningFrame(ar, caller)
		ctx.SyncPC(ar.SOff)
		if ar.FCallAwait {
			if ar.FCallAwaitFlag > 1 {
				fatalf("%s: bad fcall await flag %d", info.Req, ar.FCallAwaitFlag)
			}
			if ar.FCallAwaitFlag == 1 {
				// the callee was interpreted and suspended
				start = rt.Stubs.FCallAwaitSuspendHelper
				return
			}
		}
		sk = SrcKey{Func: caller.Func.ID, Offset: ctx.PC, Resumed: caller.Resumed}
		start = rt.Translator.GetTranslation(TransArgs{SK: sk})
		log.Debugf("%s: from %s to %s", info.Req, ar.Func.Name, caller.Func.Name)

	case ReqPostDebuggerRet:
		fp := ctx.FP
		ctx.SyncPC(ctx.DebuggerReturnOff)
		log.Debugf("%s: pc %d in %s", info.Req, ctx.PC, fp.Func.Name)
		sk = SrcKey{Func: fp.Func.ID, Offset: ctx.PC, Resumed: fp.Resumed}
		start = rt.Translator.GetTranslation(TransArgs{SK: sk})

	default:
		fatalf("unknown service request %s", info.Req)
	}
	return
}
