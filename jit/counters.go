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
	"strings"
	"sync/atomic"
)

// Counter names a perf counter of the dispatcher.
type Counter int

const (
	CounterRetranslate Counter = iota
	CounterInterpBB
	CounterInterpBBForce
	CounterFallbackInterp
	CounterBindJmp
	CounterBindJmpSmashed
	CounterBindCall
	CounterBindCallSmashed
	CounterLeaseContended
	CounterStubsEnqueued
	CounterRecovered
	numCounters
)

var counterNames = [numCounters]string{
	"retranslate",
	"interp_bb",
	"interp_bb_force",
	"fallback_interp",
	"bind_jmp",
	"bind_jmp_smashed",
	"bind_call",
	"bind_call_smashed",
	"lease_contended",
	"stubs_enqueued",
	"recovered",
}

func (c Counter) String() string {
	if c >= 0 && c < numCounters {
		return counterNames[c]
	}
	return fmt.Sprintf("counter#%d", int(c))
}

// Counters is a fixed set of monotonic counters. Increments never block.
type Counters struct {
	v [numCounters]atomic.Uint64
}

func (cs *Counters) Inc(c Counter) {
	cs.v[c].Add(1)
}

func (cs *Counters) Get(c Counter) uint64 {
	return cs.v[c].Load()
}

// Snapshot returns all counters by name.
func (cs *Counters) Snapshot() map[string]uint64 {
	result := make(map[string]uint64, numCounters)
	for i := Counter(0); i < numCounters; i++ {
		result[i.String()] = cs.v[i].Load()
	}
	return result
}

func (cs *Counters) String() string {
	var b strings.Builder
	for i := Counter(0); i < numCounters; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%d", i, cs.v[i].Load())
	}
	return b.String()
}
