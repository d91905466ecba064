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
	"sync"
	"sync/atomic"
	"time"
)

/*
Treadmill
=========

deferred reclamation for code and metadata that a patch made unreachable.

every thread that may execute translated code owns a TreadmillThread and
marks safe points: Enter when it starts running code, Exit when it holds no
code address anymore. Enter records the current generation.

Enqueue bumps the generation and tags the work with it. The work runs once
every thread that is inside (started before or at that generation) has left
or passed a newer safe point, i.e. once the oldest start generation among
active threads is >= the tag.

nothing is freed under a lock and nothing blocks: Reclaim runs whatever is
ready and leaves the rest for the next safe point or sweep.
*/

const treadmillIdle = 0

type treadmillEntry struct {
	gen uint64
	fn  func()
}

// Treadmill is a generation based reclamation queue.
type Treadmill struct {
	gen atomic.Uint64

	mu      sync.Mutex
	threads []*TreadmillThread
	pending []treadmillEntry

	released atomic.Uint64

	sweepStop chan struct{}
	sweepDone sync.WaitGroup
}

// TreadmillThread is one execution thread's safe point state.
type TreadmillThread struct {
	tm    *Treadmill
	start atomic.Uint64 // generation at Enter, treadmillIdle outside
	Name  string
}

func NewTreadmill() *Treadmill {
	tm := new(Treadmill)
	tm.gen.Store(1)
	return tm
}

// RegisterThread adds a thread; it starts outside of translated code.
func (tm *Treadmill) RegisterThread(name string) *TreadmillThread {
	t := &TreadmillThread{tm: tm, Name: name}
	tm.mu.Lock()
	tm.threads = append(tm.threads, t)
	tm.mu.Unlock()
	return t
}

// UnregisterThread removes a thread for good; pending work no longer waits for it.
func (tm *Treadmill) UnregisterThread(t *TreadmillThread) {
	t.start.Store(treadmillIdle)
	tm.mu.Lock()
	for i, o := range tm.threads {
		if o == t {
			tm.threads = append(tm.threads[:i], tm.threads[i+1:]...)
			break
		}
	}
	tm.mu.Unlock()
	tm.Reclaim()
}

// Enter marks the start of a period in which the thread may hold code addresses.
func (t *TreadmillThread) Enter() {
	t.start.Store(t.tm.gen.Load())
}

// Exit marks a safe point after which the thread holds no code address.
func (t *TreadmillThread) Exit() {
	t.start.Store(treadmillIdle)
	t.tm.Reclaim()
}

// SafePoint is Exit followed by Enter.
func (t *TreadmillThread) SafePoint() {
	t.start.Store(treadmillIdle)
	t.tm.Reclaim()
	t.Enter()
}

// Active reports whether the thread is between Enter and Exit.
func (t *TreadmillThread) Active() bool {
	return t.start.Load() != treadmillIdle
}

// Enqueue schedules fn to run once no thread can still be inside whatever
// fn releases.
func (tm *Treadmill) Enqueue(fn func()) {
	tm.mu.Lock()
	g := tm.gen.Add(1)
	tm.pending = append(tm.pending, treadmillEntry{gen: g, fn: fn})
	tm.mu.Unlock()
}

// oldestStart returns the smallest start generation of active threads, or
// the next generation if no thread is active.
func (tm *Treadmill) oldestStartLocked() uint64 {
	oldest := tm.gen.Load() + 1
	for _, t := range tm.threads {
		if s := t.start.Load(); s != treadmillIdle && s < oldest {
			oldest = s
		}
	}
	return oldest
}

// Reclaim runs every entry whose generation has been passed by all threads.
// It returns the number of entries run.
func (tm *Treadmill) Reclaim() int {
	tm.mu.Lock()
	oldest := tm.oldestStartLocked()
	var ready []treadmillEntry
	keep := tm.pending[:0]
	for _, e := range tm.pending {
		if e.gen <= oldest {
			ready = append(ready, e)
		} else {
			keep = append(keep, e)
		}
	}
	// clear the tail so dropped closures can be collected
	for i := len(keep); i < len(tm.pending); i++ {
		tm.pending[i] = treadmillEntry{}
	}
	tm.pending = keep
	tm.mu.Unlock()

	for _, e := range ready {
		tm.run(e)
	}
	tm.released.Add(uint64(len(ready)))
	return len(ready)
}

func (tm *Treadmill) run(e treadmillEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("treadmill entry gen %d panicked: %v\n%s", e.gen, r, string(debug.Stack()))
		}
	}()
	e.fn()
}

// Pending counts entries that are not released yet.
func (tm *Treadmill) Pending() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}

// Released counts entries run so far.
func (tm *Treadmill) Released() uint64 {
	return tm.released.Load()
}

// StartSweeper retries reclamation every interval until StopSweeper.
// Threads that stay inside translated code for a long time would otherwise
// hold back everything enqueued after their last safe point until some
// other thread passes one.
func (tm *Treadmill) StartSweeper(interval time.Duration) {
	tm.mu.Lock()
	if tm.sweepStop != nil {
		tm.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	tm.sweepStop = stop
	tm.mu.Unlock()

	tm.sweepDone.Add(1)
	go func() {
		defer tm.sweepDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tm.Reclaim()
			}
		}
	}()
}

func (tm *Treadmill) StopSweeper() {
	tm.mu.Lock()
	stop := tm.sweepStop
	tm.sweepStop = nil
	tm.mu.Unlock()
	if stop != nil {
		close(stop)
		tm.sweepDone.Wait()
	}
}

func (tm *Treadmill) String() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	active := 0
	for _, t := range tm.threads {
		if t.Active() {
			active++
		}
	}
	return fmt.Sprintf("treadmill gen %d: %d threads (%d active), %d pending, %d released",
		tm.gen.Load(), len(tm.threads), active, len(tm.pending), tm.released.Load())
}
