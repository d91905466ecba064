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
	"bufio"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v4"
)

// RingEntryKind tags a ring buffer entry.
type RingEntryKind uint8

const (
	RBServiceReq RingEntryKind = iota
	RBResumeTC
	RBBindCall
	RBMessage
)

func (k RingEntryKind) String() string {
	switch k {
	case RBServiceReq:
		return "svcreq"
	case RBResumeTC:
		return "resumetc"
	case RBBindCall:
		return "bindcall"
	case RBMessage:
		return "msg"
	}
	return "?"
}

// RingEntry is one record of recent dispatcher activity.
type RingEntry struct {
	Seq  uint64
	Time time.Time
	Kind RingEntryKind
	Req  ServiceRequest
	SK   SrcKey
	Addr TCA
	Arg  uint64
	Msg  string
}

func (e *RingEntry) String() string {
	ts := e.Time.Format("15:04:05.000000")
	switch e.Kind {
	case RBServiceReq:
		return fmt.Sprintf("%d %s %s %s arg0=%#x", e.Seq, ts, e.Kind, e.Req, e.Arg)
	case RBResumeTC, RBBindCall:
		return fmt.Sprintf("%d %s %s %s -> %#x", e.Seq, ts, e.Kind, e.SK, uintptr(e.Addr))
	}
	return fmt.Sprintf("%d %s %s %s", e.Seq, ts, e.Kind, e.Msg)
}

// RingBuffer keeps the last N entries. Writers claim a slot with one atomic
// add and publish the entry with one pointer store, so concurrent writers
// never block each other and readers never see half written entries.
type RingBuffer struct {
	slots []atomic.Pointer[RingEntry]
	next  atomic.Uint64
}

func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{slots: make([]atomic.Pointer[RingEntry], size)}
}

func (rb *RingBuffer) add(e *RingEntry) {
	seq := rb.next.Add(1) - 1
	e.Seq = seq
	e.Time = time.Now()
	rb.slots[seq%uint64(len(rb.slots))].Store(e)
}

func (rb *RingBuffer) AddServiceReq(req ServiceRequest, arg0 uint64) {
	rb.add(&RingEntry{Kind: RBServiceReq, Req: req, Arg: arg0})
}

func (rb *RingBuffer) AddResumeTC(sk SrcKey, start TCA) {
	rb.add(&RingEntry{Kind: RBResumeTC, SK: sk, Addr: start})
}

func (rb *RingBuffer) AddBindCall(sk SrcKey, entry TCA) {
	rb.add(&RingEntry{Kind: RBBindCall, SK: sk, Addr: entry})
}

func (rb *RingBuffer) AddMessage(format string, args ...any) {
	rb.add(&RingEntry{Kind: RBMessage, Msg: fmt.Sprintf(format, args...)})
}

// Entries returns the retained entries, oldest first.
func (rb *RingBuffer) Entries() []*RingEntry {
	n := rb.next.Load()
	size := uint64(len(rb.slots))
	from := uint64(0)
	if n > size {
		from = n - size
	}
	result := make([]*RingEntry, 0, n-from)
	for seq := from; seq < n; seq++ {
		e := rb.slots[seq%size].Load()
		// a slot may be overwritten by a newer writer or not published yet
		if e != nil && e.Seq == seq {
			result = append(result, e)
		}
	}
	return result
}

// Len is the number of entries ever added.
func (rb *RingBuffer) Len() uint64 {
	return rb.next.Load()
}

// WriteTo dumps the entries as text lines.
func (rb *RingBuffer) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, e := range rb.Entries() {
		n, err := fmt.Fprintln(bw, e.String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// Dump writes an lz4 compressed text dump.
func (rb *RingBuffer) Dump(w io.Writer) error {
	zw := lz4.NewWriter(w)
	if _, err := rb.WriteTo(zw); err != nil {
		zw.Close()
		return fmt.Errorf("ring buffer dump: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("ring buffer dump: %w", err)
	}
	return nil
}
