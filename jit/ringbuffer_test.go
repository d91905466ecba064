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
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/pierrec/lz4/v4"
)

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 10; i++ {
		rb.AddMessage("entry %d", i)
	}
	entries := rb.Entries()
	if len(entries) != 4 || rb.Len() != 10 {
		t.Fatalf("%d entries retained of %d", len(entries), rb.Len())
	}
	for i, e := range entries {
		if e.Seq != uint64(6+i) || e.Msg != fmt.Sprintf("entry %d", 6+i) {
			t.Errorf("entry %d: %s", i, e)
		}
	}
}

func TestRingBufferConcurrentWriters(t *testing.T) {
	rb := NewRingBuffer(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rb.AddServiceReq(ReqBindJmp, uint64(j))
			}
		}()
	}
	wg.Wait()
	entries := rb.Entries()
	if len(entries) != 64 {
		t.Fatalf("%d entries", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Errorf("entries out of order at %d", i)
		}
	}
}

func TestRingBufferDump(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.AddServiceReq(ReqRetranslate, 3)
	rb.AddResumeTC(SrcKey{Func: 999998, Offset: 4}, 0x40)
	rb.AddBindCall(SrcKey{Func: 999998}, 0x80)

	var buf bytes.Buffer
	if err := rb.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	text, err := io.ReadAll(lz4.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(text)), "\n")
	if len(lines) != 3 {
		t.Fatalf("dump has %d lines:\n%s", len(lines), text)
	}
	for i, want := range []string{"svcreq REQ_RETRANSLATE arg0=0x3", "resumetc func#999998@4 -> 0x40", "bindcall func#999998@0 -> 0x80"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d: %q, expected suffix %q", i, lines[i], want)
		}
	}
}
