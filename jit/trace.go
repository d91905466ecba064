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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

// Tracefile writes events in the chrome trace event format
// (load into chrome://tracing or perfetto).
type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	closers []io.Closer
	m       sync.Mutex
	Name    string
}

var trace atomic.Pointer[Tracefile] // nil = tracing off
var TracePrint atomic.Bool          // whether to print traces to stdout

var traceStart = time.Now()

// CurrentTrace returns the active trace or nil.
func CurrentTrace() *Tracefile {
	return trace.Load()
}

// SetTrace closes the active trace and opens a new one if on is set.
func SetTrace(on bool, dir string, compress bool) error {
	if old := trace.Swap(nil); old != nil {
		old.Close()
	}
	if !on {
		return nil
	}
	name := filepath.Join(dir, "jit_trace_"+uuid.NewString()+".json")
	if compress {
		name += ".xz"
	}
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	var t *Tracefile
	if compress {
		zw, err := xz.NewWriter(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("xz trace file: %w", err)
		}
		t = NewTrace(zw)
		t.closers = append(t.closers, f)
	} else {
		t = NewTrace(f)
	}
	t.Name = name
	trace.Store(t)
	log.Infof("tracing to %s", name)
	return nil
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	result := new(Tracefile)
	result.file = file
	result.isFirst = true
	return result
}

func (t *Tracefile) Close() {
	t.m.Lock()
	defer t.m.Unlock()
	t.file.Write([]byte("]"))
	t.file.Close()
	for _, c := range t.closers {
		c.Close()
	}
}

func (t *Tracefile) Duration(name string, cat string, tid int, f func()) {
	t.EventHalf(name, cat, "B", tid, 0)
	defer t.EventHalf(name, cat, "E", tid, 0)
	f()
}

func (t *Tracefile) Event(name string, cat string, typ string) {
	t.EventHalf(name, cat, typ, 0, 0)
}

func (t *Tracefile) EventHalf(name string, cat string, typ string, tid int, pid int) {
	ts := time.Since(traceStart).Microseconds()
	t.EventFull(name, cat, typ, ts, tid, pid)
}

/*
@name event name
@cat comma separated categories (for filtering)
@typ B/E for begin/end, i for instant events
@ts timestamp in microseconds
@pid process id
@tid thread id
*/
func (t *Tracefile) EventFull(name string, cat string, typ string, ts int64, tid int, pid int) {
	if TracePrint.Load() {
		fmt.Printf("trace %s %s %s ts=%d tid=%d\n", typ, cat, name, ts, tid)
	}
	t.m.Lock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write([]byte("{\"name\": "))
	b, _ := json.Marshal(name) // name
	t.file.Write(b)
	t.file.Write([]byte(", \"cat\": "))
	b, _ = json.Marshal(cat) // cat
	t.file.Write(b)
	t.file.Write([]byte(", \"ph\": \""))
	t.file.Write([]byte(typ))
	t.file.Write([]byte("\", \"ts\": "))
	b, _ = json.Marshal(ts) // ts
	t.file.Write(b)
	t.file.Write([]byte(", \"pid\": "))
	b, _ = json.Marshal(pid) // pid
	t.file.Write(b)
	t.file.Write([]byte(", \"tid\": "))
	b, _ = json.Marshal(tid) // tid
	t.file.Write(b)
	t.file.Write([]byte(", \"s\": \"g\"}"))
	t.m.Unlock()
}
