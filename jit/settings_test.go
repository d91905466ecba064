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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"github.com/ulikunitz/xz"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jit.toml")
	writeFile(t, path, "fail_jit_prologs = true\ncode_size = \"2MiB\"\nring_buffer_size = 16\n")
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.FailJitPrologs || s.RingBufferSize != 16 || !s.EnableReusableTC {
		t.Errorf("loaded %+v", s)
	}
	if n, _ := s.CodeSizeBytes(); n != 2<<20 {
		t.Errorf("code size %d", n)
	}

	for _, bad := range []string{
		"code_size = \"lots\"\n",
		"arch = \"vax\"\n",
		"ring_buffer_size = 0\n",
		"sweep_interval = \"soon\"\n",
		"debug = \n",
	} {
		writeFile(t, path, bad)
		if _, err := LoadSettings(path); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}

	out := filepath.Join(dir, "out.toml")
	s.Arch = "arm64"
	if err := WriteSettings(out, s); err != nil {
		t.Fatal(err)
	}
	back, err := LoadSettings(out)
	if err != nil || back != s {
		t.Errorf("written settings load as %+v (%v)", back, err)
	}
}

func TestChangeSetting(t *testing.T) {
	withSettings(t, func(*SettingsT) {})
	for _, name := range SettingNames {
		if _, err := GetSetting(name); err != nil {
			t.Errorf("GetSetting(%s): %v", name, err)
		}
	}
	if err := ChangeSetting("Debug", "true"); err != nil {
		t.Fatal(err)
	}
	if v, _ := GetSetting("Debug"); v != true || !Settings().Debug {
		t.Errorf("Debug is %v", v)
	}
	if err := ChangeSetting("RingBufferSize", "128"); err != nil || Settings().RingBufferSize != 128 {
		t.Errorf("RingBufferSize: %v", err)
	}
	if err := ChangeSetting("Debug", "maybe"); err == nil {
		t.Errorf("accepted a bad bool")
	}
	if err := ChangeSetting("CodeSize", "much"); err == nil {
		t.Errorf("accepted a bad size")
	}
	if Settings().CodeSize != DefaultSettings().CodeSize {
		t.Errorf("rejected value was published")
	}
	if err := ChangeSetting("Colour", "blue"); err == nil {
		t.Errorf("accepted an unknown setting")
	}
	if _, err := GetSetting("Colour"); err == nil {
		t.Errorf("returned an unknown setting")
	}
}

func TestWatchSettings(t *testing.T) {
	withSettings(t, func(*SettingsT) {})
	path := filepath.Join(t.TempDir(), "jit.toml")
	writeFile(t, path, "ring_buffer_size = 32\n")

	reloaded := make(chan SettingsT, 16)
	stop, err := WatchSettings(path, func(s SettingsT) { reloaded <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	if Settings().RingBufferSize != 32 {
		t.Fatalf("initial load not published")
	}

	writeFile(t, path, "ring_buffer_size = 64\nprof_data = false\n")
	// an editor save may be seen half written first
	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case s := <-reloaded:
			if s.RingBufferSize == 64 {
				if s.ProfData {
					t.Errorf("reloaded %+v", s)
				}
				break wait
			}
		case <-timeout:
			t.Fatal("settings were not reloaded")
		}
	}
	if Settings().RingBufferSize != 64 {
		t.Errorf("reload not published")
	}

	if _, err := WatchSettings(filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Errorf("watching a missing file succeeded")
	}
}

func readTrace(t *testing.T, name string) []map[string]any {
	t.Helper()
	f, err := os.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(name, ".xz") {
		if r, err = xz.NewReader(f); err != nil {
			t.Fatal(err)
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	var events []map[string]any
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("trace is not valid json: %v\n%s", err, data)
	}
	return events
}

func TestTrace(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		if err := SetTrace(true, dir, compress); err != nil {
			t.Fatal(err)
		}
		tf := CurrentTrace()
		if tf == nil {
			t.Fatal("no trace after SetTrace")
		}
		rt, _, _ := newTestRuntime(t, "x64")
		f := testFunc(t, "traced", 0)
		ctx := rt.NewContext("test")
		ctx.FP = &ActRec{Func: f}
		info := NewPostDebuggerRetReq()
		rt.HandleServiceRequest(ctx, &info)
		tf.Event("marker", "test", "i")
		SetTrace(false, "", false)
		if CurrentTrace() != nil {
			t.Fatal("trace still active")
		}

		events := readTrace(t, tf.Name)
		if len(events) != 3 {
			t.Fatalf("%d events", len(events))
		}
		if events[0]["name"] != "REQ_POST_DEBUGGER_RET" || events[0]["ph"] != "B" || events[1]["ph"] != "E" {
			t.Errorf("request not traced: %v", events[:2])
		}
		if events[2]["name"] != "marker" || events[2]["cat"] != "test" {
			t.Errorf("last event %v", events[2])
		}
	}
}

func TestLogLevelSetting(t *testing.T) {
	withSettings(t, func(s *SettingsT) { s.Debug = false })
	if err := ChangeSetting("LogLevel", "-1"); err != nil {
		t.Fatal(err)
	}
	if l := commonlog.GetMaxLevel("jit", "svcreq"); l != commonlog.Warning {
		t.Errorf("log level %d, expected warning", l)
	}
	if log.AllowLevel(commonlog.Info) {
		t.Errorf("info messages pass at log level -1")
	}

	if err := ChangeSetting("Debug", "true"); err != nil {
		t.Fatal(err)
	}
	if l := commonlog.GetMaxLevel("jit", "svcreq"); l != commonlog.Debug {
		t.Errorf("log level %d in debug mode", l)
	}
	if !log.AllowLevel(commonlog.Debug) {
		t.Errorf("debug messages dropped in debug mode")
	}
}
