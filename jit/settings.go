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
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
	"github.com/tliron/commonlog"
)

type SettingsT struct {
	FailJitPrologs   bool   `toml:"fail_jit_prologs"`   // never bind calls to prologues
	EnableReusableTC bool   `toml:"enable_reusable_tc"` // track callers so functions can be unloaded
	ProfData         bool   `toml:"prof_data"`          // record profiling callers
	Debug            bool   `toml:"debug"`
	RingBuffer       bool   `toml:"ring_buffer"`
	RingBufferSize   int    `toml:"ring_buffer_size"`
	Trace            bool   `toml:"trace"`
	TracePrint       bool   `toml:"trace_print"`
	TraceCompress    bool   `toml:"trace_compress"`
	TraceDir         string `toml:"trace_dir"`
	LogLevel         int    `toml:"log_level"` // commonlog verbosity of the jit loggers, debug forces 2
	Arch             string `toml:"arch"`      // "" = host
	CodeSize         string `toml:"code_size"` // e.g. "64MiB"
	SweepInterval    string `toml:"sweep_interval"`
}

var defaultSettings = SettingsT{
	EnableReusableTC: true,
	ProfData:         true,
	RingBufferSize:   4096,
	LogLevel:         1,
	CodeSize:         "64MiB",
	SweepInterval:    "10ms",
}

// the published settings; readers on the hot path load the pointer once
var currentSettings atomic.Pointer[SettingsT]
var settingsMu sync.Mutex // serializes writers

func init() {
	s := defaultSettings
	currentSettings.Store(&s)
}

// Settings returns the current snapshot. Never modify the result.
func Settings() *SettingsT {
	return currentSettings.Load()
}

// DefaultSettings returns a copy of the built-in defaults.
func DefaultSettings() SettingsT {
	return defaultSettings
}

// CodeSizeBytes parses CodeSize.
func (s *SettingsT) CodeSizeBytes() (int, error) {
	n, err := units.RAMInBytes(s.CodeSize)
	if err != nil {
		return 0, fmt.Errorf("code_size %q: %w", s.CodeSize, err)
	}
	return int(n), nil
}

// SweepDuration parses SweepInterval; 0 disables the sweeper.
func (s *SettingsT) SweepDuration() (time.Duration, error) {
	if s.SweepInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.SweepInterval)
	if err != nil {
		return 0, fmt.Errorf("sweep_interval %q: %w", s.SweepInterval, err)
	}
	return d, nil
}

func (s *SettingsT) validate() error {
	if _, err := s.CodeSizeBytes(); err != nil {
		return err
	}
	if _, err := s.SweepDuration(); err != nil {
		return err
	}
	if s.RingBufferSize < 1 {
		return fmt.Errorf("ring_buffer_size must be positive, got %d", s.RingBufferSize)
	}
	if s.Arch != "" {
		if _, err := SelectDecoder(s.Arch); err != nil {
			return err
		}
	}
	return nil
}

// LoadSettings reads a toml file over the defaults.
func LoadSettings(path string) (SettingsT, error) {
	s := defaultSettings
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return s, fmt.Errorf("load settings %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return s, fmt.Errorf("load settings %s: %w", path, err)
	}
	return s, nil
}

// WriteSettings stores s as toml.
func WriteSettings(path string, s SettingsT) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(s)
}

// SetSettings publishes s and applies the side effects of changed values.
func SetSettings(s SettingsT) error {
	if err := s.validate(); err != nil {
		return err
	}
	settingsMu.Lock()
	defer settingsMu.Unlock()
	prev := currentSettings.Load()
	currentSettings.Store(&s)
	applySettings(prev, &s)
	return nil
}

var traceOnExit sync.Once

func applySettings(prev, s *SettingsT) {
	if prev.Trace != s.Trace || prev.TraceCompress != s.TraceCompress || prev.TraceDir != s.TraceDir {
		if err := SetTrace(s.Trace, s.TraceDir, s.TraceCompress); err != nil {
			log.Errorf("trace: %s", err)
		}
	}
	TracePrint.Store(s.TracePrint)
	level := commonlog.VerbosityToMaxLevel(s.LogLevel)
	if s.Debug {
		level = commonlog.Debug
	}
	commonlog.SetMaxLevel(level, "jit")
	traceOnExit.Do(func() {
		onexit.Register(func() { SetTrace(false, "", false) }) // close trace file on exit
	})
}

// InitSettings applies the current settings once at startup.
func InitSettings() {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	var off SettingsT
	applySettings(&off, currentSettings.Load())
}

// SettingNames lists the names ChangeSetting accepts.
var SettingNames = []string{
	"FailJitPrologs", "EnableReusableTC", "ProfData", "Debug", "RingBuffer",
	"RingBufferSize", "Trace", "TracePrint", "TraceCompress", "TraceDir",
	"LogLevel", "Arch", "CodeSize", "SweepInterval",
}

// GetSetting returns one setting by name.
func GetSetting(name string) (any, error) {
	s := Settings()
	switch name {
	case "FailJitPrologs":
		return s.FailJitPrologs, nil
	case "EnableReusableTC":
		return s.EnableReusableTC, nil
	case "ProfData":
		return s.ProfData, nil
	case "Debug":
		return s.Debug, nil
	case "RingBuffer":
		return s.RingBuffer, nil
	case "RingBufferSize":
		return s.RingBufferSize, nil
	case "Trace":
		return s.Trace, nil
	case "TracePrint":
		return s.TracePrint, nil
	case "TraceCompress":
		return s.TraceCompress, nil
	case "TraceDir":
		return s.TraceDir, nil
	case "LogLevel":
		return s.LogLevel, nil
	case "Arch":
		return s.Arch, nil
	case "CodeSize":
		return s.CodeSize, nil
	case "SweepInterval":
		return s.SweepInterval, nil
	}
	return nil, fmt.Errorf("unknown setting: %s", name)
}

// ChangeSetting parses value and publishes a new snapshot. Arch and
// CodeSize only take effect for runtimes created afterwards.
func ChangeSetting(name, value string) error {
	s := *Settings()
	var err error
	switch name {
	case "FailJitPrologs":
		s.FailJitPrologs, err = strconv.ParseBool(value)
	case "EnableReusableTC":
		s.EnableReusableTC, err = strconv.ParseBool(value)
	case "ProfData":
		s.ProfData, err = strconv.ParseBool(value)
	case "Debug":
		s.Debug, err = strconv.ParseBool(value)
	case "RingBuffer":
		s.RingBuffer, err = strconv.ParseBool(value)
	case "RingBufferSize":
		s.RingBufferSize, err = strconv.Atoi(value)
	case "Trace":
		s.Trace, err = strconv.ParseBool(value)
	case "TracePrint":
		s.TracePrint, err = strconv.ParseBool(value)
	case "TraceCompress":
		s.TraceCompress, err = strconv.ParseBool(value)
	case "TraceDir":
		s.TraceDir = value
	case "LogLevel":
		s.LogLevel, err = strconv.Atoi(value)
	case "Arch":
		s.Arch = value
	case "CodeSize":
		s.CodeSize = value
	case "SweepInterval":
		s.SweepInterval = value
	default:
		return fmt.Errorf("unknown setting: %s", name)
	}
	if err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	return SetSettings(s)
}

// WatchSettings loads path, publishes it and reloads on every change until
// stop is called. onReload is called after each successful reload.
func WatchSettings(path string, onReload func(SettingsT)) (stop func(), err error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if err = SetSettings(s); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch settings: %w", err)
	}
	if err = watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch settings %s: %w", path, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				// flush the burst of events an editor save produces
			flush:
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read empty files
					select {
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
					default:
						break flush
					}
				}
				s, err := LoadSettings(path)
				if err != nil {
					log.Errorf("reload settings: %s", err)
				} else if err := SetSettings(s); err != nil {
					log.Errorf("reload settings: %s", err)
				} else {
					log.Infof("reloaded settings from %s", path)
					if onReload != nil {
						onReload(s)
					}
				}
				watcher.Add(path) // text editors rename, so we have to rewatch
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warningf("settings watcher: %s", err)
			}
		}
	}()
	return func() {
		watcher.Close()
		<-done
	}, nil
}
