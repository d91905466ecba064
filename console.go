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

package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/launix-de/jitsvc/jit"
)

const newprompt = "\033[32mjit>\033[0m "
const resultprompt = "\033[31m=\033[0m "

// ReplInstance is the running console, nil if there is none
var ReplInstance *readline.Instance

var consoleHelp = `commands:
  help                 show this help
  stats                runtime and workload statistics
  counters             service request counters
  settings             list all settings
  get <name>           show one setting
  set <name> <value>   change a setting
  run [n]              run main n times on this thread (default 1)
  stress [threads] [n] run main n times on each of threads workers
  ring [n]             show the last n ring buffer entries (default 20)
  srcdb                list all source keys with their translations
  invalidate <func> <off>
                       drop the translations of a source key
  treadmill            show the reclamation queue
  quit                 leave the console
`

// Console reads commands until quit or EOF.
func Console(w *workload) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".jitsvc-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("stats"),
			readline.PcItem("counters"),
			readline.PcItem("settings"),
			readline.PcItem("get", settingItems()...),
			readline.PcItem("set", settingItems()...),
			readline.PcItem("run"),
			readline.PcItem("stress"),
			readline.PcItem("ring"),
			readline.PcItem("srcdb"),
			readline.PcItem("invalidate"),
			readline.PcItem("treadmill"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		panic(err)
	}
	ReplInstance = l
	defer func() {
		l.Close()
		ReplInstance = nil
	}()
	l.CaptureExitSignal()

	ctx := w.rt.NewContext("console")
	defer w.rt.ReleaseContext(ctx)

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			break
		}

		// anti-panic func
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Println("panic:", r, string(debug.Stack()))
				}
			}()
			if err := w.command(ctx, fields); err != nil {
				fmt.Println("error:", err)
			}
		}()
	}
}

func settingItems() []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(jit.SettingNames))
	for i, name := range jit.SettingNames {
		items[i] = readline.PcItem(name)
	}
	return items
}

func intArg(fields []string, i int, def int) (int, error) {
	if len(fields) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(fields[i])
	if err != nil {
		return 0, fmt.Errorf("%s: expected a number, got %q", fields[0], fields[i])
	}
	return n, nil
}

func (w *workload) command(ctx *jit.ExecContext, fields []string) error {
	switch fields[0] {
	case "help":
		fmt.Print(consoleHelp)
	case "stats":
		w.printStats(0)
	case "counters":
		snap := w.rt.Counters.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-20s %d\n", name, snap[name])
		}
	case "settings":
		for _, name := range jit.SettingNames {
			v, _ := jit.GetSetting(name)
			fmt.Printf("%-20s %v\n", name, v)
		}
	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <name>")
		}
		v, err := jit.GetSetting(fields[1])
		if err != nil {
			return err
		}
		fmt.Print(resultprompt)
		fmt.Println(v)
	case "set":
		if len(fields) != 3 {
			return fmt.Errorf("usage: set <name> <value>")
		}
		return jit.ChangeSetting(fields[1], fields[2])
	case "run":
		n, err := intArg(fields, 1, 1)
		if err != nil {
			return err
		}
		before := w.m.Program().Sum.Load()
		for i := 0; i < n; i++ {
			if err := w.m.Run(ctx, "main"); err != nil {
				return err
			}
		}
		fmt.Print(resultprompt)
		fmt.Println(w.m.Program().Sum.Load() - before)
	case "stress":
		threads, err := intArg(fields, 1, 4)
		if err != nil {
			return err
		}
		n, err := intArg(fields, 2, 100)
		if err != nil {
			return err
		}
		elapsed, err := w.runWorkers(threads, n, "main")
		w.printStats(elapsed)
		return err
	case "ring":
		n, err := intArg(fields, 1, 20)
		if err != nil {
			return err
		}
		entries := w.rt.Ring.Entries()
		if len(entries) > n {
			entries = entries[len(entries)-n:]
		}
		for _, e := range entries {
			fmt.Println(e)
		}
	case "srcdb":
		for _, sr := range w.rt.SrcDB.All() {
			fmt.Printf("%s: %d translations, %d incoming, top %#x\n",
				sr.SK(), len(sr.Translations()), len(sr.IncomingBranches()), uintptr(sr.TopTranslation()))
		}
	case "invalidate":
		if len(fields) != 3 {
			return fmt.Errorf("usage: invalidate <func> <off>")
		}
		b := w.m.Program().Lookup(fields[1])
		if b == nil {
			return fmt.Errorf("unknown function: %s", fields[1])
		}
		off, err := intArg(fields, 2, 0)
		if err != nil {
			return err
		}
		if !w.rt.InvalidateSrcKey(jit.SrcKey{Func: b.Func.ID, Offset: int32(off)}) {
			return fmt.Errorf("write lease for %s is held by another thread", fields[1])
		}
	case "treadmill":
		fmt.Println(w.rt.Treadmill)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, type help\n", fields[0])
	}
	return nil
}
