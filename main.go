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
/*
	jitsvc: service request dispatcher and code patching core of a
	tracelet jit, driven by a simulated machine

*/
package main

import "os"
import "fmt"
import "flag"
import "sync"
import "time"
import "syscall"
import "os/signal"
import "crypto/rand"
import "runtime/pprof"
import "github.com/google/uuid"
import "github.com/jtolds/gls"
import "github.com/dc0d/onexit"
import "github.com/docker/go-units"
import "github.com/tliron/commonlog"
import _ "github.com/tliron/commonlog/simple"
import "github.com/launix-de/jitsvc/jit"
import "github.com/launix-de/jitsvc/sim"

// workload bundles what the console and the stress run operate on
type workload struct {
	rt *jit.Runtime
	m  *sim.Machine
}

// runWorkers runs fn iterations times on each of threads goroutines, each
// with its own execution context.
func (w *workload) runWorkers(threads, iterations int, fn string) (time.Duration, error) {
	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, threads)
	for i := 0; i < threads; i++ {
		wg.Add(1)
		gls.Go(func(i int) func() {
			return func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						errs <- fmt.Errorf("worker %d: %v", i, r)
					}
				}()
				ctx := w.rt.NewContext(fmt.Sprintf("worker-%d", i))
				defer w.rt.ReleaseContext(ctx)
				for j := 0; j < iterations; j++ {
					if err := w.m.Run(ctx, fn); err != nil {
						errs <- err
						return
					}
				}
			}
		}(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

func (w *workload) printStats(elapsed time.Duration) {
	p := w.m.Program()
	fmt.Println("elapsed:    ", elapsed)
	fmt.Println("sum:        ", p.Sum.Load(), " calls:", p.Calls.Load(), " rets:", p.Rets.Load())
	fmt.Println("runtime:    ", w.rt)
	fmt.Println("emitted:    ", w.m.Translator().Emitted(), "translations and prologues,", w.m.Steps(), "machine steps")
	acquired, contended := w.rt.Lease.Stats()
	fmt.Println("lease:      ", acquired, "acquired,", contended, "contended")
	fmt.Println("counters:   ", w.rt.Counters.String())
}

func main() {
	fmt.Print(`jitsvc Copyright (C) 2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// init random generator for UUIDs
	uuid.SetRand(rand.Reader)

	config := ""
	flag.StringVar(&config, "config", "", "Settings file (toml), reloaded on change")

	arch := ""
	flag.StringVar(&arch, "arch", "", "Instruction set to emit and decode: x64, arm64, ppc64, ppc64le (Default: host)")

	codeSize := ""
	flag.StringVar(&codeSize, "code-size", "", "Size of the code cache, e.g. 64MiB")

	threads := 4
	flag.IntVar(&threads, "threads", 4, "Number of worker threads")

	iterations := 100
	flag.IntVar(&iterations, "iterations", 100, "Runs of main per worker")

	verbosity := 1
	flag.IntVar(&verbosity, "v", 1, "Log verbosity (-4 = quiet, 2 = debug)")

	trace := false
	flag.BoolVar(&trace, "trace", false, "Write a chrome trace of all service requests")

	ringDump := ""
	flag.StringVar(&ringDump, "ringdump", "", "Dump the ring buffer (lz4) to this file on exit")

	console := false
	flag.BoolVar(&console, "console", false, "Start the interactive console after the run")

	profile := ""
	flag.StringVar(&profile, "profile", "", "Write a cpu profile to this file")

	flag.Parse()
	commonlog.Configure(verbosity, nil)
	// runs the exit hooks after every deferred cleanup of main
	defer onexit.ForceExit(0)

	// settings: file first, then command line overrides
	if config != "" {
		stop, err := jit.WatchSettings(config, nil)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		defer stop()
	}
	overrides := map[string]string{}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			overrides["LogLevel"] = f.Value.String()
		}
	})
	if arch != "" {
		overrides["Arch"] = arch
	}
	if codeSize != "" {
		overrides["CodeSize"] = codeSize
	}
	if trace {
		overrides["Trace"] = "true"
	}
	if ringDump != "" {
		overrides["RingBuffer"] = "true"
	}
	for name, value := range overrides {
		if err := jit.ChangeSetting(name, value); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	}
	jit.InitSettings()

	rt, err := jit.NewRuntime(jit.Settings())
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	prog, err := sim.NewProgram(sim.DemoProgram()...)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	w := &workload{rt: rt, m: sim.NewMachine(rt, prog)}
	fmt.Println("code cache:", units.BytesSize(float64(rt.Code.Size())), "decoder:", rt.Arch.Name())

	// install exit handler
	onexit.Register(func() { exitroutine(rt, ringDump) })
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go (func() {
		<-cancelChan
		onexit.ForceExit(1)
	})()

	// init profiling
	if profile != "" {
		f, err := os.Create(profile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	elapsed, err := w.runWorkers(threads, iterations, "main")
	w.printStats(elapsed)
	if err != nil {
		fmt.Println("error:", err)
	}
	if want := int64(threads * iterations * sim.DemoSum); prog.Sum.Load() != want {
		fmt.Println("error: sum", prog.Sum.Load(), "expected", want)
	}

	if console {
		fmt.Print(`

    Type help to show help

`)
		Console(w)
	}
}

var exitOnce sync.Once

func exitroutine(rt *jit.Runtime, ringDump string) {
	exitOnce.Do(func() {
		fmt.Println("Exit procedure...")
		if ReplInstance != nil {
			// in case it dosen't exit properly
			ReplInstance.Close()
		}
		if ringDump != "" {
			dumpRing(rt, ringDump)
		}
		fmt.Println("releasing code cache...")
		if err := rt.Close(); err != nil {
			fmt.Println(err)
		}
		fmt.Println("Exit procedure finished")
	})
}

var dumpOnce sync.Once

func dumpRing(rt *jit.Runtime, path string) {
	dumpOnce.Do(func() {
		f, err := os.Create(path)
		if err != nil {
			fmt.Println("ring buffer dump:", err)
			return
		}
		defer f.Close()
		if err := rt.Ring.Dump(f); err != nil {
			fmt.Println(err)
			return
		}
		fmt.Println("ring buffer dumped to", path)
	})
}
