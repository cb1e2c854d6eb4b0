//go:build linux

// Copyright 2025 The memray Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/ssanchez-sonatype/memray/report"
	"github.com/ssanchez-sonatype/memray/tracker"
)

func main() {
	fs := flag.NewFlagSet("memray", flag.ExitOnError)
	var (
		output       = fs.String("output", "memray.out", "capture file path")
		nativeTraces = fs.Bool("native", false, "capture native call stacks alongside host stacks")
		interval     = fs.Duration("memory-interval", 10*time.Millisecond, "resident-set sampling interval")
		followFork   = fs.Bool("follow-fork", false, "continue tracing in forked children")
		convert      = fs.String("convert", "", "convert a capture file to pprof and exit")
		pprofOut     = fs.String("pprof-output", "", "pprof output path (defaults to <capture>.pb.gz)")
		iterations   = fs.Int("iterations", 100, "demo workload iterations")
		verbose      = fs.Bool("verbose", false, "enable debug logging")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("MEMRAY")); err != nil {
		log.WithError(err).Fatal("parsing flags")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *convert != "" {
		if err := convertCapture(*convert, *pprofOut); err != nil {
			log.WithError(err).Fatal("converting capture")
		}
		return
	}

	// The demo runs a small scripted interpreter under tracking, standing in
	// for the real host embedding.
	runtime.LockOSThread()

	t, err := tracker.NewTracker(tracker.Config{
		Output:         *output,
		NativeTraces:   *nativeTraces,
		MemoryInterval: *interval,
		FollowFork:     *followFork,
	})
	if err != nil {
		log.WithError(err).Fatal("starting tracker")
	}
	t.RegisterThreadName("main")

	runDemoWorkload(t, *iterations)

	tracker.DestroyTracker()
	log.WithField("output", *output).Info("capture complete")
}

func convertCapture(path, out string) error {
	if out == "" {
		out = path + ".pb.gz"
	}
	capture, err := report.ReadFile(path)
	if err != nil {
		return err
	}
	prof, err := report.ToProfile(capture)
	if err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		return err
	}
	log.WithField("output", out).Info("wrote pprof profile")
	return nil
}

// demoFrame is the demo interpreter's activation record.
type demoFrame struct {
	function string
	file     string
	line     int
}

func (f *demoFrame) FunctionName() (string, error) { return f.function, nil }
func (f *demoFrame) FileName() (string, error)     { return f.file, nil }
func (f *demoFrame) CurrentLine() int              { return f.line }
func (f *demoFrame) Alive() bool                   { return true }

// interp drives the tracker the way a host interpreter would: a CALL event
// per function entry, a RETURN per exit, and interposer calls per
// allocation.
type interp struct {
	t     *tracker.Tracker
	stack []*demoFrame
	cache [][]byte
}

func (in *interp) call(function string, line int) *demoFrame {
	frame := &demoFrame{function: function, file: "demo.script", line: line}
	if err := in.t.OnProfileEvent(frame, tracker.EventCall); err != nil {
		log.WithError(err).Warn("profile callback rejected frame")
	}
	in.stack = append(in.stack, frame)
	return frame
}

func (in *interp) ret() {
	in.t.OnProfileEvent(in.stack[len(in.stack)-1], tracker.EventReturn)
	in.stack = in.stack[:len(in.stack)-1]
}

func (in *interp) alloc(size int) []byte {
	data := make([]byte, size)
	tracker.TrackAllocation(uintptr(unsafe.Pointer(&data[0])), uint64(size), tracker.AllocatorMalloc)
	return data
}

func (in *interp) free(data []byte) {
	tracker.TrackDeallocation(uintptr(unsafe.Pointer(&data[0])), uint64(len(data)), tracker.AllocatorFree)
}

// runDemoWorkload interprets a script that grows a leaky cache and churns
// short-lived buffers, giving the capture both live and freed allocations
// across nested frames.
func runDemoWorkload(t *tracker.Tracker, iterations int) {
	in := &interp{t: t}

	mainFrame := in.call("main", 1)
	for i := 0; i < iterations; i++ {
		mainFrame.line = 10 + i%5

		in.call("build_cache", mainFrame.line)
		entry := in.call("add_entry", 3)
		entry.line = 42
		in.cache = append(in.cache, in.alloc(4096))
		in.ret()
		in.ret()

		in.call("churn", mainFrame.line)
		tmp := in.alloc(512)
		in.free(tmp)
		in.ret()

		// Drop part of the cache now and then so the in-use profile moves.
		if i%10 == 9 && len(in.cache) > 4 {
			in.call("evict", mainFrame.line)
			for _, old := range in.cache[:4] {
				in.free(old)
			}
			in.cache = in.cache[4:]
			in.ret()
		}
	}
	in.ret()
}
