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

// deepstack drives the tracker through call stacks several hundred frames
// deep, forcing pop coalescing to split counts across multiple records.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/ssanchez-sonatype/memray/tracker"
)

const (
	stackDepth = 400
	allocSize  = 4096
)

var keepAlive [][]byte

type scriptFrame struct {
	function string
	line     int
}

func (f *scriptFrame) FunctionName() (string, error) { return f.function, nil }
func (f *scriptFrame) FileName() (string, error)     { return "deepstack.script", nil }
func (f *scriptFrame) CurrentLine() int              { return f.line }
func (f *scriptFrame) Alive() bool                   { return true }

func descend(t *tracker.Tracker, depth int) {
	if depth == 0 {
		data := make([]byte, allocSize)
		keepAlive = append(keepAlive, data)
		tracker.TrackAllocation(uintptr(unsafe.Pointer(&data[0])), allocSize, tracker.AllocatorMalloc)
		return
	}
	frame := &scriptFrame{function: fmt.Sprintf("level_%d", depth), line: depth}
	if err := t.OnProfileEvent(frame, tracker.EventCall); err != nil {
		fmt.Fprintf(os.Stderr, "profile callback failed: %v\n", err)
		os.Exit(1)
	}
	descend(t, depth-1)
	t.OnProfileEvent(frame, tracker.EventReturn)
}

func main() {
	runtime.LockOSThread()

	output := "deepstack.out"
	if len(os.Args) > 1 {
		output = os.Args[1]
	}

	t, err := tracker.NewTracker(tracker.Config{
		Output:         output,
		MemoryInterval: 10 * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting tracker: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < 10; i++ {
		descend(t, stackDepth)
	}

	tracker.DestroyTracker()
	fmt.Printf("wrote %s\n", output)
}
