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

package tracker

import (
	"runtime"
	"sync"
)

// maxNativeFrames bounds how deep a captured native stack can be.
const maxNativeFrames = 64

// NativeTrace is one captured native (compiled-code) call stack, leaf first.
type NativeTrace struct {
	ips [maxNativeFrames]uintptr
	n   int
}

// Fill captures the calling thread's native stack, skipping the given number
// of frames on top of Fill itself. Returns false if nothing was captured;
// the caller then records the allocation with a zero native trace index.
func (t *NativeTrace) Fill(skip int) bool {
	t.n = runtime.Callers(skip+2, t.ips[:])
	return t.n > 0
}

// traceTree interns native stacks as a parent-pointer tree. Each distinct
// (instruction pointer, parent index) pair gets a dense index, assigned on
// first sighting; a whole stack is then identified by the index of its leaf.
// Index 0 is the root (empty stack).
type traceTree struct {
	mu    sync.Mutex
	nodes map[traceNode]uint32
}

type traceNode struct {
	ip     uint64
	parent uint32
}

// index interns trace and returns the leaf node's index. emit is invoked for
// every node not seen before, outermost first; if it fails the intern stops
// and 0 is returned so the allocation record carries no dangling reference.
func (tt *traceTree) index(trace *NativeTrace, emit func(ip uint64, parent uint32) bool) uint32 {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.nodes == nil {
		tt.nodes = make(map[traceNode]uint32)
	}

	idx := uint32(0)
	for i := trace.n - 1; i >= 0; i-- {
		node := traceNode{ip: uint64(trace.ips[i]), parent: idx}
		if id, ok := tt.nodes[node]; ok {
			idx = id
			continue
		}
		id := uint32(len(tt.nodes)) + 1
		if !emit(node.ip, node.parent) {
			return 0
		}
		tt.nodes[node] = id
		idx = id
	}
	return idx
}
