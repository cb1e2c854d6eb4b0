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

package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeTrace(ips ...uintptr) *NativeTrace {
	var trace NativeTrace
	copy(trace.ips[:], ips)
	trace.n = len(ips)
	return &trace
}

func collectNodes(emitted *[]NativeFrameRecord) func(ip uint64, parent uint32) bool {
	return func(ip uint64, parent uint32) bool {
		*emitted = append(*emitted, NativeFrameRecord{IP: ip, ParentIndex: parent})
		return true
	}
}

func TestTraceTreeInternsEachNodeOnce(t *testing.T) {
	var tree traceTree
	var emitted []NativeFrameRecord

	// Leaf-first trace a<-b<-c: the tree stores root-first.
	idx := tree.index(makeTrace(0xa, 0xb, 0xc), collectNodes(&emitted))
	require.NotZero(t, idx)
	require.Len(t, emitted, 3)
	require.Equal(t, NativeFrameRecord{IP: 0xc, ParentIndex: 0}, emitted[0])
	require.Equal(t, uint32(1), emitted[1].ParentIndex)

	// The same stack again: nothing new, same index.
	again := tree.index(makeTrace(0xa, 0xb, 0xc), collectNodes(&emitted))
	require.Equal(t, idx, again)
	require.Len(t, emitted, 3)

	// A sibling sharing the root prefix adds exactly one node.
	sibling := tree.index(makeTrace(0xd, 0xb, 0xc), collectNodes(&emitted))
	require.NotEqual(t, idx, sibling)
	require.Len(t, emitted, 4)
	require.Equal(t, uint64(0xd), emitted[3].IP)
}

func TestTraceTreeEmitFailureReturnsZero(t *testing.T) {
	var tree traceTree
	calls := 0
	idx := tree.index(makeTrace(0xa, 0xb), func(ip uint64, parent uint32) bool {
		calls++
		return calls < 2
	})
	require.Zero(t, idx)

	// The failed node was not interned; a retry emits it again.
	var emitted []NativeFrameRecord
	idx = tree.index(makeTrace(0xa, 0xb), collectNodes(&emitted))
	require.NotZero(t, idx)
	require.Len(t, emitted, 1)
	require.Equal(t, uint64(0xa), emitted[0].IP)
}

func TestNativeTraceFillCapturesCallers(t *testing.T) {
	var trace NativeTrace
	require.True(t, trace.Fill(0))
	require.Greater(t, trace.n, 0)
	for i := 0; i < trace.n; i++ {
		require.NotZero(t, trace.ips[i])
	}
}
