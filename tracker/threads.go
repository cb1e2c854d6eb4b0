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
	"sync"

	"golang.org/x/sys/unix"
)

// threadState is the per-OS-thread slice of tracker state. The embedding
// layer is expected to keep interpreter threads locked to OS threads, so a
// thread id is a stable key for the lifetime of an interpreter thread.
//
// threadState itself holds no owned resources: the shadow stack container is
// reachable only through a pointer inside stackTracker that is nil until the
// first push on the thread and nil again after ReleaseThread. See the
// comment on stackTracker for why that matters.
type threadState struct {
	tid              uint64
	inTracker        bool
	profileInstalled bool
	stack            stackTracker
}

var threadStates sync.Map // tid (int) -> *threadState

func currentThread() *threadState {
	tid := unix.Gettid()
	if v, ok := threadStates.Load(tid); ok {
		return v.(*threadState)
	}
	ts := &threadState{tid: uint64(tid)}
	threadStates.Store(tid, ts)
	return ts
}

// ReleaseThread tears down tracking state for the calling thread. The host
// embedding must call it when an interpreter thread exits; afterwards the
// thread's shadow stack no longer exists and only a new push may recreate
// it. Pending pops are flushed first so they are not lost with the thread.
func ReleaseThread() {
	tid := unix.Gettid()
	v, ok := threadStates.Load(tid)
	if !ok {
		return
	}
	ts := v.(*threadState)
	was := ts.acquireGuard()
	if t := instance.Load(); t != nil && active.Load() {
		ts.stack.flushPops(t)
	}
	ts.stack.release()
	ts.releaseGuard(was)
	threadStates.Delete(tid)
}

// resetOtherThreads drops state for every thread except the calling one.
// Used after fork: the child has a single thread, and thread ids belonging
// to the parent's vanished threads may be reused.
func resetOtherThreads(keep uint64) {
	threadStates.Range(func(k, v any) bool {
		if v.(*threadState).tid != keep {
			threadStates.Delete(k)
		}
		return true
	})
}
