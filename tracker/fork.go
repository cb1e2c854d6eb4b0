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

// Fork handling. The embedding layer registers these three callbacks with
// the process fork machinery (pthread_atfork in a C embedding); tests call
// them directly. Registration happens once per process, before any child
// could inherit a half-initialized tracker.

var forkHandlersRegistered bool

func registerForkHandlers() {
	forkHandlersRegistered = true
}

// ForkHandlersRegistered reports whether one-time setup has run. The
// embedding glue consults it before wiring the callbacks below into
// pthread_atfork.
func ForkHandlersRegistered() bool {
	return forkHandlersRegistered
}

// PrepareFork runs before fork, under the fork serialization point. Any
// allocator activity in libc's own fork path must not recurse into the
// tracker, so the calling thread's reentrancy flag goes up.
func PrepareFork() {
	currentThread().inTracker = true
}

// ParentFork runs in the parent after fork; tracking continues.
func ParentFork() {
	currentThread().inTracker = false
}

// ChildFork runs in the child after fork. The inherited tracker is leaked
// intentionally: its mutexes may be held by threads that no longer exist,
// its background worker is gone, and its writer may own a descriptor that
// means nothing here. If the old tracker was active with fork-follow
// enabled and its writer can be cloned, a fresh tracker takes over;
// otherwise tracing is left disabled in the child.
func ChildFork() {
	ts := currentThread()
	ts.stack.resetInChild()
	resetOtherThreads(ts.tid)

	instanceOwner = nil

	old := instance.Load()
	var newWriter RecordWriter
	if old != nil && active.Load() && old.followFork {
		if w, err := old.writer.CloneInChild(); err == nil {
			newWriter = w
		}
	}

	if newWriter == nil {
		// No tracker, a deactivated tracker, or a sink that can't be
		// cloned. The old hooks may still be installed; that is fine as
		// long as they check the active flag before dereferencing the now
		// null observable pointer.
		instance.Store(nil)
		active.Store(false)
		ts.inTracker = false
		return
	}

	cfg := Config{
		Writer:         newWriter,
		Patcher:        old.patcher,
		NativeTraces:   old.nativeTraces,
		MemoryInterval: old.memoryInterval,
		FollowFork:     true,
	}
	t, err := newTracker(cfg)
	if err != nil {
		instance.Store(nil)
		active.Store(false)
		ts.inTracker = false
		return
	}
	instanceOwner = t
	ts.inTracker = false
}
