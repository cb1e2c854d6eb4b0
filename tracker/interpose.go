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

// Interposer fast paths. Patched allocator symbols call these on arbitrary
// threads, without the host interpreter's lock, so everything they touch is
// either atomic or per-thread. Both bail out while the calling thread is
// already inside the tracker, and both re-check the observable pointer under
// the guard: a concurrent teardown can clear it between the active-flag
// check and the dereference.

// TrackAllocation records one allocation event. Called from patched
// allocator symbols with the returned address, the requested size and the
// kind of the patched symbol.
func TrackAllocation(address uintptr, size uint64, allocator AllocatorKind) {
	if !active.Load() {
		return
	}
	ts := currentThread()
	if ts.inTracker {
		return
	}
	defer ts.releaseGuard(ts.acquireGuard())

	t := instance.Load()
	if t == nil {
		return
	}
	t.trackAllocation(ts, address, size, allocator)
}

// TrackDeallocation records one deallocation event. Deallocations never
// carry a native trace; their native index is zero.
func TrackDeallocation(address uintptr, size uint64, allocator AllocatorKind) {
	if !active.Load() {
		return
	}
	ts := currentThread()
	if ts.inTracker {
		return
	}
	defer ts.releaseGuard(ts.acquireGuard())

	t := instance.Load()
	if t == nil {
		return
	}
	t.trackDeallocation(ts, address, size, allocator)
}
