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
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testWriter captures records in memory. failAt makes the Nth write (and
// every one after it) fail; onRecord runs inside the write path so tests can
// provoke reentrant allocations.
type testWriter struct {
	mu       sync.Mutex
	records  []Record
	headers  []bool
	failAt   int
	count    int
	onRecord func(Record)
	cloneOK  bool
	child    *testWriter
}

func (w *testWriter) WriteHeader(final bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.headers = append(w.headers, final)
	return nil
}

func (w *testWriter) WriteRecord(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(r)
}

func (w *testWriter) WriteRecordUnsafe(r Record) error {
	return w.writeLocked(r)
}

func (w *testWriter) writeLocked(r Record) error {
	w.count++
	if w.failAt > 0 && w.count >= w.failAt {
		return errors.New("synthetic writer failure")
	}
	if w.onRecord != nil {
		w.onRecord(r)
	}
	w.records = append(w.records, r)
	return nil
}

func (w *testWriter) AcquireLock() func() {
	w.mu.Lock()
	return w.mu.Unlock
}

func (w *testWriter) CloneInChild() (RecordWriter, error) {
	if !w.cloneOK {
		return nil, ErrNotCloneable
	}
	w.child = &testWriter{cloneOK: true}
	return w.child, nil
}

func (w *testWriter) Close() error { return nil }

func (w *testWriter) snapshot() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Record(nil), w.records...)
}

func recordsOfType[T Record](w *testWriter) []T {
	var out []T
	for _, r := range w.snapshot() {
		if rec, ok := r.(T); ok {
			out = append(out, rec)
		}
	}
	return out
}

// testFrame is a synthetic host frame.
type testFrame struct {
	function string
	file     string
	line     int
	dead     bool
	nameErr  error
}

func (f *testFrame) FunctionName() (string, error) {
	if f.nameErr != nil {
		return "", f.nameErr
	}
	return f.function, nil
}
func (f *testFrame) FileName() (string, error) { return f.file, nil }
func (f *testFrame) CurrentLine() int          { return f.line }
func (f *testFrame) Alive() bool               { return !f.dead }

func frame(function string, line int) *testFrame {
	return &testFrame{function: function, file: "test.script", line: line}
}

// newTestTracker builds a tracker on a locked OS thread and tears it down
// with the test. A huge sampling interval keeps MEMORY_RECORDs out of the
// capture unless a test asks for them.
func newTestTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	runtime.LockOSThread()
	if cfg.MemoryInterval == 0 {
		cfg.MemoryInterval = time.Hour
	}
	tr, err := NewTracker(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		DestroyTracker()
		ReleaseThread()
	})
	return tr
}

func call(t *testing.T, tr *Tracker, f *testFrame) {
	t.Helper()
	require.NoError(t, tr.OnProfileEvent(f, EventCall))
}

func ret(tr *Tracker) {
	tr.OnProfileEvent(nil, EventReturn)
}

func TestTrackerLifecycle(t *testing.T) {
	w := &testWriter{}
	require.False(t, IsActive())

	tr := newTestTracker(t, Config{Writer: w})
	require.True(t, IsActive())
	require.Equal(t, []bool{false}, w.headers)
	require.Same(t, tr, instance.Load())

	DestroyTracker()
	require.False(t, IsActive())
	require.Nil(t, instance.Load())
	require.Equal(t, []bool{false, true}, w.headers)

	// Destroying again is a no-op.
	DestroyTracker()
	require.Equal(t, []bool{false, true}, w.headers)
}

func TestInterposersDrainWhenInactive(t *testing.T) {
	w := &testWriter{}
	newTestTracker(t, Config{Writer: w})
	DestroyTracker()

	before := len(w.snapshot())
	TrackAllocation(0x1000, 64, AllocatorMalloc)
	TrackDeallocation(0x1000, 64, AllocatorFree)
	require.Len(t, w.snapshot(), before)
}

func TestWriterFailureDeactivatesTracking(t *testing.T) {
	w := &testWriter{failAt: 3}
	tr := newTestTracker(t, Config{Writer: w})

	call(t, tr, frame("f", 1))
	call(t, tr, frame("g", 10))
	TrackAllocation(0x2000, 64, AllocatorMalloc)

	// Record 1 is f's FRAME_INDEX, record 2 its FRAME_PUSH; g's FRAME_INDEX
	// is the failing third write.
	records := w.snapshot()
	require.Len(t, records, 2)
	require.IsType(t, FrameIndexRecord{}, records[0])
	require.IsType(t, FramePushRecord{}, records[1])
	require.False(t, IsActive())

	// Nothing is emitted after the flag flips.
	call(t, tr, frame("h", 20))
	TrackAllocation(0x3000, 32, AllocatorMalloc)
	ret(tr)
	require.Len(t, w.snapshot(), 2)
}

func TestReentrantAllocationsAreInvisible(t *testing.T) {
	w := &testWriter{}
	// The synthetic allocator allocates when called: every record written
	// triggers another allocation from inside the tracker.
	w.onRecord = func(Record) {
		TrackAllocation(0xdead, 1, AllocatorMalloc)
	}
	tr := newTestTracker(t, Config{Writer: w})

	call(t, tr, frame("f", 1))
	TrackAllocation(0x4000, 64, AllocatorMalloc)
	ret(tr)

	allocs := recordsOfType[AllocationRecord](w)
	require.Len(t, allocs, 1)
	require.Equal(t, uint64(0x4000), allocs[0].Address)
}

func TestRegisterThreadName(t *testing.T) {
	w := &testWriter{}
	tr := newTestTracker(t, Config{Writer: w})

	tr.RegisterThreadName("worker-1")

	names := recordsOfType[ThreadNameRecord](w)
	require.Len(t, names, 1)
	require.Equal(t, "worker-1", names[0].Name)
	require.NotZero(t, names[0].ThreadID)
}

func TestFrameDecodingFailureSkipsPush(t *testing.T) {
	w := &testWriter{}
	tr := newTestTracker(t, Config{Writer: w})

	bad := frame("f", 1)
	bad.nameErr = errors.New("undecodable function name")
	require.Error(t, tr.OnProfileEvent(bad, EventCall))
	require.True(t, IsActive())

	TrackAllocation(0x5000, 8, AllocatorMalloc)
	require.Empty(t, recordsOfType[FramePushRecord](w))
	require.Len(t, recordsOfType[AllocationRecord](w), 1)
}

func TestNativeTraceCapture(t *testing.T) {
	w := &testWriter{}
	tr := newTestTracker(t, Config{Writer: w, NativeTraces: true})

	call(t, tr, frame("f", 1))
	TrackAllocation(0x6000, 64, AllocatorMalloc)

	allocs := recordsOfType[AllocationRecord](w)
	require.Len(t, allocs, 1)
	require.NotZero(t, allocs[0].NativeIndex)

	nativeFrames := recordsOfType[NativeFrameRecord](w)
	require.NotEmpty(t, nativeFrames)

	// The native frame records precede the allocation that references them.
	records := w.snapshot()
	var allocAt, lastNative int
	for i, r := range records {
		switch r.(type) {
		case AllocationRecord:
			allocAt = i
		case NativeFrameRecord:
			if allocAt == 0 {
				lastNative = i
			}
		}
	}
	require.Greater(t, allocAt, lastNative)

	// Deallocations never carry a native trace.
	TrackDeallocation(0x6000, 64, AllocatorFree)
	allocs = recordsOfType[AllocationRecord](w)
	require.Len(t, allocs, 2)
	require.Zero(t, allocs[1].NativeIndex)
	ret(tr)
}

func TestModuleSnapshotWrittenOnConstruction(t *testing.T) {
	w := &testWriter{}
	newTestTracker(t, Config{Writer: w, NativeTraces: true})

	records := w.snapshot()
	require.NotEmpty(t, records)
	require.IsType(t, MemoryMapStartRecord{}, records[0])

	// Every segment header is followed by exactly its announced number of
	// segment records.
	i := 1
	sawModule := false
	for i < len(records) {
		header, ok := records[i].(SegmentHeaderRecord)
		if !ok {
			break
		}
		sawModule = true
		i++
		for j := uint32(0); j < header.SegmentCount; j++ {
			require.IsType(t, SegmentRecord{}, records[i])
			i++
		}
	}
	require.True(t, sawModule)
}
