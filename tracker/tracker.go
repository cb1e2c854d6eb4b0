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

// Package tracker is the runtime tracking engine of the memray profiler. It
// observes every heap allocation and deallocation of the host process,
// correlates each event with the host interpreter's call stack and the
// native call stack, and streams typed records to a RecordWriter for
// offline analysis.
package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Process-wide singleton state. At most one Tracker exists per process.
//
// instance is the non-owning observable pointer consulted by interposer fast
// paths; instanceOwner drives destruction. active is the single source of
// truth for "tracing is on": interposers must read it before dereferencing
// instance. Ordering: instance is stored before hooks are installed and
// cleared after they are uninstalled; instanceOwner is set after instance
// and unset before it. Callers serialize NewTracker/DestroyTracker under the
// host interpreter's global lock.
var (
	active        atomic.Bool
	instance      atomic.Pointer[Tracker]
	instanceOwner *Tracker

	setupOnce sync.Once
	setupErr  error
)

// Config carries the tracer's settings. Output is ignored when Writer is
// set. A nil Patcher means the embedding drives the interposer entry points
// directly.
type Config struct {
	Output         string
	Writer         RecordWriter
	Patcher        SymbolPatcher
	EntryFrame     FrameObject
	NativeTraces   bool
	MemoryInterval time.Duration
	FollowFork     bool
}

const defaultMemoryInterval = 10 * time.Millisecond

// Tracker owns the capture writer, the symbol patcher and the background
// sampler. Everything else it touches is either per-thread or atomic.
type Tracker struct {
	writer         RecordWriter
	patcher        SymbolPatcher
	nativeTraces   bool
	memoryInterval time.Duration
	followFork     bool

	frames     frameRegistry
	nativeTree traceTree
	sampler    *backgroundSampler
	failOnce   sync.Once
}

// NewTracker constructs the process's tracker and activates tracing. It must
// not be called while a tracker already exists.
func NewTracker(cfg Config) (*Tracker, error) {
	t, err := newTracker(cfg)
	if err != nil {
		return nil, err
	}
	instanceOwner = t
	return t, nil
}

func newTracker(cfg Config) (*Tracker, error) {
	if cfg.Patcher == nil {
		cfg.Patcher = noopPatcher{}
	}
	if cfg.MemoryInterval <= 0 {
		cfg.MemoryInterval = defaultMemoryInterval
	}
	writer := cfg.Writer
	if writer == nil {
		var err error
		writer, err = NewStreamWriter(cfg.Output, cfg.NativeTraces)
		if err != nil {
			return nil, err
		}
	}

	t := &Tracker{
		writer:         writer,
		patcher:        cfg.Patcher,
		nativeTraces:   cfg.NativeTraces,
		memoryInterval: cfg.MemoryInterval,
		followFork:     cfg.FollowFork,
	}

	// Interposers can see us from here on, but the active flag is still
	// false, so they return without touching us.
	instance.Store(t)

	fail := func(err error) (*Tracker, error) {
		instance.Store(nil)
		writer.Close()
		return nil, err
	}

	// One-time process-wide setup. Registering the fork handlers must come
	// last so a child can never inherit an environment where only half of
	// it is done.
	setupOnce.Do(func() {
		if err := t.patcher.Validate(); err != nil {
			setupErr = fmt.Errorf("validating allocator hooks: %w", err)
			return
		}
		registerForkHandlers()
	})
	if setupErr != nil {
		return fail(setupErr)
	}

	if err := writer.WriteHeader(false); err != nil {
		return fail(fmt.Errorf("writing capture header: %w", err))
	}

	sampler, err := newBackgroundSampler(writer, t.memoryInterval)
	if err != nil {
		return fail(err)
	}
	t.sampler = sampler

	t.updateModuleCache()

	ts := currentThread()
	was := ts.acquireGuard()
	t.InstallOnThread(cfg.EntryFrame)
	t.patcher.Overwrite()
	ts.releaseGuard(was)

	t.sampler.start()

	active.Store(true)
	return t, nil
}

// DestroyTracker deactivates tracing and tears the tracker down in the
// reverse of construction order. Safe to call when no tracker exists.
func DestroyTracker() {
	if instanceOwner == nil {
		return
	}
	t := instanceOwner
	instanceOwner = nil
	t.destroy()
}

func (t *Tracker) destroy() {
	ts := currentThread()
	defer ts.releaseGuard(ts.acquireGuard())

	active.Store(false)
	t.sampler.stopAndJoin()
	ts.stack.reset(nil)
	ts.profileInstalled = false
	t.patcher.Restore()
	if err := t.writer.WriteHeader(true); err != nil {
		log.WithError(err).Warn("failed to write closing capture header")
	}
	t.writer.Close()

	// Must not be cleared before the hooks are uninstalled.
	instance.Store(nil)
}

// IsActive reports whether tracing is on.
func IsActive() bool {
	return active.Load()
}

func deactivate() {
	active.Store(false)
}

// failStop flips tracing off after a writer failure. The host process is
// unaffected; interposers drain on the next active-flag check.
func (t *Tracker) failStop(err error) {
	t.failOnce.Do(func() {
		log.WithError(err).Error("failed to write capture output, deactivating tracking")
	})
	deactivate()
}

func threadID() uint64 {
	return uint64(unix.Gettid())
}

// registerFrame interns frame, emitting a FRAME_INDEX record the first time
// the triple is seen.
func (t *Tracker) registerFrame(frame RawFrame) FrameID {
	id, isNew := t.frames.index(frame)
	if isNew {
		if err := t.writer.WriteRecord(FrameIndexRecord{ID: id, Frame: frame}); err != nil {
			t.failStop(err)
		}
	}
	return id
}

// pushFrame emits one FRAME_PUSH for the calling thread. Reports success so
// the shadow stack can stop flushing at the first failure.
func (t *Tracker) pushFrame(frame RawFrame) bool {
	id := t.registerFrame(frame)
	if err := t.writer.WriteRecord(FramePushRecord{ID: id, ThreadID: threadID()}); err != nil {
		t.failStop(err)
		return false
	}
	return true
}

// popFrames emits FRAME_POP records for the calling thread, splitting counts
// larger than 255.
func (t *Tracker) popFrames(count uint64) bool {
	for count > 0 {
		toPop := uint8(255)
		if count < 255 {
			toPop = uint8(count)
		}
		count -= uint64(toPop)

		if err := t.writer.WriteRecord(FramePopRecord{ThreadID: threadID(), Count: toPop}); err != nil {
			t.failStop(err)
			return false
		}
	}
	return true
}

// RegisterThreadName associates a name with the calling thread in the
// capture stream.
func (t *Tracker) RegisterThreadName(name string) {
	ts := currentThread()
	defer ts.releaseGuard(ts.acquireGuard())
	if err := t.writer.WriteRecord(ThreadNameRecord{ThreadID: ts.tid, Name: name}); err != nil {
		t.failStop(err)
	}
}

// InvalidateModuleCache re-applies the symbol patches and re-snapshots the
// loaded modules. The embedding calls it after the dynamic loader has mapped
// new objects.
func (t *Tracker) InvalidateModuleCache() {
	ts := currentThread()
	defer ts.releaseGuard(ts.acquireGuard())
	t.patcher.Overwrite()
	t.updateModuleCache()
}

func (t *Tracker) trackAllocation(ts *threadState, address uintptr, size uint64, allocator AllocatorKind) {
	line := ts.stack.currentLine()
	ts.stack.flushPops(t)
	ts.stack.flushPushes(t)

	var nativeIndex uint32
	if t.nativeTraces {
		var trace NativeTrace
		// Skip the interposer's own frames so they don't need filtering
		// offline.
		if trace.Fill(2) {
			nativeIndex = t.nativeTree.index(&trace, func(ip uint64, parent uint32) bool {
				return t.writer.WriteRecord(NativeFrameRecord{IP: ip, ParentIndex: parent}) == nil
			})
		}
	}

	record := AllocationRecord{
		ThreadID:    ts.tid,
		Address:     uint64(address),
		Size:        size,
		Allocator:   allocator,
		Line:        line,
		NativeIndex: nativeIndex,
	}
	if err := t.writer.WriteRecord(record); err != nil {
		t.failStop(err)
	}
}

func (t *Tracker) trackDeallocation(ts *threadState, address uintptr, size uint64, allocator AllocatorKind) {
	line := ts.stack.currentLine()
	ts.stack.flushPops(t)
	ts.stack.flushPushes(t)

	record := AllocationRecord{
		ThreadID:  ts.tid,
		Address:   uint64(address),
		Size:      size,
		Allocator: allocator,
		Line:      line,
	}
	if err := t.writer.WriteRecord(record); err != nil {
		t.failStop(err)
	}
}
