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
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// backgroundSampler periodically samples the process's resident-set size on
// its own thread and emits MEMORY_RECORDs. It holds a shared reference to
// the writer only, never to the tracker, so tearing the tracker down cannot
// deadlock on the worker.
type backgroundSampler struct {
	writer   RecordWriter
	interval time.Duration
	statm    *os.File
	pageSize uint64
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newBackgroundSampler opens the statm pseudo-file up front so a missing
// procfs surfaces as a tracer construction error rather than a silent dead
// worker.
func newBackgroundSampler(writer RecordWriter, interval time.Duration) (*backgroundSampler, error) {
	f, err := os.Open("/proc/self/statm")
	if err != nil {
		return nil, fmt.Errorf("opening /proc/self/statm: %w", err)
	}
	return &backgroundSampler{
		writer:   writer,
		interval: interval,
		statm:    f,
		pageSize: uint64(os.Getpagesize()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (s *backgroundSampler) start() {
	go s.run()
}

func (s *backgroundSampler) run() {
	// The worker keeps its reentrancy flag set for its whole life: any
	// allocation it makes must never be tracked. Locking the goroutine to
	// its OS thread keeps the flag on the thread the allocations happen on.
	runtime.LockOSThread()
	ts := currentThread()
	ts.inTracker = true

	defer close(s.done)
	defer s.statm.Close()

	for {
		select {
		case <-s.stop:
			return
		case <-time.After(s.interval):
		}

		// Nothing may be emitted while tracing is off. The flag can lag the
		// worker's start by a beat during tracer construction, and stays off
		// for good after a fail-stop; either way the tick is skipped.
		if !active.Load() {
			continue
		}

		rss, err := s.readRSS()
		if err != nil || rss == 0 {
			log.WithError(err).Warn("failed to read RSS from /proc/self/statm, deactivating tracking")
			deactivate()
			return
		}
		record := MemoryRecord{
			TimestampMS: uint64(time.Now().UnixMilli()),
			RSSBytes:    rss,
		}
		if err := s.writer.WriteRecord(record); err != nil {
			log.WithError(err).Error("failed to write memory record, deactivating tracking")
			deactivate()
			return
		}
	}
}

// readRSS re-reads statm from the start. The second field is the resident
// page count.
func (s *backgroundSampler) readRSS() (uint64, error) {
	var buf [128]byte
	n, err := s.statm.ReadAt(buf[:], 0)
	if err != nil && err != io.EOF {
		return 0, err
	}
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm contents %q", string(buf[:n]))
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing statm resident field: %w", err)
	}
	return pages * s.pageSize, nil
}

// stopAndJoin signals the worker and waits for it to exit. Worst-case stop
// latency is one sampling interval.
func (s *backgroundSampler) stopAndJoin() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
