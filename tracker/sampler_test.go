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
	"time"

	"github.com/stretchr/testify/require"
)

func TestSamplerEmitsAtInterval(t *testing.T) {
	w := &testWriter{}
	s, err := newBackgroundSampler(w, 50*time.Millisecond)
	require.NoError(t, err)

	active.Store(true)
	defer active.Store(false)

	s.start()
	time.Sleep(525 * time.Millisecond)
	s.stopAndJoin()

	records := recordsOfType[MemoryRecord](w)
	require.GreaterOrEqual(t, len(records), 8)
	require.LessOrEqual(t, len(records), 11)

	var prev uint64
	for _, r := range records {
		require.GreaterOrEqual(t, r.TimestampMS, prev)
		require.NotZero(t, r.RSSBytes)
		prev = r.TimestampMS
	}
}

func TestSamplerSkipsTicksWhileInactive(t *testing.T) {
	w := &testWriter{}
	s, err := newBackgroundSampler(w, 10*time.Millisecond)
	require.NoError(t, err)

	s.start()
	time.Sleep(100 * time.Millisecond)
	s.stopAndJoin()

	require.Empty(t, recordsOfType[MemoryRecord](w))
}

func TestSamplerWriterFailureDeactivatesTracking(t *testing.T) {
	w := &testWriter{failAt: 1}
	s, err := newBackgroundSampler(w, 10*time.Millisecond)
	require.NoError(t, err)

	active.Store(true)
	defer active.Store(false)

	s.start()
	require.Eventually(t, func() bool { return !IsActive() }, time.Second, 5*time.Millisecond)

	// The worker terminated on its own; joining must not hang.
	done := make(chan struct{})
	go func() {
		s.stopAndJoin()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not terminate after writer failure")
	}
	require.Empty(t, recordsOfType[MemoryRecord](w))
}

func TestSamplerReadsRSS(t *testing.T) {
	w := &testWriter{}
	s, err := newBackgroundSampler(w, time.Hour)
	require.NoError(t, err)
	defer s.statm.Close()

	rss, err := s.readRSS()
	require.NoError(t, err)
	require.NotZero(t, rss)
	require.Zero(t, rss%s.pageSize)

	// Re-reading from the start works repeatedly.
	again, err := s.readRSS()
	require.NoError(t, err)
	require.NotZero(t, again)
}
