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

import "sync"

// frameRegistry interns RawFrames so each distinct (function, file,
// parent_line) triple is written to the stream exactly once. Push records
// then refer to frames by id. Shared by all threads of one tracer.
type frameRegistry struct {
	mu     sync.Mutex
	ids    map[RawFrame]FrameID
	nextID FrameID
}

// index returns the id for f and whether f was seen for the first time.
func (r *frameRegistry) index(f RawFrame) (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[RawFrame]FrameID)
	}
	if id, ok := r.ids[f]; ok {
		return id, false
	}
	r.nextID++
	r.ids[f] = r.nextID
	return r.nextID, true
}
