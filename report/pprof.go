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

package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"

	"github.com/ssanchez-sonatype/memray/tracker"
)

type stackAgg struct {
	frames     []tracker.FrameID
	leafLine   int
	allocs     uint64
	allocBytes uint64
	inuse      uint64
	inuseBytes uint64
}

// ToProfile replays the capture's frame push/pop records per thread,
// attributes every allocation to the host stack visible at capture time, and
// aggregates the result into a pprof profile.
func ToProfile(c *Capture) (*profile.Profile, error) {
	frames := make(map[tracker.FrameID]tracker.RawFrame)
	stacks := make(map[uint64][]tracker.FrameID)
	aggs := make(map[string]*stackAgg)
	type liveAlloc struct {
		key  string
		size uint64
	}
	live := make(map[uint64]liveAlloc)

	for _, r := range c.Records {
		switch rec := r.(type) {
		case tracker.FrameIndexRecord:
			frames[rec.ID] = rec.Frame
		case tracker.FramePushRecord:
			stacks[rec.ThreadID] = append(stacks[rec.ThreadID], rec.ID)
		case tracker.FramePopRecord:
			stack := stacks[rec.ThreadID]
			n := int(rec.Count)
			if n > len(stack) {
				return nil, fmt.Errorf("thread %d pops %d frames but only %d are pushed", rec.ThreadID, n, len(stack))
			}
			stacks[rec.ThreadID] = stack[:len(stack)-n]
		case tracker.AllocationRecord:
			if rec.Allocator.IsDeallocation() {
				if prev, ok := live[rec.Address]; ok {
					delete(live, rec.Address)
					agg := aggs[prev.key]
					agg.inuse--
					agg.inuseBytes -= prev.size
				}
				continue
			}
			stack := stacks[rec.ThreadID]
			key := stackKey(stack, rec.Line)
			agg, ok := aggs[key]
			if !ok {
				agg = &stackAgg{
					frames:   append([]tracker.FrameID(nil), stack...),
					leafLine: rec.Line,
				}
				aggs[key] = agg
			}
			agg.allocs++
			agg.allocBytes += rec.Size
			agg.inuse++
			agg.inuseBytes += rec.Size
			live[rec.Address] = liveAlloc{key: key, size: rec.Size}
		}
	}

	prof := newAllocProfile()
	functions := make(map[functionKey]*profile.Function)
	locations := make(map[string]*profile.Location)

	for _, agg := range aggs {
		var locs []*profile.Location
		// Leaf first. Frame i executes at the parent line recorded by frame
		// i+1; the leaf executes at the allocation's line.
		for i := len(agg.frames) - 1; i >= 0; i-- {
			frame, ok := frames[agg.frames[i]]
			if !ok {
				return nil, fmt.Errorf("push references unknown frame id %d", agg.frames[i])
			}
			line := agg.leafLine
			if i < len(agg.frames)-1 {
				if child, ok := frames[agg.frames[i+1]]; ok {
					line = child.ParentLine
				}
			}
			locs = append(locs, internLocation(prof, functions, locations, frame, line))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value: []int64{
				int64(agg.allocs), int64(agg.allocBytes),
				int64(agg.inuse), int64(agg.inuseBytes),
			},
		})
	}
	return prof, nil
}

// ToNativeProfile rebuilds the native trace tree from the capture and
// aggregates allocations by native stack, symbolizing addresses through sym
// when it is non-nil.
func ToNativeProfile(c *Capture, sym *Symbolizer) (*profile.Profile, error) {
	type node struct {
		ip     uint64
		parent uint32
	}
	nodes := []node{{}} // index 0 is the root
	type nativeAgg struct {
		leaf       uint32
		allocs     uint64
		allocBytes uint64
	}
	aggs := make(map[uint32]*nativeAgg)
	var addrs []uint64

	for _, r := range c.Records {
		switch rec := r.(type) {
		case tracker.NativeFrameRecord:
			nodes = append(nodes, node{ip: rec.IP, parent: rec.ParentIndex})
			addrs = append(addrs, rec.IP)
		case tracker.AllocationRecord:
			if rec.Allocator.IsDeallocation() || rec.NativeIndex == 0 {
				continue
			}
			if int(rec.NativeIndex) >= len(nodes) {
				return nil, fmt.Errorf("allocation references unknown native trace index %d", rec.NativeIndex)
			}
			agg, ok := aggs[rec.NativeIndex]
			if !ok {
				agg = &nativeAgg{leaf: rec.NativeIndex}
				aggs[rec.NativeIndex] = agg
			}
			agg.allocs++
			agg.allocBytes += rec.Size
		}
	}

	symbols := make(map[uint64]symbolInfo)
	if sym != nil {
		symbols = sym.Resolve(addrs)
	}

	prof := &profile.Profile{
		DefaultSampleType: "alloc_space",
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	locations := make(map[uint64]*profile.Location)
	functions := make(map[string]*profile.Function)

	for _, agg := range aggs {
		var locs []*profile.Location
		for idx := agg.leaf; idx != 0; idx = nodes[idx].parent {
			ip := nodes[idx].ip
			loc, ok := locations[ip]
			if !ok {
				loc = &profile.Location{
					ID:      uint64(len(prof.Location) + 1),
					Address: ip,
				}
				info, resolved := symbols[ip]
				if !resolved {
					info = symbolInfo{name: fmt.Sprintf("func_%x", ip)}
				}
				fn, ok := functions[info.name]
				if !ok {
					fn = &profile.Function{
						ID:         uint64(len(prof.Function) + 1),
						Name:       info.name,
						SystemName: info.name,
						Filename:   info.file,
					}
					functions[info.name] = fn
					prof.Function = append(prof.Function, fn)
				}
				loc.Line = []profile.Line{{Function: fn, Line: info.line}}
				locations[ip] = loc
				prof.Location = append(prof.Location, loc)
			}
			locs = append(locs, loc)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{int64(agg.allocs), int64(agg.allocBytes)},
		})
	}
	return prof, nil
}

func newAllocProfile() *profile.Profile {
	return &profile.Profile{
		DefaultSampleType: "alloc_space",
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
}

type functionKey struct {
	function string
	file     string
}

func internLocation(
	prof *profile.Profile,
	functions map[functionKey]*profile.Function,
	locations map[string]*profile.Location,
	frame tracker.RawFrame,
	line int,
) *profile.Location {
	locKey := frame.Function + "\x00" + frame.File + "\x00" + strconv.Itoa(line)
	if loc, ok := locations[locKey]; ok {
		return loc
	}
	fn, ok := functions[functionKey{frame.Function, frame.File}]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(prof.Function) + 1),
			Name:       frame.Function,
			SystemName: frame.Function,
			Filename:   frame.File,
		}
		functions[functionKey{frame.Function, frame.File}] = fn
		prof.Function = append(prof.Function, fn)
	}
	loc := &profile.Location{
		ID:   uint64(len(prof.Location) + 1),
		Line: []profile.Line{{Function: fn, Line: int64(line)}},
	}
	locations[locKey] = loc
	prof.Location = append(prof.Location, loc)
	return loc
}

func stackKey(stack []tracker.FrameID, leafLine int) string {
	var sb strings.Builder
	for _, id := range stack {
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
		sb.WriteByte(';')
	}
	sb.WriteString(strconv.Itoa(leafLine))
	return sb.String()
}
