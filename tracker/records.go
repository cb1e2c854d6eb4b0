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

// RecordType tags each entry in the capture stream.
type RecordType uint8

const (
	RecordAllocation RecordType = iota + 1
	RecordFrameIndex
	RecordFramePush
	RecordFramePop
	RecordNativeTraceIndex
	RecordMemoryRecord
	RecordMemoryMapStart
	RecordSegmentHeader
	RecordSegment
	RecordThreadRecord
	RecordTrailer
)

// AllocatorKind identifies which patched allocator symbol produced an event.
type AllocatorKind uint8

const (
	AllocatorMalloc AllocatorKind = iota + 1
	AllocatorFree
	AllocatorCalloc
	AllocatorRealloc
	AllocatorPosixMemalign
	AllocatorMemalign
	AllocatorValloc
	AllocatorMmap
	AllocatorMunmap
)

// IsDeallocation reports whether the allocator kind releases memory. Records
// produced by these kinds never carry a native trace.
func (k AllocatorKind) IsDeallocation() bool {
	return k == AllocatorFree || k == AllocatorMunmap
}

// FrameID is the interned identifier of a source frame. IDs are assigned
// densely starting at 1; id 0 is never valid.
type FrameID uint64

// RawFrame identifies a host source frame ready to be emitted. ParentLine is
// the line in the caller at which this frame was entered.
type RawFrame struct {
	Function   string
	File       string
	ParentLine int
}

// Record is implemented by every payload that can appear in the capture
// stream.
type Record interface {
	recordType() RecordType
}

// AllocationRecord describes one allocation or deallocation event.
type AllocationRecord struct {
	ThreadID    uint64
	Address     uint64
	Size        uint64
	Allocator   AllocatorKind
	Line        int
	NativeIndex uint32
}

// FrameIndexRecord is written on the first sighting of a source frame.
type FrameIndexRecord struct {
	ID    FrameID
	Frame RawFrame
}

// FramePushRecord records a frame entering a thread's stack.
type FramePushRecord struct {
	ID       FrameID
	ThreadID uint64
}

// FramePopRecord records Count frames leaving a thread's stack.
type FramePopRecord struct {
	ThreadID uint64
	Count    uint8
}

// NativeFrameRecord is written on the first sighting of an (instruction
// pointer, parent) pair within the native trace tree.
type NativeFrameRecord struct {
	IP          uint64
	ParentIndex uint32
}

// MemoryRecord is a resident-set-size sample from the background sampler.
type MemoryRecord struct {
	TimestampMS uint64
	RSSBytes    uint64
}

// MemoryMapStartRecord marks the beginning of a module snapshot batch.
type MemoryMapStartRecord struct{}

// SegmentHeaderRecord precedes the loadable segments of one module.
type SegmentHeaderRecord struct {
	Module       string
	SegmentCount uint32
	LoadAddress  uint64
}

// SegmentRecord is one loadable segment of a module.
type SegmentRecord struct {
	VirtualAddress uint64
	MemorySize     uint64
}

// ThreadNameRecord associates a human-readable name with a thread id.
type ThreadNameRecord struct {
	ThreadID uint64
	Name     string
}

func (AllocationRecord) recordType() RecordType     { return RecordAllocation }
func (FrameIndexRecord) recordType() RecordType     { return RecordFrameIndex }
func (FramePushRecord) recordType() RecordType      { return RecordFramePush }
func (FramePopRecord) recordType() RecordType       { return RecordFramePop }
func (NativeFrameRecord) recordType() RecordType    { return RecordNativeTraceIndex }
func (MemoryRecord) recordType() RecordType         { return RecordMemoryRecord }
func (MemoryMapStartRecord) recordType() RecordType { return RecordMemoryMapStart }
func (SegmentHeaderRecord) recordType() RecordType  { return RecordSegmentHeader }
func (SegmentRecord) recordType() RecordType        { return RecordSegment }
func (ThreadNameRecord) recordType() RecordType     { return RecordThreadRecord }

// Type exposes the stream tag of a record. Offline readers switch on it.
func Type(r Record) RecordType { return r.recordType() }
