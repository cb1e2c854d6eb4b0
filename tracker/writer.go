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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Magic identifies a capture file.
var Magic = [6]byte{'m', 'e', 'm', 'r', 'a', 'y'}

// FormatVersion is bumped on incompatible stream layout changes.
const FormatVersion uint16 = 1

// ErrNotCloneable is returned by CloneInChild when the writer's sink cannot
// be carried across a fork.
var ErrNotCloneable = errors.New("capture writer cannot be cloned into a child process")

// RecordWriter is the sink for the capture stream. Implementations serialize
// WriteRecord internally; WriteRecordUnsafe must only be called while the
// lock returned by AcquireLock is held. A writer must never call back into
// tracked allocators.
type RecordWriter interface {
	WriteHeader(final bool) error
	WriteRecord(r Record) error
	WriteRecordUnsafe(r Record) error
	AcquireLock() (release func())
	CloneInChild() (RecordWriter, error)
	Close() error
}

// HeaderInfo is the metadata blob carried by the capture header and trailer.
type HeaderInfo struct {
	SessionID    string `json:"session_id"`
	PID          int    `json:"pid"`
	Command      string `json:"command"`
	NativeTraces bool   `json:"native_traces"`
	StartTimeMS  uint64 `json:"start_time_ms"`
	EndTimeMS    uint64 `json:"end_time_ms,omitempty"`
}

// StreamWriter writes the binary capture stream to a file. Records are
// fixed-width little-endian fields; strings are uvarint length prefixed.
type StreamWriter struct {
	mu   sync.Mutex
	f    *os.File
	path string
	hdr  HeaderInfo
}

// NewStreamWriter creates a capture file at path. The header is not written
// until WriteHeader is called.
func NewStreamWriter(path string, nativeTraces bool) (*StreamWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	return &StreamWriter{
		f:    f,
		path: path,
		hdr: HeaderInfo{
			SessionID:    uuid.New().String(),
			PID:          os.Getpid(),
			Command:      strings.Join(os.Args, " "),
			NativeTraces: nativeTraces,
			StartTimeMS:  uint64(time.Now().UnixMilli()),
		},
	}, nil
}

// Header returns a copy of the metadata that WriteHeader emits.
func (w *StreamWriter) Header() HeaderInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hdr
}

func (w *StreamWriter) WriteHeader(final bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !final {
		if _, err := w.f.Write(Magic[:]); err != nil {
			return err
		}
		var v [2]byte
		binary.LittleEndian.PutUint16(v[:], FormatVersion)
		if _, err := w.f.Write(v[:]); err != nil {
			return err
		}
		return w.writeJSONBlob(w.hdr)
	}
	w.hdr.EndTimeMS = uint64(time.Now().UnixMilli())
	if err := w.writeByte(byte(RecordTrailer)); err != nil {
		return err
	}
	if err := w.writeJSONBlob(w.hdr); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *StreamWriter) WriteRecord(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRecordLocked(r)
}

func (w *StreamWriter) WriteRecordUnsafe(r Record) error {
	return w.writeRecordLocked(r)
}

func (w *StreamWriter) AcquireLock() (release func()) {
	w.mu.Lock()
	return w.mu.Unlock
}

// CloneInChild reopens a sibling capture file suffixed with the child's pid.
// The child's tracer writes the new file's header itself.
func (w *StreamWriter) CloneInChild() (RecordWriter, error) {
	return NewStreamWriter(fmt.Sprintf("%s.%d", w.path, os.Getpid()), w.hdr.NativeTraces)
}

func (w *StreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func (w *StreamWriter) writeRecordLocked(r Record) error {
	if err := w.writeByte(byte(r.recordType())); err != nil {
		return err
	}
	switch rec := r.(type) {
	case AllocationRecord:
		return w.writeFields(
			u64(rec.ThreadID), u64(rec.Address), u64(rec.Size),
			u8(uint8(rec.Allocator)), u32(uint32(int32(rec.Line))), u32(rec.NativeIndex))
	case FrameIndexRecord:
		if err := w.writeFields(u64(uint64(rec.ID))); err != nil {
			return err
		}
		if err := w.writeString(rec.Frame.Function); err != nil {
			return err
		}
		if err := w.writeString(rec.Frame.File); err != nil {
			return err
		}
		return w.writeFields(u32(uint32(int32(rec.Frame.ParentLine))))
	case FramePushRecord:
		return w.writeFields(u64(uint64(rec.ID)), u64(rec.ThreadID))
	case FramePopRecord:
		return w.writeFields(u64(rec.ThreadID), u8(rec.Count))
	case NativeFrameRecord:
		return w.writeFields(u64(rec.IP), u32(rec.ParentIndex))
	case MemoryRecord:
		return w.writeFields(u64(rec.TimestampMS), u64(rec.RSSBytes))
	case MemoryMapStartRecord:
		return nil
	case SegmentHeaderRecord:
		if err := w.writeString(rec.Module); err != nil {
			return err
		}
		return w.writeFields(u32(rec.SegmentCount), u64(rec.LoadAddress))
	case SegmentRecord:
		return w.writeFields(u64(rec.VirtualAddress), u64(rec.MemorySize))
	case ThreadNameRecord:
		if err := w.writeFields(u64(rec.ThreadID)); err != nil {
			return err
		}
		return w.writeString(rec.Name)
	default:
		return fmt.Errorf("unknown record type %T", r)
	}
}

type field struct {
	width int
	value uint64
}

func u8(v uint8) field   { return field{1, uint64(v)} }
func u32(v uint32) field { return field{4, uint64(v)} }
func u64(v uint64) field { return field{8, v} }

func (w *StreamWriter) writeFields(fields ...field) error {
	var scratch [8]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint64(scratch[:], f.value)
		if _, err := w.f.Write(scratch[:f.width]); err != nil {
			return err
		}
	}
	return nil
}

func (w *StreamWriter) writeByte(b byte) error {
	_, err := w.f.Write([]byte{b})
	return err
}

func (w *StreamWriter) writeString(s string) error {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(s)))
	if _, err := w.f.Write(scratch[:n]); err != nil {
		return err
	}
	_, err := w.f.Write([]byte(s))
	return err
}

func (w *StreamWriter) writeJSONBlob(v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(blob)))
	if _, err := w.f.Write(scratch[:n]); err != nil {
		return err
	}
	_, err = w.f.Write(blob)
	return err
}
