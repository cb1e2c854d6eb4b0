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

// Package report reads capture streams back and converts them into pprof
// profiles for offline analysis.
package report

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/ssanchez-sonatype/memray/tracker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Capture is one fully parsed capture stream. Trailer is nil when the
// tracer did not shut down cleanly.
type Capture struct {
	Header  tracker.HeaderInfo
	Trailer *tracker.HeaderInfo
	Records []tracker.Record
}

// ReadFile parses the capture file at path.
func ReadFile(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses a capture stream. A stream truncated mid-record (the traced
// process died) yields the records read so far and no error.
func Read(r io.Reader) (*Capture, error) {
	br := bufio.NewReader(r)

	var magic [6]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("reading capture magic: %w", err)
	}
	if !bytes.Equal(magic[:], tracker.Magic[:]) {
		return nil, fmt.Errorf("not a capture file (magic %q)", magic)
	}
	var version uint16
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("reading capture version: %w", err)
	}
	if version != tracker.FormatVersion {
		return nil, fmt.Errorf("unsupported capture version %d", version)
	}

	c := &Capture{}
	if err := readJSONBlob(br, &c.Header); err != nil {
		return nil, fmt.Errorf("reading capture header: %w", err)
	}

	for {
		kind, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return c, nil
			}
			return nil, err
		}
		if tracker.RecordType(kind) == tracker.RecordTrailer {
			var trailer tracker.HeaderInfo
			if err := readJSONBlob(br, &trailer); err != nil {
				return c, nil
			}
			c.Trailer = &trailer
			return c, nil
		}
		record, err := readRecord(br, tracker.RecordType(kind))
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return c, nil
			}
			return nil, err
		}
		c.Records = append(c.Records, record)
	}
}

func readRecord(br *bufio.Reader, kind tracker.RecordType) (tracker.Record, error) {
	switch kind {
	case tracker.RecordAllocation:
		tid, err := readU64(br)
		if err != nil {
			return nil, err
		}
		addr, err := readU64(br)
		if err != nil {
			return nil, err
		}
		size, err := readU64(br)
		if err != nil {
			return nil, err
		}
		allocator, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		line, err := readU32(br)
		if err != nil {
			return nil, err
		}
		native, err := readU32(br)
		if err != nil {
			return nil, err
		}
		return tracker.AllocationRecord{
			ThreadID:    tid,
			Address:     addr,
			Size:        size,
			Allocator:   tracker.AllocatorKind(allocator),
			Line:        int(int32(line)),
			NativeIndex: native,
		}, nil
	case tracker.RecordFrameIndex:
		id, err := readU64(br)
		if err != nil {
			return nil, err
		}
		function, err := readString(br)
		if err != nil {
			return nil, err
		}
		file, err := readString(br)
		if err != nil {
			return nil, err
		}
		parentLine, err := readU32(br)
		if err != nil {
			return nil, err
		}
		return tracker.FrameIndexRecord{
			ID: tracker.FrameID(id),
			Frame: tracker.RawFrame{
				Function:   function,
				File:       file,
				ParentLine: int(int32(parentLine)),
			},
		}, nil
	case tracker.RecordFramePush:
		id, err := readU64(br)
		if err != nil {
			return nil, err
		}
		tid, err := readU64(br)
		if err != nil {
			return nil, err
		}
		return tracker.FramePushRecord{ID: tracker.FrameID(id), ThreadID: tid}, nil
	case tracker.RecordFramePop:
		tid, err := readU64(br)
		if err != nil {
			return nil, err
		}
		count, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		return tracker.FramePopRecord{ThreadID: tid, Count: count}, nil
	case tracker.RecordNativeTraceIndex:
		ip, err := readU64(br)
		if err != nil {
			return nil, err
		}
		parent, err := readU32(br)
		if err != nil {
			return nil, err
		}
		return tracker.NativeFrameRecord{IP: ip, ParentIndex: parent}, nil
	case tracker.RecordMemoryRecord:
		ts, err := readU64(br)
		if err != nil {
			return nil, err
		}
		rss, err := readU64(br)
		if err != nil {
			return nil, err
		}
		return tracker.MemoryRecord{TimestampMS: ts, RSSBytes: rss}, nil
	case tracker.RecordMemoryMapStart:
		return tracker.MemoryMapStartRecord{}, nil
	case tracker.RecordSegmentHeader:
		module, err := readString(br)
		if err != nil {
			return nil, err
		}
		count, err := readU32(br)
		if err != nil {
			return nil, err
		}
		load, err := readU64(br)
		if err != nil {
			return nil, err
		}
		return tracker.SegmentHeaderRecord{Module: module, SegmentCount: count, LoadAddress: load}, nil
	case tracker.RecordSegment:
		vaddr, err := readU64(br)
		if err != nil {
			return nil, err
		}
		memsz, err := readU64(br)
		if err != nil {
			return nil, err
		}
		return tracker.SegmentRecord{VirtualAddress: vaddr, MemorySize: memsz}, nil
	case tracker.RecordThreadRecord:
		tid, err := readU64(br)
		if err != nil {
			return nil, err
		}
		name, err := readString(br)
		if err != nil {
			return nil, err
		}
		return tracker.ThreadNameRecord{ThreadID: tid, Name: name}, nil
	default:
		return nil, fmt.Errorf("unknown record type 0x%02x", byte(kind))
	}
}

func readU64(br *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readU32(br *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readString(br *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readJSONBlob(br *bufio.Reader, v any) error {
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
