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
	"bufio"
	"debug/elf"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// moduleInfo is one loaded object and its loadable segments.
type moduleInfo struct {
	Path        string
	LoadAddress uint64
	Segments    []SegmentRecord
}

// updateModuleCache snapshots the loadable-segment layout of every mapped
// object so native instruction pointers can be resolved offline. The whole
// batch goes out under one writer lock so no other record lands inside it.
// Only meaningful when native traces are being captured.
func (t *Tracker) updateModuleCache() {
	if !t.nativeTraces {
		return
	}

	modules, err := loadedModules()
	if err != nil {
		log.WithError(err).Warn("failed to read loaded modules, skipping module snapshot")
		return
	}

	release := t.writer.AcquireLock()
	defer release()

	if err := t.writer.WriteRecordUnsafe(MemoryMapStartRecord{}); err != nil {
		t.failStop(err)
		return
	}
	for _, m := range modules {
		header := SegmentHeaderRecord{
			Module:       m.Path,
			SegmentCount: uint32(len(m.Segments)),
			LoadAddress:  m.LoadAddress,
		}
		if err := t.writer.WriteRecordUnsafe(header); err != nil {
			t.failStop(err)
			return
		}
		for _, segment := range m.Segments {
			if err := t.writer.WriteRecordUnsafe(segment); err != nil {
				t.failStop(err)
				return
			}
		}
	}
}

// loadedModules walks /proc/self/maps for the distinct objects mapped into
// the process and reads their PT_LOAD program headers. The vDSO cannot be
// resolved to anything on disk and is skipped, as are anonymous and
// pseudo mappings.
func loadedModules() ([]moduleInfo, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		exe = ""
	}

	type mapping struct {
		start  uint64
		offset uint64
	}
	lowest := make(map[string]mapping)
	var order []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if !strings.HasPrefix(path, "/") || strings.Contains(path, "linux-vdso.so") {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		prev, seen := lowest[path]
		if !seen {
			order = append(order, path)
		}
		if !seen || start < prev.start {
			lowest[path] = mapping{start: start, offset: offset}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var modules []moduleInfo
	for _, path := range order {
		name := path
		if exe != "" && path == exe {
			// The loader reports the main executable with an empty name;
			// the resolved exe link is the canonical path either way.
			name = exe
		}
		m, err := readModule(name, lowest[path].start)
		if err != nil {
			log.WithError(err).WithField("module", path).Debug("skipping unreadable module")
			continue
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func readModule(path string, mapStart uint64) (moduleInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return moduleInfo{}, err
	}
	defer f.Close()

	m := moduleInfo{Path: path}
	// Position-independent objects are relocated to where the loader put
	// them; fixed executables load at their linked address.
	if f.Type == elf.ET_DYN {
		m.LoadAddress = mapStart
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			m.Segments = append(m.Segments, SegmentRecord{
				VirtualAddress: prog.Vaddr,
				MemorySize:     prog.Memsz,
			})
		}
	}
	return m, nil
}
