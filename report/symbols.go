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
	"os/exec"
	"strconv"
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
)

type symbolInfo struct {
	name string
	file string
	line int64
}

const symbolCacheSize = 8192

// Symbolizer resolves native instruction pointers against a binary using
// addr2line, batching lookups and caching results.
type Symbolizer struct {
	binaryPath string
	cache      *freelru.LRU[uint64, symbolInfo]
}

// NewSymbolizer builds a symbolizer for the given binary.
func NewSymbolizer(binaryPath string) (*Symbolizer, error) {
	cache, err := freelru.New[uint64, symbolInfo](symbolCacheSize, func(addr uint64) uint32 {
		return uint32(addr ^ addr>>32)
	})
	if err != nil {
		return nil, err
	}
	return &Symbolizer{binaryPath: binaryPath, cache: cache}, nil
}

// Resolve returns symbol info for every address, consulting the cache first
// and resolving the misses with a single addr2line call.
func (s *Symbolizer) Resolve(addrs []uint64) map[uint64]symbolInfo {
	result := make(map[uint64]symbolInfo, len(addrs))
	var misses []uint64
	for _, addr := range addrs {
		if info, ok := s.cache.Get(addr); ok {
			result[addr] = info
		} else {
			misses = append(misses, addr)
		}
	}
	if len(misses) == 0 {
		return result
	}

	for addr, info := range s.batchResolve(misses) {
		s.cache.Add(addr, info)
		result[addr] = info
	}
	return result
}

// batchResolve shells out to addr2line once for all addresses. addr2line
// prints two lines per address: the function name, then file:line.
func (s *Symbolizer) batchResolve(addrs []uint64) map[uint64]symbolInfo {
	result := make(map[uint64]symbolInfo, len(addrs))

	args := []string{"-e", s.binaryPath, "-f", "-C"}
	for _, addr := range addrs {
		args = append(args, fmt.Sprintf("0x%x", addr))
	}

	log.WithField("count", len(addrs)).Debug("batch symbolizing addresses")
	output, err := exec.Command("addr2line", args...).Output()
	if err != nil {
		log.WithError(err).Debug("addr2line batch call failed")
		for _, addr := range addrs {
			result[addr] = symbolInfo{name: fmt.Sprintf("func_%x", addr)}
		}
		return result
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := 0; i < len(addrs) && i*2+1 < len(lines); i++ {
		addr := addrs[i]
		name := strings.TrimSpace(lines[i*2])
		location := strings.TrimSpace(lines[i*2+1])

		var lineNum int64
		file := location
		if parts := strings.Split(location, ":"); len(parts) >= 2 {
			file = parts[0]
			if n, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				lineNum = n
			}
		}
		if name == "??" || location == "??:0" {
			name = fmt.Sprintf("func_%x", addr)
			file = ""
			lineNum = 0
		}
		result[addr] = symbolInfo{name: name, file: file, line: lineNum}
	}
	return result
}
