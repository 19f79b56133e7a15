// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package nvheap

import (
	"fmt"
	"os"
	"runtime"
)

// systemMemTotal is the total usable DRAM, read once from
// /proc/meminfo on Linux. On other systems, or if the read fails, it
// remains zero and callers must treat that as "unknown" rather than
// "none".
var systemMemTotal int64

func init() {
	if runtime.GOOS != "linux" {
		return
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return
	}
	defer f.Close()
	for {
		n, err := fmt.Fscanf(f, "MemTotal: %d kB\n", &systemMemTotal)
		if err != nil {
			systemMemTotal = 0
			return
		}
		if n > 0 {
			systemMemTotal *= 1024
			return
		}
	}
}

// defaultMemorySourceCapacity picks a default byte capacity for a
// Config that did not explicitly size its memory source: half of
// detected system DRAM, per spec.md §6's "reasonable default derived
// from host memory" guidance, or a conservative 256 MiB fallback when
// the host total could not be determined.
func defaultMemorySourceCapacity() int64 {
	if systemMemTotal <= 0 {
		return 256 << 20
	}
	return systemMemTotal / 2
}
