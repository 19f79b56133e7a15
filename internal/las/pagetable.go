// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package las

import (
	"sync"

	"github.com/dchest/siphash"
)

// PageTable maps a (source id, logical extent) key to its
// block-resident backing extent and back, per spec.md §4.2: "a
// mapping ... that associates a memory-resident extent with a
// block-resident backing extent (if any) and vice versa. It
// contains no Page-ID indirection beyond this." The table is
// sharded by a siphash of the extent key to bound lock contention
// the way splitter.go shards query work across peers by siphash of
// an ETag.
type PageTable struct {
	shards [tableShards]shard
}

const tableShards = 16

type shard struct {
	mu        sync.RWMutex
	toBlock   map[ExtentID]ExtentID // memory extent -> its block backing
	fromBlock map[ExtentID]ExtentID // block extent -> its memory shadow
}

// NewPageTable creates an empty page table.
func NewPageTable() *PageTable {
	pt := &PageTable{}
	for i := range pt.shards {
		pt.shards[i].toBlock = make(map[ExtentID]ExtentID)
		pt.shards[i].fromBlock = make(map[ExtentID]ExtentID)
	}
	return pt
}

var siphashKey0, siphashKey1 uint64 = 0x5ca1ab1edeadbeef, 0x0ddc0ffeebadf00d

// Map registers that block is backed in memory by shadow (and vice
// versa). Called once when a block-source allocation creates its
// memory shadow (spec.md §4.2), again when the fault-in path reads a
// block extent into a fresh shadow, and by recovery when it restores
// a block extent. Each direction is stored in the shard of its own
// key, so Shadow and Block both find the entry.
func (pt *PageTable) Map(block, shadow ExtentID) {
	bs := pt.shard(block)
	bs.mu.Lock()
	bs.fromBlock[block] = shadow
	bs.mu.Unlock()
	ss := pt.shard(shadow)
	ss.mu.Lock()
	ss.toBlock[shadow] = block
	ss.mu.Unlock()
}

// Shadow returns the memory extent currently backing block, if any.
func (pt *PageTable) Shadow(block ExtentID) (ExtentID, bool) {
	s := pt.shard(block)
	s.mu.RLock()
	defer s.mu.RUnlock()
	shadow, ok := s.fromBlock[block]
	return shadow, ok
}

// Block returns the block extent that shadow is currently backing,
// if any.
func (pt *PageTable) Block(shadow ExtentID) (ExtentID, bool) {
	s := pt.shard(shadow)
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.toBlock[shadow]
	return block, ok
}

// Unmap removes id from both directions of the table (used when an
// extent is freed or evicted).
func (pt *PageTable) Unmap(id ExtentID) {
	s := pt.shard(id)
	s.mu.Lock()
	shadow, isBlock := s.fromBlock[id]
	delete(s.fromBlock, id)
	block, isShadow := s.toBlock[id]
	delete(s.toBlock, id)
	s.mu.Unlock()
	if isBlock {
		o := pt.shard(shadow)
		o.mu.Lock()
		delete(o.toBlock, shadow)
		o.mu.Unlock()
	}
	if isShadow {
		o := pt.shard(block)
		o.mu.Lock()
		delete(o.fromBlock, block)
		o.mu.Unlock()
	}
}

func (pt *PageTable) shard(id ExtentID) *shard {
	h := siphash.Hash(siphashKey0, siphashKey1, []byte{
		byte(id.Source), byte(id.Source >> 8), byte(id.Source >> 16), byte(id.Source >> 24),
		byte(id.Extent), byte(id.Extent >> 8), byte(id.Extent >> 16), byte(id.Extent >> 24),
	})
	return &pt.shards[h%tableShards]
}
