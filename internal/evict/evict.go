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

package evict

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/nvheap/nvheap/internal/las"
	"github.com/nvheap/nvheap/internal/object"
	"github.com/nvheap/nvheap/internal/swizzle"
)

// ErrNoCandidates is returned by EvictOne when the candidate map is
// empty.
var ErrNoCandidates = errors.New("evict: no eviction candidates")

// ErrNoBlockBacking is returned when a candidate extent has no block
// source backing it: evicting it would lose data, so it is dropped
// from the candidate set instead of being evicted.
var ErrNoBlockBacking = errors.New("evict: candidate extent has no block backing")

// Evictor drives the candidate map against a LAS: it turns a selected
// victim into an actual eviction by unswizzling the holder's pointer
// field and releasing the memory-resident extent, per spec.md §4.7.
//
// Back-pointer fix-up here targets the first pointer-sized field of
// the holder object's payload. Spec.md's general invariant — "all
// outbound pointers [are] at the start of the object" — bounds the
// walk to that leading cluster; fix-up locates and CASes only that one
// field, so it handles holders with a single outbound pointer there. A structure with multiple leading pointer fields would
// need Header to additionally carry a field index, which spec.md
// leaves as an open question this repo does not need to answer yet.
type Evictor struct {
	l          *las.LAS
	candidates *Map
	headroom   int

	evictions uint64 // atomic stat
	faultIns  uint64 // atomic stat, bumped by callers via RecordFaultIn
}

// NewEvictor creates an Evictor targeting headroom resident
// candidates at any time.
func NewEvictor(l *las.LAS, headroom int, seed int64) *Evictor {
	return &Evictor{l: l, candidates: New(seed), headroom: headroom}
}

// Candidates exposes the underlying candidate map, e.g. for the
// dereference fast-path short-circuit described in spec.md §4.7 ("On
// a slow-path read that hits a candidate extent...").
func (e *Evictor) Candidates() *Map { return e.candidates }

// Admit offers id as an eviction candidate. inUse should report
// whether id is part of any active transaction's working set.
func (e *Evictor) Admit(id las.ExtentID, inUse func(las.ExtentID) bool) bool {
	return e.candidates.Admit(id, inUse)
}

// NeedsEviction reports whether the candidate set has grown beyond
// the configured headroom and a background eviction pass should run.
func (e *Evictor) NeedsEviction() bool {
	return e.candidates.Len() > e.headroom
}

// EvictOne selects one victim from the candidate map and evicts it:
// it rewrites the holder's pointer field from its memory-resident
// form to the block-tagged form, then frees the memory extent. It
// never issues I/O (spec.md §4.7: "Eviction never flushes") since the
// block-resident copy is already durable by the time an extent is
// admitted as a candidate.
func (e *Evictor) EvictOne() (las.ExtentID, error) {
	id, ok := e.candidates.SelectVictim()
	if !ok {
		return las.ExtentID{}, ErrNoCandidates
	}

	blockID, ok := e.l.PageTable().Block(id)
	if !ok {
		return las.ExtentID{}, ErrNoBlockBacking
	}

	if err := e.unswizzleHolder(id, blockID); err != nil {
		return las.ExtentID{}, err
	}

	e.l.Free(id)
	atomic.AddUint64(&e.evictions, 1)
	return id, nil
}

// unswizzleHolder decodes the object at extent id to find its parent
// back-pointer, dereferences the parent, and CASes the parent's
// leading pointer field from its current (resident) form to a
// block-tagged pointer at blockID.
func (e *Evictor) unswizzleHolder(id, blockID las.ExtentID) error {
	self, err := e.l.NativeBytes(id)
	if err != nil {
		return err
	}

	hdr, _, err := object.Decode(self)
	if err != nil {
		return err
	}
	if hdr.Parent.IsNull() {
		// Root objects have no holder to fix up; nothing more to do.
		return nil
	}

	parentExt := las.ExtentOf(hdr.Parent)
	parentBytes, err := e.l.NativeBytes(parentExt)
	if err != nil {
		return err
	}
	if len(parentBytes) < object.HeaderSize+8 {
		return errors.New("evict: parent object too small to carry a pointer field")
	}
	fieldAddr := (*swizzle.Pointer)(unsafe.Pointer(&parentBytes[object.HeaderSize]))

	old := swizzle.Load(fieldAddr)
	if las.ExtentOf(old) != id {
		// The field was already rewritten (e.g. by a concurrent
		// writer's copy-on-write). Nothing to unswizzle.
		return nil
	}
	if !las.Unswizzle(fieldAddr, old, blockID, 0) {
		return errors.New("evict: holder pointer changed during unswizzle")
	}
	return nil
}

// Evictions returns the number of extents evicted so far.
func (e *Evictor) Evictions() uint64 { return atomic.LoadUint64(&e.evictions) }

// RecordFaultIn bumps the fault-in counter that Heap.Stats reports.
// Nothing in this module calls it: las.LAS.Dereference does not
// report its block-address slow path, so the counter only counts the
// fault-ins a caller records itself.
func (e *Evictor) RecordFaultIn() { atomic.AddUint64(&e.faultIns, 1) }

// FaultIns returns the number of slow-path fault-ins observed so far.
func (e *Evictor) FaultIns() uint64 { return atomic.LoadUint64(&e.faultIns) }
