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
	"context"
	"fmt"
	"sync"

	"github.com/nvheap/nvheap/internal/src"
)

// MutableSlice is a write-once handle to a freshly allocated byte
// range. Exactly one MutableSlice is ever issued per allocated byte
// range (spec.md §3 invariant); Publish consumes it.
type MutableSlice struct {
	Extent ExtentID
	Offset int64 // offset within the extent
	srcOff int64 // the extent's byte offset within its source
	bytes  []byte
	used   bool
}

// Bytes returns the writable backing bytes. Calling Bytes after
// Publish has consumed the slice panics, enforcing the "mutable
// aliasing prevented by construction" invariant.
func (m *MutableSlice) Bytes() []byte {
	if m.used {
		panic("las: use of MutableSlice after Publish")
	}
	return m.bytes
}

// LogicalSlice is an immutable, lifetime-bounded view of bytes
// wholly contained in one extent (spec.md §3). It is the only handle
// through which user code may read heap bytes after publication.
type LogicalSlice struct {
	Extent ExtentID
	Offset int64
	bytes  []byte
}

// Bytes returns the read-only backing bytes.
func (l LogicalSlice) Bytes() []byte { return l.bytes }

// Sub returns a LogicalSlice over a sub-range, failing if it would
// cross outside the parent's bounds (extents are never crossed,
// since the parent itself never crosses an extent boundary).
func (l LogicalSlice) Sub(off, n int) (LogicalSlice, error) {
	if off < 0 || n < 0 || off+n > len(l.bytes) {
		return LogicalSlice{}, fmt.Errorf("las: sub-slice [%d:%d] out of bounds (len %d)", off, off+n, len(l.bytes))
	}
	return LogicalSlice{Extent: l.Extent, Offset: l.Offset + int64(off), bytes: l.bytes[off : off+n]}, nil
}

// LAS is the logical address space: the allocator, page table, and
// live-extent registry for every source attached to a heap.
type LAS struct {
	mu      sync.Mutex
	sources map[int32]*sourceEntry
	extents map[ExtentID]*Extent // live, published extents

	pt *PageTable

	// shadowSrc is the memory source used to back block-extent
	// shadow pages when no explicit memory source is configured for
	// that purpose (spec.md §4.2: "A memory fallback extent is
	// always created for block allocations").
	shadowSrc src.Source

	onAsyncWrite func(ExtentID, error) // test hook; nil in production
}

// New creates an empty LAS. Attach must be called for every Source
// before it can be allocated from.
func New(shadow src.Source) *LAS {
	return &LAS{
		sources:   make(map[int32]*sourceEntry),
		extents:   make(map[ExtentID]*Extent),
		pt:        NewPageTable(),
		shadowSrc: shadow,
	}
}

// Attach registers a new source with the LAS so it participates in
// allocation (spec.md §3: "new sources may be attached").
func (l *LAS) Attach(s src.Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[s.ID()] = &sourceEntry{s: s, freeList: make(map[int]freeRuns)}
}

func (l *LAS) bestSourceLocked(preferPersistentByteAddr bool, excludeBlock bool) *sourceEntry {
	var best *sourceEntry
	for _, se := range l.sources {
		k := se.s.Kind()
		if excludeBlock && k == src.Block {
			continue
		}
		if preferPersistentByteAddr {
			if k == src.PersistentMemory {
				return se // exact match, stop searching
			}
			if k == src.Memory && best == nil {
				best = se
			}
			continue
		}
		if best == nil {
			best = se
		}
	}
	return best
}

// reserve finds (or extends) free space for n bytes within se,
// returning the byte offset at which to place the extent.
func (se *sourceEntry) reserve(n int64) (int64, error) {
	class := sizeClass(n)
	for c := class; c < 63; c++ {
		runs := se.freeList[c]
		if len(runs) == 0 {
			continue
		}
		last := len(runs) - 1
		run := runs[last]
		if run.length < n {
			continue
		}
		se.freeList[c] = runs[:last]
		if run.length > n {
			se.freeList[sizeClass(run.length-n)] = append(se.freeList[sizeClass(run.length-n)], freeRun{
				offset: run.offset + n,
				length: run.length - n,
			})
		}
		return run.offset, nil
	}
	offset := se.highWater
	if offset+n > se.s.Capacity() {
		return 0, src.ErrOutOfSpace
	}
	se.highWater += n
	return offset, nil
}

func (se *sourceEntry) release(offset, n int64) {
	se.freeList[sizeClass(n)] = append(se.freeList[sizeClass(n)], freeRun{offset: offset, length: n})
}

// Allocate carves a new extent of at least size bytes according to
// hint and returns its id plus a single mutable slice over the
// entire extent (spec.md §4.2: "allocate(size, hint) -> extent_handle,
// mutable_slice").
func (l *LAS) Allocate(ctx context.Context, size int64, hint Hint, directedSource int32) (ExtentID, *MutableSlice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var se *sourceEntry
	switch hint {
	case HintUser:
		se = l.sources[directedSource]
		if se == nil {
			return ExtentID{}, nil, fmt.Errorf("las: no such source %d", directedSource)
		}
	case HintCompaction:
		se = l.bestSourceLocked(false, false)
	default: // HintNewObject, HintSlab
		se = l.bestSourceLocked(true, false)
	}
	if se == nil {
		return ExtentID{}, nil, src.ErrOutOfSpace
	}

	if se.s.Kind() == src.Block {
		return l.allocateBlockWithShadow(ctx, se, size)
	}

	offset, err := se.reserve(size)
	if err != nil {
		// capacity exhausted on the preferred source: for
		// HintNewObject only, fall back to a block source with an
		// async-written memory shadow, per spec.md §4.2.
		if hint == HintNewObject {
			for _, blk := range l.sources {
				if blk.s.Kind() == src.Block {
					return l.allocateBlockWithShadow(ctx, blk, size)
				}
			}
		}
		return ExtentID{}, nil, err
	}

	id := ExtentID{Source: se.s.ID(), Extent: se.nextExtID}
	se.nextExtID++

	mem, err := l.nativeBytes(se.s, offset, size)
	if err != nil {
		return ExtentID{}, nil, err
	}
	return id, &MutableSlice{Extent: id, srcOff: offset, bytes: mem}, nil
}

// allocateBlockWithShadow reserves space on a block source se and an
// equally sized shadow extent on the shadow memory source, returning
// a mutable slice over the shadow (writable, byte-addressable)
// bytes. The block-resident bytes are written asynchronously once
// Publish is called.
func (l *LAS) allocateBlockWithShadow(ctx context.Context, se *sourceEntry, size int64) (ExtentID, *MutableSlice, error) {
	page := int64(se.s.PageSize())
	aligned := ((size + page - 1) / page) * page
	blockOff, err := se.reserve(aligned)
	if err != nil {
		return ExtentID{}, nil, err
	}
	blockID := ExtentID{Source: se.s.ID(), Extent: se.nextExtID}
	se.nextExtID++

	shadowSE := l.sources[l.shadowSrc.ID()]
	if shadowSE == nil {
		shadowSE = &sourceEntry{s: l.shadowSrc, freeList: make(map[int]freeRuns)}
		l.sources[l.shadowSrc.ID()] = shadowSE
	}
	shadowOff, err := shadowSE.reserve(aligned)
	if err != nil {
		se.release(blockOff, aligned)
		return ExtentID{}, nil, err
	}
	shadowID := ExtentID{Source: shadowSE.s.ID(), Extent: shadowSE.nextExtID}
	shadowSE.nextExtID++

	mem, err := l.nativeBytes(shadowSE.s, shadowOff, aligned)
	if err != nil {
		return ExtentID{}, nil, err
	}

	l.extents[blockID] = &Extent{ID: blockID, Offset: blockOff, Length: aligned, Shadow: shadowID}
	l.extents[shadowID] = &Extent{ID: shadowID, Offset: shadowOff, Length: aligned}
	l.pt.Map(blockID, shadowID)

	return blockID, &MutableSlice{Extent: blockID, bytes: mem[:size]}, nil
}

func (l *LAS) nativeBytes(s src.Source, offset, size int64) ([]byte, error) {
	base, ok := s.BasePointer()
	if ok {
		return sliceFromBase(base, offset, size), nil
	}
	// sources without a base pointer (block) are never addressed
	// directly here; callers route through allocateBlockWithShadow.
	return nil, fmt.Errorf("las: source %d has no native base pointer", s.ID())
}

// Publish inserts the extent into the live extent table and
// schedules the asynchronous background write for block-backed
// shadow extents, per spec.md §4.2 ("Publication ... After
// publication the mutable slice is consumed; only immutable slices
// may be derived").
func (l *LAS) Publish(ctx context.Context, id ExtentID, m *MutableSlice) (LogicalSlice, error) {
	if m.used {
		return LogicalSlice{}, fmt.Errorf("las: double publish of %v", id)
	}
	m.used = true

	l.mu.Lock()
	ext, exists := l.extents[id]
	if !exists {
		ext = &Extent{ID: id, Offset: m.srcOff, Length: int64(len(m.bytes))}
		l.extents[id] = ext
	}
	se := l.sources[id.Source]
	l.mu.Unlock()

	if se != nil && se.s.Kind() == src.Block {
		l.scheduleShadowFlush(ctx, id, ext, m.bytes)
	}

	return LogicalSlice{Extent: id, bytes: m.bytes}, nil
}

func (l *LAS) scheduleShadowFlush(ctx context.Context, id ExtentID, ext *Extent, data []byte) {
	go func() {
		l.mu.Lock()
		se := l.sources[id.Source]
		l.mu.Unlock()
		if se == nil {
			return
		}
		page := int64(se.s.PageSize())
		aligned := ((int64(len(data)) + page - 1) / page) * page
		buf := data
		if int64(len(buf)) < aligned {
			buf = make([]byte, aligned)
			copy(buf, data)
		}
		err := <-se.s.Write(ctx, src.PageRange{Off: ext.Offset, Len: aligned}, buf)
		if l.onAsyncWrite != nil {
			l.onAsyncWrite(id, err)
		}
	}()
}

// Lookup returns the live Extent metadata for id, or ok=false if it
// has never been published (or has since been freed/compacted away).
func (l *LAS) Lookup(id ExtentID) (*Extent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.extents[id]
	return e, ok
}

// Source returns the attached Source by id.
func (l *LAS) Source(id int32) (src.Source, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	se, ok := l.sources[id]
	if !ok {
		return nil, false
	}
	return se.s, true
}

// Free returns an extent's byte range to its source's free list. It
// is only safe to call once the compacting GC has determined the
// extent has no remaining live objects.
func (l *LAS) Free(id ExtentID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ext, ok := l.extents[id]
	if !ok {
		return
	}
	delete(l.extents, id)
	if se := l.sources[id.Source]; se != nil {
		se.release(ext.Offset, ext.Length)
	}
	l.pt.Unmap(id)
}

// PageTable exposes the LAS's page table for the eviction and GC
// packages, which need to resolve block<->shadow mappings directly.
func (l *LAS) PageTable() *PageTable { return l.pt }

// RestoreExtent reinserts a previously-published extent into the live
// extent table and advances its source's allocator bookkeeping past
// it, so the extent is Lookup-able and its byte range is never handed
// out again. It is the replay-side counterpart to Publish: a reopened
// heap's recovery path calls it once per durable Alloc record instead
// of going through Allocate, since the bytes it describes already
// exist on the source and must not be re-reserved from the free list.
//
// RestoreExtent is idempotent for a given id: replaying the same
// record twice (e.g. because recovery is re-run) leaves the LAS in
// the same state as replaying it once.
func (l *LAS) RestoreExtent(ext Extent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	se := l.sources[ext.ID.Source]
	if se == nil {
		return fmt.Errorf("las: restore of %v references unattached source %d", ext.ID, ext.ID.Source)
	}

	if prior, ok := l.extents[ext.ID]; ok {
		*prior = ext
	} else {
		cp := ext
		l.extents[ext.ID] = &cp
	}

	se.markOccupiedLocked(ext.Offset, ext.Length)
	if ext.ID.Extent >= se.nextExtID {
		se.nextExtID = ext.ID.Extent + 1
	}
	if ext.Shadow != (ExtentID{}) {
		l.pt.Map(ext.ID, ext.Shadow)
	}
	return nil
}

// markOccupiedLocked advances highWater past [offset, offset+n) if
// the restored extent extends the source's known high-water mark.
// Extents restored out of offset order (possible since Alloc records
// replay in commit order, not allocation-offset order) still end up
// with highWater past every restored byte, since this is called once
// per extent during recovery before any fresh Allocate call.
func (se *sourceEntry) markOccupiedLocked(offset, n int64) {
	if end := offset + n; end > se.highWater {
		se.highWater = end
	}
}
