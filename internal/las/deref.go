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
	"errors"
	"fmt"

	"github.com/nvheap/nvheap/internal/src"
	"github.com/nvheap/nvheap/internal/swizzle"
)

// ErrNilPointer is returned by Dereference on a null swizzled pointer.
var ErrNilPointer = errors.New("las: dereference of nil pointer")

// ExtentOf recovers the extent a pointer targets. The object-id field
// doubles as the extent number local to the pointer's source, since
// in this design every live object occupies its own extent (spec.md
// §3: "A pointer also carries an object-id field" identifying the
// version head within the extent its source/payload name).
func ExtentOf(p swizzle.Pointer) ExtentID {
	return ExtentID{Source: p.SourceID(), Extent: p.ObjectID()}
}

// Dereference resolves the pointer currently stored at addr to a
// LogicalSlice, performing an in-place fault-in and swizzle if the
// pointer is currently block-tagged (spec.md §4.3: "dereference
// either returns the native address directly ... or performs a
// fault-in, rewrites the pointer in place, then returns the native
// address"). Callers that load the pointer after a fault-in has
// swizzled it take the resident path and skip the I/O; callers that
// loaded the block-tagged word before that each perform their own
// read, and only one of their CAS rewrites of the word wins.
func (l *LAS) Dereference(ctx context.Context, addr *swizzle.Pointer) (LogicalSlice, error) {
	p := swizzle.Load(addr)
	if p.IsNull() {
		return LogicalSlice{}, ErrNilPointer
	}

	switch p.Tag() {
	case swizzle.TagNative, swizzle.TagPersistentOffset:
		return l.resolveResident(p)
	case swizzle.TagBlock:
		return l.faultIn(ctx, addr, p)
	default:
		return LogicalSlice{}, fmt.Errorf("las: pointer %v has unknown tag", p)
	}
}

// resolveResident builds a LogicalSlice for a pointer that already
// names memory-resident bytes, without any I/O.
func (l *LAS) resolveResident(p swizzle.Pointer) (LogicalSlice, error) {
	id := ExtentOf(p)
	bytes, err := l.NativeBytes(id)
	if err != nil {
		return LogicalSlice{}, err
	}
	return LogicalSlice{Extent: id, bytes: bytes}, nil
}

// NativeBytes returns the current memory-resident bytes backing a
// live extent. Used directly by callers (such as the eviction and GC
// packages) that need to read or rewrite an object's bytes in place
// rather than going through a swizzled pointer, e.g. to decode a
// header or fix up a back-pointer.
func (l *LAS) NativeBytes(id ExtentID) ([]byte, error) {
	ext, ok := l.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("las: no live extent %v", id)
	}
	se, ok := l.Source(id.Source)
	if !ok {
		return nil, fmt.Errorf("las: no such source %d", id.Source)
	}
	base, ok := se.BasePointer()
	if !ok {
		return nil, fmt.Errorf("las: source %d has no native base pointer", id.Source)
	}
	return sliceFromBase(base, ext.Offset, ext.Length), nil
}

// faultIn performs the slow path for a block-tagged pointer: consult
// the page table for an already-resident shadow, or else read the
// backing page range synchronously into a freshly allocated shadow
// extent, then swizzle addr in place (spec.md §4.7/§4.3 fault-in and
// "second chance" interplay: a fault-in always creates or reuses a
// byte-addressable shadow so the next dereference is a pure native
// read).
func (l *LAS) faultIn(ctx context.Context, addr *swizzle.Pointer, p swizzle.Pointer) (LogicalSlice, error) {
	blockID := ExtentOf(p)
	ext, ok := l.Lookup(blockID)
	if !ok {
		return LogicalSlice{}, fmt.Errorf("las: no live extent %v", blockID)
	}

	if shadowID, ok := l.PageTable().Shadow(blockID); ok {
		if slice, err := l.resolveResidentExtent(shadowID, ext.Length); err == nil {
			l.swizzleTo(addr, p, shadowID, ext.Length)
			return slice, nil
		}
	}

	se, ok := l.Source(blockID.Source)
	if !ok {
		return LogicalSlice{}, fmt.Errorf("las: no such source %d", blockID.Source)
	}
	page := int64(se.PageSize())
	aligned := ((ext.Length + page - 1) / page) * page

	result := <-se.Read(ctx, src.PageRange{Off: ext.Offset, Len: aligned})
	if result.Err != nil {
		return LogicalSlice{}, result.Err
	}

	l.mu.Lock()
	shadowSE := l.sources[l.shadowSrc.ID()]
	if shadowSE == nil {
		shadowSE = &sourceEntry{s: l.shadowSrc, freeList: make(map[int]freeRuns)}
		l.sources[l.shadowSrc.ID()] = shadowSE
	}
	shadowOff, err := shadowSE.reserve(aligned)
	if err != nil {
		l.mu.Unlock()
		return LogicalSlice{}, err
	}
	shadowID := ExtentID{Source: shadowSE.s.ID(), Extent: shadowSE.nextExtID}
	shadowSE.nextExtID++
	l.extents[shadowID] = &Extent{ID: shadowID, Offset: shadowOff, Length: ext.Length}
	l.mu.Unlock()

	base, ok := l.shadowSrc.BasePointer()
	if !ok {
		return LogicalSlice{}, fmt.Errorf("las: shadow source has no native base pointer")
	}
	dst := sliceFromBase(base, shadowOff, ext.Length)
	copy(dst, result.Data[:ext.Length])

	l.PageTable().Map(blockID, shadowID)
	l.swizzleTo(addr, p, shadowID, ext.Length)

	return LogicalSlice{Extent: shadowID, bytes: dst}, nil
}

func (l *LAS) resolveResidentExtent(id ExtentID, length int64) (LogicalSlice, error) {
	se, ok := l.Source(id.Source)
	if !ok {
		return LogicalSlice{}, fmt.Errorf("las: no such source %d", id.Source)
	}
	ext, ok := l.Lookup(id)
	if !ok {
		return LogicalSlice{}, fmt.Errorf("las: no live extent %v", id)
	}
	base, ok := se.BasePointer()
	if !ok {
		return LogicalSlice{}, fmt.Errorf("las: source %d has no native base pointer", id.Source)
	}
	return LogicalSlice{Extent: id, bytes: sliceFromBase(base, ext.Offset, length)}, nil
}

// swizzleTo attempts to CAS addr from its block-tagged representation
// to a native/persistent-offset representation over shadowID. A lost
// race (another goroutine already swizzled it) is not an error: the
// caller already has a valid LogicalSlice either way.
func (l *LAS) swizzleTo(addr *swizzle.Pointer, old swizzle.Pointer, shadowID ExtentID, length int64) {
	se, ok := l.Source(shadowID.Source)
	if !ok {
		return
	}
	tag := swizzle.TagNative
	if se.Persistent() {
		tag = swizzle.TagPersistentOffset
	}
	ext, ok := l.Lookup(shadowID)
	if !ok {
		return
	}
	next := swizzle.New(tag, shadowID.Source, shadowID.Extent, uint64(ext.Offset))
	swizzle.CAS(addr, old, next)
}

// Unswizzle converts a memory-resident pointer back to its
// block-tagged form, for use by the eviction package when the
// extent's bytes are already on a block source and it is about to
// release the memory-resident copy. Reports whether the CAS
// succeeded; a failure means the pointer was concurrently mutated and
// eviction must retry or abandon the candidate.
func Unswizzle(addr *swizzle.Pointer, old swizzle.Pointer, blockID ExtentID, pageNumber uint64) bool {
	next := swizzle.New(swizzle.TagBlock, blockID.Source, blockID.Extent, pageNumber)
	return swizzle.CAS(addr, old, next)
}
