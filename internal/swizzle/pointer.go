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

// Package swizzle implements the tri-modal swizzled pointer: a
// single 64-bit word whose representation reflects the current
// residency of its target, modeled closely on the (offset, length)
// vmref displacement pair and the page-bitmap allocator in the
// teacher's vm.Malloc/vm.Free, generalized from a single flat DRAM
// arena to multiple heterogeneous sources.
package swizzle

import "sync/atomic"

// Tag occupies the two low bits of a Pointer word.
type Tag uint64

const (
	// TagNative marks a direct address into a memory source; no I/O
	// is required to dereference it.
	TagNative Tag = 0
	// TagPersistentOffset marks an offset into a persistent,
	// byte-addressable source (source id + offset).
	TagPersistentOffset Tag = 1
	// TagBlock marks a page address into a block source (source id +
	// page number); dereferencing requires a fault-in.
	TagBlock Tag = 2
	// TagNull is the null/sentinel representation.
	TagNull Tag = 3
)

const (
	tagBits   = 2
	tagMask   = (1 << tagBits) - 1
	sourceBits = 16
	sourceMask = (1 << sourceBits) - 1
	objectBits = 14
	objectMask = (1 << objectBits) - 1
	// The payload holds the remaining 32 bits above payloadShift: for
	// TagNative, a VMM displacement; for TagPersistentOffset, a byte
	// offset; for TagBlock, a page number.
	payloadShift = tagBits + sourceBits + objectBits
)

// Null is the zero pointer: tag = TagNull, no source, no object.
const Null Pointer = Pointer(TagNull)

// Pointer is the in-memory representation of a swizzled pointer: a
// single machine word, laid out as
//
//	[ payload:32 | object-id:14 | source-id:16 | tag:2 ]
//
// The tag occupies the low bits so dereference can switch on
// (word & tagMask) without any shifting on the hot native path.
// All non-null pointers carry a source id and object id, even
// native ones, so the holder of a pointer can always identify which
// version head within an extent it refers to (spec.md §3, Swizzled
// Pointer: "A pointer also carries an object-id field").
type Pointer uint64

// New builds a Pointer from its components. payload must fit in 32
// bits; source and object must fit in their respective field widths.
func New(tag Tag, source int32, object uint32, payload uint64) Pointer {
	if tag == TagNull {
		return Null
	}
	return Pointer(uint64(tag)&tagMask) |
		Pointer(uint64(source)&sourceMask)<<tagBits |
		Pointer(uint64(object)&objectMask)<<(tagBits+sourceBits) |
		Pointer(payload)<<payloadShift
}

// Tag returns the low 2 bits of the pointer.
func (p Pointer) Tag() Tag { return Tag(uint64(p) & tagMask) }

// IsNull reports whether p is the null/sentinel pointer.
func (p Pointer) IsNull() bool { return p.Tag() == TagNull }

// SourceID returns the source id embedded in p. Meaningless for null
// pointers.
func (p Pointer) SourceID() int32 {
	return int32((uint64(p) >> tagBits) & sourceMask)
}

// ObjectID returns the object id embedded in p. In this heap every
// object occupies its own extent, so the object id doubles as the
// extent number local to the pointer's source (see las.ExtentOf).
func (p Pointer) ObjectID() uint32 {
	return uint32((uint64(p) >> (tagBits + sourceBits)) & objectMask)
}

// Payload returns the tag-specific payload: a VMM displacement for
// TagNative, a byte offset for TagPersistentOffset, or a page number
// for TagBlock.
func (p Pointer) Payload() uint64 {
	return uint64(p) >> payloadShift
}

// Load atomically loads the pointer word stored at addr. Readers
// that observe either representation (swizzled or not) of a pointer
// being concurrently rewritten always see a self-consistent word,
// because writers only ever perform a single aligned CAS/store
// (spec.md §4.3: "the rewrite is a single aligned word store").
func Load(addr *Pointer) Pointer {
	return Pointer(atomic.LoadUint64((*uint64)(ptrOf(addr))))
}

// Store atomically stores p at addr.
func Store(addr *Pointer, p Pointer) {
	atomic.StoreUint64((*uint64)(ptrOf(addr)), uint64(p))
}

// CAS atomically compares addr's current value to old and, if equal,
// stores new. It reports whether the swap took place. All pointer
// field mutation in the transaction engine and the compacting GC goes
// through CAS so that single-writer-per-field is enforced without a
// lock (spec.md §5: "Single-writer-per-field by field-level CAS").
func CAS(addr *Pointer, old, new Pointer) bool {
	return atomic.CompareAndSwapUint64((*uint64)(ptrOf(addr)), uint64(old), uint64(new))
}
