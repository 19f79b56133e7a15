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

// Package object implements the versioned object header and
// singly-linked version chain, and the slab layout for header-less
// tiny objects, as specified in spec.md §4.4. Object identity and
// ordering follow the teacher's blockfmt trailer/range-index style
// (a small fixed header followed by a variable-length payload) and
// the version/checksum pattern from ion/blockfmt/index.go.
package object

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/nvheap/nvheap/internal/epoch"
	"github.com/nvheap/nvheap/internal/swizzle"
)

// HeaderSize is the fixed size, in bytes, of a regular object header:
// version handle (8), chain-next pointer (8), parent pointer (8),
// size (8, to keep the header fixed-width rather than
// variable-length-encoded as spec.md allows — a fixed header keeps
// back-pointer fix-up arithmetic branch-free), checksum (8).
const HeaderSize = 40

// Align is the alignment, in bytes, of every object within an
// extent, per spec.md §4.4.
const Align = 8

// Header is the in-memory view of an object's fixed header. Pointer
// fields (ChainNext, Parent) are clustered at a fixed offset at the
// start of the object, satisfying the "all pointer fields ... fixed
// offset region at the start of the object" invariant: they are the
// very first two fields after the version handle.
type Header struct {
	Version   epoch.VersionHandle
	ChainNext swizzle.Pointer // older version of this same logical object, or Null
	Parent    swizzle.Pointer // the one pointer field that references this object
	Size      uint64          // payload size in bytes
}

// Valid reports whether h carries a non-zero version handle, real or
// indirect; an indirect handle may still belong to an uncommitted
// transaction (spec.md §3, "An object is valid iff its version handle
// is non-zero.").
func (h Header) Valid() bool {
	return !h.Version.IsZero()
}

// Encode writes h's fixed fields and a checksum over them plus
// payload into dst, which must be at least HeaderSize+len(payload)
// bytes. It returns the number of bytes written.
func Encode(dst []byte, h Header, payload []byte) int {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(h.Version.Raw()))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(h.ChainNext))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(h.Parent))
	binary.LittleEndian.PutUint64(dst[24:32], h.Size)
	sum := checksum(dst[0:32], payload)
	binary.LittleEndian.PutUint64(dst[32:40], sum)
	n := HeaderSize
	n += copy(dst[HeaderSize:], payload)
	return n
}

// Decode parses a Header and validates its checksum against the
// trailing payload bytes (src[HeaderSize:HeaderSize+h.Size]).
// Corruption — a checksum mismatch — is a fatal, non-retryable error
// per spec.md §7.
func Decode(src []byte) (Header, []byte, error) {
	if len(src) < HeaderSize {
		return Header{}, nil, fmt.Errorf("object: short header (%d bytes)", len(src))
	}
	h := Header{
		Version:   epoch.VersionHandle(binary.LittleEndian.Uint64(src[0:8])),
		ChainNext: swizzle.Pointer(binary.LittleEndian.Uint64(src[8:16])),
		Parent:    swizzle.Pointer(binary.LittleEndian.Uint64(src[16:24])),
		Size:      binary.LittleEndian.Uint64(src[24:32]),
	}
	want := binary.LittleEndian.Uint64(src[32:40])
	end := HeaderSize + int(h.Size)
	if end > len(src) {
		return Header{}, nil, fmt.Errorf("object: header declares size %d beyond buffer (%d bytes)", h.Size, len(src))
	}
	payload := src[HeaderSize:end]
	got := checksum(src[0:32], payload)
	if got != want {
		return Header{}, nil, &CorruptionError{Reason: fmt.Sprintf("checksum mismatch: got %x want %x", got, want)}
	}
	return h, payload, nil
}

// CorruptionError reports an object-header checksum mismatch or
// other structural violation detected while decoding, per spec.md §7
// ("corruption: detected by object-header checksum ... fatal to heap
// open").
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string { return "object: corruption detected: " + e.Reason }

// checksum derives a 64-bit digest from a 256-bit blake2b hash of
// the header's fixed fields plus its payload, matching the checksum
// construction used for ETags in ion/blockfmt/index.go.
func checksum(fixed, payload []byte) uint64 {
	h, _ := blake2b.New256(nil)
	h.Write(fixed)
	h.Write(payload)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// PaddedSize rounds size up to the next multiple of Align, following
// the header alignment rule in spec.md §4.4.
func PaddedSize(size int) int {
	return (size + Align - 1) &^ (Align - 1)
}

// RewriteChainNext overwrites the ChainNext field of the header
// encoded in buf and recomputes the trailing checksum to match,
// used by the compacting GC when it prunes a version chain's tail
// (spec.md §4.8 step 2). Unlike the payload pointer fields that
// swizzling rewrites with a single CAS, an object's own ChainNext is
// only ever mutated once, by the GC that owns pruning it, so there is
// no concurrent writer to race against and no need for a compare-and-
// swap here — only the checksum has to move in step with it.
func RewriteChainNext(buf []byte, next swizzle.Pointer) error {
	return rewriteField(buf, 8, uint64(next))
}

// RewriteVersion overwrites the Version field of the header encoded
// in buf and recomputes the trailing checksum, used by the
// transaction engine's commit step 5 to resolve an indirect version
// handle to its direct real version once the transaction's slot is
// about to be released (spec.md §4.6: "a background task walks the
// transaction's indirect-version list and rewrites handles to direct
// real versions"). Like RewriteChainNext, this only ever runs once
// per object, owned by the committing transaction, so no CAS is
// needed against a concurrent writer.
func RewriteVersion(buf []byte, v epoch.VersionHandle) error {
	return rewriteField(buf, 0, v.Raw())
}

// rewriteField overwrites the 8-byte header field at offset with
// value and recomputes the checksum over the updated fixed fields
// plus payload.
func rewriteField(buf []byte, offset int, value uint64) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("object: short header (%d bytes)", len(buf))
	}
	size := binary.LittleEndian.Uint64(buf[24:32])
	end := HeaderSize + int(size)
	if end > len(buf) {
		return fmt.Errorf("object: header declares size %d beyond buffer (%d bytes)", size, len(buf))
	}
	binary.LittleEndian.PutUint64(buf[offset:offset+8], value)
	sum := checksum(buf[0:32], buf[HeaderSize:end])
	binary.LittleEndian.PutUint64(buf[32:40], sum)
	return nil
}
