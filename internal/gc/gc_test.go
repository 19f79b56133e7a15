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

package gc

import (
	"context"
	"testing"
	"unsafe"

	"github.com/nvheap/nvheap/internal/epoch"
	"github.com/nvheap/nvheap/internal/evict"
	"github.com/nvheap/nvheap/internal/las"
	"github.com/nvheap/nvheap/internal/object"
	"github.com/nvheap/nvheap/internal/src"
	"github.com/nvheap/nvheap/internal/swizzle"
)

func newTestLAS(t *testing.T) *las.LAS {
	t.Helper()
	mem, err := src.NewMemorySource(1, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	l := las.New(mem)
	l.Attach(mem)
	return l
}

func putObject(t *testing.T, l *las.LAS, hdr object.Header, payload []byte) las.ExtentID {
	t.Helper()
	ctx := context.Background()
	id, m, err := l.Allocate(ctx, int64(object.HeaderSize+len(payload)), las.HintNewObject, 0)
	if err != nil {
		t.Fatal(err)
	}
	hdr.Size = uint64(len(payload))
	object.Encode(m.Bytes(), hdr, payload)
	if _, err := l.Publish(ctx, id, m); err != nil {
		t.Fatal(err)
	}
	return id
}

func nativePtr(id las.ExtentID) swizzle.Pointer {
	return swizzle.New(swizzle.TagNative, id.Source, id.Extent, 0)
}

// TestSweepPrunesChainTail builds a three-element version chain and
// checks that Sweep retains exactly the newest node at or below the
// safe point and frees everything older.
func TestSweepPrunesChainTail(t *testing.T) {
	ctx := context.Background()
	l := newTestLAS(t)
	em := epoch.NewManager(5)
	safeVersion := em.BeginReadVersion()
	defer em.EndReadVersion(safeVersion)
	if safeVersion != 5 {
		t.Fatalf("got safe version %d, want 5", safeVersion)
	}

	cID := putObject(t, l, object.Header{Version: epoch.Real(1)}, []byte("oldest"))
	bID := putObject(t, l, object.Header{Version: epoch.Real(5), ChainNext: nativePtr(cID)}, []byte("middle"))
	dID := putObject(t, l, object.Header{Version: epoch.Real(10), ChainNext: nativePtr(bID)}, []byte("newest"))

	root := nativePtr(dID)
	coll := New(l, em)
	if err := coll.Sweep(ctx, []*swizzle.Pointer{&root}); err != nil {
		t.Fatal(err)
	}

	retained, collected := coll.Stats()
	if retained != 2 {
		t.Fatalf("got retained %d, want 2 (D and B)", retained)
	}
	if collected != 1 {
		t.Fatalf("got collected %d, want 1 (C)", collected)
	}

	// The root must still point at D; D's ChainNext must still reach B.
	if root.Tag() == swizzle.TagNull || las.ExtentOf(root) != dID {
		t.Fatalf("root pointer unexpectedly changed: %v", root)
	}
	dBytes, err := l.NativeBytes(dID)
	if err != nil {
		t.Fatal(err)
	}
	dHdr, _, err := object.Decode(dBytes)
	if err != nil {
		t.Fatalf("decoding D after sweep: %v", err)
	}
	if las.ExtentOf(dHdr.ChainNext) != bID {
		t.Fatalf("D.ChainNext = %v, want %v", dHdr.ChainNext, bID)
	}

	// B's ChainNext must now be Null, and B must still decode cleanly
	// (its checksum has to have moved in step with the truncation).
	bBytes, err := l.NativeBytes(bID)
	if err != nil {
		t.Fatal(err)
	}
	bHdr, payload, err := object.Decode(bBytes)
	if err != nil {
		t.Fatalf("decoding B after truncation: %v", err)
	}
	if !bHdr.ChainNext.IsNull() {
		t.Fatalf("expected B.ChainNext to be Null after collection, got %v", bHdr.ChainNext)
	}
	if string(payload) != "middle" {
		t.Fatalf("B payload corrupted by truncation: %q", payload)
	}

	// C must no longer be a live extent.
	if _, ok := l.Lookup(cID); ok {
		t.Fatal("expected C's extent to have been freed")
	}
}

// TestSweepRetainsUncommittedHead checks that a head still carrying an
// indirect, unresolved version handle is retained and never walked
// past, since it belongs to an in-flight transaction.
func TestSweepRetainsUncommittedHead(t *testing.T) {
	ctx := context.Background()
	l := newTestLAS(t)
	em := epoch.NewManager(1)
	safe := em.BeginReadVersion()
	defer em.EndReadVersion(safe)

	slot := em.NewSlot()
	aID := putObject(t, l, object.Header{Version: epoch.Real(1)}, []byte("a"))
	headID := putObject(t, l, object.Header{Version: epoch.Indirect(slot), ChainNext: nativePtr(aID)}, []byte("head"))

	root := nativePtr(headID)
	coll := New(l, em)
	if err := coll.Sweep(ctx, []*swizzle.Pointer{&root}); err != nil {
		t.Fatal(err)
	}

	if _, collected := coll.Stats(); collected != 0 {
		t.Fatalf("expected nothing collected beneath an uncommitted head, got %d", collected)
	}
	if _, ok := l.Lookup(aID); !ok {
		t.Fatal("A must not be freed while the chain head above it is still uncommitted")
	}
}

// TestCompactMovesObjectAndFixesBackPointer exercises spec.md §4.8
// step 4: compaction allocates a destination extent, copies the
// retained object, and CASes the holder's back-pointer to the new
// location, leaving the vacated extent as an eviction candidate.
func TestCompactMovesObjectAndFixesBackPointer(t *testing.T) {
	ctx := context.Background()
	l := newTestLAS(t)
	em := epoch.NewManager(1)

	// parent's payload leads with a pointer field (spec.md §3: all
	// outbound pointers cluster at the start of the object); built
	// with room for the one child pointer it will hold.
	parentID := putObject(t, l, object.Header{Version: epoch.Real(1)}, make([]byte, 8))
	childID := putObject(t, l, object.Header{Version: epoch.Real(1), Parent: nativePtr(parentID)}, []byte("child payload"))

	parentField := fieldPointer(t, l, parentID, object.HeaderSize)
	swizzle.Store(parentField, nativePtr(childID))

	ev := evict.NewEvictor(l, 1, 1)
	coll := New(l, em)
	if err := coll.Compact(ctx, childID, ev); err != nil {
		t.Fatal(err)
	}
	if coll.Compactions() != 1 {
		t.Fatalf("got %d compactions, want 1", coll.Compactions())
	}

	newField := swizzle.Load(fieldPointer(t, l, parentID, object.HeaderSize))
	if las.ExtentOf(newField) == childID {
		t.Fatal("expected parent's pointer field to be repointed away from the old extent")
	}
	newBytes, err := l.NativeBytes(las.ExtentOf(newField))
	if err != nil {
		t.Fatal(err)
	}
	_, newPayload, err := object.Decode(newBytes)
	if err != nil {
		t.Fatalf("decoding compacted object: %v", err)
	}
	if string(newPayload) != "child payload" {
		t.Fatalf("compacted payload mismatch: %q", newPayload)
	}

	if ev.Candidates().Len() != 1 {
		t.Fatalf("expected the vacated extent to be admitted as an eviction candidate, got len %d", ev.Candidates().Len())
	}
}

func fieldPointer(t *testing.T, l *las.LAS, id las.ExtentID, offset int) *swizzle.Pointer {
	t.Helper()
	b, err := l.NativeBytes(id)
	if err != nil {
		t.Fatal(err)
	}
	return (*swizzle.Pointer)(unsafe.Pointer(&b[offset]))
}
