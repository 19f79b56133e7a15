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
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/nvheap/nvheap/internal/src"
	"github.com/nvheap/nvheap/internal/swizzle"
)

func TestAllocatePublishDereferenceNative(t *testing.T) {
	ctx := context.Background()
	mem, err := src.NewMemorySource(1, 64*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	l := New(mem)
	l.Attach(mem)

	id, m, err := l.Allocate(ctx, 32, HintNewObject, 0)
	if err != nil {
		t.Fatal(err)
	}
	copy(m.Bytes(), []byte("thirty-two bytes of object data"))

	logical, err := l.Publish(ctx, id, m)
	if err != nil {
		t.Fatal(err)
	}
	if string(logical.Bytes()) != "thirty-two bytes of object data" {
		t.Fatalf("unexpected published bytes: %q", logical.Bytes())
	}

	addr := swizzle.New(swizzle.TagNative, id.Source, id.Extent, 0)
	deref, err := l.Dereference(ctx, &addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(deref.Bytes(), logical.Bytes()) {
		t.Fatalf("dereferenced bytes %q != published bytes %q", deref.Bytes(), logical.Bytes())
	}
}

func TestAllocatePublishDereferenceBlockFaultIn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	shadow, err := src.NewMemorySource(1, 64*1024)
	if err != nil {
		t.Fatal(err)
	}
	defer shadow.Close()

	block, err := src.NewBlockSource(2, filepath.Join(dir, "block.dat"), 4096*16, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer block.Close()

	l := New(shadow)
	l.Attach(block)

	flushed := make(chan error, 1)
	l.onAsyncWrite = func(id ExtentID, err error) { flushed <- err }

	id, m, err := l.Allocate(ctx, 100, HintUser, block.ID())
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0x5a}, 100)
	copy(m.Bytes(), payload)

	if _, err := l.Publish(ctx, id, m); err != nil {
		t.Fatal(err)
	}
	if err := <-flushed; err != nil {
		t.Fatalf("async shadow flush failed: %v", err)
	}

	// Simulate eviction having reclaimed the memory-resident shadow:
	// drop the page-table mapping so the next dereference must fault
	// in from the block source.
	shadowID, ok := l.PageTable().Shadow(id)
	if !ok {
		t.Fatal("expected block extent to have a shadow mapping after allocation")
	}
	l.PageTable().Unmap(id)
	l.Free(shadowID)

	addr := swizzle.New(swizzle.TagBlock, id.Source, id.Extent, 0)
	deref, err := l.Dereference(ctx, &addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(deref.Bytes()[:100], payload) {
		t.Fatalf("fault-in produced wrong bytes")
	}

	if addr.Tag() == swizzle.TagBlock {
		t.Fatal("expected pointer to be swizzled to a resident form after fault-in")
	}

	// A second dereference must not need to touch the block source
	// again: the pointer word, now swizzled to a resident form,
	// resolves the fresh shadow directly.
	deref2, err := l.Dereference(ctx, &addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(deref2.Bytes()[:100], payload) {
		t.Fatalf("second dereference produced wrong bytes")
	}
}

func TestDereferenceNilPointer(t *testing.T) {
	l := New(nil)
	addr := swizzle.Null
	if _, err := l.Dereference(context.Background(), &addr); err != ErrNilPointer {
		t.Fatalf("got %v, want ErrNilPointer", err)
	}
}

func TestExtentOfRoundTrip(t *testing.T) {
	p := swizzle.New(swizzle.TagNative, 7, 42, 1024)
	got := ExtentOf(p)
	want := ExtentID{Source: 7, Extent: 42}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
