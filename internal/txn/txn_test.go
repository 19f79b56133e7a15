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

package txn

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/nvheap/nvheap/internal/epoch"
	"github.com/nvheap/nvheap/internal/las"
	"github.com/nvheap/nvheap/internal/src"
	"github.com/nvheap/nvheap/internal/swizzle"
)

func newTestEngine(t *testing.T) (*Engine, *swizzle.Pointer) {
	t.Helper()
	mem, err := src.NewMemorySource(1, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	l := las.New(mem)
	l.Attach(mem)
	em := epoch.NewManager(0)
	root := swizzle.Null
	return NewEngine(l, em, Buffered), &root
}

// TestAllocAndReadRoundTrip checks that a committed allocation is
// visible to a later transaction's Read at a field.
func TestAllocAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)

	tx := Begin(e)
	if _, err := tx.Alloc(ctx, las.ExtentID{}, root, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx2 := Begin(e)
	slice, err := tx2.Read(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if string(slice.Bytes()[:5]) != "hello" {
		t.Fatalf("got %q, want %q", slice.Bytes()[:5], "hello")
	}
	tx2.Abort(ctx)
}

// TestReadYourOwnWrites checks that a transaction can read back its
// own uncommitted allocation before committing.
func TestReadYourOwnWrites(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)

	tx := Begin(e)
	if _, err := tx.Alloc(ctx, las.ExtentID{}, root, []byte("own"), 0); err != nil {
		t.Fatal(err)
	}
	slice, err := tx.Read(ctx, root)
	if err != nil {
		t.Fatalf("expected to read back own uncommitted write: %v", err)
	}
	if string(slice.Bytes()[:3]) != "own" {
		t.Fatalf("got %q, want %q", slice.Bytes()[:3], "own")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestReadForWriteConflictAborts checks that a concurrent committed
// write to a field observed via ReadForWrite aborts the later
// committer at commit time, per spec.md's read-for-write-conflict
// error kind. Unlike a plain Write (eager, last-writer-wins against
// whatever is currently there), ReadForWrite pins the head it saw and
// is validated against commit, so it is the operation that actually
// gives a transaction serializable protection over a field it only
// reads.
func TestReadForWriteConflictAborts(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)

	seed := Begin(e)
	if _, err := seed.Alloc(ctx, las.ExtentID{}, root, []byte("v1"), 0); err != nil {
		t.Fatal(err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	txA := Begin(e)
	if _, err := txA.ReadForWrite(ctx, root); err != nil {
		t.Fatal(err)
	}

	txB := Begin(e)
	if _, err := txB.Write(ctx, las.ExtentID{}, root, func(old []byte) []byte { return []byte("v2") }, 0); err != nil {
		t.Fatal(err)
	}
	if err := txB.Commit(ctx); err != nil {
		t.Fatalf("txB should commit uncontested: %v", err)
	}

	if err := txA.Commit(ctx); err != ErrReadForWriteConflict {
		t.Fatalf("got %v, want ErrReadForWriteConflict", err)
	}
}

// TestWriteConflictOnUncommittedHead checks that a transaction cannot
// Alloc over a field another transaction has already written but not
// yet committed.
func TestWriteConflictOnUncommittedHead(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)

	txA := Begin(e)
	if _, err := txA.Alloc(ctx, las.ExtentID{}, root, []byte("a"), 0); err != nil {
		t.Fatal(err)
	}

	txB := Begin(e)
	_, err := txB.Alloc(ctx, las.ExtentID{}, root, []byte("b"), 0)
	if err != ErrWriteConflict {
		t.Fatalf("got %v, want ErrWriteConflict", err)
	}
	txB.Abort(ctx)

	if err := txA.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestReadOnlyNeverAborts checks that a transaction performing only
// Read operations always commits cleanly, per spec.md invariant 5.
func TestReadOnlyNeverAborts(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)

	seed := Begin(e)
	if _, err := seed.Alloc(ctx, las.ExtentID{}, root, []byte("data"), 0); err != nil {
		t.Fatal(err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx := Begin(e)
	if _, err := tx.Read(ctx, root); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("a read-only transaction must never fail to commit: %v", err)
	}
}

func sumMerge(current, delta []byte) []byte {
	var c, d uint64
	if len(current) >= 8 {
		c = binary.LittleEndian.Uint64(current)
	}
	if len(delta) >= 8 {
		d = binary.LittleEndian.Uint64(delta)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, c+d)
	return out
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// TestLatticeMergeAccumulatesAllConcurrentSets checks spec.md
// scenario S6: ten concurrent +1 sets against a registered Counter
// lattice field all apply regardless of arrival order, producing a
// final value of 10.
func TestLatticeMergeAccumulatesAllConcurrentSets(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)
	e.RegisterMerge("counter.sum", sumMerge)

	seed := Begin(e)
	if _, err := seed.Alloc(ctx, las.ExtentID{}, root, encodeUint64(0), 0); err != nil {
		t.Fatal(err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := Begin(e)
			tx.Set(root, "counter.sum", encodeUint64(1))
			errs[i] = tx.Commit(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}

	final := Begin(e)
	slice, err := final.Read(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	got := binary.LittleEndian.Uint64(slice.Bytes()[:8])
	if got != n {
		t.Fatalf("got counter %d, want %d", got, n)
	}
	final.Abort(ctx)
}

// TestRunRetriesOnConflict checks that the bounded-backoff runner
// retries a write-conflict until it succeeds.
func TestRunRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	e, root := newTestEngine(t)

	seed := Begin(e)
	if _, err := seed.Alloc(ctx, las.ExtentID{}, root, []byte("init"), 0); err != nil {
		t.Fatal(err)
	}
	if err := seed.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	err := Run(ctx, e, RunConfig{}, func(ctx context.Context, tx *Txn) error {
		attempts++
		if attempts < 3 {
			// Simulate contention by forging a stale CAS failure: abort
			// this attempt directly with the conflict error the real
			// checkWritable path would have produced.
			return ErrWriteConflict
		}
		_, err := tx.Write(ctx, las.ExtentID{}, root, func(old []byte) []byte { return []byte("done") }, 0)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
}
