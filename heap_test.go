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

package nvheap

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nvheap/nvheap/internal/las"
	"github.com/nvheap/nvheap/internal/txn"
	"github.com/nvheap/nvheap/lattice"
)

func openMemHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := Open(Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// TestAllocAndReadRootRoundTrip is scenario S1's in-process half: open
// a DRAM-only heap, allocate into the root, read it back in a later
// transaction.
func TestAllocAndReadRootRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := openMemHeap(t)

	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		_, err := tx.Alloc(ctx, las.ExtentID{}, h.Root(), []byte("hello heap"), 0)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	var got string
	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		slice, err := tx.Read(ctx, h.Root())
		if err != nil {
			return err
		}
		got = string(slice.Bytes())
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got != "hello heap" {
		t.Fatalf("root read back %q, want %q", got, "hello heap")
	}

	stats := h.Stats()
	if stats.Commits != 2 {
		t.Fatalf("Commits = %d, want 2", stats.Commits)
	}
}

// TestRootPersistsAcrossReopen is scenario S1's durability half:
// close and reopen a heap with a persistent-memory source and a
// durable log, and confirm the root survives.
func TestRootPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{
		Sources: []SourceConfig{
			{ID: 1, Kind: "persistent-memory", Path: filepath.Join(dir, "pmem.dat"), Capacity: 1 << 20},
		},
		WALPath: filepath.Join(dir, "heap.wal"),
	}

	h, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		_, err := tx.Alloc(ctx, las.ExtentID{}, h.Root(), []byte("durable world"), 0)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	h2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close()

	var got string
	if err := h2.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		slice, err := tx.Read(ctx, h2.Root())
		if err != nil {
			return err
		}
		got = string(slice.Bytes())
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got != "durable world" {
		t.Fatalf("root read back %q after reopen, want %q", got, "durable world")
	}
}

// TestReadForWriteConflictRetries is scenario S5: a transaction that
// pins a snapshot with ReadForWrite must fail at commit, and Heap.Run
// must retry it, if another transaction commits a write to the same
// field in between.
func TestReadForWriteConflictRetries(t *testing.T) {
	ctx := context.Background()
	h := openMemHeap(t)
	root := h.Root()

	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		_, err := tx.Alloc(ctx, las.ExtentID{}, root, []byte("v0"), 0)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		attempts++
		if _, err := tx.ReadForWrite(ctx, root); err != nil {
			return err
		}
		if attempts == 1 {
			interloper := txn.Begin(h.Engine())
			if _, err := interloper.Write(ctx, las.ExtentID{}, root, func(old []byte) []byte {
				return []byte("stolen")
			}, 0); err != nil {
				return err
			}
			if err := interloper.Commit(ctx); err != nil {
				return err
			}
		}
		_, err := tx.Write(ctx, las.ExtentID{}, root, func(old []byte) []byte {
			return append(append([]byte(nil), old...), '!')
		}, 0)
		return err
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2 (a retry after the interloper's commit)", attempts)
	}
	if stats := h.Stats(); stats.Retries == 0 {
		t.Fatal("Stats().Retries = 0, want at least 1")
	}
}

// TestLatticeCounterMergeViaRun is scenario S6: concurrent Set calls
// against a registered Counter lattice field all compose, regardless
// of commit order.
func TestLatticeCounterMergeViaRun(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Lattices: map[string]txn.MergeFunc{
			lattice.CounterName: lattice.CounterMerge,
		},
	}
	h, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	root := h.Root()

	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		_, err := tx.Alloc(ctx, las.ExtentID{}, root, lattice.EncodeCounterDelta(0), 0)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
				tx.Set(root, lattice.CounterName, lattice.EncodeCounterDelta(1))
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	var total uint64
	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		slice, err := tx.Read(ctx, root)
		if err != nil {
			return err
		}
		total = lattice.DecodeCounter(slice.Bytes())
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if total != n {
		t.Fatalf("counter = %d, want %d", total, n)
	}
}

func TestOpenRejectsUnregisteredLogLattice(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{
		Sources: []SourceConfig{
			{ID: 1, Kind: "persistent-memory", Path: filepath.Join(dir, "pmem.dat"), Capacity: 1 << 20},
		},
		WALPath: filepath.Join(dir, "heap.wal"),
		Lattices: map[string]txn.MergeFunc{
			lattice.CounterName: lattice.CounterMerge,
		},
	}

	h, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		_, err := tx.Alloc(ctx, las.ExtentID{}, h.Root(), lattice.EncodeCounterDelta(0), 0)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		tx.Set(h.Root(), lattice.CounterName, lattice.EncodeCounterDelta(1))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	cfgNoLattice := cfg
	cfgNoLattice.Lattices = nil
	if _, err := Open(cfgNoLattice); err == nil {
		t.Fatal("Open with no registered lattices: got nil error, want InvariantError")
	} else {
		var ie *InvariantError
		if !errors.As(err, &ie) {
			t.Fatalf("Open error = %v (%T), want *InvariantError", err, err)
		}
	}
}

func TestTypedRootSignatureMismatch(t *testing.T) {
	h := openMemHeap(t)

	sig := Signature{Size: 8}
	if _, err := h.TypedRoot(1, sig); err != nil {
		t.Fatal(err)
	}
	if _, err := h.TypedRoot(1, sig); err != nil {
		t.Fatalf("second call with the same signature: %v", err)
	}

	_, err := h.TypedRoot(1, Signature{Size: 16})
	var ie *InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("mismatched signature: got %v (%T), want *InvariantError", err, err)
	}
}

func TestAllocTypedRootRejectsWrongSize(t *testing.T) {
	ctx := context.Background()
	h := openMemHeap(t)
	sig := Signature{Size: 8}

	err := h.Run(ctx, func(ctx context.Context, tx *txn.Txn) error {
		return h.AllocTypedRoot(ctx, tx, 1, sig, []byte("too long for an 8-byte slot"))
	})
	var ie *InvariantError
	if !errors.As(err, &ie) {
		t.Fatalf("got %v (%T), want *InvariantError", err, err)
	}
}

func TestClosedHeapRejectsRun(t *testing.T) {
	h := openMemHeap(t)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err := h.Run(context.Background(), func(ctx context.Context, tx *txn.Txn) error {
		return nil
	})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Run on closed heap: got %v, want ErrClosed", err)
	}
}

func TestOpenUnknownSourceKind(t *testing.T) {
	_, err := Open(Config{Sources: []SourceConfig{{ID: 1, Kind: "tape"}}})
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("got %v, want ErrUnknownSource", err)
	}
}
