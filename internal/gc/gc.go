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

// Package gc implements the compacting garbage collector of spec.md
// §4.8: safe-point computation, version-chain pruning, occupancy
// tracking, and extent compaction with back-pointer fix-up. Its shape
// — a Collector with a Logf callback and caller-driven Sweep and
// Compact entry points — follows db.GCConfig's precise/scan-then-remove structure,
// adapted from sweeping object-storage paths to pruning in-heap
// version chains.
package gc

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/nvheap/nvheap/heap"
	"github.com/nvheap/nvheap/internal/epoch"
	"github.com/nvheap/nvheap/internal/evict"
	"github.com/nvheap/nvheap/internal/las"
	"github.com/nvheap/nvheap/internal/object"
	"github.com/nvheap/nvheap/internal/swizzle"
)

// Logf is a printf-style logging callback, matching db.GCConfig.Logf.
type Logf func(format string, args ...interface{})

// PendingCommitFloor reports the lowest commit version any
// in-flight (validating/publishing) transaction might still publish,
// so the GC safe-point never runs ahead of a transaction that hasn't
// finished step 4 of the commit protocol. The transaction engine
// supplies this; nil means "no in-flight commits to worry about".
type PendingCommitFloor func() (uint64, bool)

// Collector is the per-heap compacting garbage collector.
type Collector struct {
	l  *las.LAS
	em *epoch.Manager

	Logf            Logf
	PendingCommits  PendingCommitFloor
	// OccupancyThreshold is the fraction of live bytes below which an
	// extent is queued for compaction (spec.md §4.8 step 3).
	OccupancyThreshold float64

	retained    uint64 // atomic-free: Sweep/Compact are meant to run on one GC goroutine
	collected   uint64
	compactions uint64
}

// New creates a Collector over l, using em for safe-point computation.
func New(l *las.LAS, em *epoch.Manager) *Collector {
	return &Collector{l: l, em: em, OccupancyThreshold: 0.5}
}

func (c *Collector) logf(f string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(f, args...)
	}
}

// SafePoint computes the GC safe-point: the minimum of every active
// transaction's read version and the lowest pending commit-slot
// version (spec.md §4.8 step 1).
func (c *Collector) SafePoint() uint64 {
	sp := c.em.SafePoint()
	if c.PendingCommits != nil {
		if pending, ok := c.PendingCommits(); ok && pending < sp {
			sp = pending
		}
	}
	return sp
}

// Stats reports the cumulative count of version-chain nodes retained
// and physically collected across all Sweep calls so far.
func (c *Collector) Stats() (retained, collected uint64) {
	return c.retained, c.collected
}

// Sweep walks the version chain reachable from each field in roots,
// retaining the newest object whose real version is at most the
// current safe-point and collecting (unlinking and freeing) every
// older link, per spec.md §4.8 steps 2–3. Each root is the address of
// a swizzled pointer field actually holding a chain head — the root
// object's own field, or any holder field the caller knows is live;
// Sweep does not itself discover the object graph (that would require
// a generic graph walker, which this heap does not ship).
func (c *Collector) Sweep(ctx context.Context, roots []*swizzle.Pointer) error {
	safe := c.SafePoint()
	for _, root := range roots {
		if err := c.sweepField(ctx, root, safe); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) sweepField(ctx context.Context, field *swizzle.Pointer, safe uint64) error {
	head := swizzle.Load(field)
	if head.IsNull() {
		return nil
	}

	// Walk forward from the head until we find the first node whose
	// real version is at most the safe point: that node is retained;
	// everything beyond it is collectable.
	cur := head
	for {
		slice, err := c.l.Dereference(ctx, &cur)
		if err != nil {
			return fmt.Errorf("gc: dereferencing chain node: %w", err)
		}
		hdr, _, err := object.Decode(slice.Bytes())
		if err != nil {
			return err
		}
		version, committed := c.em.Resolve(hdr.Version)
		if !committed {
			// An uncommitted head belongs to an in-flight
			// transaction; nothing beneath it can be pruned yet.
			c.retained++
			return nil
		}
		c.retained++
		if version <= safe || hdr.ChainNext.IsNull() {
			return c.collectTail(ctx, las.ExtentOf(cur), hdr.ChainNext)
		}
		cur = hdr.ChainNext
	}
}

// collectTail unlinks retainedID's ChainNext (currently tail) and
// physically frees every extent in the now-unreachable sub-chain.
// Spec.md invariant 8 holds because every collected node's version is
// ≤ safe ≤ every active reader's read version, so no active reader's
// forward walk can ever reach past the retained node to observe them.
func (c *Collector) collectTail(ctx context.Context, retainedID las.ExtentID, tail swizzle.Pointer) error {
	if tail.IsNull() {
		return nil
	}
	self, err := c.l.NativeBytes(retainedID)
	if err != nil {
		return err
	}
	if err := object.RewriteChainNext(self, swizzle.Null); err != nil {
		return err
	}

	cur := tail
	for !cur.IsNull() {
		id := las.ExtentOf(cur)
		slice, err := c.l.Dereference(ctx, &cur)
		if err != nil {
			// Already gone or unreachable; nothing left to free.
			break
		}
		hdr, _, err := object.Decode(slice.Bytes())
		if err != nil {
			break
		}
		c.l.Free(id)
		c.collected++
		cur = hdr.ChainNext
	}
	return nil
}

// NeedsCompaction reports whether ext's live-byte occupancy has
// fallen below the configured threshold and it should be queued for
// compaction (spec.md §4.8 step 3).
func (c *Collector) NeedsCompaction(ext *las.Extent) bool {
	if ext.Length == 0 {
		return false
	}
	occupancy := float64(ext.LiveBytes) / float64(ext.Length)
	return occupancy < c.OccupancyThreshold
}

// Compact moves the single retained object at source to a freshly
// allocated extent, fixes up its holder's back-pointer, and hands the
// vacated extent to ev's eviction candidate map rather than freeing
// it outright — source may still be memory-resident, and the normal
// eviction path is how this heap reclaims resident bytes without an
// extra special case (spec.md §4.8 step 4).
//
// Per spec.md's stated failure semantics, a destination-allocation
// failure is left for the caller to retry; a failure publishing the
// destination aborts the compaction with source left untouched.
func (c *Collector) Compact(ctx context.Context, source las.ExtentID, ev *evict.Evictor) error {
	self, err := c.l.NativeBytes(source)
	if err != nil {
		return err
	}
	hdr, payload, err := object.Decode(self)
	if err != nil {
		return err
	}

	dstID, mutable, err := c.l.Allocate(ctx, int64(object.HeaderSize+len(payload)), las.HintCompaction, 0)
	if err != nil {
		c.logf("gc: compaction of %v could not acquire a destination extent: %v", source, err)
		return fmt.Errorf("gc: allocating compaction destination: %w", err)
	}

	object.Encode(mutable.Bytes(), hdr, payload)
	if _, err := c.l.Publish(ctx, dstID, mutable); err != nil {
		c.logf("gc: compaction of %v aborted, source left intact: %v", source, err)
		return fmt.Errorf("gc: publishing compaction destination: %w", err)
	}

	newPtr := swizzle.New(swizzle.TagNative, dstID.Source, dstID.Extent, 0)
	if err := c.fixUpHolder(hdr.Parent, source, newPtr); err != nil {
		return err
	}

	if ev != nil {
		ev.Admit(source, nil)
	}
	c.compactions++
	return nil
}

// fixUpHolder rewrites the parent object's leading pointer field from
// oldExtent to next, the same back-pointer fix-up evict.Evictor uses:
// one outbound pointer, clustered at the start of the holder's
// payload (spec.md §3: "all outbound pointers ... fixed offset region
// at the start of the object").
func (c *Collector) fixUpHolder(parent swizzle.Pointer, oldExtent las.ExtentID, next swizzle.Pointer) error {
	if parent.IsNull() {
		// A root object has no in-heap holder; repointing the root
		// reference itself is the caller's responsibility.
		return nil
	}
	parentExt := las.ExtentOf(parent)
	parentBytes, err := c.l.NativeBytes(parentExt)
	if err != nil {
		return err
	}
	if len(parentBytes) < object.HeaderSize+8 {
		return fmt.Errorf("gc: parent object too small to carry a pointer field")
	}
	fieldAddr := (*swizzle.Pointer)(unsafe.Pointer(&parentBytes[object.HeaderSize]))

	for {
		old := swizzle.Load(fieldAddr)
		if las.ExtentOf(old) != oldExtent {
			// Already repointed by a concurrent writer; nothing left
			// for this compaction to fix up.
			return nil
		}
		if swizzle.CAS(fieldAddr, old, next) {
			return nil
		}
	}
}

// Compactions returns the number of extents compacted so far.
func (c *Collector) Compactions() uint64 { return c.compactions }

// occupancyItem pairs an extent with its live-byte occupancy, the
// sort key CompactionCandidates ranks by.
type occupancyItem struct {
	id        las.ExtentID
	occupancy float64
}

func occupancyLess(a, b occupancyItem) bool { return a.occupancy < b.occupancy }

// CompactionCandidates filters exts down to the ones NeedsCompaction
// accepts and ranks them least-occupied first, using package heap's
// min-heap so a caller driving Compact across many extents reclaims
// the most wasteful ones before the merely-under-threshold ones
// (spec.md §4.8 step 3's "queued for compaction" is otherwise silent
// on ordering).
func (c *Collector) CompactionCandidates(exts []*las.Extent) []las.ExtentID {
	items := make([]occupancyItem, 0, len(exts))
	for _, ext := range exts {
		if c.NeedsCompaction(ext) {
			items = append(items, occupancyItem{id: ext.ID, occupancy: float64(ext.LiveBytes) / float64(ext.Length)})
		}
	}
	heap.OrderSlice(items, occupancyLess)

	out := make([]las.ExtentID, 0, len(items))
	for len(items) > 0 {
		out = append(out, heap.PopSlice(&items, occupancyLess).id)
	}
	return out
}
