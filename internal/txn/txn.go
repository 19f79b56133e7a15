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

// Package txn implements the six-operation transaction engine and
// commit protocol of spec.md §4.6: alloc, free, read, write,
// read-for-write, and set, serializable snapshot isolation driven off
// internal/epoch's version counter, and redo-log resolution for
// lattice-typed fields. The state-machine shape (Begun -> Reading* ->
// Validating -> Publishing -> Committed/Aborted) and the bounded-retry
// runner loop follow the teacher's query-plan execution style of a
// small explicit state enum plus a retryable outer driver, adapted
// from planning a query to driving an MVCC commit.
package txn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nvheap/nvheap/internal/epoch"
	"github.com/nvheap/nvheap/internal/las"
	"github.com/nvheap/nvheap/internal/object"
	"github.com/nvheap/nvheap/internal/swizzle"
)

// Durability selects how far a commit waits before returning, per
// spec.md §6 ("buffered-durable" vs "synchronously durable").
type Durability int

const (
	// Buffered returns without calling Flush and without waiting for
	// the asynchronous block-source writes that Publish schedules.
	Buffered Durability = iota
	// Synchronous returns only once every touched source's Flush has
	// completed.
	Synchronous
)

// MergeFunc combines a lattice field's currently committed payload
// with a newly applied delta, per spec.md §4.9.
type MergeFunc func(current, delta []byte) []byte

// Engine is the per-heap transaction engine: shared access to the
// logical address space and epoch manager, plus the registered
// lattice merge functions that redo-log resolution consults.
type Engine struct {
	L    *las.LAS
	Em   *epoch.Manager
	Dur  Durability
	merges map[string]MergeFunc
}

// NewEngine creates a transaction engine over l and em.
func NewEngine(l *las.LAS, em *epoch.Manager, dur Durability) *Engine {
	return &Engine{L: l, Em: em, Dur: dur, merges: make(map[string]MergeFunc)}
}

// RegisterMerge associates name with a merge function for lattice-
// typed fields (spec.md §4.9 / §6 "registered lattice merges").
func (e *Engine) RegisterMerge(name string, fn MergeFunc) {
	e.merges[name] = fn
}

// State is a transaction's position in the commit state machine.
type State int

const (
	Begun State = iota
	Reading
	ReadingWriting
	Validating
	Publishing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Begun:
		return "begun"
	case Reading:
		return "reading"
	case ReadingWriting:
		return "reading-writing"
	case Validating:
		return "validating"
	case Publishing:
		return "publishing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type writeRecord struct {
	field *swizzle.Pointer
	old   swizzle.Pointer
}

type intentRecord struct {
	field    *swizzle.Pointer
	observed swizzle.Pointer
}

type redoEntry struct {
	field    *swizzle.Pointer
	observed swizzle.Pointer
	lattice  string
	delta    []byte
}

// Txn is a single in-flight transaction. It is not safe for
// concurrent use by multiple goroutines.
type Txn struct {
	e    *Engine
	id   uuid.UUID
	slot uint32

	readVersion   uint64
	commitVersion uint64
	state         State

	allocated []las.ExtentID
	writes    []writeRecord
	intents   []intentRecord
	redoLog   []redoEntry
	retired   []swizzle.Pointer
	touched   map[int32]struct{}
}

// Begin starts a new transaction against e, assigning it a read
// version and an indirect-version slot for everything it allocates.
func Begin(e *Engine) *Txn {
	return &Txn{
		e:           e,
		id:          uuid.New(),
		slot:        e.Em.NewSlot(),
		readVersion: e.Em.BeginReadVersion(),
		state:       Begun,
		touched:     make(map[int32]struct{}),
	}
}

// ID returns the transaction's identifier, stable for its lifetime
// and used to correlate its records in the durable log.
func (tx *Txn) ID() uuid.UUID { return tx.id }

// ReadVersion returns the snapshot version this transaction reads at.
func (tx *Txn) ReadVersion() uint64 { return tx.readVersion }

// CommitVersion returns the version this transaction published at,
// valid only once State returns Committed.
func (tx *Txn) CommitVersion() uint64 { return tx.commitVersion }

// Allocated returns the extents this transaction installed new object
// versions into, in allocation order. A heap's durability log uses
// this to emit one allocation record per extent once the transaction
// has committed.
func (tx *Txn) Allocated() []las.ExtentID {
	return append([]las.ExtentID(nil), tx.allocated...)
}

// State returns the transaction's current state-machine position.
func (tx *Txn) State() State { return tx.state }

// SetRecord is one committed Set call: the field it targeted, the
// lattice it named (empty for a plain, non-lattice redo delta), and
// the delta bytes queued against it.
type SetRecord struct {
	Field   *swizzle.Pointer
	Lattice string
	Delta   []byte
}

// SetRecords returns every Set call this transaction queued, in call
// order. A heap's durability log uses this, alongside Allocated, to
// journal a committed transaction's redo-log and lattice-merge
// entries.
func (tx *Txn) SetRecords() []SetRecord {
	out := make([]SetRecord, len(tx.redoLog))
	for i, e := range tx.redoLog {
		out[i] = SetRecord{Field: e.field, Lattice: e.lattice, Delta: append([]byte(nil), e.delta...)}
	}
	return out
}

func parentPointer(holder las.ExtentID) swizzle.Pointer {
	if holder == (las.ExtentID{}) {
		return swizzle.Null
	}
	return swizzle.New(swizzle.TagNative, holder.Source, holder.Extent, 0)
}

// checkWritable peeks at field's current head and returns it,
// failing with ErrWriteConflict if it is already occupied by another
// transaction's uncommitted indirect version (spec.md §4.6: "write-
// conflict if field is non-null with uncommitted version").
func (tx *Txn) checkWritable(ctx context.Context, field *swizzle.Pointer) (swizzle.Pointer, error) {
	old := swizzle.Load(field)
	if old.IsNull() {
		return old, nil
	}
	peek := old
	slice, err := tx.e.L.Dereference(ctx, &peek)
	if err != nil {
		return old, err
	}
	hdr, _, err := object.Decode(slice.Bytes())
	if err != nil {
		return old, err
	}
	if _, committed := tx.e.Em.Resolve(hdr.Version); !committed && hdr.Version != epoch.Indirect(tx.slot) {
		return old, ErrWriteConflict
	}
	return old, nil
}

// Alloc installs a brand-new object under field, whose holder is
// holder (las.ExtentID{} for a root-level field with no in-heap
// holder). It fails with ErrWriteConflict if another transaction's
// uncommitted write already occupies field.
func (tx *Txn) Alloc(ctx context.Context, holder las.ExtentID, field *swizzle.Pointer, payload []byte, directedSource int32) (las.ExtentID, error) {
	old, err := tx.checkWritable(ctx, field)
	if err != nil {
		return las.ExtentID{}, err
	}
	id, err := tx.installVersion(ctx, field, old, holder, payload, directedSource)
	if err != nil {
		return las.ExtentID{}, err
	}
	tx.state = ReadingWriting
	return id, nil
}

// Write logically allocates a new version of field's object, seeded
// from its current payload via mutate (spec.md §4.6: "write ...
// logically equivalent to alloc with a copy of current contents").
func (tx *Txn) Write(ctx context.Context, holder las.ExtentID, field *swizzle.Pointer, mutate func(old []byte) []byte, directedSource int32) (las.ExtentID, error) {
	old, err := tx.checkWritable(ctx, field)
	if err != nil {
		return las.ExtentID{}, err
	}
	var oldPayload []byte
	if !old.IsNull() {
		peek := old
		slice, err := tx.e.L.Dereference(ctx, &peek)
		if err != nil {
			return las.ExtentID{}, err
		}
		_, payload, err := object.Decode(slice.Bytes())
		if err != nil {
			return las.ExtentID{}, err
		}
		oldPayload = append([]byte(nil), payload...)
	}
	newPayload := mutate(oldPayload)
	id, err := tx.installVersion(ctx, field, old, holder, newPayload, directedSource)
	if err != nil {
		return las.ExtentID{}, err
	}
	tx.state = ReadingWriting
	return id, nil
}

func (tx *Txn) installVersion(ctx context.Context, field *swizzle.Pointer, old swizzle.Pointer, holder las.ExtentID, payload []byte, directedSource int32) (las.ExtentID, error) {
	hint := las.HintNewObject
	if directedSource != 0 {
		hint = las.HintUser
	}
	id, m, err := tx.e.L.Allocate(ctx, int64(object.HeaderSize+len(payload)), hint, directedSource)
	if err != nil {
		return las.ExtentID{}, err
	}
	hdr := object.Header{
		Version:   epoch.Indirect(tx.slot),
		ChainNext: old,
		Parent:    parentPointer(holder),
		Size:      uint64(len(payload)),
	}
	object.Encode(m.Bytes(), hdr, payload)
	if _, err := tx.e.L.Publish(ctx, id, m); err != nil {
		return las.ExtentID{}, err
	}

	newPtr := swizzle.New(swizzle.TagNative, id.Source, id.Extent, 0)
	if !swizzle.CAS(field, old, newPtr) {
		tx.e.L.Free(id)
		return las.ExtentID{}, ErrWriteConflict
	}
	tx.writes = append(tx.writes, writeRecord{field: field, old: old})
	tx.allocated = append(tx.allocated, id)
	tx.touched[id.Source] = struct{}{}
	return id, nil
}

// Free retires field's current object: the field is CASed to Null and
// the old chain is scheduled for reclamation once the GC safe-point
// passes this transaction's commit version (spec.md §4.6: "links
// current head onto transaction's free list; real free at GC").
func (tx *Txn) Free(ctx context.Context, field *swizzle.Pointer) error {
	old, err := tx.checkWritable(ctx, field)
	if err != nil {
		return err
	}
	if old.IsNull() {
		return nil
	}
	if !swizzle.CAS(field, old, swizzle.Null) {
		return ErrWriteConflict
	}
	tx.writes = append(tx.writes, writeRecord{field: field, old: old})
	tx.retired = append(tx.retired, old)
	tx.state = ReadingWriting
	return nil
}

// Read walks field's version chain and returns the newest object
// whose resolved real version is at most tx.readVersion, or the
// transaction's own uncommitted write if it authored the head
// (read-your-own-writes).
func (tx *Txn) Read(ctx context.Context, field *swizzle.Pointer) (las.LogicalSlice, error) {
	return tx.readAt(ctx, swizzle.Load(field))
}

func (tx *Txn) readAt(ctx context.Context, head swizzle.Pointer) (las.LogicalSlice, error) {
	if head.IsNull() {
		return las.LogicalSlice{}, las.ErrNilPointer
	}
	cur := head
	for {
		slice, err := tx.e.L.Dereference(ctx, &cur)
		if err != nil {
			return las.LogicalSlice{}, err
		}
		hdr, _, err := object.Decode(slice.Bytes())
		if err != nil {
			return las.LogicalSlice{}, err
		}
		if hdr.Version == epoch.Indirect(tx.slot) {
			return slice, nil
		}
		if version, committed := tx.e.Em.Resolve(hdr.Version); committed && version <= tx.readVersion {
			return slice, nil
		}
		if hdr.ChainNext.IsNull() {
			return las.LogicalSlice{}, las.ErrNilPointer
		}
		cur = hdr.ChainNext
	}
}

// ReadForWrite reads field like Read, additionally recording a read
// intent validated at commit: if another transaction installs a new
// head for field before this one commits, commit aborts with
// ErrReadForWriteConflict (spec.md §4.6).
func (tx *Txn) ReadForWrite(ctx context.Context, field *swizzle.Pointer) (las.LogicalSlice, error) {
	head := swizzle.Load(field)
	slice, err := tx.readAt(ctx, head)
	if err != nil {
		return las.LogicalSlice{}, err
	}
	tx.intents = append(tx.intents, intentRecord{field: field, observed: head})
	tx.state = ReadingWriting
	return slice, nil
}

// Set queues a redo-log delta against field without allocating a new
// version (spec.md §4.6). If lattice names a merge function
// registered with the engine, the delta is combined with whatever is
// committed at field when this transaction commits, regardless of
// whether field moved since Set was called; an unnamed lattice
// requires field to still name the object observed at Set time, or
// commit aborts.
func (tx *Txn) Set(field *swizzle.Pointer, lattice string, delta []byte) {
	tx.redoLog = append(tx.redoLog, redoEntry{
		field:    field,
		observed: swizzle.Load(field),
		lattice:  lattice,
		delta:    append([]byte(nil), delta...),
	})
	tx.state = ReadingWriting
}

// Commit runs the six-step commit protocol of spec.md §4.6.
func (tx *Txn) Commit(ctx context.Context) error {
	tx.state = Validating
	if err := tx.validateIntents(); err != nil {
		tx.rollback(ctx)
		tx.state = Aborted
		return err
	}
	if err := tx.applyRedoLog(ctx); err != nil {
		tx.rollback(ctx)
		tx.state = Aborted
		return err
	}

	tx.state = Publishing
	v := tx.e.Em.BeginCommitVersion()
	tx.commitVersion = v
	tx.e.Em.PublishSlot(tx.slot, v)

	tx.resolveIndirectVersions(v)
	tx.freeRetired()
	tx.e.Em.ReleaseSlot(tx.slot)

	if tx.e.Dur == Synchronous {
		for id := range tx.touched {
			if s, ok := tx.e.L.Source(id); ok {
				if err := s.Flush(ctx); err != nil {
					return fmt.Errorf("txn: flush on commit: %w", err)
				}
			}
		}
	}

	tx.e.Em.EndReadVersion(tx.readVersion)
	tx.state = Committed
	return nil
}

// validateIntents is commit step 1.
func (tx *Txn) validateIntents() error {
	for _, in := range tx.intents {
		if swizzle.Load(in.field) != in.observed {
			return ErrReadForWriteConflict
		}
	}
	return nil
}

// applyRedoLog is commit step 2: unnamed-lattice deltas abort on
// field movement; lattice-typed deltas always merge into whatever is
// currently committed.
func (tx *Txn) applyRedoLog(ctx context.Context) error {
	for _, d := range tx.redoLog {
		if d.lattice == "" {
			if swizzle.Load(d.field) != d.observed {
				return ErrWriteConflict
			}
			continue
		}
		fn, ok := tx.e.merges[d.lattice]
		if !ok {
			return fmt.Errorf("txn: no merge function registered for lattice %q", d.lattice)
		}
		if err := tx.mergeField(ctx, d.field, fn, d.delta); err != nil {
			return err
		}
	}
	return nil
}

// mergeField installs a new version of the object at field whose
// payload is fn(current, delta), retrying the CAS if a concurrent
// transaction's own merge raced ahead of it (spec.md §4.9: lattice
// merges compose regardless of arrival order).
func (tx *Txn) mergeField(ctx context.Context, field *swizzle.Pointer, fn MergeFunc, delta []byte) error {
	for {
		old := swizzle.Load(field)
		var current []byte
		if !old.IsNull() {
			peek := old
			slice, err := tx.e.L.Dereference(ctx, &peek)
			if err != nil {
				return err
			}
			_, payload, err := object.Decode(slice.Bytes())
			if err != nil {
				return err
			}
			current = payload
		}
		merged := fn(current, delta)

		id, m, err := tx.e.L.Allocate(ctx, int64(object.HeaderSize+len(merged)), las.HintNewObject, 0)
		if err != nil {
			return err
		}
		hdr := object.Header{Version: epoch.Indirect(tx.slot), ChainNext: old, Size: uint64(len(merged))}
		object.Encode(m.Bytes(), hdr, merged)
		if _, err := tx.e.L.Publish(ctx, id, m); err != nil {
			return err
		}

		newPtr := swizzle.New(swizzle.TagNative, id.Source, id.Extent, 0)
		if swizzle.CAS(field, old, newPtr) {
			tx.allocated = append(tx.allocated, id)
			tx.touched[id.Source] = struct{}{}
			return nil
		}
		tx.e.L.Free(id)
		// Lost the race to a concurrent merge; retry against whatever
		// is there now.
	}
}

// resolveIndirectVersions is commit step 5, run synchronously here
// rather than handed to a separate worker goroutine: it is cheap
// (one rewrite per allocated object) and must complete before the
// slot is released, so deferring it to a background task would only
// add a second synchronization point without changing the work done.
func (tx *Txn) resolveIndirectVersions(v uint64) {
	real := epoch.Real(v)
	for _, id := range tx.allocated {
		buf, err := tx.e.L.NativeBytes(id)
		if err != nil {
			continue // extent already gone (e.g. superseded by a merge retry's loser).
		}
		object.RewriteVersion(buf, real)
	}
}

// freeRetired physically discards every chain a Free call unlinked,
// since nothing in the heap references it anymore.
func (tx *Txn) freeRetired() {
	for _, head := range tx.retired {
		cur := head
		for !cur.IsNull() {
			id := las.ExtentOf(cur)
			bytes, err := tx.e.L.NativeBytes(id)
			if err != nil {
				break
			}
			hdr, _, err := object.Decode(bytes)
			if err != nil {
				break
			}
			tx.e.L.Free(id)
			cur = hdr.ChainNext
		}
	}
}

// Abort discards the transaction's private state: every field this
// transaction wrote or freed is restored to its prior value, every
// extent it allocated is released, and its epoch slot and read
// version are freed. No pointer field was ever installed with a
// committed version, so no user-visible rollback is needed beyond
// this (spec.md §5).
func (tx *Txn) Abort(ctx context.Context) error {
	tx.rollback(ctx)
	tx.state = Aborted
	return nil
}

func (tx *Txn) rollback(ctx context.Context) {
	for i := len(tx.writes) - 1; i >= 0; i-- {
		w := tx.writes[i]
		cur := swizzle.Load(w.field)
		swizzle.CAS(w.field, cur, w.old)
	}
	for _, id := range tx.allocated {
		tx.e.L.Free(id)
	}
	tx.e.Em.ReleaseSlot(tx.slot)
	tx.e.Em.EndReadVersion(tx.readVersion)
}
