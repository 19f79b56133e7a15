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

// Package lattice provides the registry of named merge functions for
// lattice-typed objects (spec.md §4.9): a value and an associative,
// commutative, idempotent merge function, registered by name at heap
// open so concurrent Set calls against the same field never conflict
// and are instead reduced by the committing transaction. The registry
// shape — a name-keyed map guarded by a mutex, with a typed accessor
// for the single built-in type this package ships — follows
// tenant/dcache.Cache's registration-by-name pattern.
package lattice

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/nvheap/nvheap/internal/txn"
)

// Registry holds merge functions by name. Heap.Open does not consult
// a Registry: it registers Config.Lattices directly and fails when the
// durable log names a merge missing from that map. ApplyTo copies a
// Registry's merges onto a transaction engine.
type Registry struct {
	mu     sync.RWMutex
	merges map[string]txn.MergeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{merges: make(map[string]txn.MergeFunc)}
}

// Register associates name with fn. Registering the same name twice,
// even with the same function, is a programmer error; it panics rather
// than silently keeping the first registration, since a heap that
// disagreed with itself about a merge's meaning would silently
// corrupt data instead of failing loudly.
func (r *Registry) Register(name string, fn txn.MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.merges[name]; exists {
		panic(fmt.Sprintf("lattice: merge %q already registered", name))
	}
	r.merges[name] = fn
}

// Lookup returns the merge function registered under name, if any.
func (r *Registry) Lookup(name string) (txn.MergeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.merges[name]
	return fn, ok
}

// ApplyTo registers every merge function in r onto e, the transaction
// engine that resolves merges at commit. Heap.Open does not call it.
func (r *Registry) ApplyTo(e *txn.Engine) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, fn := range r.merges {
		e.RegisterMerge(name, fn)
	}
}

// CounterName is the registered name of the built-in Counter lattice,
// spec.md §8 scenario S6's "Register a lattice type Counter with
// merge=sum".
const CounterName = "lattice.counter"

// CounterMerge sums an 8-byte little-endian counter's current value
// with an 8-byte little-endian delta. It is associative, commutative,
// and idempotent under repeated application of the same delta only in
// the degenerate sense that merge is invoked once per distinct Set;
// the heap guarantees each committed Set is merged exactly once.
func CounterMerge(current, delta []byte) []byte {
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

// EncodeCounterDelta packs a signed delta for CounterMerge. Negative
// deltas wrap per two's complement, matching an unsigned sum lattice
// that only ever needs to represent "add n" deltas.
func EncodeCounterDelta(delta int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(delta))
	return b
}

// DecodeCounter reads a Counter object's current value.
func DecodeCounter(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(payload)
}
