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

// Package evict implements the LAS eviction candidate map and the
// extent replacement policy of spec.md §4.7: random selection with a
// second chance for recently touched candidates, never admitting an
// extent that belongs to an active transaction's working set.
package evict

import (
	"math/rand"
	"sync"

	"github.com/nvheap/nvheap/internal/las"
)

// Map is the eviction candidate set: extents whose outbound pointers
// have already been unswizzled (or never had any), and which are
// therefore cheap to drop from memory. Membership does not imply the
// extent has been evicted yet; Selection decides that.
type Map struct {
	mu      sync.Mutex
	order   []las.ExtentID
	index   map[las.ExtentID]int // position within order, for O(1) removal
	touched map[las.ExtentID]bool
	rng     *rand.Rand
}

// New creates an empty candidate map. seed makes victim selection
// deterministic for tests; production callers should derive it from
// crypto/rand once at heap open.
func New(seed int64) *Map {
	return &Map{
		index:   make(map[las.ExtentID]int),
		touched: make(map[las.ExtentID]bool),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Admit adds id to the candidate set unless inUse reports it belongs
// to an active transaction's working set (spec.md §4.7: "Extents
// belonging to any active transaction's working set are never
// admitted"), or it is already present. Reports whether it was added.
func (m *Map) Admit(id las.ExtentID, inUse func(las.ExtentID) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inUse != nil && inUse(id) {
		return false
	}
	if _, ok := m.index[id]; ok {
		return false
	}
	m.index[id] = len(m.order)
	m.order = append(m.order, id)
	m.touched[id] = false
	return true
}

// Touch marks id as recently accessed, giving it a second chance the
// next time it is drawn as a victim. Reports whether id was present.
func (m *Map) Touch(id las.ExtentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[id]; !ok {
		return false
	}
	m.touched[id] = true
	return true
}

// Remove takes id out of the candidate set without evicting it, used
// when a slow-path read hits a still-resident candidate extent
// (spec.md §4.7: "the extent is removed from the map and returned to
// the reader in a single step"). Reports whether id was present.
func (m *Map) Remove(id las.ExtentID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Map) removeLocked(id las.ExtentID) bool {
	i, ok := m.index[id]
	if !ok {
		return false
	}
	last := len(m.order) - 1
	m.order[i] = m.order[last]
	m.index[m.order[i]] = i
	m.order = m.order[:last]
	delete(m.index, id)
	delete(m.touched, id)
	return true
}

// Len reports the number of candidates currently admitted.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// SelectVictim draws a random candidate, giving any touched candidate
// one second chance (clearing its touch bit and trying again) before
// removing and returning a victim. Reports ok=false if the map is
// empty.
func (m *Map) SelectVictim() (las.ExtentID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return las.ExtentID{}, false
	}
	// Walk the candidates in a random order rather than by a fixed
	// clock hand; a touched candidate gets its bit cleared and is
	// skipped once rather than evicted immediately (the "second
	// chance"), but a candidate visited once per call can never be
	// deferred twice in the same call, so the walk always terminates
	// having evicted exactly one candidate.
	perm := m.rng.Perm(len(m.order))
	deferred := perm[0]
	for _, idx := range perm {
		id := m.order[idx]
		if m.touched[id] {
			m.touched[id] = false
			continue
		}
		m.removeLocked(id)
		return id, true
	}
	id := m.order[deferred]
	m.removeLocked(id)
	return id, true
}
