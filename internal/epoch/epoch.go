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

// Package epoch implements the monotone version allocator and the
// lowest-active-read-version tracking that the compacting GC uses as
// its safe-point, per spec.md §4.5. The active-set bookkeeping
// follows the same "small set guarded by one mutex, refreshed on
// completion" shape as tenant/dcache.Cache's inflight map.
package epoch

import (
	"sync"
	"sync/atomic"
)

// VersionHandle is either a real version (a monotone 64-bit number)
// or an indirect version (a reference to a slot in a Manager holding
// the real version, which reads as 0 until commit). The top bit
// discriminates the two: 0 = real, 1 = indirect with the remaining
// 63 bits as a slot index.
type VersionHandle uint64

const indirectFlag = uint64(1) << 63

// Real constructs a direct, already-committed version handle.
func Real(v uint64) VersionHandle {
	if v&indirectFlag != 0 {
		panic("epoch: version number too large to represent")
	}
	return VersionHandle(v)
}

// Indirect constructs a version handle that resolves through the
// given slot index in a Manager's slot table.
func Indirect(slot uint32) VersionHandle {
	return VersionHandle(indirectFlag | uint64(slot))
}

// IsIndirect reports whether h must be resolved through a Manager.
func (h VersionHandle) IsIndirect() bool { return uint64(h)&indirectFlag != 0 }

// IsZero reports whether h is the raw-zero handle: an object that
// has never been assigned any version at all. Per spec.md §3,
// "Version 0 = uncommitted/invalid"; every allocated object is
// assigned at least an Indirect handle immediately, so IsZero should
// only ever be true for a header that was never initialized.
func (h VersionHandle) IsZero() bool { return h == 0 }

// Raw returns the bit pattern stored in an object header.
func (h VersionHandle) Raw() uint64 { return uint64(h) }

func (h VersionHandle) slot() uint32 { return uint32(uint64(h) &^ indirectFlag) }

// Manager is the per-heap epoch manager: a monotone next_version
// counter, the set of currently-active transaction read versions,
// and the slot table backing every outstanding Indirect handle.
type Manager struct {
	nextVersion uint64 // atomic

	mu         sync.Mutex
	active     map[uint64]int // read version -> count of transactions holding it
	lowestRead uint64         // cached GC safe-point input; refreshed under mu

	slots   []*uint64 // slot table; index == Indirect() argument
	freeIdx []uint32
}

// NewManager creates an epoch manager whose next_version counter
// starts at seed (seed is typically 0 on first open, or the last
// committed version recovered from the durable log), so the first
// commit version it hands out is seed+1.
func NewManager(seed uint64) *Manager {
	return &Manager{
		nextVersion: seed,
		active:      make(map[uint64]int),
		lowestRead:  seed,
	}
}

// BeginReadVersion atomically fetches the current committed version
// and registers it as active, so the GC safe-point never advances
// past it until the caller calls EndReadVersion.
func (m *Manager) BeginReadVersion() uint64 {
	v := atomic.LoadUint64(&m.nextVersion)
	m.mu.Lock()
	m.active[v]++
	if len(m.active) == 1 || v < m.lowestRead {
		m.lowestRead = v
	}
	m.mu.Unlock()
	return v
}

// EndReadVersion unregisters a read version previously obtained from
// BeginReadVersion, refreshing the cached safe-point.
func (m *Manager) EndReadVersion(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[v]--
	if m.active[v] == 0 {
		delete(m.active, v)
	}
	m.recomputeLowest()
}

func (m *Manager) recomputeLowest() {
	if len(m.active) == 0 {
		m.lowestRead = atomic.LoadUint64(&m.nextVersion)
		return
	}
	lowest := ^uint64(0)
	for v := range m.active {
		if v < lowest {
			lowest = v
		}
	}
	m.lowestRead = lowest
}

// BeginCommitVersion atomically fetches and increments next_version,
// returning the version a committing transaction should publish.
func (m *Manager) BeginCommitVersion() uint64 {
	return atomic.AddUint64(&m.nextVersion, 1)
}

// Current returns the current value of next_version without
// advancing it (used by recovery/diagnostics).
func (m *Manager) Current() uint64 {
	return atomic.LoadUint64(&m.nextVersion)
}

// SafePoint returns the GC safe-point: the minimum of every active
// transaction's read version (or next_version if none are active).
// Per spec.md §4.8 this is min(active read versions, lowest active
// commit-slot); callers additionally fold in outstanding commit
// slots, as gc.Collector does through its PendingCommits callback.
func (m *Manager) SafePoint() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowestRead
}

// NewSlot allocates a slot for a new transaction's indirect version
// handles, initialized to 0 (uncommitted), and returns its index.
func (m *Manager) NewSlot() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeIdx); n > 0 {
		idx := m.freeIdx[n-1]
		m.freeIdx = m.freeIdx[:n-1]
		return idx
	}
	var zero uint64
	m.slots = append(m.slots, &zero)
	return uint32(len(m.slots) - 1)
}

// PublishSlot atomically stores v into the slot backing handle h.
// This single store is the commit publication step of spec.md §4.6:
// every object allocated under this slot now resolves to v.
func (m *Manager) PublishSlot(slotIdx uint32, v uint64) {
	m.mu.Lock()
	slot := m.slots[slotIdx]
	m.mu.Unlock()
	atomic.StoreUint64(slot, v)
}

// ReleaseSlot returns a slot to the free list once every indirect
// handle referencing it has been rewritten to a direct real version
// (spec.md §4.6 step 5: "the transaction state slot is released").
func (m *Manager) ReleaseSlot(slotIdx uint32) {
	m.mu.Lock()
	*m.slots[slotIdx] = 0
	m.freeIdx = append(m.freeIdx, slotIdx)
	m.mu.Unlock()
}

// Resolve returns the real version that h currently denotes, and
// whether it has been committed yet. Real handles are always
// resolved; indirect handles resolve to (0, false) until their slot
// is published.
func (m *Manager) Resolve(h VersionHandle) (version uint64, committed bool) {
	if !h.IsIndirect() {
		v := uint64(h)
		return v, v != 0
	}
	m.mu.Lock()
	slot := m.slots[h.slot()]
	m.mu.Unlock()
	v := atomic.LoadUint64(slot)
	return v, v != 0
}
