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

package object

import (
	"fmt"
	"math/bits"
)

// SlabClass describes one registered tiny-object allocation class,
// per spec.md §4.4 and §6 ("Slab registration"): a stable numeric
// id, cell size, alignment, and count per extent. Slab classes are
// registered at heap-open and never change thereafter.
type SlabClass struct {
	ID        uint16
	CellSize  int
	Alignment int
	PerExtent int
}

// SlabDescriptorSize is the size of the per-extent class descriptor
// plus occupancy bitmap header that precedes the cells themselves.
// The bitmap itself is appended after this fixed part, sized to
// ceil(PerExtent/8) bytes.
const SlabDescriptorSize = 8

// Slab is the in-memory view of a slab extent: a class descriptor,
// an occupancy bitmap, and the backing bytes for every cell. Slab
// objects are immutable, contain no pointers, and cannot be
// version-chained (spec.md §4.4); they are freed only when the
// entire slab is unreferenced.
type Slab struct {
	Class  SlabClass
	bitmap []byte // 1 bit per cell; 1 == occupied
	cells  []byte // Class.PerExtent * Class.CellSize bytes
}

// NewSlab carves a fresh slab out of mem, which must be at least
// SlabDescriptorSize + ceil(PerExtent/8) + PerExtent*CellSize bytes.
func NewSlab(class SlabClass, mem []byte) (*Slab, error) {
	bitmapLen := (class.PerExtent + 7) / 8
	need := SlabDescriptorSize + bitmapLen + class.PerExtent*class.CellSize
	if len(mem) < need {
		return nil, fmt.Errorf("object: slab class %d needs %d bytes, got %d", class.ID, need, len(mem))
	}
	s := &Slab{
		Class:  class,
		bitmap: mem[SlabDescriptorSize : SlabDescriptorSize+bitmapLen],
		cells:  mem[SlabDescriptorSize+bitmapLen : SlabDescriptorSize+bitmapLen+class.PerExtent*class.CellSize],
	}
	for i := range s.bitmap {
		s.bitmap[i] = 0
	}
	return s, nil
}

// Alloc finds a free cell, marks it occupied, and returns its index
// and backing bytes. It returns ok=false if the slab is full.
func (s *Slab) Alloc() (index int, cell []byte, ok bool) {
	for byteIdx, b := range s.bitmap {
		if b == 0xFF {
			continue
		}
		bit := bits.TrailingZeros8(^b)
		idx := byteIdx*8 + bit
		if idx >= s.Class.PerExtent {
			continue
		}
		s.bitmap[byteIdx] |= 1 << bit
		return idx, s.cellAt(idx), true
	}
	return 0, nil, false
}

// Free marks cell index as unoccupied. It is the caller's
// responsibility to ensure no live reference to the cell's bytes
// remains.
func (s *Slab) Free(index int) {
	byteIdx, bit := index/8, uint(index%8)
	s.bitmap[byteIdx] &^= 1 << bit
}

// Occupied reports whether cell index is currently allocated.
func (s *Slab) Occupied(index int) bool {
	byteIdx, bit := index/8, uint(index%8)
	return s.bitmap[byteIdx]&(1<<bit) != 0
}

// Live returns the number of occupied cells.
func (s *Slab) Live() int {
	n := 0
	for _, b := range s.bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}

// Empty reports whether every cell in the slab is free, meaning the
// whole extent backing it may be reclaimed (spec.md §4.4: "freed
// only when the entire slab is unreferenced").
func (s *Slab) Empty() bool { return s.Live() == 0 }

func (s *Slab) cellAt(index int) []byte {
	off := index * s.Class.CellSize
	return s.cells[off : off+s.Class.CellSize]
}
