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

import "testing"

func TestSlabAllocFreeCycle(t *testing.T) {
	class := SlabClass{ID: 1, CellSize: 32, Alignment: 8, PerExtent: 4}
	bitmapLen := (class.PerExtent + 7) / 8
	mem := make([]byte, SlabDescriptorSize+bitmapLen+class.PerExtent*class.CellSize)
	s, err := NewSlab(class, mem)
	if err != nil {
		t.Fatal(err)
	}
	var idxs []int
	for i := 0; i < class.PerExtent; i++ {
		idx, cell, ok := s.Alloc()
		if !ok {
			t.Fatalf("expected alloc %d to succeed", i)
		}
		if len(cell) != class.CellSize {
			t.Fatalf("cell length %d, want %d", len(cell), class.CellSize)
		}
		idxs = append(idxs, idx)
	}
	if _, _, ok := s.Alloc(); ok {
		t.Fatal("expected slab to be full")
	}
	if s.Empty() {
		t.Fatal("slab should not be empty")
	}
	for _, idx := range idxs {
		s.Free(idx)
	}
	if !s.Empty() {
		t.Fatal("expected slab to be empty after freeing all cells")
	}
}

func TestSlabTooSmall(t *testing.T) {
	class := SlabClass{ID: 1, CellSize: 32, Alignment: 8, PerExtent: 4}
	if _, err := NewSlab(class, make([]byte, 4)); err == nil {
		t.Fatal("expected error for undersized backing memory")
	}
}
