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

import "unsafe"

// sliceFromBase builds a []byte view of [offset, offset+n) relative
// to a Source's BasePointer, mirroring how vm.vmref.mem() turns a
// (displacement, length) pair back into a slice within the shared
// VMM arena.
func sliceFromBase(base unsafe.Pointer, offset, n int64) []byte {
	p := unsafe.Add(base, uintptr(offset))
	return unsafe.Slice((*byte)(p), int(n))
}
