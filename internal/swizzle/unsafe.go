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

package swizzle

import "unsafe"

func ptrOf(addr *Pointer) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// String renders p for debugging/logging only.
func (p Pointer) String() string {
	if p.IsNull() {
		return "nil"
	}
	tagName := [...]string{"native", "pmem-off", "block", "null"}[p.Tag()]
	return tagName + "(" + itoa(p.SourceID()) + "," + itoa64(int64(p.Payload())) + ")"
}

func itoa(v int32) string  { return itoa64(int64(v)) }
func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
