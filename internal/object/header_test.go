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
	"testing"

	"github.com/nvheap/nvheap/internal/epoch"
	"github.com/nvheap/nvheap/internal/swizzle"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("some payload bytes, not necessarily aligned")
	h := Header{
		Version:   epoch.Real(42),
		ChainNext: swizzle.Null,
		Parent:    swizzle.New(swizzle.TagNative, 1, 3, 0x1000),
		Size:      uint64(len(payload)),
	}
	buf := make([]byte, HeaderSize+len(payload))
	n := Encode(buf, h, payload)
	if n != len(buf) {
		t.Fatalf("encoded %d bytes, want %d", n, len(buf))
	}
	got, gotPayload, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("decoded header mismatch: got %+v want %+v", got, h)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("decoded payload mismatch: got %q want %q", gotPayload, payload)
	}
	if !got.Valid() {
		t.Fatal("expected decoded header to be valid")
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	payload := []byte("abc")
	h := Header{Version: epoch.Real(1), Size: uint64(len(payload))}
	buf := make([]byte, HeaderSize+len(payload))
	Encode(buf, h, payload)
	buf[HeaderSize] ^= 0xFF // flip a payload byte after checksumming

	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected corruption error")
	}
	var ce *CorruptionError
	if !asCorruption(err, &ce) {
		t.Fatalf("expected *CorruptionError, got %T: %v", err, err)
	}
}

func asCorruption(err error, target **CorruptionError) bool {
	ce, ok := err.(*CorruptionError)
	if ok {
		*target = ce
	}
	return ok
}

func TestInvalidHeaderIsZeroVersion(t *testing.T) {
	var h Header
	if h.Valid() {
		t.Fatal("zero-value header must not be valid")
	}
}

func TestPaddedSize(t *testing.T) {
	cases := map[int]int{0: 0, 1: 8, 7: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := PaddedSize(in); got != want {
			t.Fatalf("PaddedSize(%d) = %d, want %d", in, got, want)
		}
	}
}
