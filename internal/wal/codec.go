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

package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// encodeRecord renders rec's logical fields (not yet framed or
// compressed) into a flat byte slice, tagged by its Kind.
func encodeRecord(rec interface{}) (Kind, []byte, error) {
	switch r := rec.(type) {
	case Begin:
		buf := make([]byte, 16+8)
		copy(buf[0:16], r.TxnID[:])
		binary.LittleEndian.PutUint64(buf[16:24], r.ReadVersion)
		return KindBegin, buf, nil

	case Alloc:
		buf := make([]byte, 0, 16+4+8+8+4+4+len(r.Initial))
		buf = append(buf, r.TxnID[:]...)
		buf = appendU32(buf, uint32(r.Source))
		buf = appendU64(buf, uint64(r.Offset))
		buf = appendU64(buf, uint64(r.Size))
		buf = appendU32(buf, r.ObjectID)
		buf = appendBytes(buf, r.Initial)
		return KindAlloc, buf, nil

	case PointerUpdate:
		buf := make([]byte, 0, 16+4+4+8)
		buf = append(buf, r.TxnID[:]...)
		buf = appendU32(buf, r.HolderID)
		buf = appendU32(buf, r.FieldOffset)
		buf = appendU64(buf, r.Target)
		return KindPointerUpdate, buf, nil

	case RedoDelta:
		buf := make([]byte, 0, 16+4+4+4+len(r.Delta))
		buf = append(buf, r.TxnID[:]...)
		buf = appendU32(buf, r.HolderID)
		buf = appendU32(buf, r.FieldOffset)
		buf = appendBytes(buf, r.Delta)
		return KindRedoDelta, buf, nil

	case LatticeMerge:
		buf := make([]byte, 0, 16+4+4+4+len(r.Lattice)+4+len(r.Delta))
		buf = append(buf, r.TxnID[:]...)
		buf = appendU32(buf, r.HolderID)
		buf = appendU32(buf, r.FieldOffset)
		buf = appendBytes(buf, []byte(r.Lattice))
		buf = appendBytes(buf, r.Delta)
		return KindLatticeMerge, buf, nil

	case Commit:
		buf := make([]byte, 16+8)
		copy(buf[0:16], r.TxnID[:])
		binary.LittleEndian.PutUint64(buf[16:24], r.CommitVersion)
		return KindCommit, buf, nil

	default:
		return 0, nil, fmt.Errorf("wal: unknown record type %T", rec)
	}
}

// decodeRecord parses buf (kind's logical fields, already
// decompressed) back into the typed record it was encoded from.
func decodeRecord(kind Kind, buf []byte) (interface{}, error) {
	switch kind {
	case KindBegin:
		if len(buf) < 24 {
			return nil, ErrShortRecord
		}
		return Begin{TxnID: uuid.UUID(buf[0:16]), ReadVersion: binary.LittleEndian.Uint64(buf[16:24])}, nil

	case KindAlloc:
		if len(buf) < 16+4+8+8+4 {
			return nil, ErrShortRecord
		}
		txn := uuid.UUID(buf[0:16])
		off := 16
		source := readU32(buf, &off)
		offset := readU64(buf, &off)
		size := readU64(buf, &off)
		objID := readU32(buf, &off)
		initial, err := readBytes(buf, &off)
		if err != nil {
			return nil, err
		}
		return Alloc{TxnID: txn, Source: int32(source), Offset: int64(offset), Size: int64(size), ObjectID: objID, Initial: initial}, nil

	case KindPointerUpdate:
		if len(buf) < 16+4+4+8 {
			return nil, ErrShortRecord
		}
		txn := uuid.UUID(buf[0:16])
		off := 16
		holder := readU32(buf, &off)
		fieldOff := readU32(buf, &off)
		target := readU64(buf, &off)
		return PointerUpdate{TxnID: txn, HolderID: holder, FieldOffset: fieldOff, Target: target}, nil

	case KindRedoDelta:
		if len(buf) < 16+4+4+4 {
			return nil, ErrShortRecord
		}
		txn := uuid.UUID(buf[0:16])
		off := 16
		holder := readU32(buf, &off)
		fieldOff := readU32(buf, &off)
		delta, err := readBytes(buf, &off)
		if err != nil {
			return nil, err
		}
		return RedoDelta{TxnID: txn, HolderID: holder, FieldOffset: fieldOff, Delta: delta}, nil

	case KindLatticeMerge:
		if len(buf) < 16+4+4+4 {
			return nil, ErrShortRecord
		}
		txn := uuid.UUID(buf[0:16])
		off := 16
		holder := readU32(buf, &off)
		fieldOff := readU32(buf, &off)
		lattice, err := readBytes(buf, &off)
		if err != nil {
			return nil, err
		}
		delta, err := readBytes(buf, &off)
		if err != nil {
			return nil, err
		}
		return LatticeMerge{TxnID: txn, HolderID: holder, FieldOffset: fieldOff, Lattice: string(lattice), Delta: delta}, nil

	case KindCommit:
		if len(buf) < 24 {
			return nil, ErrShortRecord
		}
		return Commit{TxnID: uuid.UUID(buf[0:16]), CommitVersion: binary.LittleEndian.Uint64(buf[16:24])}, nil

	default:
		return nil, fmt.Errorf("wal: unknown record kind %d", kind)
	}
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = appendU32(dst, uint32(len(b)))
	return append(dst, b...)
}

func readU32(buf []byte, off *int) uint32 {
	v := binary.LittleEndian.Uint32(buf[*off : *off+4])
	*off += 4
	return v
}

func readU64(buf []byte, off *int) uint64 {
	v := binary.LittleEndian.Uint64(buf[*off : *off+8])
	*off += 8
	return v
}

func readBytes(buf []byte, off *int) ([]byte, error) {
	if *off+4 > len(buf) {
		return nil, ErrShortRecord
	}
	n := int(readU32(buf, off))
	if *off+n > len(buf) {
		return nil, ErrShortRecord
	}
	b := buf[*off : *off+n]
	*off += n
	if n == 0 {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}
