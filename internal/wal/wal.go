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
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// frameOverhead is the fixed portion of a framed record: a 4-byte
// length header, 1-byte kind, 8-byte checksum, 4-byte uncompressed-
// size hint, and a trailing 4-byte length repeated for backward scan.
const frameOverhead = 4 + 1 + 8 + 4 + 4

// Writer appends framed records to a single durable log file. It is
// safe for concurrent use; writes are serialized under a mutex, the
// same "one writer, many appenders" shape the teacher's blockfmt
// index writer uses for its trailer-plus-blocks layout.
type Writer struct {
	mu sync.Mutex
	f  *os.File
}

// Create opens (or truncates) path as a fresh append-only log.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f}, nil
}

// OpenAppend opens an existing log for further appends, seeking to
// its current end.
func OpenAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f}, nil
}

// Append writes rec as a single framed, checksummed, s2-compressed
// record and returns its byte offset in the log.
func (w *Writer) Append(rec interface{}) (int64, error) {
	kind, body, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}
	sum := checksum(kind, body)
	payload := compress(body)

	frame := make([]byte, 0, frameOverhead+len(payload))
	total := uint32(1 + 8 + 4 + len(payload))
	frame = appendU32(frame, total)
	frame = append(frame, byte(kind))
	frame = appendU64(frame, sum)
	frame = appendU32(frame, uint32(len(body)))
	frame = append(frame, payload...)
	frame = appendU32(frame, total)

	w.mu.Lock()
	defer w.mu.Unlock()
	off, err := w.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := w.f.Write(frame); err != nil {
		return 0, err
	}
	return off, nil
}

// Flush is the durability boundary spec.md §6 names: Heap's journal
// step calls it once for every commit it journals in synchronous
// durability mode. It blocks until every previously-appended record
// is durable.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Sync()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Reader sequentially decodes framed records from a log file.
type Reader struct {
	f   *os.File
	off int64
	end int64
}

// OpenReader opens path for sequential replay from the start.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, end: info.Size()}, nil
}

func (r *Reader) Close() error { return r.f.Close() }

// Next decodes the next record, returning io.EOF once the log is
// exhausted.
func (r *Reader) Next() (Kind, interface{}, error) {
	if r.off >= r.end {
		return 0, nil, io.EOF
	}
	kind, body, frameLen, err := readFrameAt(r.f, r.off)
	if err != nil {
		return 0, nil, err
	}
	r.off += frameLen
	rec, err := decodeRecord(kind, body)
	if err != nil {
		return 0, nil, err
	}
	return kind, rec, nil
}

// readFrameAt decodes the record starting at byte offset off,
// returning its kind, decompressed and checksum-verified body, and
// the frame's total on-disk length (header + trailer included).
func readFrameAt(f *os.File, off int64) (Kind, []byte, int64, error) {
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], off); err != nil {
		return 0, nil, 0, err
	}
	total := binary.LittleEndian.Uint32(lenBuf[:])
	rest := make([]byte, total)
	if _, err := f.ReadAt(rest, off+4); err != nil {
		return 0, nil, 0, err
	}
	kind := Kind(rest[0])
	wantSum := binary.LittleEndian.Uint64(rest[1:9])
	uncompLen := binary.LittleEndian.Uint32(rest[9:13])
	compressed := rest[13:]

	body, err := decompress(compressed, int(uncompLen))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("wal: decompressing record at %d: %w", off, err)
	}
	gotSum := checksum(kind, body)
	if gotSum != wantSum {
		return 0, nil, 0, &ErrChecksum{Offset: off}
	}
	return kind, body, int64(4 + total + 4), nil
}

// Applier receives replayed records during Recover, in the order a
// fresh heap Open should apply them to reconstruct volatile state.
type Applier interface {
	OnAlloc(Alloc)
	OnPointerUpdate(PointerUpdate)
	OnRedoDelta(RedoDelta)
	OnLatticeMerge(LatticeMerge)
	OnCommit(txnID uuid.UUID, commitVersion uint64)
}

// Recover implements spec.md §6's recovery procedure: scan backward
// from the end of the log to find the last well-formed commit
// record, then replay forward from the start up to (and including)
// that commit, handing every record to app in order. Records
// belonging to a transaction that began but has no matching commit
// at or before that point (a torn write from a crash mid-commit) are
// silently dropped, since the transaction engine never published
// their versions.
func Recover(path string, app Applier) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	end, err := lastCommitEnd(f, info.Size())
	if err != nil {
		return err
	}
	if end == 0 {
		return nil
	}

	pending := make(map[uuid.UUID][]interface{})
	var off int64
	for off < end {
		kind, body, frameLen, err := readFrameAt(f, off)
		if err != nil {
			return fmt.Errorf("wal: recovery replay: %w", err)
		}
		rec, err := decodeRecord(kind, body)
		if err != nil {
			return err
		}
		off += frameLen

		switch v := rec.(type) {
		case Begin:
			pending[v.TxnID] = nil
		case Alloc:
			pending[v.TxnID] = append(pending[v.TxnID], v)
		case PointerUpdate:
			pending[v.TxnID] = append(pending[v.TxnID], v)
		case RedoDelta:
			pending[v.TxnID] = append(pending[v.TxnID], v)
		case LatticeMerge:
			pending[v.TxnID] = append(pending[v.TxnID], v)
		case Commit:
			for _, entry := range pending[v.TxnID] {
				switch e := entry.(type) {
				case Alloc:
					app.OnAlloc(e)
				case PointerUpdate:
					app.OnPointerUpdate(e)
				case RedoDelta:
					app.OnRedoDelta(e)
				case LatticeMerge:
					app.OnLatticeMerge(e)
				}
			}
			app.OnCommit(v.TxnID, v.CommitVersion)
			delete(pending, v.TxnID)
		}
	}
	return nil
}

// lastCommitEnd scans backward from the end of the log using each
// frame's trailing length field to step to the previous frame,
// returning the byte offset just past the last record that decodes
// as a well-formed Commit. A truncated or corrupt trailing frame
// (the torn write from a crash) is skipped, not fatal.
func lastCommitEnd(f *os.File, size int64) (int64, error) {
	pos := size
	for pos > 0 {
		if pos < 4 {
			return 0, nil
		}
		var trailer [4]byte
		if _, err := f.ReadAt(trailer[:], pos-4); err != nil {
			return 0, err
		}
		total := int64(binary.LittleEndian.Uint32(trailer[:]))
		frameLen := 4 + total + 4
		start := pos - frameLen
		if start < 0 {
			pos -= 4
			continue
		}
		kind, body, _, err := readFrameAt(f, start)
		if err == nil && kind == KindCommit {
			if _, decErr := decodeRecord(kind, body); decErr == nil {
				return pos, nil
			}
		}
		pos = start
	}
	return 0, nil
}
