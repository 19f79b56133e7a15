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

//go:build unix

package src

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MemorySource is a byte-addressable Source backed by an mmap'd
// region. With no backing file it models volatile DRAM; opened
// against a file on a DAX/PMEM-mounted filesystem it models
// byte-addressable persistent memory, in which case Flush performs
// an msync so writes become durable.
//
// Unlike Block, MemorySource imposes no internal page boundary: it
// exposes BasePointer so that the LAS can issue native slices
// without a copy, as spec.md §4.1 requires.
type MemorySource struct {
	id        int32
	persist   bool
	file      *os.File // nil for pure DRAM
	mu        sync.RWMutex
	mem       []byte
	closed    bool
}

// NewMemorySource creates a volatile, DRAM-backed source of the
// given initial capacity.
func NewMemorySource(id int32, capacity int64) (*MemorySource, error) {
	mem, err := unix.Mmap(-1, 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("src: mmap anonymous region: %w", err)
	}
	return &MemorySource{id: id, persist: false, mem: mem}, nil
}

// NewPersistentMemorySource opens (creating if necessary) path and
// mmaps it MAP_SHARED so that writes can be msync'd durable. This
// models a byte-addressable PMEM-backed source.
func NewPersistentMemorySource(id int32, path string, capacity int64) (*MemorySource, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("src: open pmem backing file: %w", err)
	}
	if fi, err := f.Stat(); err == nil && fi.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("src: truncate pmem backing file: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("src: mmap pmem backing file: %w", err)
	}
	return &MemorySource{id: id, persist: true, file: f, mem: mem}, nil
}

func (m *MemorySource) ID() int32        { return m.id }
func (m *MemorySource) PageSize() int    { return 1 }
func (m *MemorySource) Persistent() bool { return m.persist }

func (m *MemorySource) Kind() Kind {
	if m.persist {
		return PersistentMemory
	}
	return Memory
}

func (m *MemorySource) Capacity() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.mem))
}

func (m *MemorySource) BasePointer() (unsafe.Pointer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || len(m.mem) == 0 {
		return nil, false
	}
	return unsafe.Pointer(&m.mem[0]), true
}

func (m *MemorySource) Read(ctx context.Context, r PageRange) <-chan ReadResult {
	out := make(chan ReadResult, 1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		out <- ReadResult{Err: ErrClosed}
		return out
	}
	if r.Off < 0 || r.End() > int64(len(m.mem)) {
		out <- ReadResult{Err: fmt.Errorf("src: read range %v out of bounds (%d)", r, len(m.mem))}
		return out
	}
	buf := make([]byte, r.Len)
	copy(buf, m.mem[r.Off:r.End()])
	out <- ReadResult{Data: buf}
	return out
}

func (m *MemorySource) Write(ctx context.Context, r PageRange, data []byte) <-chan error {
	out := make(chan error, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		out <- ErrClosed
		return out
	}
	if r.Off < 0 || r.End() > int64(len(m.mem)) {
		out <- ErrOutOfSpace
		return out
	}
	if int64(len(data)) != r.Len {
		out <- fmt.Errorf("src: write data length %d != range length %d", len(data), r.Len)
		return out
	}
	copy(m.mem[r.Off:r.End()], data)
	out <- nil
	return out
}

func (m *MemorySource) Flush(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if !m.persist || len(m.mem) == 0 {
		return nil
	}
	return unix.Msync(m.mem, unix.MS_SYNC)
}

// Grow extends the mapping by remapping into a larger anonymous (or
// file-backed) region and copying the old contents across. Real
// PMEM/NVMe-backed sources would instead extend an existing mapping
// in place (mremap); we keep this simple and portable.
func (m *MemorySource) Grow(extra int64) (int64, error) {
	if extra <= 0 {
		return m.Capacity(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	newSize := int64(len(m.mem)) + extra
	var newMem []byte
	var err error
	if m.file != nil {
		if err := m.file.Truncate(newSize); err != nil {
			return 0, fmt.Errorf("src: truncate for grow: %w", err)
		}
		newMem, err = unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	} else {
		newMem, err = unix.Mmap(-1, 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	}
	if err != nil {
		return 0, fmt.Errorf("src: mmap for grow: %w", err)
	}
	copy(newMem, m.mem)
	unix.Munmap(m.mem)
	m.mem = newMem
	return int64(len(m.mem)), nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	if len(m.mem) > 0 {
		err = unix.Munmap(m.mem)
		m.mem = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
