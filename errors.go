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

package nvheap

import (
	"errors"
	"fmt"

	"github.com/nvheap/nvheap/internal/src"
	"github.com/nvheap/nvheap/internal/txn"
)

// ErrCapacityExhausted is returned when every eligible source is full
// and a transaction cannot complete an allocation, per spec.md §7's
// capacity-exhausted error kind.
var ErrCapacityExhausted = src.ErrOutOfSpace

// ConflictError wraps the transaction engine's two retryable error
// kinds (write-conflict, read-for-write-conflict at commit) behind a
// single heap-level type, so callers outside internal/txn never need
// to import it directly to test for retryability.
type ConflictError struct {
	err error
}

func (e *ConflictError) Error() string { return e.err.Error() }
func (e *ConflictError) Unwrap() error { return e.err }

// Retryable reports whether e names a conflict a transaction runner
// should retry, per spec.md §7's propagation policy.
func (e *ConflictError) Retryable() bool { return true }

func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	if txn.Retryable(err) {
		return &ConflictError{err: err}
	}
	return err
}

// IOError wraps a failure reported by a source, naming which source
// id failed, per spec.md §7's io-error kind ("fatal for the affected
// transaction; GC/eviction retry with backoff").
type IOError struct {
	Source int32
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("nvheap: source %d: %v", e.Source, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }

// CorruptionError reports an object-header checksum mismatch or other
// structural violation found during heap open or recovery, per
// spec.md §7 ("fatal to heap open").
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string { return "nvheap: corruption: " + e.Reason }

// InvariantError reports a programmer error or corrupted-state
// condition spec.md §7 classifies as invariant-violation: crossing an
// extent boundary, dereferencing a freed field, or an unregistered
// lattice merge named by the durable log at open.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return "nvheap: invariant violated: " + e.Reason }

// ErrClosed is returned by any heap operation attempted after Close.
var ErrClosed = errors.New("nvheap: heap is closed")

// ErrUnknownSource is returned when Config names a source kind Open
// does not recognize.
var ErrUnknownSource = errors.New("nvheap: unknown source kind in config")
