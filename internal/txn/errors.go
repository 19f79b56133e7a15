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

package txn

import "errors"

// ErrWriteConflict is returned by a write-class operation (Alloc,
// Write, Free) or by Commit's redo-log validation when the target
// field was concurrently given a new committed version, per spec.md
// §7's "write-conflict" error kind.
var ErrWriteConflict = errors.New("txn: write conflict")

// ErrReadForWriteConflict is returned by Commit when a field read via
// ReadForWrite received a new committed version before this
// transaction committed, per spec.md §7's "read-for-write-conflict"
// error kind.
var ErrReadForWriteConflict = errors.New("txn: read-for-write conflict")

// Retryable reports whether err is one of the conflict-class errors
// that a transaction runner should retry rather than propagate,
// per spec.md §6's bounded-backoff transaction runner contract.
func Retryable(err error) bool {
	return errors.Is(err, ErrWriteConflict) || errors.Is(err, ErrReadForWriteConflict)
}
