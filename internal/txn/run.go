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

import (
	"context"
	"time"
)

// RunConfig bounds the retry loop a transaction runner applies to
// conflict-class errors, per spec.md §6's "transaction runner ...
// bounded-backoff retry" contract.
type RunConfig struct {
	MaxAttempts int           // 0 means Run's default of 8
	BaseDelay   time.Duration // 0 means Run's default of 1ms
	MaxDelay    time.Duration // 0 means Run's default of 100ms
}

func (c RunConfig) withDefaults() RunConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 100 * time.Millisecond
	}
	return c
}

// Run begins a transaction against e, invokes fn, and commits on
// success. A conflict-class error (ErrWriteConflict,
// ErrReadForWriteConflict) from fn or from Commit aborts the attempt
// and retries with exponential backoff, up to cfg's bound; any other
// error aborts and is returned immediately without retry, matching
// spec.md §5's "only conflicts are retried; everything else
// propagates" cancellation policy.
func Run(ctx context.Context, e *Engine, cfg RunConfig, fn func(ctx context.Context, tx *Txn) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := Begin(e)
		err := fn(ctx, tx)
		if err == nil {
			err = tx.Commit(ctx)
		}
		if err == nil {
			return nil
		}

		if tx.state != Aborted && tx.state != Committed {
			tx.Abort(ctx)
		}
		lastErr = err
		if !Retryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
