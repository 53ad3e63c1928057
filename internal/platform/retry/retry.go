// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package retry provides the optimistic-concurrency retry combinator.

Every versioned write in Veyra uses compare-and-set on a version column. Under
contention (two logins racing to bump failedLoginAttempts, for example) the
loser receives [apperr.ErrOptimisticConflict]. This package re-runs the losing
closure a bounded number of times with a linearly growing delay, and gives up
by surfacing the conflict to the caller's error mapping.

The closure MUST be idempotent: it should re-read the row, recompute the
change, and attempt the write again from scratch.
*/
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
)

// linearBackOff yields baseDelay × attempt: 50ms, 100ms, 150ms, ...
type linearBackOff struct {
	baseDelay time.Duration
	attempt   int
}

// NextBackOff implements [backoff.BackOff].
func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.baseDelay * time.Duration(l.attempt)
}

// Reset implements [backoff.BackOff].
func (l *linearBackOff) Reset() { l.attempt = 0 }

// OnVersionConflict runs operation, retrying whenever it returns the
// optimistic-lock sentinel. Any other error aborts immediately.
//
// # Parameters
//   - ctx: Cancellation aborts waiting between attempts.
//   - operation: Idempotent closure performing read-modify-write.
//
// # Returns
//   - error: nil on success; the last conflict after exhausting attempts;
//     or the first non-conflict error unchanged.
func OnVersionConflict(ctx context.Context, operation func(context.Context) error) error {
	wrapped := func() (struct{}, error) {
		err := operation(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if apperr.IsOptimisticConflict(err) {
			// Retryable: a concurrent writer won the version race.
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(&linearBackOff{baseDelay: constants.OptimisticRetryBaseDelay}),
		backoff.WithMaxTries(constants.OptimisticRetryAttempts),
	)
	return err
}
