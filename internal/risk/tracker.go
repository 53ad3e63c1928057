// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout for the sliding-window counters.
const (
	identifierFailPrefix = "veyra:risk:fail:id:"
	ipFailPrefix         = "veyra:risk:fail:ip:"
	registrationPrefix   = "veyra:risk:register:ip:"
)

// FailureTracker counts recent failures per normalized identifier and per
// client IP using Redis sorted sets as a sliding window: each failure is a
// member scored by its timestamp, and counting trims members older than the
// window first. The two counters are independent — a distributed attack
// shows up on the identifier, a single-source attack on the IP.
type FailureTracker struct {
	client *redis.Client
	window time.Duration
}

// NewFailureTracker constructs the tracker with the configured window.
func NewFailureTracker(client *redis.Client, window time.Duration) *FailureTracker {
	return &FailureTracker{client: client, window: window}
}

// record appends one event to a window and returns the resulting count.
func (tracker *FailureTracker) record(ctx context.Context, key string, now time.Time) (int64, error) {
	member := strconv.FormatInt(now.UnixNano(), 10)
	cutoff := strconv.FormatInt(now.Add(-tracker.window).UnixNano(), 10)

	pipe := tracker.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, tracker.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis_failure_record_failed: %w", err)
	}
	return count.Val(), nil
}

// count reads a window without mutating it.
func (tracker *FailureTracker) count(ctx context.Context, key string, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-tracker.window).UnixNano(), 10)

	pipe := tracker.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	count := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis_failure_count_failed: %w", err)
	}
	return count.Val(), nil
}

/*
RecordFailure registers one failed attempt on both windows.

Parameters:
  - ctx: context.Context
  - identifier: Normalized login identifier
  - ip: Client IP

Returns:
  - int64: Identifier window count after the event
  - int64: IP window count after the event
  - error: Storage failures
*/
func (tracker *FailureTracker) RecordFailure(ctx context.Context, identifier, ip string) (int64, int64, error) {
	now := time.Now()

	identifierCount, err := tracker.record(ctx, identifierFailPrefix+identifier, now)
	if err != nil {
		return 0, 0, err
	}
	ipCount, err := tracker.record(ctx, ipFailPrefix+ip, now)
	if err != nil {
		return identifierCount, 0, err
	}
	return identifierCount, ipCount, nil
}

// Failures returns the current counts without recording anything.
func (tracker *FailureTracker) Failures(ctx context.Context, identifier, ip string) (int64, int64, error) {
	now := time.Now()

	identifierCount, err := tracker.count(ctx, identifierFailPrefix+identifier, now)
	if err != nil {
		return 0, 0, err
	}
	ipCount, err := tracker.count(ctx, ipFailPrefix+ip, now)
	if err != nil {
		return identifierCount, 0, err
	}
	return identifierCount, ipCount, nil
}

// ResetIdentifier clears the identifier window after a successful
// authentication. The IP window is deliberately left to age out.
func (tracker *FailureTracker) ResetIdentifier(ctx context.Context, identifier string) error {
	if err := tracker.client.Del(ctx, identifierFailPrefix+identifier).Err(); err != nil {
		return fmt.Errorf("redis_failure_reset_failed: %w", err)
	}
	return nil
}

// RecordRegistration counts a registration attempt from an IP and returns
// the window count, for CAPTCHA gating of account creation.
func (tracker *FailureTracker) RecordRegistration(ctx context.Context, ip string) (int64, error) {
	return tracker.record(ctx, registrationPrefix+ip, time.Now())
}
