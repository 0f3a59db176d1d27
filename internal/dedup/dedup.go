// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup remembers which submissions already produced a delivery
// task, so a CMS that re-sends the same submission event does not create a
// second helpdesk case.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a submission id is remembered. CMS webhook
	// retries give up well within a week.
	DefaultTTL = 7 * 24 * time.Hour

	keyPrefix = "support:submitted:"
)

// Filter claims submission ids in Redis.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

func key(submissionID string) string {
	return keyPrefix + submissionID
}

// Claim returns true if the submission id had not been claimed before. The
// claim is taken atomically (SET NX).
func (f *Filter) Claim(ctx context.Context, submissionID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(submissionID), time.Now().UTC().Unix(), f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release drops a claim so the submission can be enqueued again, for
// example after the enqueue itself failed.
func (f *Filter) Release(ctx context.Context, submissionID string) error {
	if err := f.rdb.Del(ctx, key(submissionID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
