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

// Package dedup suppresses repeated triggers for the same message before
// they reach the work queue. It is an optimisation only: the processing
// lock remains the authority on whether a message runs.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a trigger key is remembered. Pub/Sub redelivers
	// for up to seven days, but a day covers the realistic retry burst.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "replydesk:seen:"
)

// Filter remembers trigger keys in Redis.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a dedup filter. A non-positive ttl uses DefaultTTL.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// IsNew reports whether key has not been seen within the TTL, marking it
// seen in the same SETNX.
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+key, time.Now().Unix(), f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Seen reports whether key is currently remembered, without marking it.
func (f *Filter) Seen(ctx context.Context, key string) (bool, error) {
	n, err := f.rdb.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// Forget clears key so the next trigger for it is admitted again.
func (f *Filter) Forget(ctx context.Context, key string) error {
	if err := f.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
