// redis.go - Redis-backed dedup store.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package dedup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the optional multi-process Store backend. Keys live in a
// single sorted set (score = created_at) under setKey so
// that Compact is a single ZREMRANGEBYSCORE call instead of a per-key scan.
type RedisStore struct {
	client    *redis.Client
	setKey    string
}

// NewRedisStore builds a RedisStore using setKey as the sorted-set key
// (callers should use distinct keys for the wrap set and the request set).
func NewRedisStore(client *redis.Client, setKey string) *RedisStore {
	return &RedisStore{client: client, setKey: setKey}
}

func (r *RedisStore) Contains(ctx context.Context, key string) (bool, error) {
	_, err := r.client.ZScore(ctx, r.setKey, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup: redis zscore: %w", err)
	}
	return true, nil
}

func (r *RedisStore) Insert(ctx context.Context, key string, at int64) error {
	err := r.client.ZAdd(ctx, r.setKey, redis.Z{Score: float64(at), Member: key}).Err()
	if err != nil {
		return fmt.Errorf("dedup: redis zadd: %w", err)
	}
	return nil
}

// CheckAndInsert relies on ZADD NX, which only adds members absent from
// the set and reports how many it actually added — a single round trip
// the server executes atomically, unlike a ZSCORE followed by a ZADD.
func (r *RedisStore) CheckAndInsert(ctx context.Context, key string, at int64) (bool, error) {
	added, err := r.client.ZAddNX(ctx, r.setKey, redis.Z{Score: float64(at), Member: key}).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis zadd nx: %w", err)
	}
	return added == 0, nil
}

func (r *RedisStore) Compact(ctx context.Context, cutoff int64) error {
	err := r.client.ZRemRangeByScore(ctx, r.setKey, "-inf", strconv.FormatInt(cutoff-1, 10)).Err()
	if err != nil {
		return fmt.Errorf("dedup: redis zremrangebyscore: %w", err)
	}
	return nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dedup: redis zcard: %w", err)
	}
	return int(n), nil
}
