/*
Copyright 2025 Herald Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache wraps the shared key/value store. Values are opaque bytes;
// higher layers own serialization. Absent keys surface as trace.NotFound,
// connectivity failures as trace.ConnectionProblem; nothing in this package
// panics across the call boundary.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/heraldhq/herald/lib/defaults"
)

// Config holds cache client parameters.
type Config struct {
	// Addr is the host:port of the store.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// OpTimeout bounds every operation issued through the client.
	OpTimeout time.Duration
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaults.CacheOpTimeout
	}
	return nil
}

// Client is a typed wrapper around the key/value store.
type Client struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
}

// New returns a cache client connected to the configured store.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb, opTimeout: cfg.OpTimeout}, nil
}

// NewFromRedis wraps an existing redis client, used by tests.
func NewFromRedis(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, opTimeout: defaults.CacheOpTimeout}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get returns the value stored under key or trace.NotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, convertError(err, key)
	}
	return v, nil
}

// Set stores value under key. A zero ttl means the key does not expire.
// TTL attachment is atomic with the write.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return convertError(err, key)
	}
	return nil
}

// SetNX stores value under key only if the key is absent, returning whether
// this caller won the write. First-writer-wins reservations (idempotency
// markers) are built on this.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, convertError(err, key)
	}
	return ok, nil
}

// Delete removes the given keys. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return convertError(err, keys[0])
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, convertError(err, key)
	}
	return n > 0, nil
}

// Incr atomically increments the integer stored under key, creating it at
// zero if absent, and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, convertError(err, key)
	}
	return n, nil
}

// Expire attaches a TTL to an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return convertError(err, key)
	}
	return nil
}

// Keys returns all keys matching the glob pattern. Iteration is
// cursor-based so a wide pattern never blocks the store; patterns are
// expected to be narrow prefix scans ("template:welcome:*").
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	// scans walk many keys; give them a wider budget than point ops
	ctx, cancel := context.WithTimeout(ctx, 10*c.opTimeout)
	defer cancel()
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, convertError(err, pattern)
	}
	return keys, nil
}

// Ping reports whether the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return convertError(err, "ping")
	}
	return nil
}

// Close releases the underlying connections.
func (c *Client) Close() error {
	return trace.Wrap(c.rdb.Close())
}

func convertError(err error, key string) error {
	switch {
	case errors.Is(err, redis.Nil):
		return trace.NotFound("key %q is not found", key)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return trace.Wrap(err)
	default:
		return trace.ConnectionProblem(err, "cache operation failed")
	}
}
