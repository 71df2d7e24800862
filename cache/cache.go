// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package cache wraps Redis with the refresh-ahead strategy, dependency
// invalidation and warming. A missing or unreachable Redis degrades the whole
// package to a pass-through: every read is a miss, every write a no-op, and
// the service keeps running on provider calls alone.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

const (
	connectProbeTimeout = 5 * time.Second
	refreshTimeout      = 30 * time.Second
	batchSize           = 100
)

// RefreshFunc produces a fresh value for a key during a refresh-ahead pass.
type RefreshFunc func(ctx context.Context) ([]byte, error)

// Client is safe for concurrent use. Construct with NewClient; the zero value
// is not usable.
type Client struct {
	rdb    redis.UniversalClient
	cfg    common.CacheSettings
	logger common.ILogger
	owner  uuid.UUID

	group    singleflight.Group
	degraded atomic.Bool

	hits        atomic.Int64
	misses      atomic.Int64
	refreshes   atomic.Int64
	warmedKeys  atomic.Int64
	invalidated atomic.Int64
	evictions   atomic.Int64
	opCount     atomic.Int64
	opMicros    atomic.Int64

	dependents map[string][]string
}

// NewClient probes the connection once. If the probe fails the client starts
// degraded and never touches Redis again; the one-shot flag mirrors how a
// flapping Redis should not add a dial timeout to every cache lookup.
func NewClient(ctx context.Context, rdb redis.UniversalClient, cfg common.CacheSettings, logger common.ILogger) *Client {
	c := &Client{
		rdb:        rdb,
		cfg:        cfg,
		logger:     logger,
		owner:      uuid.New(),
		dependents: defaultDependencyMap(),
	}
	if rdb == nil {
		c.degraded.Store(true)
		logger.Log(common.ELogLevel.Warning(), "no Redis configured, cache disabled")
		return c
	}
	probe, cancel := context.WithTimeout(ctx, connectProbeTimeout)
	defer cancel()
	if err := rdb.Ping(probe).Err(); err != nil {
		c.degraded.Store(true)
		logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("Redis unreachable, continuing without cache: %v", err))
		return c
	}
	logger.Log(common.ELogLevel.Info(), "Redis connected, cache enabled")
	return c
}

// Degraded reports whether the client gave up on Redis at startup.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// Get returns the raw cached bytes, or found=false on miss, error or when
// degraded.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.degraded.Load() {
		c.misses.Add(1)
		return nil, false
	}
	defer c.observe(time.Now())

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.misses.Add(1)
		c.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("cache get failed [%s]: %v", key, err))
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Set writes unconditionally and kicks off dependency invalidation for the
// key. A degraded client accepts and drops the write.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.degraded.Load() {
		return nil
	}
	defer c.observe(time.Now())

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("cache set failed [%s]: %v", key, err))
		return common.WithKind(common.EErrorKind.Transport(), err)
	}
	c.InvalidateDependents(key)
	return nil
}

// Delete removes one key and kicks off dependency invalidation for it.
func (c *Client) Delete(ctx context.Context, key string) error {
	if c.degraded.Load() {
		return nil
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("cache delete failed [%s]: %v", key, err))
		return common.WithKind(common.EErrorKind.Transport(), err)
	}
	c.InvalidateDependents(key)
	return nil
}

// GetWithRefreshAhead reads key and, when the remaining TTL has sunk below
// ttl*threshold, returns the stale-ish value immediately while a background
// goroutine refreshes it. The refresh runs at most once per process (in-flight
// dedup) and at most once cluster-wide (Redis lock).
func (c *Client) GetWithRefreshAhead(ctx context.Context, key string, ttl time.Duration,
	threshold float64, refresh RefreshFunc) ([]byte, bool) {
	if c.degraded.Load() {
		c.misses.Add(1)
		return nil, false
	}
	defer c.observe(time.Now())

	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.misses.Add(1)
		c.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("cache lookup failed [%s]: %v", key, err))
		return nil, false
	}

	data, err := getCmd.Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	remaining := ttlCmd.Val()
	refreshBelow := time.Duration(float64(ttl) * threshold)
	if refresh != nil && remaining > 0 && remaining < refreshBelow {
		c.backgroundRefresh(key, ttl, refreshBelow, refresh)
	}
	return data, true
}

func (c *Client) backgroundRefresh(key string, ttl, refreshBelow time.Duration, refresh RefreshFunc) {
	go func() {
		_, _, _ = c.group.Do(key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()

			release, ok := c.tryLock(ctx, refreshLockKey(key), refreshLockTTL)
			if !ok {
				// Another worker, possibly in another process, holds the
				// refresh. The stale value is still being served, so skip.
				return nil, nil
			}
			defer release()

			// Re-check under the lock: a trigger that queued behind a
			// completed refresh would otherwise refresh again.
			if remaining := c.rdb.TTL(ctx, key).Val(); remaining >= refreshBelow {
				return nil, nil
			}

			data, err := refresh(ctx)
			if err != nil {
				c.logger.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("background refresh failed [%s]: %v", key, err))
				return nil, nil
			}
			if data == nil {
				return nil, nil
			}
			if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
				c.logger.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("background refresh store failed [%s]: %v", key, err))
				return nil, nil
			}
			c.refreshes.Add(1)
			if c.logger.ShouldLog(common.ELogLevel.Debug()) {
				c.logger.Log(common.ELogLevel.Debug(), "background refresh completed: "+key)
			}
			return nil, nil
		})
	}()
}

// BatchSet pipelines SET with per-entry TTLs, 100 keys per round trip.
func (c *Client) BatchSet(ctx context.Context, entries []Entry) error {
	if c.degraded.Load() || len(entries) == 0 {
		return nil
	}
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		pipe := c.rdb.Pipeline()
		for _, e := range entries[start:end] {
			if e.Data == nil {
				continue
			}
			pipe.Set(ctx, e.Key, e.Data, e.TTL)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return common.WithKind(common.EErrorKind.Transport(), err)
		}
	}
	c.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("batch cached %d keys", len(entries)))
	return nil
}

// Entry is one key for BatchSet.
type Entry struct {
	Key  string
	Data []byte
	TTL  time.Duration
}

func (c *Client) observe(start time.Time) {
	c.opCount.Add(1)
	c.opMicros.Add(time.Since(start).Microseconds())
}

// Stats reports the client-side counters. It never touches Redis.
func (c *Client) Stats() *common.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	st := &common.CacheStats{
		Hits:        hits,
		Misses:      misses,
		Refreshes:   c.refreshes.Load(),
		Degraded:    c.degraded.Load(),
		WarmedKeys:  c.warmedKeys.Load(),
		Invalidated: c.invalidated.Load(),
		Evictions:   c.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	if ops := c.opCount.Load(); ops > 0 {
		st.AvgResponseMs = float64(c.opMicros.Load()) / 1000 / float64(ops)
	}
	return st
}

// Health pings the server and folds in a few INFO fields. INFO is best-effort;
// a server that answers PING but not INFO still counts as healthy.
func (c *Client) Health(ctx context.Context) *common.CacheHealth {
	h := &common.CacheHealth{Status: "healthy", HitRate: c.Stats().HitRate}
	if c.degraded.Load() {
		h.Status = "degraded"
		return h
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		h.Status = "unhealthy"
		return h
	}

	raw, err := c.rdb.Info(ctx).Result()
	if err != nil {
		return h
	}
	fields := parseInfo(raw)
	h.RedisVersion = fields["redis_version"]
	h.UsedMemoryHuman = fields["used_memory_human"]
	h.ConnectedClients = parseInfoInt(fields, "connected_clients")
	h.KeyspaceHits = parseInfoInt(fields, "keyspace_hits")
	h.KeyspaceMisses = parseInfoInt(fields, "keyspace_misses")
	h.EvictedKeys = parseInfoInt(fields, "evicted_keys")
	c.evictions.Store(h.EvictedKeys)
	return h
}

// parseInfo flattens an INFO reply ("key:value" lines, '#' section headers)
// into a map.
func parseInfo(raw string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	return fields
}

func parseInfoInt(fields map[string]string, key string) int64 {
	n, err := strconv.ParseInt(fields[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
