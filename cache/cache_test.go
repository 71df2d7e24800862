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

package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

func testCacheSettings() common.CacheSettings {
	return common.CacheSettings{
		DefaultTTL:       30 * time.Minute,
		RefreshThreshold: 0.2,
		WarmWorkers:      5,
	}
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := common.NewAppLogger(common.ELogLevel.None(), "cache-test")
	return NewClient(context.Background(), rdb, testCacheSettings(), logger), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	a := assert.New(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	a.NoError(c.Set(ctx, "api_cache:kto:abc", []byte(`{"x":1}`), time.Minute))

	data, found := c.Get(ctx, "api_cache:kto:abc")
	a.True(found)
	a.JSONEq(`{"x":1}`, string(data))

	_, found = c.Get(ctx, "api_cache:kto:missing")
	a.False(found)

	st := c.Stats()
	a.Equal(int64(1), st.Hits)
	a.Equal(int64(1), st.Misses)
	a.InDelta(0.5, st.HitRate, 1e-9)
	a.False(st.Degraded)
}

func TestDeleteRemovesKey(t *testing.T) {
	a := assert.New(t)
	c, _ := newTestClient(t)
	ctx := context.Background()

	a.NoError(c.Set(ctx, "k1", []byte("v"), time.Minute))
	a.NoError(c.Delete(ctx, "k1"))
	_, found := c.Get(ctx, "k1")
	a.False(found)
}

func TestRefreshAheadTriggersNearExpiry(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.Set("hot", "old")
	mr.SetTTL("hot", 10*time.Second) // 10s left of a 100s ttl, under the 20s line

	var calls atomic.Int32
	refresh := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("fresh"), nil
	}

	data, found := c.GetWithRefreshAhead(ctx, "hot", 100*time.Second, 0.2, refresh)
	a.True(found)
	a.Equal("old", string(data)) // stale value returned immediately

	a.Eventually(func() bool {
		v, err := mr.Get("hot")
		return err == nil && v == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
	a.Equal(int32(1), calls.Load())
	a.Eventually(func() bool { return c.Stats().Refreshes == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshAheadLeavesFreshKeysAlone(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.Set("warm", "value")
	mr.SetTTL("warm", 90*time.Second) // well above the 20s refresh line

	var calls atomic.Int32
	refresh := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("never"), nil
	}

	data, found := c.GetWithRefreshAhead(ctx, "warm", 100*time.Second, 0.2, refresh)
	a.True(found)
	a.Equal("value", string(data))
	a.Equal(int32(0), calls.Load())
}

func TestRefreshAheadMiss(t *testing.T) {
	a := assert.New(t)
	c, _ := newTestClient(t)

	_, found := c.GetWithRefreshAhead(context.Background(), "absent", time.Minute, 0.2, nil)
	a.False(found)
	a.Equal(int64(1), c.Stats().Misses)
}

func TestRefreshRunsOnceUnderConcurrency(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.Set("busy", "old")
	mr.SetTTL("busy", 5*time.Second)

	var calls atomic.Int32
	refresh := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("fresh"), nil
	}

	for i := 0; i < 5; i++ {
		go c.GetWithRefreshAhead(ctx, "busy", 100*time.Second, 0.2, refresh)
	}

	a.Eventually(func() bool {
		v, err := mr.Get("busy")
		return err == nil && v == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond) // let any stragglers hit the TTL re-check
	a.Equal(int32(1), calls.Load())
}

func TestLockReleaseIsCompareAndDelete(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	release, ok := c.tryLock(ctx, "cache_lock:refresh:x", 30*time.Second)
	a.True(ok)

	// While held, nobody else can take it.
	_, ok2 := c.tryLock(ctx, "cache_lock:refresh:x", 30*time.Second)
	a.False(ok2)

	// Simulate expiry plus re-acquisition by another owner.
	mr.Set("cache_lock:refresh:x", "someone-else")

	release() // must not delete a lock it no longer owns
	v, err := mr.Get("cache_lock:refresh:x")
	a.NoError(err)
	a.Equal("someone-else", v)
}

func TestDeletePatternScansInBatches(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		mr.Set(fmt.Sprintf("api_cache:kto:%03d", i), "v")
	}
	mr.Set("api_cache:kma:keep", "v")

	n, err := c.DeletePattern(ctx, "api_cache:kto:*")
	a.NoError(err)
	a.Equal(int64(250), n)
	a.True(mr.Exists("api_cache:kma:keep"))
	a.False(mr.Exists("api_cache:kto:001"))
}

func TestDependencyInvalidation(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.Set("weather_scores:seoul", "stale")
	mr.Set("recommendations:seoul", "stale")
	mr.Set("tourism_data:seoul", "untouched")

	a.NoError(c.Set(ctx, "weather_data:seoul", []byte("new"), time.Minute))

	a.Eventually(func() bool {
		return !mr.Exists("weather_scores:seoul") && !mr.Exists("recommendations:seoul")
	}, 2*time.Second, 10*time.Millisecond)
	a.True(mr.Exists("tourism_data:seoul"))
	a.Eventually(func() bool { return c.Stats().Invalidated >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestBatchSetAppliesPerEntryTTL(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)
	ctx := context.Background()

	entries := make([]Entry, 0, 150)
	for i := 0; i < 150; i++ {
		entries = append(entries, Entry{
			Key:  fmt.Sprintf("bulk:%03d", i),
			Data: []byte("v"),
			TTL:  time.Duration(i+1) * time.Minute,
		})
	}
	a.NoError(c.BatchSet(ctx, entries))

	a.True(mr.Exists("bulk:000"))
	a.True(mr.Exists("bulk:149"))
	a.Equal(time.Minute, mr.TTL("bulk:000"))
	a.Equal(150*time.Minute, mr.TTL("bulk:149"))
}

func TestWarmLoadsWithFamilyTTLs(t *testing.T) {
	a := assert.New(t)
	c, mr := newTestClient(t)

	loaders := map[string]WarmFunc{
		"weather": func(context.Context) (map[string][]byte, error) {
			return map[string][]byte{
				"weather_data:seoul":  []byte("w"),
				"tourism_data:seoul":  []byte("t"),
				"recommendation:best": []byte("r"),
				"misc:thing":          []byte("m"),
			}, nil
		},
		"broken": func(context.Context) (map[string][]byte, error) {
			return nil, fmt.Errorf("upstream offline")
		},
	}

	succeeded, failed := c.Warm(context.Background(), loaders)
	a.Equal(1, succeeded)
	a.Equal(1, failed)

	a.Equal(30*time.Minute, mr.TTL("weather_data:seoul"))
	a.Equal(2*time.Hour, mr.TTL("tourism_data:seoul"))
	a.Equal(time.Hour, mr.TTL("recommendation:best"))
	a.Equal(time.Hour, mr.TTL("misc:thing"))
	a.Equal(int64(4), c.Stats().WarmedKeys)
}

func TestDegradedClientNoops(t *testing.T) {
	a := assert.New(t)
	logger := common.NewAppLogger(common.ELogLevel.None(), "cache-test")

	// Port 1 refuses connections, so the startup probe fails fast.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewClient(context.Background(), rdb, testCacheSettings(), logger)
	ctx := context.Background()

	a.True(c.Degraded())
	a.NoError(c.Set(ctx, "k", []byte("v"), time.Minute))
	_, found := c.Get(ctx, "k")
	a.False(found)

	n, err := c.DeletePattern(ctx, "*")
	a.NoError(err)
	a.Zero(n)

	ok, bad := c.Warm(ctx, map[string]WarmFunc{"x": func(context.Context) (map[string][]byte, error) {
		t.Fatal("loader must not run when degraded")
		return nil, nil
	}})
	a.Zero(ok)
	a.Zero(bad)

	a.Equal("degraded", c.Health(ctx).Status)
	a.True(c.Stats().Degraded)
}

func TestNilRedisIsDegraded(t *testing.T) {
	a := assert.New(t)
	logger := common.NewAppLogger(common.ELogLevel.None(), "cache-test")
	c := NewClient(context.Background(), nil, testCacheSettings(), logger)
	a.True(c.Degraded())
}

func TestHealthReportsHealthy(t *testing.T) {
	a := assert.New(t)
	c, _ := newTestClient(t)

	c.hits.Add(3)
	c.misses.Add(1)

	h := c.Health(context.Background())
	a.Equal("healthy", h.Status)
	a.InDelta(0.75, h.HitRate, 1e-9)
}
