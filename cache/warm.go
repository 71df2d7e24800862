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
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// WarmFunc loads a named batch of keys to pre-populate, key -> payload.
type WarmFunc func(ctx context.Context) (map[string][]byte, error)

// Warm runs the loaders concurrently (WarmWorkers at a time) and batch-sets
// what they produce, choosing TTLs by data family. Returns how many loaders
// succeeded and how many failed; individual failures do not stop the rest.
func (c *Client) Warm(ctx context.Context, loaders map[string]WarmFunc) (succeeded, failed int) {
	if c.degraded.Load() || len(loaders) == 0 {
		return 0, 0
	}

	workers := c.cfg.WarmWorkers
	if workers <= 0 {
		workers = 5
	}

	var ok, bad atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for name, loader := range loaders {
		name, loader := name, loader
		g.Go(func() error {
			data, err := loader(gctx)
			if err != nil {
				bad.Add(1)
				c.logger.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("warming task %s failed: %v", name, err))
				return nil
			}
			entries := make([]Entry, 0, len(data))
			for key, payload := range data {
				entries = append(entries, Entry{Key: key, Data: payload, TTL: warmTTLFor(key)})
			}
			if err := c.BatchSet(gctx, entries); err != nil {
				bad.Add(1)
				c.logger.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("warming task %s store failed: %v", name, err))
				return nil
			}
			ok.Add(1)
			c.warmedKeys.Add(int64(len(entries)))
			if c.logger.ShouldLog(common.ELogLevel.Debug()) {
				c.logger.Log(common.ELogLevel.Debug(),
					fmt.Sprintf("warming task %s cached %d keys", name, len(entries)))
			}
			return nil
		})
	}
	_ = g.Wait()

	succeeded, failed = int(ok.Load()), int(bad.Load())
	c.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("cache warming done: %d tasks succeeded, %d failed", succeeded, failed))
	return succeeded, failed
}

// warmTTLFor differentiates freshness by data family: weather ages fastest,
// tourism slowest.
func warmTTLFor(key string) time.Duration {
	switch {
	case strings.Contains(key, "weather"):
		return 30 * time.Minute
	case strings.Contains(key, "tourism"):
		return 2 * time.Hour
	case strings.Contains(key, "recommendation"):
		return time.Hour
	default:
		return time.Hour
	}
}
