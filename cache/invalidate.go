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
	"time"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

const invalidateTimeout = 30 * time.Second

// defaultDependencyMap wires derived data to its sources: mutating a weather
// key stales the computed scores and recommendations built from it, and so on.
func defaultDependencyMap() map[string][]string {
	return map[string][]string{
		"weather_data":        {"weather_scores:*", "recommendations:*"},
		"tourist_attractions": {"tourism_data:*", "recommendations:*"},
		"regions":             {"weather_data:*", "tourism_data:*"},
	}
}

// InvalidateDependents fires asynchronous pattern deletes for everything
// derived from the changed key. Pattern deletes do not re-trigger dependency
// checks, so a chain like regions -> weather_data:* stops after one hop.
func (c *Client) InvalidateDependents(changedKey string) {
	if c.degraded.Load() {
		return
	}
	var patterns []string
	for prefix, deps := range c.dependents {
		if strings.Contains(changedKey, prefix) {
			patterns = append(patterns, deps...)
		}
	}
	if len(patterns) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		n, err := c.BatchDelete(ctx, patterns)
		if err != nil {
			c.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("dependency invalidation failed [%s]: %v", changedKey, err))
			return
		}
		c.invalidated.Add(n)
		c.logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("dependency invalidation: %s stales %d patterns, %d keys dropped",
				changedKey, len(patterns), n))
	}()
}

// DeletePattern removes every key matching the glob, walking the keyspace with
// SCAN and deleting 100 keys per round trip. KEYS would block the server on a
// large keyspace.
func (c *Client) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	if c.degraded.Load() {
		return 0, nil
	}

	var deleted int64
	var cursor uint64
	batch := make([]string, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return common.WithKind(common.EErrorKind.Transport(), err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return deleted, common.WithKind(common.EErrorKind.Transport(), err)
		}
		for _, k := range keys {
			batch = append(batch, k)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// BatchDelete runs DeletePattern over each pattern and sums the removals.
func (c *Client) BatchDelete(ctx context.Context, patterns []string) (int64, error) {
	var total int64
	for _, p := range patterns {
		n, err := c.DeletePattern(ctx, p)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		c.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("batch delete removed %d keys", total))
	}
	return total, nil
}
