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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// Distributed lock for refresh-ahead. The lock value carries a timestamp and
// the owner's identity; release only deletes the key when the value still
// matches, so a lock that expired and was re-acquired by someone else is never
// stolen back. The TTL bounds the worst-case hold of a crashed owner.

const (
	refreshLockPrefix = "cache_lock:refresh:"
	refreshLockTTL    = 30 * time.Second
	lockReleaseWindow = 2 * time.Second
)

func refreshLockKey(key string) string {
	return refreshLockPrefix + key
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// tryLock attempts a SET NX EX. On success it returns a release func; on
// contention or error it reports acquired=false.
func (c *Client) tryLock(ctx context.Context, lockKey string, ttl time.Duration) (release func(), acquired bool) {
	value := fmt.Sprintf("%d:%s", time.Now().UnixNano(), c.owner)

	ok, err := c.rdb.SetNX(ctx, lockKey, value, ttl).Result()
	if err != nil {
		c.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("lock acquire failed [%s]: %v", lockKey, err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), lockReleaseWindow)
		defer cancel()
		if err := releaseLockScript.Run(rctx, c.rdb, []string{lockKey}, value).Err(); err != nil && err != redis.Nil {
			c.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("lock release failed [%s]: %v", lockKey, err))
		}
	}, true
}
