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

package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// Usage state survives restarts through Redis; keys are identified by their
// digest so the credentials themselves never leave the process.

const (
	snapshotRedisKey = "keypool:snapshot"
	snapshotTTL      = 48 * time.Hour
	snapshotTimeout  = 3 * time.Second
	snapshotDateFmt  = "2006-01-02"
)

type keySnapshot struct {
	KeyHash    string     `json:"key_hash"`
	Used       int64      `json:"used"`
	ErrorCount int        `json:"error_count"`
	Active     bool       `json:"is_active"`
	Cooldown   *time.Time `json:"cooldown_until,omitempty"`
}

type poolSnapshot struct {
	Date      string                   `json:"date"`
	Providers map[string][]keySnapshot `json:"providers"`
}

// markDirty asks the persister goroutine for a save. Non-blocking; bursts of
// reports coalesce into one write.
func (m *Manager) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.dirty:
			ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
			if err := m.Snapshot(ctx); err != nil {
				m.logger.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("key pool snapshot save failed: %v", err))
			}
			cancel()
		}
	}
}

// Snapshot writes the current usage state to Redis. A no-op without Redis.
func (m *Manager) Snapshot(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	snap := poolSnapshot{
		Date:      time.Now().In(m.loc).Format(snapshotDateFmt),
		Providers: make(map[string][]keySnapshot, len(m.order)),
	}
	for _, p := range m.order {
		pool := m.pools[p]
		pool.mu.Lock()
		states := make([]keySnapshot, 0, len(pool.keys))
		for _, k := range pool.keys {
			st := keySnapshot{
				KeyHash:    k.hash,
				Used:       k.usedToday,
				ErrorCount: k.errorCount,
				Active:     k.active,
			}
			if !k.cooldown.IsZero() {
				t := k.cooldown
				st.Cooldown = &t
			}
			states = append(states, st)
		}
		pool.mu.Unlock()
		snap.Providers[p.String()] = states
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal key pool snapshot")
	}
	if err := m.rdb.Set(ctx, snapshotRedisKey, raw, snapshotTTL).Err(); err != nil {
		return common.WithKind(common.EErrorKind.Transport(),
			errors.Wrap(err, "save key pool snapshot"))
	}
	return nil
}

// Restore loads usage state saved by a previous run. A snapshot from an
// earlier local day is ignored: the new day starts with fresh quotas anyway.
func (m *Manager) Restore(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	raw, err := m.rdb.Get(ctx, snapshotRedisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return common.WithKind(common.EErrorKind.Transport(),
			errors.Wrap(err, "load key pool snapshot"))
	}

	var snap poolSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return common.WithKind(common.EErrorKind.ParseFailure(),
			errors.Wrap(err, "decode key pool snapshot"))
	}
	today := time.Now().In(m.loc).Format(snapshotDateFmt)
	if snap.Date != today {
		m.logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("key pool snapshot is from %s, starting the day fresh", snap.Date))
		return nil
	}

	restored := 0
	for name, states := range snap.Providers {
		var p common.Provider
		if err := p.Parse(name); err != nil {
			continue
		}
		pool, ok := m.pools[p]
		if !ok {
			continue
		}
		pool.mu.Lock()
		for _, st := range states {
			for _, k := range pool.keys {
				if k.hash != st.KeyHash {
					continue
				}
				k.usedToday = st.Used
				k.errorCount = st.ErrorCount
				k.active = st.Active
				if st.Cooldown != nil {
					k.cooldown = *st.Cooldown
				}
				restored++
				break
			}
		}
		pool.mu.Unlock()
	}
	m.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("key pool usage restored for %d keys", restored))
	return nil
}
