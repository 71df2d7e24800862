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

// Package keypool rotates outbound API credentials across providers, tracking
// per-key daily quota, error streaks and cooldowns so one throttled or revoked
// key never stalls a whole collection run.
package keypool

import (
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

const (
	rateLimitCooldown   = time.Hour
	transientBackoffMin = 10 * time.Minute
	transientBackoffCap = time.Hour

	// A key is pulled from rotation after this many consecutive transient
	// failures; a success resets the streak.
	deactivateAfter = 5

	keyPreviewLen = 10
)

// AlertFunc receives key lifecycle alerts (deactivations). It must not block.
type AlertFunc func(level common.AlertLevel, component, message string)

// LeasedKey is handed out for a single request. The caller must Report the
// verdict afterwards so accounting and backoff stay truthful.
type LeasedKey struct {
	Provider common.Provider
	Index    int
	Value    string
	Hash     string
}

// Manager owns every provider pool in the process. All API clients share one
// instance.
type Manager struct {
	pools  map[common.Provider]*providerPool
	order  []common.Provider
	loc    *time.Location
	rdb    redis.UniversalClient
	logger common.ILogger
	alert  AlertFunc

	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type providerPool struct {
	mu       sync.Mutex
	provider common.Provider
	keys     []*apiKey
	cursor   int
}

type apiKey struct {
	value      string
	hash       string
	dailyLimit int64
	usedToday  int64
	errorCount int
	active     bool
	cooldown   time.Time
	lastUsed   time.Time
	lastError  time.Time
}

// NewManager builds the pools from settings and starts the daily-reset and
// snapshot goroutines. rdb may be nil, in which case usage state lives only in
// memory. Stop with Close.
func NewManager(cfg common.ProviderSettings, loc *time.Location, logger common.ILogger,
	rdb redis.UniversalClient, alert AlertFunc) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	m := &Manager{
		pools:  make(map[common.Provider]*providerPool),
		loc:    loc,
		rdb:    rdb,
		logger: logger,
		alert:  alert,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, p := range common.AllProviders() {
		limit := int64(cfg.DailyLimit[p])
		if limit <= 0 {
			limit = 1000
		}
		pool := &providerPool{provider: p}
		for _, raw := range cfg.Keys[p] {
			pool.keys = append(pool.keys, &apiKey{
				value:      raw,
				hash:       common.SHA256HexShort([]byte(raw)),
				dailyLimit: limit,
				active:     true,
			})
		}
		m.pools[p] = pool
		m.order = append(m.order, p)
		if len(pool.keys) == 0 {
			logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("no %s API keys configured", p))
			continue
		}
		logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("loaded %d %s API keys (daily limit %d each)", len(pool.keys), p, limit))
		go m.resetLoop(pool)
	}
	go m.persistLoop()
	return m
}

// Close stops the background goroutines. Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Acquire leases the next usable key for provider, round-robin over the pool.
// It fails with a NoKey-kind error when every key is disabled, quota-spent or
// cooling down; callers are expected to back off and retry later.
func (m *Manager) Acquire(provider common.Provider) (LeasedKey, error) {
	pool, ok := m.pools[provider]
	if !ok || len(pool.keys) == 0 {
		return LeasedKey{}, common.KindErrorf(common.EErrorKind.NoKey(),
			"no %s API keys configured", provider)
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	now := time.Now()
	n := len(pool.keys)
	for i := 0; i < n; i++ {
		idx := (pool.cursor + i) % n
		k := pool.keys[idx]
		if reason := k.unavailableReason(now); reason != "" {
			if m.logger.ShouldLog(common.ELogLevel.Debug()) {
				m.logger.Log(common.ELogLevel.Debug(),
					fmt.Sprintf("%s key #%d (%s) skipped: %s", provider, idx, k.preview(), reason))
			}
			continue
		}
		pool.cursor = (idx + 1) % n
		k.lastUsed = now
		if m.logger.ShouldLog(common.ELogLevel.Debug()) {
			m.logger.Log(common.ELogLevel.Debug(),
				fmt.Sprintf("%s key #%d (%s) leased, used %d/%d",
					provider, idx, k.preview(), k.usedToday, k.dailyLimit))
		}
		return LeasedKey{Provider: provider, Index: idx, Value: k.value, Hash: k.hash}, nil
	}

	m.logger.Log(common.ELogLevel.Warning(),
		fmt.Sprintf("all %d %s API keys are unavailable", n, provider))
	return LeasedKey{}, common.KindErrorf(common.EErrorKind.NoKey(),
		"all %d %s API keys are exhausted, cooling down or disabled", n, provider)
}

// Report records the verdict of one request made with the leased key.
func (m *Manager) Report(lease LeasedKey, outcome Outcome) {
	pool, ok := m.pools[lease.Provider]
	if !ok {
		return
	}

	pool.mu.Lock()
	if lease.Index < 0 || lease.Index >= len(pool.keys) || pool.keys[lease.Index].hash != lease.Hash {
		pool.mu.Unlock()
		m.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("report for unknown %s key lease ignored", lease.Provider))
		return
	}
	k := pool.keys[lease.Index]
	now := time.Now()

	switch outcome {
	case EOutcome.OK():
		k.usedToday++
		k.errorCount = 0
		k.lastUsed = now

	case EOutcome.RateLimited():
		k.cooldown = now.Add(rateLimitCooldown)
		k.lastError = now
		m.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("%s key #%d (%s) rate limited, cooling down until %s",
				lease.Provider, lease.Index, k.preview(), k.cooldown.In(m.loc).Format("15:04:05")))

	case EOutcome.AuthFailed():
		k.active = false
		k.errorCount++
		k.lastError = now
		m.logger.Log(common.ELogLevel.Error(),
			fmt.Sprintf("%s key #%d (%s) rejected by provider, disabled until an operator intervenes",
				lease.Provider, lease.Index, k.preview()))
		m.raiseAlert(common.EAlertLevel.Critical(), fmt.Sprintf(
			"%s API key #%d failed authentication and was disabled", lease.Provider, lease.Index))

	case EOutcome.Transient():
		k.errorCount++
		k.lastError = now
		k.cooldown = now.Add(transientBackoff(k.errorCount))
		m.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("%s key #%d (%s) transient failure %d, backing off %s",
				lease.Provider, lease.Index, k.preview(), k.errorCount, time.Until(k.cooldown).Round(time.Second)))
		if k.errorCount >= deactivateAfter && k.active {
			k.active = false
			m.logger.Log(common.ELogLevel.Error(),
				fmt.Sprintf("%s key #%d (%s) disabled after %d consecutive errors",
					lease.Provider, lease.Index, k.preview(), k.errorCount))
			m.raiseAlert(common.EAlertLevel.Error(), fmt.Sprintf(
				"%s API key #%d disabled after %d consecutive errors",
				lease.Provider, lease.Index, k.errorCount))
		}
	}
	pool.mu.Unlock()

	m.markDirty()
}

// transientBackoff doubles from 10 minutes per consecutive failure, capped at
// one hour.
func transientBackoff(streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	if streak > 6 {
		return transientBackoffCap
	}
	d := transientBackoffMin * (1 << uint(streak-1))
	if d > transientBackoffCap {
		d = transientBackoffCap
	}
	return d
}

func (k *apiKey) unavailableReason(now time.Time) string {
	if !k.active {
		return fmt.Sprintf("disabled (%d errors)", k.errorCount)
	}
	if k.usedToday >= k.dailyLimit {
		return fmt.Sprintf("daily quota spent (%d/%d)", k.usedToday, k.dailyLimit)
	}
	if now.Before(k.cooldown) {
		return fmt.Sprintf("cooling down for another %s", k.cooldown.Sub(now).Round(time.Second))
	}
	return ""
}

func (k *apiKey) preview() string {
	if len(k.value) <= keyPreviewLen {
		return k.value
	}
	return k.value[:keyPreviewLen] + "..."
}

func (m *Manager) raiseAlert(level common.AlertLevel, message string) {
	if m.alert != nil {
		m.alert(level, "keypool", message)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Daily reset
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// resetLoop clears the pool's counters at the provider's local midnight. KTO
// and KMA account by KST, WEATHER by UTC, so each pool keeps its own timer.
func (m *Manager) resetLoop(pool *providerPool) {
	loc := pool.provider.Local()
	for {
		timer := time.NewTimer(time.Until(nextMidnight(time.Now().In(loc))))
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-timer.C:
			n := pool.resetDaily()
			m.logger.Log(common.ELogLevel.Info(),
				fmt.Sprintf("daily usage reset for %d %s API keys", n, pool.provider))
			m.markDirty()
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
}

func (p *providerPool) resetDaily() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		k.usedToday = 0
		k.errorCount = 0
		k.active = true
		k.cooldown = time.Time{}
		k.lastError = time.Time{}
	}
	return len(p.keys)
}

// ResetDailyUsage clears counters for every pool immediately. Exposed for the
// admin API and the keys CLI; the per-provider midnight timers normally do
// this on their own.
func (m *Manager) ResetDailyUsage() {
	for _, p := range m.order {
		m.pools[p].resetDaily()
	}
	m.logger.Log(common.ELogLevel.Info(), "key pool daily usage reset by operator")
	m.markDirty()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Introspection and manual control
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// UsageStats reports per-provider totals and the public view of every key.
func (m *Manager) UsageStats() *common.KeyPoolUsage {
	out := &common.KeyPoolUsage{Providers: make(map[string]common.ProviderKeyUsage, len(m.order))}
	for _, p := range m.order {
		pool := m.pools[p]
		pool.mu.Lock()
		pu := common.ProviderKeyUsage{Keys: make([]common.KeyStatus, 0, len(pool.keys))}
		for i, k := range pool.keys {
			pu.TotalKeys++
			if k.active {
				pu.ActiveKeys++
			}
			pu.TotalUsage += k.usedToday
			pu.TotalLimit += k.dailyLimit
			pu.Keys = append(pu.Keys, k.status(p, i))
		}
		pool.mu.Unlock()
		out.Providers[p.String()] = pu
		out.TotalKeys += pu.TotalKeys
		out.ActiveKeys += pu.ActiveKeys
	}
	return out
}

func (k *apiKey) status(p common.Provider, idx int) common.KeyStatus {
	st := common.KeyStatus{
		Provider:   p,
		KeyHash:    k.hash,
		Preview:    k.preview(),
		Index:      idx,
		Active:     k.active,
		UsedToday:  k.usedToday,
		DailyLimit: k.dailyLimit,
		ErrorCount: k.errorCount,
	}
	if k.dailyLimit > 0 {
		st.UsageRatio = float64(k.usedToday) / float64(k.dailyLimit)
	}
	if !k.cooldown.IsZero() {
		t := k.cooldown
		st.CooldownTill = &t
	}
	if !k.lastUsed.IsZero() {
		t := k.lastUsed
		st.LastUsedAt = &t
	}
	return st
}

// AvailabilitySummary buckets every key by health and reports availability
// rates per provider and overall.
func (m *Manager) AvailabilitySummary() *common.KeyAvailabilitySummary {
	out := &common.KeyAvailabilitySummary{
		Timestamp: time.Now(),
		Providers: make(map[string]common.KeyAvailability, len(m.order)),
	}
	now := time.Now()
	for _, p := range m.order {
		pool := m.pools[p]
		pool.mu.Lock()
		var av common.KeyAvailability
		for _, k := range pool.keys {
			av.TotalKeys++
			if k.active {
				av.ActiveKeys++
			}
			if k.unavailableReason(now) == "" {
				av.AvailableKeys++
			}
			if k.usedToday >= k.dailyLimit {
				av.ExhaustedKeys++
			}
			if k.errorCount >= deactivateAfter {
				av.ErrorKeys++
			}
		}
		pool.mu.Unlock()
		if av.TotalKeys > 0 {
			av.AvailabilityRate = float64(av.AvailableKeys) / float64(av.TotalKeys) * 100
		}
		out.Providers[p.String()] = av
		out.Total.TotalKeys += av.TotalKeys
		out.Total.ActiveKeys += av.ActiveKeys
		out.Total.AvailableKeys += av.AvailableKeys
		out.Total.ExhaustedKeys += av.ExhaustedKeys
		out.Total.ErrorKeys += av.ErrorKeys
	}
	if out.Total.TotalKeys > 0 {
		out.Total.AvailabilityRate = float64(out.Total.AvailableKeys) / float64(out.Total.TotalKeys) * 100
	}
	return out
}

// RateLimitStatus reports whether the provider has any key ready to call right
// now and, if not, when the earliest cooldown lifts. Quota exhaustion does not
// count as limited here; that only clears at midnight.
func (m *Manager) RateLimitStatus(provider common.Provider) *common.RateLimitStatus {
	st := &common.RateLimitStatus{AllLimited: true}
	pool, ok := m.pools[provider]
	if !ok {
		return st
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()

	now := time.Now()
	st.TotalKeys = len(pool.keys)
	for _, k := range pool.keys {
		if !k.active {
			continue
		}
		if now.Before(k.cooldown) {
			st.LimitedKeys++
			if st.NextReset == nil || k.cooldown.Before(*st.NextReset) {
				t := k.cooldown
				st.NextReset = &t
			}
			continue
		}
		st.ActiveKeys++
	}
	st.AllLimited = st.ActiveKeys == 0
	return st
}

// ForceDeactivate pulls one key from rotation until Reactivate or the next
// daily reset.
func (m *Manager) ForceDeactivate(provider common.Provider, idx int) error {
	err := m.mutateKey(provider, idx, func(k *apiKey) {
		k.active = false
		k.lastError = time.Now()
	})
	if err != nil {
		return err
	}
	m.logger.Log(common.ELogLevel.Warning(),
		fmt.Sprintf("%s key #%d deactivated by operator", provider, idx))
	m.markDirty()
	return nil
}

// Reactivate returns a key to rotation and clears its error state.
func (m *Manager) Reactivate(provider common.Provider, idx int) error {
	err := m.mutateKey(provider, idx, func(k *apiKey) {
		k.active = true
		k.errorCount = 0
		k.cooldown = time.Time{}
		k.lastError = time.Time{}
	})
	if err != nil {
		return err
	}
	m.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("%s key #%d reactivated by operator", provider, idx))
	m.markDirty()
	return nil
}

func (m *Manager) mutateKey(provider common.Provider, idx int, apply func(*apiKey)) error {
	pool, ok := m.pools[provider]
	if !ok {
		return common.KindErrorf(common.EErrorKind.NoKey(),
			"no %s API keys configured", provider)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if idx < 0 || idx >= len(pool.keys) {
		return common.KindErrorf(common.EErrorKind.NoKey(),
			"%s has no key at index %d", provider, idx)
	}
	apply(pool.keys[idx])
	return nil
}

// KeyCount reports how many keys a provider pool holds, active or not.
func (m *Manager) KeyCount(provider common.Provider) int {
	pool, ok := m.pools[provider]
	if !ok {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.keys)
}
