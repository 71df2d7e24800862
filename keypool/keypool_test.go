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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

func testSettings() common.ProviderSettings {
	return common.ProviderSettings{
		Keys: map[common.Provider][]string{
			common.EProvider.KTO(): {"kto-key-alpha-0001", "kto-key-bravo-0002"},
			common.EProvider.KMA(): {"kma-key-alpha-0001"},
		},
		DailyLimit: map[common.Provider]int{
			common.EProvider.KTO(): 100,
			common.EProvider.KMA(): 100,
		},
	}
}

func newTestManager(t *testing.T, cfg common.ProviderSettings, rdb redis.UniversalClient, alert AlertFunc) *Manager {
	t.Helper()
	logger := common.NewAppLogger(common.ELogLevel.None(), "keypool-test")
	m := NewManager(cfg, time.UTC, logger, rdb, alert)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAcquireRoundRobin(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)

	k1, err := m.Acquire(common.EProvider.KTO())
	a.NoError(err)
	a.Equal(0, k1.Index)
	a.Equal("kto-key-alpha-0001", k1.Value)
	a.Len(k1.Hash, 16)

	k2, err := m.Acquire(common.EProvider.KTO())
	a.NoError(err)
	a.Equal(1, k2.Index)

	k3, err := m.Acquire(common.EProvider.KTO()) // wraps back around
	a.NoError(err)
	a.Equal(0, k3.Index)
}

func TestAcquireWithoutKeysFails(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)

	_, err := m.Acquire(common.EProvider.Weather())
	a.Error(err)
	a.Equal(common.EErrorKind.NoKey(), common.ClassifyError(err))
}

func TestReportRateLimitedCoolsKeyDown(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)
	kto := common.EProvider.KTO()

	k0, err := m.Acquire(kto)
	a.NoError(err)
	m.Report(k0, EOutcome.RateLimited())

	// Only the second key remains usable.
	for i := 0; i < 3; i++ {
		k, err := m.Acquire(kto)
		a.NoError(err)
		a.Equal(1, k.Index)
	}

	st := m.RateLimitStatus(kto)
	a.False(st.AllLimited)
	a.Equal(1, st.ActiveKeys)
	a.Equal(1, st.LimitedKeys)
	a.Equal(2, st.TotalKeys)
	a.NotNil(st.NextReset)
	a.WithinDuration(time.Now().Add(time.Hour), *st.NextReset, 5*time.Second)

	k1, err := m.Acquire(kto)
	a.NoError(err)
	m.Report(k1, EOutcome.RateLimited())

	_, err = m.Acquire(kto)
	a.Error(err)
	a.Equal(common.EErrorKind.NoKey(), common.ClassifyError(err))
	a.True(m.RateLimitStatus(kto).AllLimited)
}

func TestReportAuthFailedDisablesKeyAndAlerts(t *testing.T) {
	a := assert.New(t)
	var alertLevel common.AlertLevel
	var alertComponent, alertMessage string
	alerts := 0
	m := newTestManager(t, testSettings(), nil, func(level common.AlertLevel, component, message string) {
		alerts++
		alertLevel, alertComponent, alertMessage = level, component, message
	})

	k, err := m.Acquire(common.EProvider.KMA())
	a.NoError(err)
	m.Report(k, EOutcome.AuthFailed())

	a.Equal(1, alerts)
	a.Equal(common.EAlertLevel.Critical(), alertLevel)
	a.Equal("keypool", alertComponent)
	a.Contains(alertMessage, "KMA")

	// The pool only had one key, so acquisition now fails.
	_, err = m.Acquire(common.EProvider.KMA())
	a.Error(err)
	a.Equal(common.EErrorKind.NoKey(), common.ClassifyError(err))
}

func TestTransientBackoffCurve(t *testing.T) {
	a := assert.New(t)
	a.Equal(10*time.Minute, transientBackoff(1))
	a.Equal(20*time.Minute, transientBackoff(2))
	a.Equal(40*time.Minute, transientBackoff(3))
	a.Equal(time.Hour, transientBackoff(4))  // 80min capped
	a.Equal(time.Hour, transientBackoff(12)) // far past the cap
	a.Equal(10*time.Minute, transientBackoff(0))
}

func TestTransientStreakDisablesKey(t *testing.T) {
	a := assert.New(t)
	alerts := 0
	var alertLevel common.AlertLevel
	m := newTestManager(t, testSettings(), nil, func(level common.AlertLevel, _, _ string) {
		alerts++
		alertLevel = level
	})

	k, err := m.Acquire(common.EProvider.KMA())
	a.NoError(err)
	for i := 0; i < 7; i++ {
		m.Report(k, EOutcome.Transient())
	}

	us := m.UsageStats().Providers["KMA"]
	a.Equal(0, us.ActiveKeys)
	a.Equal(7, us.Keys[0].ErrorCount)
	a.False(us.Keys[0].Active)
	a.Equal(1, alerts) // fires once at the threshold, not on every report after
	a.Equal(common.EAlertLevel.Error(), alertLevel)
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)

	k, err := m.Acquire(common.EProvider.KMA())
	a.NoError(err)
	m.Report(k, EOutcome.Transient())
	m.Report(k, EOutcome.Transient())
	m.Report(k, EOutcome.OK())

	us := m.UsageStats().Providers["KMA"]
	a.Equal(0, us.Keys[0].ErrorCount)
	a.True(us.Keys[0].Active)
	a.Equal(int64(1), us.Keys[0].UsedToday)
}

func TestQuotaExhaustionAndManualReset(t *testing.T) {
	a := assert.New(t)
	cfg := common.ProviderSettings{
		Keys:       map[common.Provider][]string{common.EProvider.KTO(): {"kto-key-alpha-0001", "kto-key-bravo-0002"}},
		DailyLimit: map[common.Provider]int{common.EProvider.KTO(): 1},
	}
	m := newTestManager(t, cfg, nil, nil)
	kto := common.EProvider.KTO()

	for i := 0; i < 2; i++ {
		k, err := m.Acquire(kto)
		a.NoError(err)
		m.Report(k, EOutcome.OK())
	}
	_, err := m.Acquire(kto)
	a.Error(err) // both keys spent their single-call quota

	m.ResetDailyUsage()
	k, err := m.Acquire(kto)
	a.NoError(err)
	a.Equal(0, k.Index)
}

func TestForceDeactivateAndReactivate(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)
	kto := common.EProvider.KTO()

	a.NoError(m.ForceDeactivate(kto, 0))
	for i := 0; i < 2; i++ {
		k, err := m.Acquire(kto)
		a.NoError(err)
		a.Equal(1, k.Index)
	}

	a.NoError(m.Reactivate(kto, 0))
	k, err := m.Acquire(kto)
	a.NoError(err)
	a.Equal(0, k.Index)

	err = m.ForceDeactivate(kto, 9)
	a.Error(err)
	a.Equal(common.EErrorKind.NoKey(), common.ClassifyError(err))
}

func TestUsageStatsShape(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)

	k, err := m.Acquire(common.EProvider.KTO())
	a.NoError(err)
	m.Report(k, EOutcome.OK())

	us := m.UsageStats()
	a.Equal(3, us.TotalKeys)
	a.Equal(3, us.ActiveKeys)

	kto := us.Providers["KTO"]
	a.Equal(2, kto.TotalKeys)
	a.Equal(int64(1), kto.TotalUsage)
	a.Equal(int64(200), kto.TotalLimit)
	a.Equal("kto-key-al...", kto.Keys[0].Preview)
	a.InDelta(0.01, kto.Keys[0].UsageRatio, 1e-9)
	a.NotNil(kto.Keys[0].LastUsedAt)
	a.Nil(kto.Keys[1].LastUsedAt)
}

func TestAvailabilitySummary(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)

	sum := m.AvailabilitySummary()
	a.Equal(3, sum.Total.TotalKeys)
	a.Equal(3, sum.Total.AvailableKeys)
	a.InDelta(100.0, sum.Total.AvailabilityRate, 1e-9)

	a.NoError(m.ForceDeactivate(common.EProvider.KTO(), 0))
	sum = m.AvailabilitySummary()
	a.Equal(2, sum.Total.ActiveKeys)
	a.Equal(2, sum.Total.AvailableKeys)
	a.InDelta(50.0, sum.Providers["KTO"].AvailabilityRate, 1e-9)
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := assert.New(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	m1 := newTestManager(t, testSettings(), rdb, nil)
	k, err := m1.Acquire(common.EProvider.KTO())
	a.NoError(err)
	m1.Report(k, EOutcome.OK())
	m1.Report(k, EOutcome.OK())
	a.NoError(m1.Snapshot(ctx))
	a.NoError(m1.Close())

	m2 := newTestManager(t, testSettings(), rdb, nil)
	a.NoError(m2.Restore(ctx))
	us := m2.UsageStats().Providers["KTO"]
	a.Equal(int64(2), us.TotalUsage)
	a.Equal(int64(2), us.Keys[0].UsedToday)
	a.Equal(int64(0), us.Keys[1].UsedToday)
}

func TestRestoreDiscardsPreviousDay(t *testing.T) {
	a := assert.New(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	stale := poolSnapshot{
		Date: "2000-01-01",
		Providers: map[string][]keySnapshot{
			"KTO": {{KeyHash: common.SHA256HexShort([]byte("kto-key-alpha-0001")), Used: 999, Active: true}},
		},
	}
	raw, err := json.Marshal(stale)
	a.NoError(err)
	a.NoError(rdb.Set(ctx, snapshotRedisKey, raw, 0).Err())

	m := newTestManager(t, testSettings(), rdb, nil)
	a.NoError(m.Restore(ctx))
	a.Equal(int64(0), m.UsageStats().Providers["KTO"].TotalUsage)
}

func TestRestoreWithoutSnapshotIsNoop(t *testing.T) {
	a := assert.New(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := newTestManager(t, testSettings(), rdb, nil)
	a.NoError(m.Restore(context.Background()))
}

func TestOutcomeForKind(t *testing.T) {
	a := assert.New(t)
	a.Equal(EOutcome.RateLimited(), OutcomeForKind(common.EErrorKind.RateLimited()))
	a.Equal(EOutcome.AuthFailed(), OutcomeForKind(common.EErrorKind.AuthFailed()))
	a.Equal(EOutcome.OK(), OutcomeForKind(common.EErrorKind.FailProvider()))
	a.Equal(EOutcome.Transient(), OutcomeForKind(common.EErrorKind.Timeout()))
	a.Equal(EOutcome.Transient(), OutcomeForKind(common.EErrorKind.Unknown()))
}

func TestKeyCount(t *testing.T) {
	a := assert.New(t)
	m := newTestManager(t, testSettings(), nil, nil)
	a.Equal(2, m.KeyCount(common.EProvider.KTO()))
	a.Equal(0, m.KeyCount(common.EProvider.Weather()))
	a.Equal(0, m.KeyCount(common.EProvider.Google()))
}
