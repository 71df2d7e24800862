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

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////
// helpers
////////////////////////////////////////////////////////////////////////////////

// fakeAlertSink records dispatched alerts. Dispatch runs off the caller's
// goroutine, so assertions on the sink go through Eventually.
type fakeAlertSink struct {
	mu   sync.Mutex
	seen []common.Alert
}

func (f *fakeAlertSink) Alert(_ context.Context, alert *common.Alert) {
	f.mu.Lock()
	f.seen = append(f.seen, *alert)
	f.mu.Unlock()
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeAlertSink) sawTitle(title string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, alert := range f.seen {
		if alert.Title == title {
			return true
		}
	}
	return false
}

// testClock drives the managers' injected now.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func alertSettings() common.MonitorSettings {
	return common.MonitorSettings{
		AlertCooldown:    time.Minute,
		MaxAlertsPerHour: 10,
		EscalationAfter:  5 * time.Minute,
	}
}

func newTestAlertManager(sink IAlertNotifier) (*AlertManager, *testClock) {
	mgr := NewAlertManager(alertSettings(), sink, engineLogger())
	clock := newTestClock()
	mgr.now = clock.now
	return mgr, clock
}

////////////////////////////////////////////////////////////////////////////////
// tests
////////////////////////////////////////////////////////////////////////////////

func TestRaiseDispatchesAndCoolsDown(t *testing.T) {
	a := assert.New(t)
	sink := &fakeAlertSink{}
	mgr, clock := newTestAlertManager(sink)

	alert := mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(),
		"CPU usage high", "cpu at 85%", nil)
	a.NotNil(alert)
	a.Contains(alert.ID, "SYSTEM_WARNING_")
	a.Equal(1, mgr.OpenCount())

	// Same component and title cools down; the breach is already announced.
	a.Nil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(),
		"CPU usage high", "cpu at 86%", nil))
	a.Equal(1, mgr.OpenCount())
	a.Equal(int64(1), mgr.throttled.Load())

	clock.advance(time.Second)
	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(),
		"memory tight", "rss at 900MB", nil))
	a.Equal(2, mgr.OpenCount())

	a.Eventually(func() bool { return sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	a.True(sink.sawTitle("CPU usage high"))
	a.True(sink.sawTitle("memory tight"))
}

func TestRaiseSpendsHourlyBudget(t *testing.T) {
	a := assert.New(t)
	cfg := alertSettings()
	cfg.MaxAlertsPerHour = 2
	mgr := NewAlertManager(cfg, nil, engineLogger())
	clock := newTestClock()
	mgr.now = clock.now

	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "first breach", "m", nil))
	clock.advance(time.Second)
	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "second breach", "m", nil))
	clock.advance(time.Second)
	a.Nil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "third breach", "m", nil))

	a.Equal(2, mgr.OpenCount())
	a.Equal(int64(1), mgr.throttled.Load())
}

func TestResolveAnnouncesAndKeepsHistory(t *testing.T) {
	a := assert.New(t)
	sink := &fakeAlertSink{}
	mgr, _ := newTestAlertManager(sink)

	alert := mgr.Raise(common.EAlertComponent.Database(), common.EAlertLevel.Error(),
		"disk failing", "io errors on sda", nil)
	a.NotNil(alert)

	a.True(mgr.Resolve(alert.ID))
	a.Equal(0, mgr.OpenCount())
	a.False(mgr.Resolve(alert.ID))

	a.Eventually(func() bool { return sink.sawTitle("Resolved: disk failing") }, 2*time.Second, 10*time.Millisecond)

	hist := mgr.History(0)
	a.Len(hist, 1)
	a.True(hist[0].Resolved())
}

func TestResolveComponentClosesAllOfOne(t *testing.T) {
	a := assert.New(t)
	mgr, clock := newTestAlertManager(nil)

	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "cpu high", "m", nil))
	clock.advance(time.Second)
	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "memory tight", "m", nil))
	clock.advance(time.Second)
	a.NotNil(mgr.Raise(common.EAlertComponent.Database(), common.EAlertLevel.Error(), "pool exhausted", "m", nil))

	a.Equal(2, mgr.ResolveComponent(common.EAlertComponent.System()))
	a.Equal(1, mgr.OpenCount())
	active := mgr.Active()
	a.Len(active, 1)
	a.Equal(common.EAlertComponent.Database(), active[0].Component)
}

func TestAcknowledgeKeepsAlertActive(t *testing.T) {
	a := assert.New(t)
	mgr, _ := newTestAlertManager(nil)

	alert := mgr.Raise(common.EAlertComponent.BatchJobs(), common.EAlertLevel.Error(),
		"job failing repeatedly", "m", nil)
	a.NotNil(alert)

	a.True(mgr.Acknowledge(alert.ID))
	a.Equal(1, mgr.OpenCount())
	active := mgr.Active()
	a.Len(active, 1)
	a.True(active[0].Acknowledged)
	a.NotNil(active[0].AcknowledgedAt)

	a.False(mgr.Acknowledge("no_such_alert"))
}

func TestSuppressMutesUntilWindowPasses(t *testing.T) {
	a := assert.New(t)
	mgr, clock := newTestAlertManager(nil)

	alert := mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Info(),
		"queue deep", "42 pending writes", nil)
	a.NotNil(alert)

	a.True(mgr.Suppress(alert.ID, 10))
	a.Equal(0, mgr.OpenCount())
	a.Empty(mgr.Active())
	sum := mgr.Summary()
	a.Equal(0, sum.Active)
	a.Equal(1, sum.Suppressed)

	// Held past the escalation window but still suppressed: no bump.
	clock.advance(5 * time.Minute)
	a.Equal(0, mgr.EscalatePass())

	// Once the mute lapses the sustained breach escalates again.
	clock.advance(6 * time.Minute)
	a.Equal(1, mgr.EscalatePass())
	a.Equal(1, mgr.OpenCount())

	a.False(mgr.Suppress("no_such_alert", 5))
}

func TestEscalatePassWalksSeverity(t *testing.T) {
	a := assert.New(t)
	sink := &fakeAlertSink{}
	mgr, clock := newTestAlertManager(sink)

	alert := mgr.Raise(common.EAlertComponent.APIKeys(), common.EAlertLevel.Info(),
		"latency rising", "p99 at 2s", nil)
	a.NotNil(alert)

	// Not sustained long enough yet.
	a.Equal(0, mgr.EscalatePass())

	clock.advance(5 * time.Minute)
	a.Equal(1, mgr.EscalatePass())
	a.Equal(0, mgr.EscalatePass()) // clock restarted at the bump

	clock.advance(5 * time.Minute)
	a.Equal(1, mgr.EscalatePass())
	clock.advance(5 * time.Minute)
	a.Equal(1, mgr.EscalatePass())

	active := mgr.Active()
	a.Len(active, 1)
	a.Equal(common.EAlertLevel.Critical(), active[0].Level)

	// Critical absorbs further passes.
	clock.advance(time.Hour)
	a.Equal(0, mgr.EscalatePass())

	a.Eventually(func() bool { return sink.count() == 4 }, 2*time.Second, 10*time.Millisecond)
	a.True(sink.sawTitle("Escalated: latency rising"))
}

func TestHistoryWindowAndCleanup(t *testing.T) {
	a := assert.New(t)
	mgr, clock := newTestAlertManager(nil)

	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "old breach", "m", nil))
	clock.advance(30 * time.Hour)
	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "fresh breach", "m", nil))

	hist := mgr.History(0)
	a.Len(hist, 1)
	a.Equal("fresh breach", hist[0].Title)

	// Requests beyond the retention window clamp to it.
	a.Len(mgr.History(48*time.Hour), 1)

	mgr.Cleanup()
	mgr.mu.Lock()
	kept := len(mgr.history)
	mgr.mu.Unlock()
	a.Equal(1, kept)
}

func TestSummaryAggregatesActiveSet(t *testing.T) {
	a := assert.New(t)
	mgr, clock := newTestAlertManager(nil)

	a.NotNil(mgr.Raise(common.EAlertComponent.System(), common.EAlertLevel.Warning(), "cpu high", "m", nil))
	clock.advance(time.Second)
	dbAlert := mgr.Raise(common.EAlertComponent.Database(), common.EAlertLevel.Error(), "pool exhausted", "m", nil)
	a.NotNil(dbAlert)

	sum := mgr.Summary()
	a.Equal(2, sum.Active)
	a.Equal(0, sum.Suppressed)
	a.Equal(map[string]int{"WARNING": 1, "ERROR": 1}, sum.ByLevel)
	a.Equal(map[string]int{"SYSTEM": 1, "DATABASE": 1}, sum.ByComponent)

	a.True(mgr.Suppress(dbAlert.ID, 30))
	sum = mgr.Summary()
	a.Equal(1, sum.Active)
	a.Equal(1, sum.Suppressed)
}
