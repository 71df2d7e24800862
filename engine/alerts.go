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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// IAlertNotifier routes a raised alert out of process.
type IAlertNotifier interface {
	Alert(ctx context.Context, alert *common.Alert)
}

// historyWindow is how long resolved and raised alerts stay queryable.
const historyWindow = 24 * time.Hour

// AlertSummary aggregates the active set for the status document.
type AlertSummary struct {
	Active      int            `json:"active"`
	Suppressed  int            `json:"suppressed"`
	ByLevel     map[string]int `json:"by_level"`
	ByComponent map[string]int `json:"by_component"`
}

// AlertManager owns the alert lifecycle: raise with cooldown and hourly
// throttles, escalate while a breach holds, resolve when it clears. Every
// raised alert is logged; routing to operators goes through the notifier.
type AlertManager struct {
	cfg      common.MonitorSettings
	notifier IAlertNotifier
	logger   common.ILogger

	mu      sync.Mutex
	active  map[string]*common.Alert
	history []*common.Alert

	cooldowns *gocache.Cache
	hourly    *gocache.Cache

	raised    atomic.Int64
	throttled atomic.Int64

	now func() time.Time
}

// NewAlertManager wires the manager; notifier may be nil, in which case
// alerts only log.
func NewAlertManager(cfg common.MonitorSettings, notifier IAlertNotifier, logger common.ILogger) *AlertManager {
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Minute
	}
	if cfg.MaxAlertsPerHour <= 0 {
		cfg.MaxAlertsPerHour = 20
	}
	if cfg.EscalationAfter <= 0 {
		cfg.EscalationAfter = 5 * time.Minute
	}
	return &AlertManager{
		cfg:       cfg,
		notifier:  notifier,
		logger:    logger,
		active:    make(map[string]*common.Alert),
		cooldowns: gocache.New(cfg.AlertCooldown, 10*time.Minute),
		hourly:    gocache.New(time.Hour, 10*time.Minute),
		now:       time.Now,
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Raise creates and dispatches an alert unless the (component, title) pair is
// cooling down or the hourly budget is spent. It returns nil when throttled.
func (a *AlertManager) Raise(component common.AlertComponent, level common.AlertLevel,
	title, message string, details common.OpaqueBag) *common.Alert {
	now := a.now()
	cooldownKey := component.String() + "_" + title
	if _, hot := a.cooldowns.Get(cooldownKey); hot {
		a.throttled.Add(1)
		return nil
	}
	hourKey := now.Format("2006010215")
	if _, ok := a.hourly.Get(hourKey); !ok {
		a.hourly.Set(hourKey, 0, time.Hour)
	}
	count, err := a.hourly.IncrementInt(hourKey, 1)
	if err == nil && count > a.cfg.MaxAlertsPerHour {
		a.throttled.Add(1)
		return nil
	}
	a.cooldowns.Set(cooldownKey, struct{}{}, a.cfg.AlertCooldown)

	alert := &common.Alert{
		ID:        fmt.Sprintf("%s_%s_%d", component, level, now.Unix()),
		Component: component,
		Level:     level,
		Title:     title,
		Message:   message,
		Details:   details,
		CreatedAt: now,
	}
	a.mu.Lock()
	a.active[alert.ID] = alert
	a.history = append(a.history, alert)
	a.mu.Unlock()
	a.raised.Add(1)
	a.dispatch(alert, "")
	return alert
}

// Resolve closes one alert. Resolution is announced so operators learn the
// breach cleared without checking.
func (a *AlertManager) Resolve(id string) bool {
	a.mu.Lock()
	alert, ok := a.active[id]
	if ok {
		now := a.now()
		alert.ResolvedAt = &now
		delete(a.active, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.dispatch(alert, "Resolved: ")
	return true
}

// ResolveComponent closes every active alert of one component. The monitor
// calls this when a check comes back healthy.
func (a *AlertManager) ResolveComponent(component common.AlertComponent) int {
	a.mu.Lock()
	ids := make([]string, 0, 2)
	for id, alert := range a.active {
		if alert.Component == component {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Resolve(id)
	}
	return len(ids)
}

// Acknowledge marks an alert as seen. It stays active and keeps escalating;
// acknowledgement is an audit fact, not a mute.
func (a *AlertManager) Acknowledge(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	alert, ok := a.active[id]
	if !ok {
		return false
	}
	now := a.now()
	alert.Acknowledged = true
	alert.AcknowledgedAt = &now
	return true
}

// Suppress mutes an alert for the given minutes. A suppressed alert does not
// re-notify, escalate, or count as active in aggregates.
func (a *AlertManager) Suppress(id string, minutes int) bool {
	if minutes < 1 {
		minutes = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	alert, ok := a.active[id]
	if !ok {
		return false
	}
	until := a.now().Add(time.Duration(minutes) * time.Minute)
	alert.SuppressedUntil = &until
	return true
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// EscalatePass bumps every sustained, unsuppressed breach one severity level
// and re-announces it. The clock restarts on each bump, so a breach held
// long enough walks INFO to CRITICAL one step per escalation window.
func (a *AlertManager) EscalatePass() int {
	now := a.now()
	a.mu.Lock()
	bumped := make([]*common.Alert, 0, 2)
	for _, alert := range a.active {
		if a.suppressedNow(alert, now) || alert.Level >= common.EAlertLevel.Critical() {
			continue
		}
		since := alert.CreatedAt
		if alert.EscalatedAt != nil {
			since = *alert.EscalatedAt
		}
		if now.Sub(since) < a.cfg.EscalationAfter {
			continue
		}
		alert.Level = alert.Level.Escalated()
		escalatedAt := now
		alert.EscalatedAt = &escalatedAt
		bumped = append(bumped, alert)
	}
	a.mu.Unlock()
	for _, alert := range bumped {
		a.dispatch(alert, "Escalated: ")
	}
	return len(bumped)
}

// Cleanup drops history entries past the retention window.
func (a *AlertManager) Cleanup() {
	cutoff := a.now().Add(-historyWindow)
	a.mu.Lock()
	kept := a.history[:0]
	for _, alert := range a.history {
		if alert.CreatedAt.After(cutoff) {
			kept = append(kept, alert)
		}
	}
	a.history = kept
	a.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Active returns the unsuppressed open alerts, newest first.
func (a *AlertManager) Active() []common.Alert {
	now := a.now()
	a.mu.Lock()
	out := make([]common.Alert, 0, len(a.active))
	for _, alert := range a.active {
		if a.suppressedNow(alert, now) {
			continue
		}
		out = append(out, *alert)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// History returns the alerts raised within the window, newest first.
func (a *AlertManager) History(window time.Duration) []common.Alert {
	if window <= 0 || window > historyWindow {
		window = historyWindow
	}
	cutoff := a.now().Add(-window)
	a.mu.Lock()
	out := make([]common.Alert, 0, len(a.history))
	for _, alert := range a.history {
		if alert.CreatedAt.After(cutoff) {
			out = append(out, *alert)
		}
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Summary aggregates the active set by level and component.
func (a *AlertManager) Summary() AlertSummary {
	now := a.now()
	s := AlertSummary{ByLevel: map[string]int{}, ByComponent: map[string]int{}}
	a.mu.Lock()
	for _, alert := range a.active {
		if a.suppressedNow(alert, now) {
			s.Suppressed++
			continue
		}
		s.Active++
		s.ByLevel[alert.Level.String()]++
		s.ByComponent[alert.Component.String()]++
	}
	a.mu.Unlock()
	return s
}

// OpenCount is the number of unsuppressed active alerts.
func (a *AlertManager) OpenCount() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, alert := range a.active {
		if !a.suppressedNow(alert, now) {
			n++
		}
	}
	return n
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (a *AlertManager) suppressedNow(alert *common.Alert, now time.Time) bool {
	return alert.SuppressedUntil != nil && alert.SuppressedUntil.After(now)
}

// dispatch logs the alert at its mapped level and hands a copy to the
// notifier off the caller's goroutine.
func (a *AlertManager) dispatch(alert *common.Alert, prefix string) {
	a.logger.Log(alert.Level.LogLevel(),
		fmt.Sprintf("[%s] %s%s: %s", alert.Component, prefix, alert.Title, alert.Message))
	if a.notifier == nil {
		return
	}
	snapshot := *alert
	if prefix != "" {
		snapshot.Title = prefix + snapshot.Title
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		a.notifier.Alert(ctx, &snapshot)
	}()
}
