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

package apiclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// The gate keeps outbound pressure inside what the providers tolerate: a
// global ceiling, tighter per-provider ceilings, an adaptive pause between
// calls and a circuit breaker that fails fast once a provider keeps erroring.
const (
	globalConcurrency = 8
	ktoConcurrency    = 5
	kmaConcurrency    = 3

	limiterMinDelay      = 50 * time.Millisecond
	limiterMaxDelay      = 2 * time.Second
	limiterSuccessWindow = 5
	limiterSpeedup       = 0.9
	limiterSlowdown      = 1.5

	breakerThreshold = 5
	breakerOpenFor   = 60 * time.Second
)

type Gate struct {
	logger  common.ILogger
	global  *semaphore.Weighted
	perProv map[common.Provider]*semaphore.Weighted

	limiters map[common.Provider]*adaptiveLimiter
	breakers map[common.Provider]*gobreaker.CircuitBreaker

	curTotal  atomic.Int64
	peakTotal atomic.Int64
	curProv   map[common.Provider]*atomic.Int64
	peakProv  map[common.Provider]*atomic.Int64
	trips     atomic.Int64
}

func NewGate(logger common.ILogger) *Gate {
	g := &Gate{
		logger: logger,
		global: semaphore.NewWeighted(globalConcurrency),
		perProv: map[common.Provider]*semaphore.Weighted{
			common.EProvider.KTO(): semaphore.NewWeighted(ktoConcurrency),
			common.EProvider.KMA(): semaphore.NewWeighted(kmaConcurrency),
		},
		limiters: map[common.Provider]*adaptiveLimiter{
			// KTO throttles harder than KMA, hence the longer start and the
			// extra multiplier.
			common.EProvider.KTO(): newAdaptiveLimiter(200*time.Millisecond, 1.2),
			common.EProvider.KMA(): newAdaptiveLimiter(100*time.Millisecond, 1.0),
		},
		breakers: make(map[common.Provider]*gobreaker.CircuitBreaker),
		curProv:  make(map[common.Provider]*atomic.Int64),
		peakProv: make(map[common.Provider]*atomic.Int64),
	}
	for _, p := range common.AllProviders() {
		g.curProv[p] = &atomic.Int64{}
		g.peakProv[p] = &atomic.Int64{}
		name := p.String()
		g.breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "api:" + name,
			MaxRequests: 1,
			Timeout:     breakerOpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerThreshold
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("%s circuit breaker: %s -> %s", name, from, to))
			},
		})
	}
	return g
}

// Do runs fn under the gate. The semaphore waits respect ctx; the breaker is
// consulted before the inter-call pause so open-circuit calls fail fast.
func (g *Gate) Do(ctx context.Context, provider common.Provider, fn func() error) error {
	if err := g.global.Acquire(ctx, 1); err != nil {
		return common.WithKind(common.EErrorKind.Cancelled(), err)
	}
	defer g.global.Release(1)
	if sem := g.perProv[provider]; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return common.WithKind(common.EErrorKind.Cancelled(), err)
		}
		defer sem.Release(1)
	}

	bumpPeak(&g.curTotal, &g.peakTotal)
	defer g.curTotal.Add(-1)
	bumpPeak(g.curProv[provider], g.peakProv[provider])
	defer g.curProv[provider].Add(-1)

	breaker := g.breakers[provider]
	if breaker.State() == gobreaker.StateOpen {
		g.trips.Add(1)
		return common.KindErrorf(common.EErrorKind.Transport(),
			"%s circuit breaker is open", provider)
	}

	if lim := g.limiters[provider]; lim != nil {
		if err := lim.pause(ctx); err != nil {
			return common.WithKind(common.EErrorKind.Cancelled(), err)
		}
	}

	_, err := breaker.Execute(func() (interface{}, error) { return nil, fn() })
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		g.trips.Add(1)
		return common.KindErrorf(common.EErrorKind.Transport(),
			"%s circuit breaker is open", provider)
	}
	if lim := g.limiters[provider]; lim != nil {
		lim.adjust(err == nil)
	}
	return err
}

func bumpPeak(cur, peak *atomic.Int64) {
	v := cur.Add(1)
	for {
		p := peak.Load()
		if v <= p || peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// fill merges gate-side numbers into a stats snapshot.
func (g *Gate) fill(st *common.ClientStats) {
	st.BreakerTrips = g.trips.Load()
	st.ConcurrentPeaks = map[string]int64{"total": g.peakTotal.Load()}
	st.RateLimiters = make(map[string]common.LimiterStatus, len(g.limiters))
	st.Breakers = make(map[string]string, len(g.breakers))
	for p, peak := range g.peakProv {
		st.ConcurrentPeaks[strings.ToLower(p.String())] = peak.Load()
	}
	for p, lim := range g.limiters {
		st.RateLimiters[p.String()] = lim.status()
	}
	for p, cb := range g.breakers {
		st.Breakers[p.String()] = cb.State().String()
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// adaptiveLimiter spaces calls out. Five straight successes shave the delay by
// 10%, any failure grows it by 50%, clamped to [50ms, 2s].
type adaptiveLimiter struct {
	mu         sync.Mutex
	delay      time.Duration
	multiplier float64
	successes  int
	failures   int
}

func newAdaptiveLimiter(initial time.Duration, multiplier float64) *adaptiveLimiter {
	return &adaptiveLimiter{delay: initial, multiplier: multiplier}
}

func (l *adaptiveLimiter) pause(ctx context.Context) error {
	l.mu.Lock()
	d := time.Duration(float64(l.delay) * l.multiplier)
	l.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *adaptiveLimiter) adjust(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if success {
		l.successes++
		l.failures = 0
		if l.successes >= limiterSuccessWindow {
			l.delay = max(limiterMinDelay, time.Duration(float64(l.delay)*limiterSpeedup))
			l.successes = 0
		}
		return
	}
	l.failures++
	l.successes = 0
	l.delay = min(limiterMaxDelay, time.Duration(float64(l.delay)*limiterSlowdown))
}

func (l *adaptiveLimiter) status() common.LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return common.LimiterStatus{
		CurrentDelayMs:      float64(l.delay.Microseconds()) / 1000,
		ConsecutiveFailures: l.failures,
	}
}
