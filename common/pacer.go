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

package common

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RatePacer is used by callers whose activity must be controlled to a certain
// pace, counted in operations per minute.
type RatePacer interface {
	WaitToProceed(ctx context.Context) error
	TryProceed() bool
	SetTargetPerMinute(value int64)
	Close() error
}

const (
	// One operation costs this many tokens, so that per-minute rates below 600
	// still release whole tokens on every fill tick.
	pacerTokenScale = 1000

	// How long to sleep in the loop that puts tokens into the bucket
	bucketFillSleepDuration = time.Duration(float32(time.Second) * 0.1)

	// How long to sleep when reading from the bucket and finding there's not enough tokens
	bucketDrainSleepDuration = time.Duration(float32(time.Second) * 0.5)

	// Controls the max amount by which the contents of the token bucket can build up, unused.
	maxSecondsToOverpopulateBucket = 10
)

// tokenBucketPacer controls the pace of an activity using a basic token
// bucket. The target rate can be modified at any time through
// SetTargetPerMinute; a target of zero or less pauses the activity entirely
// until a positive rate is restored.
type tokenBucketPacer struct {
	atomicTokenBucket     int64 // aligned first for atomic access on 32 bit arch
	atomicTargetPerMinute int64
	done                  chan struct{}
	closeOnce             sync.Once
}

func NewRatePacer(opsPerMinute int64) RatePacer {
	p := &tokenBucketPacer{
		atomicTokenBucket:     pacerTokenScale, // seed it immediately with enough to satisfy one operation
		atomicTargetPerMinute: opsPerMinute,
		done:                  make(chan struct{}),
	}

	go p.pacerBody()

	return p
}

// TryProceed takes one operation's worth of tokens if they are available
// right now. It never blocks.
func (p *tokenBucketPacer) TryProceed() bool {
	if atomic.AddInt64(&p.atomicTokenBucket, -pacerTokenScale) >= 0 {
		return true
	}
	// by taking our desired count we've moved below zero, which means our
	// allocation is not available right now, so put back what we asked for
	atomic.AddInt64(&p.atomicTokenBucket, pacerTokenScale)
	return false
}

// WaitToProceed blocks until one operation's worth of tokens is available, the
// context ends, or the pacer is closed.
func (p *tokenBucketPacer) WaitToProceed(ctx context.Context) error {
	for !p.TryProceed() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return KindErrorf(EErrorKind.Cancelled(), "pacer closed")
		case <-time.After(bucketDrainSleepDuration):
			// keep looping
		}
	}
	return nil
}

func (p *tokenBucketPacer) SetTargetPerMinute(value int64) {
	atomic.StoreInt64(&p.atomicTargetPerMinute, value)
}

func (p *tokenBucketPacer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func (p *tokenBucketPacer) pacerBody() {
	lastTime := time.Now()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		currentTarget := atomic.LoadInt64(&p.atomicTargetPerMinute)
		time.Sleep(bucketFillSleepDuration)
		elapsedMinutes := time.Since(lastTime).Minutes()
		tokensToRelease := int64(float64(currentTarget*pacerTokenScale) * elapsedMinutes)
		newTokenCount := atomic.AddInt64(&p.atomicTokenBucket, tokensToRelease)

		// If the backlog of unused tokens is now too great, then trim it back
		// down, otherwise a long idle period would be followed by a burst.
		maxAllowedUnusedTokens := currentTarget * pacerTokenScale * maxSecondsToOverpopulateBucket / 60
		if maxAllowedUnusedTokens < pacerTokenScale {
			maxAllowedUnusedTokens = pacerTokenScale // just in case we are very coarse grained at a very slow speed
		}
		if newTokenCount > maxAllowedUnusedTokens {
			AtomicMorphInt64(&p.atomicTokenBucket, func(currentVal int64) (newVal int64, _ interface{}) {
				newVal = currentVal
				if currentVal > maxAllowedUnusedTokens {
					newVal = maxAllowedUnusedTokens
				}
				return
			})
		}

		lastTime = time.Now()
	}
}

func (p *tokenBucketPacer) targetPerMinute() int64 {
	return atomic.LoadInt64(&p.atomicTargetPerMinute)
}
