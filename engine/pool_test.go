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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////
// helpers
////////////////////////////////////////////////////////////////////////////////

func engineLogger() common.ILogger {
	return common.NewAppLogger(common.ELogLevel.None(), "engine-test")
}

// runRecorder collects the names of executed tasks in order.
type runRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *runRecorder) task(name string, priority int) *poolTask {
	return &poolTask{jobID: uuid.New(), priority: priority, run: func(int) {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.mu.Unlock()
	}}
}

func (r *runRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

////////////////////////////////////////////////////////////////////////////////
// tests
////////////////////////////////////////////////////////////////////////////////

func TestPoolDrainsLanesByPriority(t *testing.T) {
	a := assert.New(t)
	p := NewPool(1, 4, engineLogger())
	defer p.Stop(time.Second)

	rec := &runRecorder{}
	gate := make(chan struct{})

	// Park the only worker so the later submissions stack up in their lanes.
	a.NoError(p.Submit(&poolTask{jobID: uuid.New(), priority: 5, run: func(int) {
		rec.mu.Lock()
		rec.names = append(rec.names, "primer")
		rec.mu.Unlock()
		<-gate
	}}))
	a.Eventually(func() bool { return p.Stats().InFlight == 1 }, 2*time.Second, 10*time.Millisecond)

	a.NoError(p.Submit(rec.task("low", 0)))
	a.NoError(p.Submit(rec.task("normal", 5)))
	a.NoError(p.Submit(rec.task("high", 9)))
	close(gate)

	a.Eventually(func() bool { return len(rec.seen()) == 4 }, 3*time.Second, 10*time.Millisecond)
	a.Equal([]string{"primer", "high", "normal", "low"}, rec.seen())
	a.Equal(int64(4), p.Stats().Executed)
}

func TestPoolSubmitRejectsWhenLaneFull(t *testing.T) {
	a := assert.New(t)
	p := NewPool(1, 1, engineLogger())
	defer p.Stop(time.Second)

	rec := &runRecorder{}
	gate := make(chan struct{})

	a.NoError(p.Submit(&poolTask{jobID: uuid.New(), priority: 5, run: func(int) { <-gate }}))
	a.Eventually(func() bool { return p.Stats().InFlight == 1 }, 2*time.Second, 10*time.Millisecond)

	// Fills the one-slot normal lane.
	a.NoError(p.Submit(rec.task("queued", 5)))

	err := p.Submit(rec.task("overflow", 5))
	a.Error(err)
	a.Equal(common.EErrorKind.QueueFull(), common.ClassifyError(err))
	a.Contains(err.Error(), "worker queue full")
	a.Equal(int64(1), p.Stats().Rejected)

	// Lanes are independent: urgent work still gets in.
	a.NoError(p.Submit(rec.task("urgent", 9)))

	close(gate)
	a.Eventually(func() bool { return p.Stats().Executed == 3 }, 3*time.Second, 10*time.Millisecond)
	a.NotContains(rec.seen(), "overflow")
}

func TestPoolStopHonorsGracePeriod(t *testing.T) {
	a := assert.New(t)

	t.Run("idle pool stops promptly", func(t *testing.T) {
		p := NewPool(2, 4, engineLogger())
		start := time.Now()
		p.Stop(5 * time.Second)
		a.Less(time.Since(start), 2*time.Second)
	})

	t.Run("busy worker is abandoned after the grace", func(t *testing.T) {
		p := NewPool(1, 4, engineLogger())
		gate := make(chan struct{})
		a.NoError(p.Submit(&poolTask{jobID: uuid.New(), priority: 5, run: func(int) { <-gate }}))
		a.Eventually(func() bool { return p.Stats().InFlight == 1 }, 2*time.Second, 10*time.Millisecond)

		start := time.Now()
		p.Stop(100 * time.Millisecond)
		elapsed := time.Since(start)
		a.GreaterOrEqual(elapsed, 100*time.Millisecond)
		a.Less(elapsed, 2*time.Second)
		close(gate)
	})
}

func TestNewPoolClampsSizes(t *testing.T) {
	a := assert.New(t)
	p := NewPool(0, 0, engineLogger())
	defer p.Stop(time.Second)

	a.Equal(1, p.Stats().Workers)

	done := make(chan struct{})
	a.NoError(p.Submit(&poolTask{jobID: uuid.New(), priority: 5, run: func(int) { close(done) }}))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task never ran on the clamped pool")
	}
}
