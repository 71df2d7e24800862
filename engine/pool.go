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

// Package engine runs batch jobs: a fixed worker pool executes job bodies,
// the job manager owns their lifecycle rows, the cron scheduler fires them on
// time, the retry bridge reschedules failures, the notifier fans events out
// to operators and the monitor watches the whole thing.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Priority floors for the three dispatch lanes. A job with priority >= 8 is
// urgent, >= 4 routine, anything lower fills spare capacity.
const (
	highPriorityFloor   = 8
	normalPriorityFloor = 4
)

// poolIdleSleep is how long an idle worker naps between lane scans. Keeping
// it short bounds how stale the kill signal can get without spinning.
const poolIdleSleep = 10 * time.Millisecond

// poolTask is one unit of work handed to a worker.
type poolTask struct {
	jobID    uuid.UUID
	priority int
	run      func(workerID int)
}

// Pool is a fixed-size worker pool with three bounded FIFO lanes. Workers
// drain the high lane first, then normal, then low; a queued low-priority
// task can therefore starve while urgent work keeps arriving, which is the
// intended trade.
type Pool struct {
	highQ   chan *poolTask
	normalQ chan *poolTask
	lowQ    chan *poolTask
	kill    chan struct{}

	logger  common.ILogger
	workers int

	executed atomic.Int64
	rejected atomic.Int64
	inFlight atomic.Int64

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PoolStats is a point-in-time view of the pool for the performance endpoints.
type PoolStats struct {
	Workers  int   `json:"workers"`
	Queued   int   `json:"queued"`
	InFlight int64 `json:"in_flight"`
	Executed int64 `json:"executed"`
	Rejected int64 `json:"rejected"`
}

// NewPool starts workers goroutines, each scanning the lanes until Stop.
// queueCap bounds every lane; a submit against a full lane fails immediately
// rather than blocking the caller.
func NewPool(workers, queueCap int, logger common.ILogger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCap < 1 {
		queueCap = 1
	}
	p := &Pool{
		highQ:   make(chan *poolTask, queueCap),
		normalQ: make(chan *poolTask, queueCap),
		lowQ:    make(chan *poolTask, queueCap),
		kill:    make(chan struct{}),
		logger:  logger,
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p
}

// Submit queues a task on the lane its priority selects. It never blocks;
// when the lane is full the caller gets a QueueFull error and owns the
// failure handling.
func (p *Pool) Submit(t *poolTask) error {
	lane := p.lowQ
	switch {
	case t.priority >= highPriorityFloor:
		lane = p.highQ
	case t.priority >= normalPriorityFloor:
		lane = p.normalQ
	}
	select {
	case lane <- t:
		return nil
	default:
		p.rejected.Add(1)
		return common.KindErrorf(common.EErrorKind.QueueFull(),
			"worker queue full: %d tasks already waiting for %d workers", cap(lane), p.workers)
	}
}

// Stop signals every worker to exit after its current task and waits up to
// grace for them. Queued tasks that never ran stay queued; the job manager
// reconciles their rows at the next boot.
func (p *Pool) Stop(grace time.Duration) {
	p.stopOnce.Do(func() { close(p.kill) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Log(common.ELogLevel.Warning(), "worker pool stop: grace period elapsed with workers still busy")
	}
}

// Stats reports queue depth and lifetime counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:  p.workers,
		Queued:   len(p.highQ) + len(p.normalQ) + len(p.lowQ),
		InFlight: p.inFlight.Load(),
		Executed: p.executed.Load(),
		Rejected: p.rejected.Load(),
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// workerLoop scans the lanes strictly by priority. The nested selects mean a
// worker only considers the normal lane when high is empty, and low only when
// both are empty; the kill channel is re-checked every pass so shutdown is
// never delayed by more than one task plus the idle sleep.
func (p *Pool) workerLoop(workerID int) {
	defer p.wg.Done()
	for {
		// Priority 0: whether to shut down.
		select {
		case <-p.kill:
			return
		default:
			// Priority 1: the high lane alone.
			select {
			case t := <-p.highQ:
				p.execute(workerID, t)
			default:
				// Priority 2: high or normal.
				select {
				case t := <-p.highQ:
					p.execute(workerID, t)
				case t := <-p.normalQ:
					p.execute(workerID, t)
				default:
					// Priority 3: anything at all.
					select {
					case t := <-p.highQ:
						p.execute(workerID, t)
					case t := <-p.normalQ:
						p.execute(workerID, t)
					case t := <-p.lowQ:
						p.execute(workerID, t)
					default:
						time.Sleep(poolIdleSleep)
					}
				}
			}
		}
	}
}

func (p *Pool) execute(workerID int, t *poolTask) {
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.executed.Add(1)
	}()
	t.run(workerID)
}
