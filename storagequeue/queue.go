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

// Package storagequeue buffers captured API responses between the collectors
// and Postgres so a slow or briefly unreachable database never stalls a
// collection run. Records wait in three bounded priority lanes and are
// committed in batches by a small pool of workers.
package storagequeue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// Lane priorities. Lower is more urgent.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

const (
	// A worker holding a partial batch commits it after this much quiet time
	// instead of waiting out the full flush interval.
	idleFlush = time.Second

	// A record that fails to store is re-enqueued one priority lower, up to
	// this many retries, before it is dropped as failed.
	maxRetries = 3

	storeTimeout = 30 * time.Second
)

////////////////////////////////////////////////////////////////////////////////

// IBatchStore is the slice of the raw store the queue writes through.
type IBatchStore interface {
	Insert(ctx context.Context, rec *common.RawRecord) error
	InsertBatch(ctx context.Context, recs []*common.RawRecord) error
}

// Callback receives the terminal outcome for one record: a nil error once the
// record is committed, the last storage error after retries ran out. It runs
// on a worker goroutine and must not block.
type Callback func(rec *common.RawRecord, err error)

type item struct {
	rec      *common.RawRecord
	priority int
	retries  int
	callback Callback
}

// complete fires the callback at most once.
func (it *item) complete(err error) {
	if it.callback == nil {
		return
	}
	cb := it.callback
	it.callback = nil
	cb(it.rec, err)
}

////////////////////////////////////////////////////////////////////////////////

// Queue is the write-behind buffer in front of the raw response store.
// Enqueue never blocks; a full lane rejects the record instead of exerting
// backpressure on the collector that produced it.
type Queue struct {
	// A copied Queue would share lanes but fork the counters and stopOnce.
	nocopy common.NoCopy

	store  IBatchStore
	logger common.ILogger

	high   chan *item
	normal chan *item
	low    chan *item

	capacity      int
	batchSize     int
	flushInterval time.Duration
	workers       int

	accepting atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	alive     atomic.Int32

	enqueued atomic.Int64
	stored   atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
	demoted  atomic.Int64
	flushes  atomic.Int64
}

// NewQueue sizes the three lanes at a third of the configured capacity each
// and starts the workers immediately.
func NewQueue(cfg common.StorageSettings, store IBatchStore, logger common.ILogger) *Queue {
	laneCap := cfg.QueueCapacity / 3
	if laneCap < 1 {
		laneCap = 1
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}
	workers := cfg.QueueWorkers
	if workers < 1 {
		workers = 1
	}

	q := &Queue{
		store:         store,
		logger:        logger,
		high:          make(chan *item, laneCap),
		normal:        make(chan *item, laneCap),
		low:           make(chan *item, laneCap),
		capacity:      laneCap * 3,
		batchSize:     batch,
		flushInterval: flush,
		workers:       workers,
		done:          make(chan struct{}),
	}
	q.accepting.Store(true)

	q.wg.Add(workers)
	for i := 1; i <= workers; i++ {
		q.alive.Add(1)
		go q.worker(i)
	}
	logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"storage queue started: %d workers, capacity %d, batches of %d, flush every %v",
		workers, q.capacity, batch, flush))
	return q
}

// Enqueue offers one record to the lane for its priority. It reports false
// when the lane is full or the queue has stopped accepting; the record is the
// caller's problem again in that case. Priorities outside the known range are
// clamped.
func (q *Queue) Enqueue(rec *common.RawRecord, priority int, cb Callback) bool {
	q.nocopy.Check()
	if rec == nil || !q.accepting.Load() {
		return false
	}
	it := &item{rec: rec, priority: clampPriority(priority), callback: cb}
	select {
	case q.lane(it.priority) <- it:
		q.enqueued.Add(1)
		return true
	default:
		q.dropped.Add(1)
		q.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
			"storage queue full, rejecting %s/%s at priority %d",
			rec.Provider, rec.Endpoint, it.priority))
		return false
	}
}

// Stop closes the intake and waits up to timeout for the workers to commit
// what was already accepted. Records still queued after the deadline are
// dropped; the caller is expected to exit shortly after.
func (q *Queue) Stop(timeout time.Duration) {
	q.stopOnce.Do(func() {
		q.accepting.Store(false)
		close(q.done)

		drained := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			q.logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
				"storage queue stopped: %d stored, %d failed, %d dropped",
				q.stored.Load(), q.failed.Load(), q.dropped.Load()))
		case <-time.After(timeout):
			left := len(q.high) + len(q.normal) + len(q.low)
			q.dropped.Add(int64(left))
			q.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
				"storage queue did not drain within %v, dropping %d queued records",
				timeout, left))
		}
	})
}

func (q *Queue) lane(priority int) chan *item {
	switch priority {
	case PriorityHigh:
		return q.high
	case PriorityNormal:
		return q.normal
	default:
		return q.low
	}
}

func clampPriority(priority int) int {
	if priority < PriorityHigh {
		return PriorityHigh
	}
	if priority > PriorityLow {
		return PriorityLow
	}
	return priority
}

////////////////////////////////////////////////////////////////////////////////

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	defer q.alive.Add(-1)

	batch := make([]*item, 0, q.batchSize)
	var batchStart time.Time
	idle := time.NewTimer(idleFlush)
	defer idle.Stop()

	for {
		select {
		case <-q.done:
			q.drain(id, batch)
			return
		default:
		}

		it := q.next(idle)
		if it != nil {
			if len(batch) == 0 {
				batchStart = time.Now()
			}
			batch = append(batch, it)
		}
		if len(batch) == 0 {
			continue
		}
		// Commit on a full batch, on the flush cadence, and after a quiet
		// second so trickling records do not sit here half-forever.
		if len(batch) >= q.batchSize || it == nil || time.Since(batchStart) >= q.flushInterval {
			q.flushBatch(id, batch)
			batch = batch[:0]
		}
	}
}

// next pulls the most urgent queued item. The high lane drains completely
// before the normal lane is touched, and normal before low. When every lane
// is empty it blocks until something arrives, the idle window lapses or the
// queue shuts down, returning nil for the latter two.
func (q *Queue) next(idle *time.Timer) *item {
	if it := q.tryNext(); it != nil {
		return it
	}

	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(idleFlush)

	select {
	case it := <-q.high:
		return it
	case it := <-q.normal:
		return it
	case it := <-q.low:
		return it
	case <-idle.C:
		return nil
	case <-q.done:
		return nil
	}
}

func (q *Queue) tryNext() *item {
	select {
	case it := <-q.high:
		return it
	default:
	}
	select {
	case it := <-q.normal:
		return it
	default:
	}
	select {
	case it := <-q.low:
		return it
	default:
	}
	return nil
}

// drain empties the lanes after shutdown, committing as it goes. A failed
// flush can re-enqueue retries behind us, so loop until the lanes stay empty;
// retry counts guarantee that terminates.
func (q *Queue) drain(id int, batch []*item) {
	for {
		for {
			it := q.tryNext()
			if it == nil {
				break
			}
			batch = append(batch, it)
			if len(batch) >= q.batchSize {
				q.flushBatch(id, batch)
				batch = batch[:0]
			}
		}
		if len(batch) == 0 {
			return
		}
		q.flushBatch(id, batch)
		batch = batch[:0]
	}
}

////////////////////////////////////////////////////////////////////////////////

// flushBatch commits one batch. The batch insert is transactional, so a
// single bad record fails all of them; on failure every record is retried
// individually, which isolates the bad one instead of burning the whole
// batch's retry budget.
func (q *Queue) flushBatch(workerID int, batch []*item) {
	q.flushes.Add(1)

	recs := make([]*common.RawRecord, len(batch))
	for i, it := range batch {
		recs[i] = it.rec
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	started := time.Now()
	batchErr := q.store.InsertBatch(ctx, recs)
	if batchErr == nil {
		q.stored.Add(int64(len(batch)))
		for _, it := range batch {
			it.complete(nil)
		}
		q.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf(
			"storage worker %d committed %d records in %.1fms",
			workerID, len(batch), float64(time.Since(started).Microseconds())/1000))
		return
	}
	q.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf(
		"storage worker %d failed a batch of %d, retrying records individually: %v",
		workerID, len(batch), batchErr))

	for _, it := range batch {
		if err := q.store.Insert(ctx, it.rec); err == nil {
			q.stored.Add(1)
			it.complete(nil)
		} else {
			q.requeue(it, err)
		}
	}
}

// requeue puts a failed record back at one priority lower, or gives up once
// its retries are spent.
func (q *Queue) requeue(it *item, cause error) {
	if it.retries >= maxRetries {
		q.failed.Add(1)
		q.logger.Log(common.ELogLevel.Error(), fmt.Sprintf(
			"dropping %s/%s after %d attempts: %v",
			it.rec.Provider, it.rec.Endpoint, it.retries+1, cause))
		it.complete(cause)
		return
	}
	it.retries++
	if it.priority < PriorityLow {
		it.priority++
		q.demoted.Add(1)
	}
	select {
	case q.lane(it.priority) <- it:
		q.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf(
			"retrying %s/%s at priority %d (%d/%d)",
			it.rec.Provider, it.rec.Endpoint, it.priority, it.retries, maxRetries))
	default:
		q.failed.Add(1)
		q.logger.Log(common.ELogLevel.Error(), fmt.Sprintf(
			"retry lane full, dropping %s/%s: %v", it.rec.Provider, it.rec.Endpoint, cause))
		it.complete(cause)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Stats snapshots the queue for health endpoints and the monitor loop.
func (q *Queue) Stats() *common.QueueStats {
	high, normal, low := len(q.high), len(q.normal), len(q.low)
	return &common.QueueStats{
		Capacity:     q.capacity,
		HighDepth:    high,
		NormalDepth:  normal,
		LowDepth:     low,
		Enqueued:     q.enqueued.Load(),
		Stored:       q.stored.Load(),
		Failed:       q.failed.Load(),
		Dropped:      q.dropped.Load(),
		Demoted:      q.demoted.Load(),
		FlushedBatch: q.flushes.Load(),
		Healthy:      q.healthy(high + normal + low),
	}
}

// Healthy reports whether the queue is accepting, every worker is alive,
// depth is under 90% of capacity and at least 95% of finished records were
// stored.
func (q *Queue) Healthy() bool {
	return q.healthy(len(q.high) + len(q.normal) + len(q.low))
}

func (q *Queue) healthy(depth int) bool {
	if !q.accepting.Load() || int(q.alive.Load()) != q.workers {
		return false
	}
	if depth*100 >= q.capacity*90 {
		return false
	}
	stored, failed := q.stored.Load(), q.failed.Load()
	if finished := stored + failed; finished > 0 {
		return stored*100 >= finished*95
	}
	return true
}
