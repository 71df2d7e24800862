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

package storagequeue

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/policy"
)

// Sink screens every captured exchange through the storage policy engine and
// hands the approved records to the queue. It is the raw-capture hook the API
// clients are wired with.
type Sink struct {
	engine *policy.Engine
	queue  *Queue
	store  IBatchStore
	logger common.ILogger

	captured       atomic.Int64
	queued         atomic.Int64
	skipped        atomic.Int64
	inlineStores   atomic.Int64
	inlineFailures atomic.Int64
}

func NewSink(engine *policy.Engine, queue *Queue, store IBatchStore, logger common.ILogger) *Sink {
	return &Sink{engine: engine, queue: queue, store: store, logger: logger}
}

// SubmitRaw decides, stamps and enqueues one captured record. Rejected
// records are dropped quietly. A full queue falls back to an inline insert,
// trading the caller's latency for not losing the record; failed exchanges
// skip the line at high priority.
func (s *Sink) SubmitRaw(rec *common.RawRecord) {
	s.captured.Add(1)

	d := s.engine.Decide(rec)
	if !d.Store {
		s.skipped.Add(1)
		s.logger.Log(common.ELogLevel.Debug(), fmt.Sprintf(
			"not storing %s/%s: %s", rec.Provider, rec.Endpoint, d.Reason))
		return
	}
	d.Apply(rec)

	priority := PriorityNormal
	if d.Metadata != nil {
		priority = d.Metadata.Priority
	}
	if rec.StatusCode >= 400 {
		priority = PriorityHigh
	}

	if s.queue.Enqueue(rec, priority, nil) {
		s.queued.Add(1)
		return
	}

	s.inlineStores.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Insert(ctx, rec); err != nil {
		s.inlineFailures.Add(1)
		s.logger.Log(common.ELogLevel.Error(), fmt.Sprintf(
			"inline store of %s/%s failed after queue rejection: %v",
			rec.Provider, rec.Endpoint, err))
	}
}

// Stats snapshots the capture counters.
func (s *Sink) Stats() *common.CaptureStats {
	return &common.CaptureStats{
		Captured:       s.captured.Load(),
		Queued:         s.queued.Load(),
		Skipped:        s.skipped.Load(),
		InlineStores:   s.inlineStores.Load(),
		InlineFailures: s.inlineFailures.Load(),
	}
}
