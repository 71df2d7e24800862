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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/policy"
)

func defaultPolicyEngine(t *testing.T) *policy.Engine {
	t.Helper()
	engine, err := policy.NewEngine("", queueLogger())
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestSinkScreensRecordsThroughPolicy(t *testing.T) {
	a := assert.New(t)
	engine := defaultPolicyEngine(t)
	store := newFakeStore()
	q := NewQueue(queueSettings(30, 1, 1, time.Minute), store, queueLogger())
	defer q.Stop(time.Second)
	sink := NewSink(engine, q, store, queueLogger())

	approved := queueRecord("areaBasedList2")
	sink.SubmitRaw(approved)

	a.Eventually(func() bool { return len(store.committed()) == 1 },
		3*time.Second, 10*time.Millisecond)
	a.Equal(approved.ID, store.committed()[0])
	a.NotNil(approved.StorageMetadata)
	a.Equal(180, approved.StorageMetadata.GetInt("ttl_days", 0))

	rejected := queueRecord("health")
	rejected.Provider = common.EProvider.KMA()
	sink.SubmitRaw(rejected)

	stats := sink.Stats()
	a.Equal(int64(2), stats.Captured)
	a.Equal(int64(1), stats.Queued)
	a.Equal(int64(1), stats.Skipped)
	a.Nil(rejected.StorageMetadata)
	a.Equal(int64(1), q.Stats().Enqueued)
}

func TestSinkPromotesErrorCapturesToHighPriority(t *testing.T) {
	a := assert.New(t)
	engine := defaultPolicyEngine(t)
	store := newBlockedStore()
	q := NewQueue(queueSettings(30, 1, 1, time.Minute), store, queueLogger())
	defer q.Stop(2 * time.Second)
	defer store.release()
	sink := NewSink(engine, q, store, queueLogger())

	primer := queueRecord("areaBasedList2")
	sink.SubmitRaw(primer)
	a.Eventually(func() bool { return store.waiting.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	// detailImage2 normally rides the low lane; a failed exchange must not.
	boom := queueRecord("detailImage2")
	boom.StatusCode = 502
	sink.SubmitRaw(boom)

	stats := q.Stats()
	a.Equal(1, stats.HighDepth)
	a.Equal(0, stats.LowDepth)
}

func TestSinkFallsBackToInlineStoreWhenQueueFull(t *testing.T) {
	a := assert.New(t)
	engine := defaultPolicyEngine(t)
	blocked := newBlockedStore()
	inline := newFakeStore()
	q := NewQueue(queueSettings(3, 1, 1, time.Minute), blocked, queueLogger())
	defer q.Stop(2 * time.Second)
	defer blocked.release()
	sink := NewSink(engine, q, inline, queueLogger())

	first := queueRecord("areaBasedList2")
	sink.SubmitRaw(first)
	a.Eventually(func() bool { return blocked.waiting.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	second := queueRecord("areaBasedList2")
	sink.SubmitRaw(second)

	overflow := queueRecord("areaBasedList2")
	sink.SubmitRaw(overflow)

	a.Equal([]uuid.UUID{overflow.ID}, inline.committed())
	a.NotNil(overflow.StorageMetadata)

	stats := sink.Stats()
	a.Equal(int64(3), stats.Captured)
	a.Equal(int64(2), stats.Queued)
	a.Equal(int64(1), stats.InlineStores)
	a.Equal(int64(0), stats.InlineFailures)
}
