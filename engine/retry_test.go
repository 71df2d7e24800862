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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

////////////////////////////////////////////////////////////////////////////////
// helpers
////////////////////////////////////////////////////////////////////////////////

// memRetryStore is an in-memory IRetryStore. StartAttempt succeeds only for a
// row still PENDING, the same guard the real store enforces.
type memRetryStore struct {
	mu       sync.Mutex
	policies map[common.JobType]*common.RetryPolicy
	nextID   int64
	attempts map[int64]*common.RetryAttempt
}

func newMemRetryStore() *memRetryStore {
	return &memRetryStore{
		policies: make(map[common.JobType]*common.RetryPolicy),
		attempts: make(map[int64]*common.RetryAttempt),
	}
}

func (s *memRetryStore) GetPolicy(_ context.Context, jobType common.JobType) (*common.RetryPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pol, ok := s.policies[jobType]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *pol
	return &cp, nil
}

func (s *memRetryStore) UpsertPolicy(_ context.Context, pol *common.RetryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pol
	s.policies[pol.JobType] = &cp
	return nil
}

func (s *memRetryStore) ListPolicies(_ context.Context) ([]common.RetryPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.RetryPolicy, 0, len(s.policies))
	for _, pol := range s.policies {
		out = append(out, *pol)
	}
	return out, nil
}

func (s *memRetryStore) DeletePolicy(_ context.Context, jobType common.JobType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[jobType]; !ok {
		return db.ErrNotFound
	}
	delete(s.policies, jobType)
	return nil
}

func (s *memRetryStore) InsertAttempt(_ context.Context, att *common.RetryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	att.ID = s.nextID
	cp := *att
	s.attempts[att.ID] = &cp
	return nil
}

func (s *memRetryStore) StartAttempt(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[id]
	if !ok || att.Status != common.ERetryAttemptStatus.Pending() {
		return db.ErrNotFound
	}
	started := at
	att.Status = common.ERetryAttemptStatus.InProgress()
	att.StartedAt = &started
	return nil
}

func (s *memRetryStore) FinishAttempt(_ context.Context, id int64, status common.RetryAttemptStatus,
	retryJobID *uuid.UUID, errorMessage string, at time.Time) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[id]
	if !ok {
		return db.ErrNotFound
	}
	done := at
	att.Status = status
	att.RetryJobID = retryJobID
	att.ErrorMessage = errorMessage
	att.CompletedAt = &done
	return nil
}

func (s *memRetryStore) ListAttempts(_ context.Context, jobID uuid.UUID) ([]common.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.RetryAttempt
	for id := int64(1); id <= s.nextID; id++ {
		if att, ok := s.attempts[id]; ok && att.JobID == jobID {
			out = append(out, *att)
		}
	}
	return out, nil
}

func (s *memRetryStore) PendingAttempts(_ context.Context) ([]common.RetryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []common.RetryAttempt
	for id := int64(1); id <= s.nextID; id++ {
		if att, ok := s.attempts[id]; ok && att.Status == common.ERetryAttemptStatus.Pending() {
			out = append(out, *att)
		}
	}
	return out, nil
}

func (s *memRetryStore) CancelPendingForJob(_ context.Context, jobID uuid.UUID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, att := range s.attempts {
		if att.JobID == jobID && att.Status == common.ERetryAttemptStatus.Pending() {
			done := at
			att.Status = common.ERetryAttemptStatus.Cancelled()
			att.CompletedAt = &done
			n++
		}
	}
	return n, nil
}

func (s *memRetryStore) Metrics(_ context.Context) ([]common.RetryMetrics, error) {
	return nil, nil
}

func (s *memRetryStore) attempt(id int64) common.RetryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if att, ok := s.attempts[id]; ok {
		return *att
	}
	return common.RetryAttempt{}
}

func (s *memRetryStore) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// fakeJobControl hands out seeded originals and records resubmissions.
type fakeJobControl struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*common.Job
	submitErr error
	submitted []capturedSubmit
}

func newFakeJobControl() *fakeJobControl {
	return &fakeJobControl{jobs: make(map[uuid.UUID]*common.Job)}
}

func (f *fakeJobControl) add(job *common.Job) {
	f.mu.Lock()
	cp := *job
	f.jobs[job.ID] = &cp
	f.mu.Unlock()
}

func (f *fakeJobControl) Get(_ context.Context, id uuid.UUID) (*common.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobControl) Submit(_ context.Context, jobType common.JobType,
	params common.OpaqueBag, opts SubmitOptions) (*common.Job, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, capturedSubmit{jobType: jobType, params: params, opts: opts})
	return &common.Job{
		ID:        uuid.New(),
		JobType:   jobType,
		Status:    common.EJobStatus.Pending(),
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeJobControl) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeJobControl) lastSubmit() capturedSubmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitted) == 0 {
		return capturedSubmit{}
	}
	return f.submitted[len(f.submitted)-1]
}

// markRecorder records retry markers per job.
type markRecorder struct {
	mu    sync.Mutex
	marks map[uuid.UUID]common.RetryMarker
}

func (f *markRecorder) SetRetryStatus(_ context.Context, id uuid.UUID, marker common.RetryMarker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marks == nil {
		f.marks = make(map[uuid.UUID]common.RetryMarker)
	}
	f.marks[id] = marker
	return nil
}

func (f *markRecorder) mark(id uuid.UUID) (common.RetryMarker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.marks[id]
	return m, ok
}

func newTestBridge(t *testing.T, store IRetryStore, jobs IJobControl,
	marks IRetryMarker, notifier INotifier) *Bridge {

	t.Helper()
	b := NewBridge(store, jobs, marks, notifier, engineLogger())
	b.jitter = func(d time.Duration) time.Duration { return d }
	t.Cleanup(b.Stop)
	return b
}

func exponentialPolicy(jobType common.JobType, maxAttempts, initialDelaySecs int) *common.RetryPolicy {
	return &common.RetryPolicy{
		JobType:           jobType,
		Enabled:           true,
		MaxAttempts:       maxAttempts,
		Strategy:          common.ERetryStrategy.Exponential(),
		InitialDelaySecs:  initialDelaySecs,
		BackoffMultiplier: 2,
	}
}

func failedRetryJob(jobType common.JobType, retryCount int) *common.Job {
	return &common.Job{
		ID:         uuid.New(),
		JobType:    jobType,
		Status:     common.EJobStatus.Failed(),
		Parameters: common.OpaqueBag{"page_size": float64(10)},
		Priority:   6,
		RetryCount: retryCount,
		CreatedAt:  time.Now(),
	}
}

////////////////////////////////////////////////////////////////////////////////
// tests
////////////////////////////////////////////////////////////////////////////////

func TestDelayForStrategies(t *testing.T) {
	a := assert.New(t)

	pol := &common.RetryPolicy{InitialDelaySecs: 2, BackoffMultiplier: 2}

	pol.Strategy = common.ERetryStrategy.Immediate()
	a.Equal(time.Duration(0), delayFor(pol, 3))

	pol.Strategy = common.ERetryStrategy.Linear()
	a.Equal(6*time.Second, delayFor(pol, 3))

	pol.Strategy = common.ERetryStrategy.Exponential()
	a.Equal(2*time.Second, delayFor(pol, 1))
	a.Equal(8*time.Second, delayFor(pol, 3))

	pol.Strategy = common.ERetryStrategy.Custom()
	a.Equal(2*time.Second, delayFor(pol, 3))

	pol.Strategy = common.ERetryStrategy.Exponential()
	pol.MaxDelaySecs = 5
	a.Equal(5*time.Second, delayFor(pol, 4))
}

func TestNormalizePolicyClampsNonsense(t *testing.T) {
	a := assert.New(t)

	pol := &common.RetryPolicy{MaxAttempts: 0, InitialDelaySecs: -5, BackoffMultiplier: 0, MaxDelaySecs: -1}
	normalizePolicy(pol)
	a.Equal(3, pol.MaxAttempts)
	a.Equal(0, pol.InitialDelaySecs)
	a.Equal(2.0, pol.BackoffMultiplier)
	a.Equal(0, pol.MaxDelaySecs)
}

func TestCheckAndRetrySchedulesAndResubmits(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	marks := &markRecorder{}
	notifier := &recordingNotifier{}
	b := newTestBridge(t, store, jobs, marks, notifier)

	jobType := common.EJobType.WeatherDataCollection()
	a.NoError(store.UpsertPolicy(context.Background(), exponentialPolicy(jobType, 3, 0)))
	orig := failedRetryJob(jobType, 0)
	jobs.add(orig)

	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))

	mark, ok := marks.mark(orig.ID)
	a.True(ok)
	a.Equal(common.ERetryMarker.Scheduled(), mark)
	a.True(notifier.seen(common.ENotificationEvent.JobRetryScheduled()))
	a.Equal(int64(1), b.Stats().Scheduled)

	// Zero initial delay fires the timer immediately.
	a.Eventually(func() bool { return jobs.submitCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	got := jobs.lastSubmit()
	a.Equal(jobType, got.jobType)
	a.Equal("retry_1", got.opts.RequestedBy)
	a.Equal(1, got.opts.RetryCount)
	a.Equal(orig.Priority, got.opts.Priority)
	a.Equal(orig.Parameters, got.params)

	a.Eventually(func() bool {
		att := store.attempt(1)
		return att.Status == common.ERetryAttemptStatus.Success() && att.RetryJobID != nil
	}, 3*time.Second, 10*time.Millisecond)
	a.Eventually(func() bool { return b.Stats().Resubmitted == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckAndRetrySkipsNonRetryableKind(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	marks := &markRecorder{}
	b := newTestBridge(t, store, jobs, marks, nil)

	jobType := common.EJobType.KTODataCollection()
	a.NoError(store.UpsertPolicy(context.Background(), exponentialPolicy(jobType, 3, 0)))
	orig := failedRetryJob(jobType, 0)
	jobs.add(orig)

	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.ParseFailure(), "broken envelope"))

	a.Equal(0, store.attemptCount())
	_, ok := marks.mark(orig.ID)
	a.False(ok)
	a.Equal(int64(0), b.Stats().Scheduled)
}

func TestCheckAndRetryRespectsKindFilter(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	marks := &markRecorder{}
	b := newTestBridge(t, store, jobs, marks, nil)

	jobType := common.EJobType.WeatherDataCollection()
	pol := exponentialPolicy(jobType, 3, 3600)
	pol.RetryOnKinds = common.KindList{common.EErrorKind.Timeout()}
	a.NoError(store.UpsertPolicy(context.Background(), pol))
	orig := failedRetryJob(jobType, 0)
	jobs.add(orig)

	// Transport is retryable in general but outside this policy's list.
	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))
	a.Equal(0, store.attemptCount())

	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Timeout(), "deadline blown"))
	a.Equal(1, store.attemptCount())
}

func TestCheckAndRetryIgnoresDisabledAndMissingPolicies(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	b := newTestBridge(t, store, jobs, &markRecorder{}, nil)

	// No policy at all.
	orig := failedRetryJob(common.EJobType.ArchiveBackup(), 0)
	jobs.add(orig)
	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))
	a.Equal(0, store.attemptCount())

	// Disabled policy.
	jobType := common.EJobType.KTODataCollection()
	pol := exponentialPolicy(jobType, 3, 0)
	pol.Enabled = false
	a.NoError(store.UpsertPolicy(context.Background(), pol))
	orig = failedRetryJob(jobType, 0)
	jobs.add(orig)
	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))
	a.Equal(0, store.attemptCount())
}

func TestCheckAndRetryExhaustsAtMaxAttempts(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	marks := &markRecorder{}
	notifier := &recordingNotifier{}
	b := newTestBridge(t, store, jobs, marks, notifier)

	jobType := common.EJobType.WeatherDataCollection()
	a.NoError(store.UpsertPolicy(context.Background(), exponentialPolicy(jobType, 3, 0)))
	orig := failedRetryJob(jobType, 3)
	jobs.add(orig)

	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))

	mark, ok := marks.mark(orig.ID)
	a.True(ok)
	a.Equal(common.ERetryMarker.MaxAttemptsReached(), mark)
	a.True(notifier.seen(common.ENotificationEvent.JobRetryMaxAttempts()))
	a.Equal(0, store.attemptCount())
	a.Equal(int64(1), b.Stats().Exhausted)
	a.Equal(common.ERetryMarker.MaxAttemptsReached(), orig.RetryStatus)
}

func TestCancelRetryStopsPendingTimer(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	b := newTestBridge(t, store, jobs, &markRecorder{}, nil)

	jobType := common.EJobType.KTODataCollection()
	a.NoError(store.UpsertPolicy(context.Background(), exponentialPolicy(jobType, 3, 3600)))
	orig := failedRetryJob(jobType, 0)
	jobs.add(orig)

	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))
	a.Equal(1, b.Stats().PendingTimers)

	n, err := b.CancelRetry(context.Background(), orig.ID)
	a.NoError(err)
	a.Equal(int64(1), n)
	a.Equal(0, b.Stats().PendingTimers)
	a.Equal(common.ERetryAttemptStatus.Cancelled(), store.attempt(1).Status)
	a.Equal(0, jobs.submitCount())
}

func TestRestoreRearmsPendingAttempts(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	b := newTestBridge(t, store, jobs, &markRecorder{}, nil)

	jobType := common.EJobType.WeatherDataCollection()
	orig := failedRetryJob(jobType, 0)
	jobs.add(orig)
	a.NoError(store.InsertAttempt(context.Background(), &common.RetryAttempt{
		JobID:         orig.ID,
		JobType:       jobType,
		AttemptNumber: 1,
		Status:        common.ERetryAttemptStatus.Pending(),
		NextRetryAt:   time.Now().Add(-time.Minute),
		CreatedAt:     time.Now().Add(-2 * time.Minute),
	}))

	a.NoError(b.Restore(context.Background()))
	a.Eventually(func() bool { return jobs.submitCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	a.Eventually(func() bool {
		return store.attempt(1).Status == common.ERetryAttemptStatus.Success()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResubmitFailureMarksAttemptFailed(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	jobs := newFakeJobControl()
	jobs.submitErr = errors.New("manager refused")
	b := newTestBridge(t, store, jobs, &markRecorder{}, nil)

	jobType := common.EJobType.KTODataCollection()
	a.NoError(store.UpsertPolicy(context.Background(), exponentialPolicy(jobType, 3, 0)))
	orig := failedRetryJob(jobType, 0)
	jobs.add(orig)

	b.CheckAndRetry(context.Background(), orig, common.KindErrorf(common.EErrorKind.Transport(), "socket reset"))

	a.Eventually(func() bool {
		return store.attempt(1).Status == common.ERetryAttemptStatus.Failed()
	}, 3*time.Second, 10*time.Millisecond)
	att := store.attempt(1)
	a.Contains(att.ErrorMessage, "manager refused")
	a.Nil(att.RetryJobID)
	a.Equal(int64(0), b.Stats().Resubmitted)
}

func TestPolicyCRUD(t *testing.T) {
	a := assert.New(t)
	store := newMemRetryStore()
	b := newTestBridge(t, store, newFakeJobControl(), &markRecorder{}, nil)

	jobType := common.EJobType.WeatherDataCollection()
	pol := &common.RetryPolicy{JobType: jobType, Enabled: true, Strategy: common.ERetryStrategy.Exponential()}
	a.NoError(b.CreatePolicy(context.Background(), pol))
	a.Equal(3, pol.MaxAttempts)
	a.Equal(2.0, pol.BackoffMultiplier)

	err := b.CreatePolicy(context.Background(), exponentialPolicy(jobType, 5, 1))
	a.ErrorIs(err, ErrPolicyExists)

	pol.MaxAttempts = 5
	a.NoError(b.UpdatePolicy(context.Background(), pol))
	got, err := b.Policy(context.Background(), jobType)
	a.NoError(err)
	a.Equal(5, got.MaxAttempts)

	missing := exponentialPolicy(common.EJobType.ArchiveBackup(), 3, 1)
	a.ErrorIs(b.UpdatePolicy(context.Background(), missing), db.ErrNotFound)

	pols, err := b.Policies(context.Background())
	a.NoError(err)
	a.Len(pols, 1)

	a.NoError(b.DeletePolicy(context.Background(), jobType))
	_, err = b.Policy(context.Background(), jobType)
	a.ErrorIs(err, db.ErrNotFound)
}
