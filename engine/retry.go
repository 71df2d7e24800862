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
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// IRetryStore is the slice of db.RetryStore the bridge needs.
type IRetryStore interface {
	GetPolicy(ctx context.Context, jobType common.JobType) (*common.RetryPolicy, error)
	UpsertPolicy(ctx context.Context, pol *common.RetryPolicy) error
	ListPolicies(ctx context.Context) ([]common.RetryPolicy, error)
	DeletePolicy(ctx context.Context, jobType common.JobType) error
	InsertAttempt(ctx context.Context, att *common.RetryAttempt) error
	StartAttempt(ctx context.Context, id int64, at time.Time) error
	FinishAttempt(ctx context.Context, id int64, status common.RetryAttemptStatus,
		retryJobID *uuid.UUID, errorMessage string, at time.Time) error
	ListAttempts(ctx context.Context, jobID uuid.UUID) ([]common.RetryAttempt, error)
	PendingAttempts(ctx context.Context) ([]common.RetryAttempt, error)
	CancelPendingForJob(ctx context.Context, jobID uuid.UUID, at time.Time) (int64, error)
	Metrics(ctx context.Context) ([]common.RetryMetrics, error)
}

// IJobControl is what the bridge needs from the job manager: the original
// row for its parameters, the resubmission path, and the retry marker on the
// failed row.
type IJobControl interface {
	Get(ctx context.Context, id uuid.UUID) (*common.Job, error)
	Submit(ctx context.Context, jobType common.JobType, params common.OpaqueBag, opts SubmitOptions) (*common.Job, error)
}

// IRetryMarker updates the retry_status column of the original job.
type IRetryMarker interface {
	SetRetryStatus(ctx context.Context, id uuid.UUID, marker common.RetryMarker) error
}

// ErrPolicyExists rejects creating a policy for a type that already has one.
var ErrPolicyExists = errors.New("retry policy already exists for this job type")

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// BridgeStats is a point-in-time view of the bridge.
type BridgeStats struct {
	Scheduled     int64 `json:"scheduled"`
	Resubmitted   int64 `json:"resubmitted"`
	Exhausted     int64 `json:"exhausted"`
	PendingTimers int   `json:"pending_timers"`
}

type retryTimer struct {
	timer *time.Timer
	jobID uuid.UUID
}

// Bridge decides what happens after a job fails: nothing, a scheduled
// re-submission, or a max-attempts notification. Every decision leaves a row
// in retry_attempts, so the ledger survives restarts and Restore can re-arm
// whatever was pending.
type Bridge struct {
	store    IRetryStore
	jobs     IJobControl
	marks    IRetryMarker
	notifier INotifier
	logger   common.ILogger

	mu     sync.Mutex
	timers map[int64]retryTimer

	scheduled   atomic.Int64
	resubmitted atomic.Int64
	exhausted   atomic.Int64

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

// NewBridge wires the bridge. notifier may be nil.
func NewBridge(store IRetryStore, jobs IJobControl, marks IRetryMarker,
	notifier INotifier, logger common.ILogger) *Bridge {
	return &Bridge{
		store:    store,
		jobs:     jobs,
		marks:    marks,
		notifier: notifier,
		logger:   logger,
		timers:   make(map[int64]retryTimer),
		now:      time.Now,
		jitter:   defaultJitter,
	}
}

// defaultJitter spreads a delay across ±10% so a burst of failures does not
// come back as a burst.
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

// Restore re-arms every attempt that was pending when the previous process
// died. Attempts already due fire immediately.
func (b *Bridge) Restore(ctx context.Context) error {
	pending, err := b.store.PendingAttempts(ctx)
	if err != nil {
		return fmt.Errorf("load pending retries: %w", err)
	}
	for i := range pending {
		att := pending[i]
		delay := att.NextRetryAt.Sub(b.now())
		if delay < 0 {
			delay = 0
		}
		b.arm(&att, delay)
	}
	if len(pending) > 0 {
		b.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("re-armed %d pending retries", len(pending)))
	}
	return nil
}

// Stop discards every armed timer. The rows stay PENDING for the next boot.
func (b *Bridge) Stop() {
	b.mu.Lock()
	for id, rt := range b.timers {
		rt.timer.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CheckAndRetry implements IRetryBridge. It consults the type's policy,
// filters by error kind, and either schedules the next attempt or declares
// the job exhausted.
func (b *Bridge) CheckAndRetry(ctx context.Context, job *common.Job, jobErr error) {
	pol, err := b.store.GetPolicy(ctx, job.JobType)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		b.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("retry policy lookup for %s: %v", job.JobType, err))
		return
	}
	if !pol.Enabled {
		return
	}
	kind := common.ClassifyError(jobErr)
	if !kind.Retryable() || !pol.RetryOnKinds.Contains(kind) {
		b.logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("job %s not retried: %s failures are outside the %s policy", job.ID, kind, job.JobType))
		return
	}

	if job.RetryCount >= pol.MaxAttempts {
		b.exhausted.Add(1)
		if err := b.marks.SetRetryStatus(ctx, job.ID, common.ERetryMarker.MaxAttemptsReached()); err != nil {
			b.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("job %s: persist retry marker: %v", job.ID, err))
		}
		job.RetryStatus = common.ERetryMarker.MaxAttemptsReached()
		b.notify(ctx, job, common.ENotificationEvent.JobRetryMaxAttempts())
		b.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("job %s exhausted %d retry attempts", job.ID, pol.MaxAttempts))
		return
	}

	attempt := job.RetryCount + 1
	delay := b.jitter(delayFor(pol, attempt))
	now := b.now()
	att := &common.RetryAttempt{
		JobID:         job.ID,
		JobType:       job.JobType,
		AttemptNumber: attempt,
		Status:        common.ERetryAttemptStatus.Pending(),
		ErrorMessage:  jobErr.Error(),
		ErrorKind:     kind,
		DelaySeconds:  int(delay / time.Second),
		NextRetryAt:   now.Add(delay),
		CreatedAt:     now,
	}
	if err := b.store.InsertAttempt(ctx, att); err != nil {
		b.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("job %s: persist retry attempt: %v", job.ID, err))
		return
	}
	if err := b.marks.SetRetryStatus(ctx, job.ID, common.ERetryMarker.Scheduled()); err != nil {
		b.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("job %s: persist retry marker: %v", job.ID, err))
	}
	job.RetryStatus = common.ERetryMarker.Scheduled()
	b.notify(ctx, job, common.ENotificationEvent.JobRetryScheduled())
	b.arm(att, delay)
	b.scheduled.Add(1)
	b.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("retry %d/%d for job %s in %s (%s)", attempt, pol.MaxAttempts, job.ID,
			delay.Round(time.Second), kind))
}

// CancelRetry stops the pending attempts of one job, timers included.
func (b *Bridge) CancelRetry(ctx context.Context, jobID uuid.UUID) (int64, error) {
	b.mu.Lock()
	for id, rt := range b.timers {
		if rt.jobID == jobID {
			rt.timer.Stop()
			delete(b.timers, id)
		}
	}
	b.mu.Unlock()
	return b.store.CancelPendingForJob(ctx, jobID, b.now())
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (b *Bridge) arm(att *common.RetryAttempt, delay time.Duration) {
	id := att.ID
	snapshot := *att
	b.mu.Lock()
	b.timers[id] = retryTimer{
		jobID: att.JobID,
		timer: time.AfterFunc(delay, func() { b.fire(&snapshot) }),
	}
	b.mu.Unlock()
}

// fire runs one due attempt. StartAttempt only succeeds for a row still
// PENDING, which makes the timer idempotent against a concurrent cancel.
func (b *Bridge) fire(att *common.RetryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	b.mu.Lock()
	delete(b.timers, att.ID)
	b.mu.Unlock()

	if err := b.store.StartAttempt(ctx, att.ID, b.now()); err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			b.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("retry attempt %d: start: %v", att.ID, err))
		}
		return
	}
	orig, err := b.jobs.Get(ctx, att.JobID)
	if err != nil {
		b.finish(ctx, att.ID, common.ERetryAttemptStatus.Failed(), nil, "original job lookup: "+err.Error())
		return
	}
	newJob, err := b.jobs.Submit(ctx, att.JobType, orig.Parameters, SubmitOptions{
		Priority:    orig.Priority,
		RequestedBy: fmt.Sprintf("retry_%d", att.ID),
		RetryCount:  att.AttemptNumber,
	})
	if err != nil {
		// A queue-full resubmission still created a FAILED job whose own
		// failure path re-enters CheckAndRetry; other errors end the chain
		// here with the attempt marked FAILED.
		var newID *uuid.UUID
		if newJob != nil {
			newID = &newJob.ID
		}
		b.finish(ctx, att.ID, common.ERetryAttemptStatus.Failed(), newID, err.Error())
		b.logger.Log(common.ELogLevel.Error(),
			fmt.Sprintf("retry attempt %d for job %s failed to resubmit: %v", att.AttemptNumber, att.JobID, err))
		return
	}
	b.resubmitted.Add(1)
	b.finish(ctx, att.ID, common.ERetryAttemptStatus.Success(), &newJob.ID, "")
	b.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("retry attempt %d for job %s resubmitted as %s", att.AttemptNumber, att.JobID, newJob.ID))
}

func (b *Bridge) finish(ctx context.Context, id int64, status common.RetryAttemptStatus,
	retryJobID *uuid.UUID, errorMessage string) {
	if err := b.store.FinishAttempt(ctx, id, status, retryJobID, errorMessage, b.now()); err != nil {
		b.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("retry attempt %d: finish: %v", id, err))
	}
}

func (b *Bridge) notify(ctx context.Context, job *common.Job, event common.NotificationEvent) {
	if b.notifier != nil {
		b.notifier.JobEvent(ctx, job, event)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// delayFor computes the wait before attempt n (1-based), capped at the
// policy maximum.
func delayFor(pol *common.RetryPolicy, attempt int) time.Duration {
	base := time.Duration(pol.InitialDelaySecs) * time.Second
	var d time.Duration
	switch pol.Strategy {
	case common.ERetryStrategy.Immediate():
		return 0
	case common.ERetryStrategy.Linear():
		d = base * time.Duration(attempt)
	case common.ERetryStrategy.Exponential():
		d = time.Duration(float64(base) * math.Pow(pol.BackoffMultiplier, float64(attempt-1)))
	default: // Custom keeps the configured delay flat.
		d = base
	}
	if maxDelay := time.Duration(pol.MaxDelaySecs) * time.Second; maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// normalizePolicy clamps nonsense values before persisting.
func normalizePolicy(pol *common.RetryPolicy) {
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 3
	}
	if pol.InitialDelaySecs < 0 {
		pol.InitialDelaySecs = 0
	}
	if pol.BackoffMultiplier <= 0 {
		pol.BackoffMultiplier = 2
	}
	if pol.MaxDelaySecs < 0 {
		pol.MaxDelaySecs = 0
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CreatePolicy adds a policy; a type that already has one is rejected.
func (b *Bridge) CreatePolicy(ctx context.Context, pol *common.RetryPolicy) error {
	if _, err := b.store.GetPolicy(ctx, pol.JobType); err == nil {
		return fmt.Errorf("%w: %s", ErrPolicyExists, pol.JobType)
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	normalizePolicy(pol)
	return b.store.UpsertPolicy(ctx, pol)
}

// UpdatePolicy rewrites an existing policy.
func (b *Bridge) UpdatePolicy(ctx context.Context, pol *common.RetryPolicy) error {
	if _, err := b.store.GetPolicy(ctx, pol.JobType); err != nil {
		return err
	}
	normalizePolicy(pol)
	return b.store.UpsertPolicy(ctx, pol)
}

// Policy returns one type's policy.
func (b *Bridge) Policy(ctx context.Context, jobType common.JobType) (*common.RetryPolicy, error) {
	return b.store.GetPolicy(ctx, jobType)
}

// Policies lists every policy.
func (b *Bridge) Policies(ctx context.Context) ([]common.RetryPolicy, error) {
	return b.store.ListPolicies(ctx)
}

// DeletePolicy removes a policy; jobs of that type stop retrying.
func (b *Bridge) DeletePolicy(ctx context.Context, jobType common.JobType) error {
	return b.store.DeletePolicy(ctx, jobType)
}

// Attempts returns the full retry history of one job.
func (b *Bridge) Attempts(ctx context.Context, jobID uuid.UUID) ([]common.RetryAttempt, error) {
	return b.store.ListAttempts(ctx, jobID)
}

// Queue returns every attempt waiting to fire.
func (b *Bridge) Queue(ctx context.Context) ([]common.RetryAttempt, error) {
	return b.store.PendingAttempts(ctx)
}

// Metrics aggregates the ledger per job type.
func (b *Bridge) Metrics(ctx context.Context) ([]common.RetryMetrics, error) {
	return b.store.Metrics(ctx)
}

// Stats reports the bridge's in-memory counters.
func (b *Bridge) Stats() BridgeStats {
	b.mu.Lock()
	pending := len(b.timers)
	b.mu.Unlock()
	return BridgeStats{
		Scheduled:     b.scheduled.Load(),
		Resubmitted:   b.resubmitted.Load(),
		Exhausted:     b.exhausted.Load(),
		PendingTimers: pending,
	}
}
