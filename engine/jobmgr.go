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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// IJobStore is the slice of db.JobStore the manager needs. The job_executions
// row is the source of truth for every state transition; file logs and live
// streams are projections of it.
type IJobStore interface {
	Insert(ctx context.Context, job *common.Job) error
	Get(ctx context.Context, id uuid.UUID) (*common.Job, error)
	List(ctx context.Context, f db.JobFilter) ([]common.Job, int, error)
	MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkTerminal(ctx context.Context, id uuid.UUID, status common.JobStatus, errorMessage string, result common.OpaqueBag, at time.Time) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, step string) error
	MarkOrphans(ctx context.Context, at time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, since, until time.Time) (*common.JobStats, error)
	InsertLog(ctx context.Context, entry *common.JobLogEntry) error
	ListLogs(ctx context.Context, jobID uuid.UUID, f db.LogFilter) ([]common.JobLogEntry, int, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// IEventSink receives persisted log lines and job state changes for live
// streaming. Publishing is fire and forget: a slow or absent sink never
// fails a job, so the interface has no error returns.
type IEventSink interface {
	PublishLog(jobID uuid.UUID, entry *common.JobLogEntry)
	PublishUpdate(job *common.Job)
}

// IRetryBridge is consulted once per failed job, after the FAILED row and the
// job_failed notification are out.
type IRetryBridge interface {
	CheckAndRetry(ctx context.Context, job *common.Job, jobErr error)
}

// INotifier fans a lifecycle event out to subscribed channels.
type INotifier interface {
	JobEvent(ctx context.Context, job *common.Job, event common.NotificationEvent)
}

// IJobObserver feeds the monitor's batch-job health checks.
type IJobObserver interface {
	JobFinished(jobType common.JobType, status common.JobStatus, duration time.Duration)
	ObserveRecords(jobType common.JobType, processed, succeeded, failed int64)
}

// Executor is one job body. It reports progress through the context it is
// given and returns the result summary persisted on success.
type Executor func(jc *JobContext) (common.OpaqueBag, error)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ErrTypeRunning rejects a submission while another job of the same type is
// pending or running. Types are exclusive so two collectors never race over
// the same upstream quota.
var ErrTypeRunning = errors.New("a job of this type is already active")

// ErrNotRunning rejects a stop for a job that already reached a terminal
// state.
var ErrNotRunning = errors.New("job is not running")

// terminalWriteTimeout bounds the database writes made after a job body
// returns, when the job's own context may already be dead.
const terminalWriteTimeout = 30 * time.Second

// notifyTimeout bounds one fan-out round triggered by a lifecycle event.
const notifyTimeout = 30 * time.Second

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SubmitOptions carries the optional parts of a submission.
type SubmitOptions struct {
	Priority    int
	RequestedBy string
	RetryCount  int
}

// JobCleanupResult reports what a retention sweep removed.
type JobCleanupResult struct {
	DeletedJobs int64     `json:"deleted_jobs"`
	DeletedLogs int64     `json:"deleted_logs"`
	Cutoff      time.Time `json:"cutoff"`
}

type runningJob struct {
	job      *common.Job
	started  bool
	cancel   context.CancelFunc
	stopFlag atomic.Bool
	logFile  common.ILoggerResetable
}

// Manager owns the lifecycle of every batch job: it validates and persists
// submissions, dispatches them to the worker pool, records each transition
// and routes the fallout of a failure to the retry bridge.
type Manager struct {
	store  IJobStore
	pool   *Pool
	cfg    common.SchedulerSettings
	logger common.ILogger
	logDir string

	notifier INotifier
	retry    IRetryBridge
	observer IJobObserver
	events   IEventSink

	executors map[common.JobType]Executor
	schemas   map[common.JobType]func() interface{}
	validate  *validator.Validate

	mu            sync.Mutex
	running       map[uuid.UUID]*runningJob
	runningByType map[common.JobType]uuid.UUID

	submitted atomic.Int64
	stopped   atomic.Int64

	now func() time.Time
}

// NewManager wires a manager over its job store. logDir enables a per-job
// file log when non-empty; collaborators (notifier, retry bridge, observer,
// event sink) are attached afterwards and every one of them is optional.
func NewManager(store IJobStore, cfg common.SchedulerSettings, logDir string, logger common.ILogger) *Manager {
	return &Manager{
		store:         store,
		pool:          NewPool(cfg.MaxConcurrentJobs, cfg.SubmitQueueCap, logger),
		cfg:           cfg,
		logger:        logger,
		logDir:        logDir,
		executors:     make(map[common.JobType]Executor),
		schemas:       make(map[common.JobType]func() interface{}),
		validate:      validator.New(),
		running:       make(map[uuid.UUID]*runningJob),
		runningByType: make(map[common.JobType]uuid.UUID),
		now:           time.Now,
	}
}

func (m *Manager) SetNotifier(n INotifier)       { m.notifier = n }
func (m *Manager) SetRetryBridge(b IRetryBridge) { m.retry = b }
func (m *Manager) SetObserver(o IJobObserver)    { m.observer = o }
func (m *Manager) SetEventSink(s IEventSink)     { m.events = s }

// Register binds a job type to its body. Submissions of unregistered types
// are rejected.
func (m *Manager) Register(jobType common.JobType, body Executor) {
	m.executors[jobType] = body
}

// SetParamSchema attaches a typed parameter schema to a job type. Each
// submission is decoded into a fresh schema value with unknown fields
// rejected, then checked against the schema's validator tags. Types without
// a schema accept any parameter bag.
func (m *Manager) SetParamSchema(jobType common.JobType, newSchema func() interface{}) {
	m.schemas[jobType] = newSchema
}

func (m *Manager) checkParams(jobType common.JobType, params common.OpaqueBag) error {
	newSchema, ok := m.schemas[jobType]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	schema := newSchema()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(schema); err != nil {
		return fmt.Errorf("invalid parameters for %s: %w", jobType, err)
	}
	if err := m.validate.Struct(schema); err != nil {
		return fmt.Errorf("invalid parameters for %s: %w", jobType, err)
	}
	return nil
}

// Start reconciles rows left behind by a previous process. PENDING and
// RUNNING rows cannot survive a restart, so they are marked FAILED before any
// new work is accepted.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.store.MarkOrphans(ctx, m.now())
	if err != nil {
		return fmt.Errorf("reconcile orphaned jobs: %w", err)
	}
	if n > 0 {
		m.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("marked %d orphaned jobs as failed after restart", n))
	}
	return nil
}

// Stop drains the worker pool. Jobs still queued stay PENDING and are
// reconciled as orphans at the next boot.
func (m *Manager) Stop(grace time.Duration) {
	m.pool.Stop(grace)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Submit validates, persists and dispatches a job. The returned row is
// already PENDING when the call succeeds. When the worker queue is full the
// job is still created, immediately FAILED with the queue error, and both the
// row and a QueueFull error come back so callers can tell the two outcomes
// apart.
func (m *Manager) Submit(ctx context.Context, jobType common.JobType, params common.OpaqueBag, opts SubmitOptions) (*common.Job, error) {
	body, ok := m.executors[jobType]
	if !ok {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "no executor registered for job type %s", jobType)
	}
	if params == nil {
		params = common.OpaqueBag{}
	}
	if err := m.checkParams(jobType, params); err != nil {
		return nil, common.WithKind(common.EErrorKind.Config(), err)
	}
	if opts.RequestedBy == "" {
		opts.RequestedBy = "api"
	}

	job := &common.Job{
		ID:         uuid.New(),
		JobType:    jobType,
		Status:     common.EJobStatus.Pending(),
		Parameters: params,
		Priority:   opts.Priority,
		CreatedAt:  m.now(),
		CreatedBy:  opts.RequestedBy,
		RetryCount: opts.RetryCount,
	}

	// Reserve the type before touching the database so two concurrent
	// submissions of the same type cannot both pass the exclusivity check.
	m.mu.Lock()
	if otherID, busy := m.runningByType[jobType]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by job %s", ErrTypeRunning, jobType, otherID)
	}
	m.runningByType[jobType] = job.ID
	m.running[job.ID] = &runningJob{job: job}
	m.mu.Unlock()

	if err := m.store.Insert(ctx, job); err != nil {
		m.release(job)
		return nil, err
	}
	m.submitted.Add(1)
	m.appendLog(ctx, job, common.ELogLevel.Info(),
		fmt.Sprintf("%s job submitted by %s", job.JobType, opts.RequestedBy), nil)

	task := &poolTask{
		jobID:    job.ID,
		priority: opts.Priority,
		run:      func(workerID int) { m.runJob(job, body, workerID) },
	}
	if err := m.pool.Submit(task); err != nil {
		m.failBeforeRun(job, err)
		return job, err
	}
	return job, nil
}

// failBeforeRun finalizes a job that never reached a worker.
func (m *Manager) failBeforeRun(job *common.Job, cause error) {
	m.release(job)

	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	finished := m.now()
	job.Status = common.EJobStatus.Failed()
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &finished
	if err := m.store.MarkTerminal(ctx, job.ID, job.Status, job.ErrorMessage, nil, finished); err != nil {
		m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("job %s: persist dispatch failure: %v", job.ID, err))
	}
	m.appendLog(ctx, job, common.ELogLevel.Error(), "job failed before dispatch: "+cause.Error(), nil)
	m.publishUpdate(job)
	m.notifyAsync(job, common.ENotificationEvent.JobFailed())
	if m.observer != nil {
		m.observer.JobFinished(job.JobType, job.Status, 0)
	}
	m.consultRetry(job, cause)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// runJob executes one job body on a pool worker. Terminal rows for stopped
// jobs are written by Stop itself; everything else is written here.
func (m *Manager) runJob(job *common.Job, body Executor, workerID int) {
	m.mu.Lock()
	entry, ok := m.running[job.ID]
	if !ok {
		// Stopped while queued; the STOPPED row is already written.
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	entry.started = true
	entry.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	started := m.now()
	job.Status = common.EJobStatus.Running()
	job.StartedAt = &started
	if err := m.store.MarkRunning(ctx, job.ID, started); err != nil {
		m.finishJob(entry, job, nil, fmt.Errorf("mark job running: %w", err), started)
		return
	}
	if m.logDir != "" {
		fileLog := common.NewJobLogger(job.ID, common.ELogLevel.Info(), m.logDir, "")
		fileLog.OpenLog()
		m.mu.Lock()
		entry.logFile = fileLog
		m.mu.Unlock()
	}
	m.appendLog(ctx, job, common.ELogLevel.Info(),
		fmt.Sprintf("%s job started on worker %d", job.JobType, workerID), nil)
	m.publishUpdate(job)
	m.notifyAsync(job, common.ENotificationEvent.JobStarted())

	jc := &JobContext{ctx: ctx, Job: job, Params: job.Parameters, mgr: m, entry: entry}
	result, err := m.runBody(jc, body)
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = common.KindErrorf(common.EErrorKind.JobTimeout(), "job exceeded the %s deadline", m.cfg.JobTimeout)
	}
	m.finishJob(entry, job, result, err, started)
}

// runBody isolates the executor so a panicking body downs one job, not one
// worker.
func (m *Manager) runBody(jc *JobContext, body Executor) (result common.OpaqueBag, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.KindErrorf(common.EErrorKind.Unknown(), "job body panicked: %v", r)
		}
	}()
	return body(jc)
}

func (m *Manager) finishJob(entry *runningJob, job *common.Job, result common.OpaqueBag, jobErr error, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	finished := m.now()
	duration := finished.Sub(started)

	switch {
	case entry.stopFlag.Load():
		// Stop already wrote the STOPPED row and the warning log line.
		job.Status = common.EJobStatus.Stopped()
		job.CompletedAt = &finished
		m.stopped.Add(1)
		if m.observer != nil {
			m.observer.JobFinished(job.JobType, job.Status, duration)
		}

	case jobErr != nil:
		kind := common.ClassifyError(jobErr)
		job.Status = common.EJobStatus.Failed()
		job.ErrorMessage = jobErr.Error()
		job.CompletedAt = &finished
		if err := m.store.MarkTerminal(ctx, job.ID, job.Status, job.ErrorMessage, nil, finished); err != nil {
			m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("job %s: persist failure state: %v", job.ID, err))
		}
		m.appendLog(ctx, job, common.ELogLevel.Error(), "job failed: "+jobErr.Error(),
			common.OpaqueBag{"error_kind": kind.String(), "duration_seconds": duration.Seconds()})
		m.publishUpdate(job)
		m.notifyAsync(job, common.ENotificationEvent.JobFailed())
		if m.observer != nil {
			m.observer.JobFinished(job.JobType, job.Status, duration)
		}
		m.consultRetry(job, jobErr)

	default:
		job.Status = common.EJobStatus.Completed()
		job.Progress = 100
		job.ResultSummary = result
		job.CompletedAt = &finished
		if err := m.store.MarkTerminal(ctx, job.ID, job.Status, "", result, finished); err != nil {
			m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("job %s: persist completion: %v", job.ID, err))
		}
		m.appendLog(ctx, job, common.ELogLevel.Info(),
			fmt.Sprintf("job completed in %.1fs", duration.Seconds()), nil)
		m.publishUpdate(job)
		m.notifyAsync(job, common.ENotificationEvent.JobCompleted())
		if m.observer != nil {
			m.observer.JobFinished(job.JobType, job.Status, duration)
		}
	}

	if entry.logFile != nil {
		entry.logFile.CloseLog()
	}
	m.release(job)
}

// consultRetry hands a failed job to the retry bridge off the worker
// goroutine. The bridge owns everything from here: scheduling, max-attempt
// notifications, the retry ledger.
func (m *Manager) consultRetry(job *common.Job, jobErr error) {
	if m.retry == nil {
		return
	}
	snapshot := *job
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
		defer cancel()
		m.retry.CheckAndRetry(ctx, &snapshot, jobErr)
	}()
}

func (m *Manager) release(job *common.Job) {
	m.mu.Lock()
	delete(m.running, job.ID)
	if m.runningByType[job.JobType] == job.ID {
		delete(m.runningByType, job.JobType)
	}
	m.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// StopJob halts a job. A queued job is cancelled before dispatch; a running
// one gets its cooperative stop flag set and, with force, its context
// cancelled. The STOPPED row is written here so the state is visible the
// moment the call returns, not when the body happens to notice.
func (m *Manager) StopJob(ctx context.Context, id uuid.UUID, reason string, force bool) error {
	m.mu.Lock()
	entry, ok := m.running[id]
	if !ok {
		m.mu.Unlock()
		job, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s", ErrNotRunning, id, job.Status)
	}
	entry.stopFlag.Store(true)
	started := entry.started
	cancel := entry.cancel
	job := entry.job
	if !started {
		// Never dispatched: the worker will find no registry entry and skip it.
		delete(m.running, id)
		if m.runningByType[job.JobType] == id {
			delete(m.runningByType, job.JobType)
		}
	}
	m.mu.Unlock()

	if force && cancel != nil {
		cancel()
	}

	msg := "stopped by operator"
	if reason != "" {
		msg = "stopped: " + reason
	}
	finished := m.now()
	job.Status = common.EJobStatus.Stopped()
	job.ErrorMessage = msg
	job.CompletedAt = &finished
	if err := m.store.MarkTerminal(ctx, id, job.Status, msg, nil, finished); err != nil {
		return fmt.Errorf("persist stop: %w", err)
	}
	m.appendLog(ctx, job, common.ELogLevel.Warning(),
		fmt.Sprintf("stop requested (force=%t): %s", force, msg), nil)
	m.publishUpdate(job)
	if !started {
		m.stopped.Add(1)
		if m.observer != nil {
			m.observer.JobFinished(job.JobType, job.Status, 0)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Get returns one job row.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*common.Job, error) {
	return m.store.Get(ctx, id)
}

// List pages through job rows, newest first.
func (m *Manager) List(ctx context.Context, f db.JobFilter) ([]common.Job, int, error) {
	return m.store.List(ctx, f)
}

// Logs pages through the persisted log lines of one job.
func (m *Manager) Logs(ctx context.Context, jobID uuid.UUID, f db.LogFilter) ([]common.JobLogEntry, int, error) {
	if _, err := m.store.Get(ctx, jobID); err != nil {
		return nil, 0, err
	}
	return m.store.ListLogs(ctx, jobID, f)
}

// Stats aggregates job counts and durations inside [since, until].
func (m *Manager) Stats(ctx context.Context, since, until time.Time) (*common.JobStats, error) {
	return m.store.Stats(ctx, since, until)
}

// Cleanup deletes terminal jobs older than days and every log line older
// than the same cutoff.
func (m *Manager) Cleanup(ctx context.Context, days int) (*JobCleanupResult, error) {
	if days < 1 {
		days = 30
	}
	cutoff := m.now().AddDate(0, 0, -days)
	jobs, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	m.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("cleanup removed %d jobs and %d log lines older than %s", jobs, logs, cutoff.Format(time.RFC3339)))
	return &JobCleanupResult{DeletedJobs: jobs, DeletedLogs: logs, Cutoff: cutoff}, nil
}

// RunningCount is the number of jobs currently pending or executing.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// PoolStats exposes the worker pool counters.
func (m *Manager) PoolStats() PoolStats { return m.pool.Stats() }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// appendLog persists one log line, mirrors it to the process and per-job
// logs, then publishes it. Only the database write can fail and that is
// downgraded to a warning; a job must not die because a log line did.
func (m *Manager) appendLog(ctx context.Context, job *common.Job, level common.LogLevel, message string, details common.OpaqueBag) {
	entry := &common.JobLogEntry{
		JobID:     job.ID,
		Level:     level,
		Message:   message,
		Details:   details,
		CreatedAt: m.now(),
	}
	if err := m.store.InsertLog(ctx, entry); err != nil {
		m.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("job %s: persist log line: %v", job.ID, err))
	}
	if m.logger.ShouldLog(level) {
		m.logger.Log(level, fmt.Sprintf("[job %s] %s", shortID(job.ID), message))
	}
	m.mu.Lock()
	var fileLog common.ILoggerResetable
	if e, ok := m.running[job.ID]; ok {
		fileLog = e.logFile
	}
	m.mu.Unlock()
	if fileLog != nil {
		fileLog.Log(level, message)
	}
	if m.events != nil {
		m.events.PublishLog(job.ID, entry)
	}
}

func (m *Manager) publishUpdate(job *common.Job) {
	if m.events != nil {
		m.events.PublishUpdate(job)
	}
}

func (m *Manager) notifyAsync(job *common.Job, event common.NotificationEvent) {
	if m.notifier == nil {
		return
	}
	snapshot := *job
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		m.notifier.JobEvent(ctx, &snapshot, event)
	}()
}

func shortID(id uuid.UUID) string {
	s := id.String()
	return s[:8]
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// JobContext is what a job body sees: its parameters, a context that dies at
// the job deadline, and callbacks that persist progress before publishing it.
type JobContext struct {
	Job    *common.Job
	Params common.OpaqueBag

	ctx   context.Context
	mgr   *Manager
	entry *runningJob
}

// Context carries the job deadline and force-stop cancellation.
func (jc *JobContext) Context() context.Context { return jc.ctx }

// ShouldStop reports whether the body ought to wind down at its next
// checkpoint, either because an operator asked or the deadline passed.
func (jc *JobContext) ShouldStop() bool {
	return jc.entry.stopFlag.Load() || jc.ctx.Err() != nil
}

// Progress persists the new completion percentage and step name, then
// publishes them to live subscribers.
func (jc *JobContext) Progress(pct float64, step string) {
	jc.Job.Progress = pct
	jc.Job.CurrentStep = step
	if err := jc.mgr.store.UpdateProgress(jc.ctx, jc.Job.ID, pct, step); err != nil {
		jc.mgr.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("job %s: persist progress: %v", jc.Job.ID, err))
	}
	jc.mgr.publishUpdate(jc.Job)
}

// Log appends one line to the job's log.
func (jc *JobContext) Log(level common.LogLevel, message string, details common.OpaqueBag) {
	jc.mgr.appendLog(jc.ctx, jc.Job, level, message, details)
}

// Records feeds the monitor's success-rate tracking for this job type.
func (jc *JobContext) Records(processed, succeeded, failed int64) {
	if jc.mgr.observer != nil {
		jc.mgr.observer.ObserveRecords(jc.Job.JobType, processed, succeeded, failed)
	}
}
