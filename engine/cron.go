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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/ttl"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// IScheduleStore is the slice of db.ScheduleStore the scheduler needs.
type IScheduleStore interface {
	Insert(ctx context.Context, sched *common.Schedule) error
	Update(ctx context.Context, sched *common.Schedule) error
	SetStatus(ctx context.Context, id int64, status common.ScheduleStatus, errorMessage string) error
	RecordRun(ctx context.Context, id int64, execID uuid.UUID, at time.Time) error
	Get(ctx context.Context, id int64) (*common.Schedule, error)
	List(ctx context.Context, onlyActive bool) ([]common.Schedule, error)
	Delete(ctx context.Context, id int64) error
}

// ISubmitter decouples the scheduler from the job manager.
type ISubmitter interface {
	Submit(ctx context.Context, jobType common.JobType, params common.OpaqueBag, opts SubmitOptions) (*common.Job, error)
}

// Builtin is a standing maintenance entry registered alongside the persisted
// schedules. Builtins never touch job_schedules rows.
type Builtin struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// misfireGrace is how late a one-shot may still fire. A one-shot found on
// load older than this is marked FAILED instead of run.
const misfireGrace = 5 * time.Minute

// fireTimeout bounds the database work of one firing, builtins included.
const fireTimeout = time.Minute

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Scheduler fires persisted schedules on time: recurring ones through cron
// entries, one-shots through timers. Every firing funnels into a single
// submit path so manual execution, cron and timers all leave the same trail.
type Scheduler struct {
	store    IScheduleStore
	jobs     ISubmitter
	cron     *cron.Cron
	loc      *time.Location
	logger   common.ILogger
	builtins []Builtin

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	timers  map[int64]*time.Timer
	started bool

	fired    atomic.Int64
	misfired atomic.Int64

	now func() time.Time
}

// NewScheduler wires a scheduler over its store. All cron expressions are
// evaluated in loc, which is the service's home timezone, not the host's.
func NewScheduler(store IScheduleStore, jobs ISubmitter, loc *time.Location,
	logger common.ILogger, builtins ...Builtin) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:    store,
		jobs:     jobs,
		cron:     cron.New(cron.WithLocation(loc)),
		loc:      loc,
		logger:   logger,
		builtins: builtins,
		entries:  make(map[int64]cron.EntryID),
		timers:   make(map[int64]*time.Timer),
		now:      time.Now,
	}
}

// Start loads every active schedule, arms it, registers the builtins and
// starts the clock. One-shots already past the misfire grace are marked
// FAILED here rather than fired late.
func (s *Scheduler) Start(ctx context.Context) error {
	scheds, err := s.store.List(ctx, true)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	armed := 0
	for i := range scheds {
		sched := scheds[i]
		if sched.Status != common.EScheduleStatus.Pending() && sched.Status != common.EScheduleStatus.Scheduled() {
			continue
		}
		if err := s.arm(ctx, &sched); err != nil {
			s.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("schedule %d not armed: %v", sched.ID, err))
			continue
		}
		armed++
	}
	for _, b := range s.builtins {
		if err := s.registerBuiltin(b); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("scheduler started: %d schedules armed, %d builtins, location %s",
			armed, len(s.builtins), s.loc))
	return nil
}

// Stop halts the clock and every pending one-shot timer. In-flight firings
// finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.started = false
	s.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Create validates and persists a schedule, arming it when active. Exactly
// one of cron_expr and scheduled_time must be set.
func (s *Scheduler) Create(ctx context.Context, sched *common.Schedule) error {
	if err := s.validateSpec(sched); err != nil {
		return common.WithKind(common.EErrorKind.Config(), err)
	}
	sched.Status = common.EScheduleStatus.Pending()
	if sched.IsActive {
		sched.Status = common.EScheduleStatus.Scheduled()
	}
	now := s.now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if err := s.store.Insert(ctx, sched); err != nil {
		return err
	}
	if sched.IsActive {
		if err := s.arm(ctx, sched); err != nil {
			return err
		}
	}
	return nil
}

// Update rewrites a schedule and re-arms it. Deactivating tears the entry
// down without touching past run history.
func (s *Scheduler) Update(ctx context.Context, sched *common.Schedule) error {
	if err := s.validateSpec(sched); err != nil {
		return common.WithKind(common.EErrorKind.Config(), err)
	}
	if err := s.store.Update(ctx, sched); err != nil {
		return err
	}
	s.disarm(sched.ID)
	status := common.EScheduleStatus.Pending()
	if sched.IsActive {
		status = common.EScheduleStatus.Scheduled()
	}
	if err := s.store.SetStatus(ctx, sched.ID, status, ""); err != nil {
		return err
	}
	sched.Status = status
	if sched.IsActive {
		return s.arm(ctx, sched)
	}
	return nil
}

// Delete removes a schedule and its armed entry.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.disarm(id)
	return s.store.Delete(ctx, id)
}

// Get returns one schedule with its next fire time filled in.
func (s *Scheduler) Get(ctx context.Context, id int64) (*common.Schedule, error) {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fillNextRun(sched)
	return sched, nil
}

// List returns schedules with next fire times filled in.
func (s *Scheduler) List(ctx context.Context, onlyActive bool) ([]common.Schedule, error) {
	scheds, err := s.store.List(ctx, onlyActive)
	if err != nil {
		return nil, err
	}
	for i := range scheds {
		s.fillNextRun(&scheds[i])
	}
	return scheds, nil
}

// Execute fires a schedule immediately, outside its normal cadence.
func (s *Scheduler) Execute(ctx context.Context, id int64) (*common.Job, error) {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.runSchedule(ctx, sched, true)
}

// Upcoming lists the runs due within the window, soonest first. Recurring
// schedules report their next cron fire; pending one-shots their scheduled
// time.
func (s *Scheduler) Upcoming(ctx context.Context, window time.Duration) ([]common.Schedule, error) {
	scheds, err := s.store.List(ctx, true)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.loc)
	end := now.Add(window)
	out := make([]common.Schedule, 0, len(scheds))
	for i := range scheds {
		sched := scheds[i]
		s.fillNextRun(&sched)
		if sched.NextRunAt == nil {
			continue
		}
		if sched.NextRunAt.After(now) && !sched.NextRunAt.After(end) {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *Scheduler) validateSpec(sched *common.Schedule) error {
	hasCron := sched.CronExpr != ""
	hasTime := sched.ScheduledTime != nil
	if hasCron == hasTime {
		return fmt.Errorf("a schedule needs exactly one of cron_expr and scheduled_time")
	}
	if hasCron {
		if _, err := cron.ParseStandard(sched.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %v", sched.CronExpr, err)
		}
	}
	if hasTime && sched.ScheduledTime.Before(s.now().Add(-misfireGrace)) {
		return fmt.Errorf("scheduled_time %s is already past", sched.ScheduledTime.Format(time.RFC3339))
	}
	return nil
}

// arm registers a recurring schedule with cron or a one-shot with a timer.
func (s *Scheduler) arm(ctx context.Context, sched *common.Schedule) error {
	id := sched.ID
	if sched.IsRecurring() {
		entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.fire(id, false) })
		if err != nil {
			return fmt.Errorf("arm schedule %d: %w", id, err)
		}
		s.mu.Lock()
		s.entries[id] = entryID
		s.mu.Unlock()
		return nil
	}

	delay := sched.ScheduledTime.Sub(s.now())
	if delay < -misfireGrace {
		s.misfired.Add(1)
		if err := s.store.SetStatus(ctx, id, common.EScheduleStatus.Failed(),
			"missed scheduled time by more than the misfire grace"); err != nil {
			return err
		}
		s.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("schedule %d missed its time by %s, marked failed", id, (-delay).Round(time.Second)))
		return nil
	}
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, true) })
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) disarm(id int64) {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// fire is the cron/timer callback.
func (s *Scheduler) fire(id int64, oneShot bool) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	if oneShot {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
	}
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("schedule %d vanished before firing: %v", id, err))
		return
	}
	if !sched.IsActive {
		return
	}
	if _, err := s.runSchedule(ctx, sched, false); err != nil {
		s.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("schedule %d firing failed: %v", id, err))
	}
}

// runSchedule submits the schedule's job and records the run. One-shots are
// marked COMPLETED once their job is in; recurring entries return to
// SCHEDULED to wait for the next fire.
func (s *Scheduler) runSchedule(ctx context.Context, sched *common.Schedule, manual bool) (*common.Job, error) {
	requestedBy := fmt.Sprintf("schedule_%d", sched.ID)
	if manual {
		requestedBy += "_manual"
	}
	job, err := s.jobs.Submit(ctx, sched.JobType, sched.Parameters, SubmitOptions{
		Priority:    sched.Priority,
		RequestedBy: requestedBy,
	})
	if err != nil {
		s.misfired.Add(1)
		if serr := s.store.SetStatus(ctx, sched.ID, common.EScheduleStatus.Failed(), err.Error()); serr != nil {
			s.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("schedule %d: persist failure state: %v", sched.ID, serr))
		}
		return nil, err
	}
	s.fired.Add(1)
	if err := s.store.RecordRun(ctx, sched.ID, job.ID, s.now()); err != nil {
		s.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("schedule %d: record run: %v", sched.ID, err))
	}
	final := common.EScheduleStatus.Scheduled()
	if !sched.IsRecurring() {
		final = common.EScheduleStatus.Completed()
	}
	if err := s.store.SetStatus(ctx, sched.ID, final, ""); err != nil {
		s.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("schedule %d: persist %s: %v", sched.ID, final, err))
	}
	s.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("schedule %d fired job %s (%s)", sched.ID, job.ID, sched.JobType))
	return job, nil
}

func (s *Scheduler) registerBuiltin(b Builtin) error {
	name, run := b.Name, b.Run
	_, err := s.cron.AddFunc(b.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("builtin %s failed: %v", name, err))
			return
		}
		s.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("builtin %s completed", name))
	})
	if err != nil {
		return fmt.Errorf("register builtin %s: %w", b.Name, err)
	}
	return nil
}

// fillNextRun computes the next fire time without touching the database.
func (s *Scheduler) fillNextRun(sched *common.Schedule) {
	sched.NextRunAt = nil
	if sched.IsRecurring() {
		spec, err := cron.ParseStandard(sched.CronExpr)
		if err != nil {
			return
		}
		next := spec.Next(s.now().In(s.loc))
		sched.NextRunAt = &next
		return
	}
	if sched.ScheduledTime == nil {
		return
	}
	if sched.Status == common.EScheduleStatus.Pending() || sched.Status == common.EScheduleStatus.Scheduled() {
		t := *sched.ScheduledTime
		sched.NextRunAt = &t
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// MaintenanceBuiltins assembles the standing maintenance entries: cache
// warming at 01:00 and the retention sweep at 02:00, both in the scheduler's
// location. Either can be nil to skip it.
func MaintenanceBuiltins(warmCache func(ctx context.Context) error, cleaner ICleaner, logger common.ILogger) []Builtin {
	var items []Builtin
	if warmCache != nil {
		items = append(items, Builtin{Name: "cache-warming", Spec: "0 1 * * *", Run: warmCache})
	}
	if cleaner != nil {
		items = append(items, Builtin{Name: "ttl-cleanup", Spec: "0 2 * * *", Run: func(ctx context.Context) error {
			report := cleaner.Cleanup(ctx, ttl.CleanupOptions{})
			if len(report.Errors) > 0 {
				return fmt.Errorf("retention sweep finished with %d errors, first: %s",
					len(report.Errors), report.Errors[0])
			}
			logger.Log(common.ELogLevel.Info(),
				fmt.Sprintf("retention sweep freed %.1fMB across %d rows", report.SpaceFreedMB, report.Deleted))
			return nil
		}})
	}
	return items
}
