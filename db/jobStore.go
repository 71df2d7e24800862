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

package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// JobStore persists job executions and their log lines.
type JobStore struct {
	db *sqlx.DB
}

func NewJobStore(dbx *sqlx.DB) *JobStore {
	return &JobStore{db: dbx}
}

const jobColumns = `id, job_type, status, parameters, priority, progress, current_step,
	created_at, created_by, started_at, completed_at, error_message, result_summary,
	retry_status, retry_count`

func (s *JobStore) Insert(ctx context.Context, job *common.Job) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_executions (id, job_type, status, parameters, priority, progress,
			current_step, created_at, created_by, error_message, result_summary,
			retry_status, retry_count)
		VALUES (:id, :job_type, :status, :parameters, :priority, :progress,
			:current_step, :created_at, :created_by, :error_message, :result_summary,
			:retry_status, :retry_count)`, job)
	return wrapDB(err, "insert job")
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*common.Job, error) {
	var job common.Job
	err := s.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM job_executions WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get job")
	}
	return &job, nil
}

// JobFilter narrows List. Nil members are not filtered on.
type JobFilter struct {
	Status  *common.JobStatus
	JobType *common.JobType
	Limit   int
	Offset  int
}

// List returns one page of jobs, newest first, plus the unpaged match count.
func (s *JobStore) List(ctx context.Context, f JobFilter) ([]common.Job, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.JobType != nil {
		args = append(args, *f.JobType)
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM job_executions WHERE `+cond, args...); err != nil {
		return nil, 0, wrapDB(err, "count jobs")
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM job_executions WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args))

	jobs := []common.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, 0, wrapDB(err, "list jobs")
	}
	return jobs, total, nil
}

// Active returns jobs that currently occupy an exclusivity slot.
func (s *JobStore) Active(ctx context.Context) ([]common.Job, error) {
	jobs := []common.Job{}
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM job_executions
		 WHERE status IN ($1, $2) ORDER BY created_at`,
		common.EJobStatus.Pending(), common.EJobStatus.Running())
	return jobs, wrapDB(err, "list active jobs")
}

// The status transitions below are guarded in SQL so a write that lost a race
// against a stop or terminal write becomes a no-op instead of regressing the
// row. Terminal rows never change again.

func (s *JobStore) MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET status = $1, started_at = $2
		 WHERE id = $3 AND status = $4`,
		common.EJobStatus.Running(), at, id, common.EJobStatus.Pending())
	return wrapDB(err, "mark job running")
}

func (s *JobStore) MarkTerminal(ctx context.Context, id uuid.UUID, status common.JobStatus,
	errorMessage string, result common.OpaqueBag, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status = $1, error_message = $2, result_summary = $3, completed_at = $4,
		     progress = CASE WHEN $1::text = $6::text THEN 100 ELSE progress END
		 WHERE id = $5 AND status IN ($7, $8)`,
		status, errorMessage, result, at, id, common.EJobStatus.Completed(),
		common.EJobStatus.Pending(), common.EJobStatus.Running())
	return wrapDB(err, "mark job terminal")
}

func (s *JobStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, step string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET progress = $1, current_step = $2
		 WHERE id = $3 AND status = $4`,
		progress, step, id, common.EJobStatus.Running())
	return wrapDB(err, "update job progress")
}

func (s *JobStore) SetRetryStatus(ctx context.Context, id uuid.UUID, marker common.RetryMarker) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET retry_status = $1 WHERE id = $2`, marker, id)
	return wrapDB(err, "set job retry status")
}

// MarkOrphans fails every non-terminal job left behind by an earlier process.
// Called once at boot, before the scheduler starts.
func (s *JobStore) MarkOrphans(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_executions
		 SET status = $1, error_message = 'orphaned by service restart', completed_at = $2
		 WHERE status IN ($3, $4)`,
		common.EJobStatus.Failed(), at,
		common.EJobStatus.Pending(), common.EJobStatus.Running())
	if err != nil {
		return 0, wrapDB(err, "mark orphaned jobs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTerminalBefore prunes finished executions older than the cutoff.
// Log rows go with them through the FK cascade.
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_executions
		 WHERE completed_at IS NOT NULL AND completed_at < $1 AND status IN ($2, $3, $4)`,
		cutoff, common.EJobStatus.Completed(), common.EJobStatus.Failed(), common.EJobStatus.Stopped())
	if err != nil {
		return 0, wrapDB(err, "delete old jobs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats aggregates executions created inside [since, until]. A zero until
// means now.
func (s *JobStore) Stats(ctx context.Context, since, until time.Time) (*common.JobStats, error) {
	if until.IsZero() {
		until = time.Now().UTC()
	}
	stats := &common.JobStats{
		Since:    since,
		Until:    until,
		ByStatus: map[string]int{},
		ByType:   map[string]int{},
	}

	rows := []struct {
		Status common.JobStatus `db:"status"`
		Count  int              `db:"count"`
	}{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, count(*) AS count FROM job_executions
		 WHERE created_at >= $1 AND created_at <= $2 GROUP BY status`, since, until); err != nil {
		return nil, wrapDB(err, "job stats by status")
	}
	for _, r := range rows {
		stats.ByStatus[r.Status.String()] = r.Count
		stats.Total += r.Count
	}

	typeRows := []struct {
		JobType common.JobType `db:"job_type"`
		Count   int            `db:"count"`
	}{}
	if err := s.db.SelectContext(ctx, &typeRows,
		`SELECT job_type, count(*) AS count FROM job_executions
		 WHERE created_at >= $1 AND created_at <= $2 GROUP BY job_type`, since, until); err != nil {
		return nil, wrapDB(err, "job stats by type")
	}
	for _, r := range typeRows {
		stats.ByType[r.JobType.String()] = r.Count
	}

	if err := s.db.GetContext(ctx, &stats.AvgDurationSecs,
		`SELECT COALESCE(avg(extract(epoch FROM (completed_at - started_at))), 0)
		 FROM job_executions
		 WHERE created_at >= $1 AND created_at <= $2
		   AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		since, until); err != nil {
		return nil, wrapDB(err, "job stats avg duration")
	}

	completed := stats.ByStatus[common.EJobStatus.Completed().String()]
	failed := stats.ByStatus[common.EJobStatus.Failed().String()]
	stopped := stats.ByStatus[common.EJobStatus.Stopped().String()]
	if finished := completed + failed + stopped; finished > 0 {
		stats.SuccessRate = float64(completed) / float64(finished)
	}
	return stats, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *JobStore) InsertLog(ctx context.Context, entry *common.JobLogEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job_logs (job_id, level, message, details, created_at)
		VALUES (:job_id, :level, :message, :details, :created_at)`, entry)
	return wrapDB(err, "insert job log")
}

// LastLogs returns up to n most recent lines for a job, oldest first, so a
// websocket subscriber can replay then tail.
func (s *JobStore) LastLogs(ctx context.Context, jobID uuid.UUID, n int) ([]common.JobLogEntry, error) {
	if n <= 0 {
		n = 100
	}
	entries := []common.JobLogEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, job_id, level, message, details, created_at FROM (
			SELECT id, job_id, level, message, details, created_at
			FROM job_logs WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		) AS tail ORDER BY id ASC`, jobID, n)
	return entries, wrapDB(err, "load job logs")
}

// LogFilter narrows ListLogs. A nil Level keeps every row.
type LogFilter struct {
	Level  *common.LogLevel
	Limit  int
	Offset int
}

// ListLogs returns one page of a job's log, oldest first, plus the unpaged
// match count.
func (s *JobStore) ListLogs(ctx context.Context, jobID uuid.UUID, f LogFilter) ([]common.JobLogEntry, int, error) {
	where := []string{"job_id = $1"}
	args := []interface{}{jobID}
	if f.Level != nil {
		args = append(args, *f.Level)
		where = append(where, fmt.Sprintf("level = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM job_logs WHERE `+cond, args...); err != nil {
		return nil, 0, wrapDB(err, "count job logs")
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT id, job_id, level, message, details, created_at
		FROM job_logs WHERE %s ORDER BY id ASC LIMIT $%d OFFSET $%d`,
		cond, len(args)-1, len(args))

	entries := []common.JobLogEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, wrapDB(err, "list job logs")
	}
	return entries, total, nil
}

func (s *JobStore) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, wrapDB(err, "delete old job logs")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
