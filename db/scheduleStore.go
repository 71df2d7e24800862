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
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// ScheduleStore persists schedule definitions; the in-memory cron state is
// rebuilt from it at boot.
type ScheduleStore struct {
	db *sqlx.DB
}

func NewScheduleStore(dbx *sqlx.DB) *ScheduleStore {
	return &ScheduleStore{db: dbx}
}

const scheduleColumns = `id, job_type, cron_expr, scheduled_time, priority, is_active,
	status, parameters, description, last_execution_id, last_run_at, error_message,
	created_at, updated_at`

func (s *ScheduleStore) Insert(ctx context.Context, sched *common.Schedule) error {
	stmt, err := s.db.PrepareNamedContext(ctx, `
		INSERT INTO job_schedules (job_type, cron_expr, scheduled_time, priority,
			is_active, status, parameters, description, created_at, updated_at)
		VALUES (:job_type, :cron_expr, :scheduled_time, :priority,
			:is_active, :status, :parameters, :description, :created_at, :updated_at)
		RETURNING id`)
	if err != nil {
		return wrapDB(err, "prepare insert schedule")
	}
	defer stmt.Close()
	if err := stmt.GetContext(ctx, &sched.ID, sched); err != nil {
		return wrapDB(err, "insert schedule")
	}
	return nil
}

func (s *ScheduleStore) Update(ctx context.Context, sched *common.Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE job_schedules
		SET cron_expr = :cron_expr, scheduled_time = :scheduled_time, priority = :priority,
			is_active = :is_active, parameters = :parameters, description = :description,
			updated_at = :updated_at
		WHERE id = :id`, sched)
	if err != nil {
		return wrapDB(err, "update schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ScheduleStore) SetStatus(ctx context.Context, id int64, status common.ScheduleStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_schedules SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3`, status, errorMessage, id)
	return wrapDB(err, "set schedule status")
}

// RecordRun stamps a fired schedule with the execution it produced.
func (s *ScheduleStore) RecordRun(ctx context.Context, id int64, execID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_schedules
		SET last_execution_id = $1, last_run_at = $2, status = $3, updated_at = now()
		WHERE id = $4`, execID, at, common.EScheduleStatus.Running(), id)
	return wrapDB(err, "record schedule run")
}

func (s *ScheduleStore) Get(ctx context.Context, id int64) (*common.Schedule, error) {
	var sched common.Schedule
	err := s.db.GetContext(ctx, &sched,
		`SELECT `+scheduleColumns+` FROM job_schedules WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get schedule")
	}
	return &sched, nil
}

func (s *ScheduleStore) List(ctx context.Context, onlyActive bool) ([]common.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM job_schedules`
	if onlyActive {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY id`

	scheds := []common.Schedule{}
	err := s.db.SelectContext(ctx, &scheds, query)
	return scheds, wrapDB(err, "list schedules")
}

func (s *ScheduleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_schedules WHERE id = $1`, id)
	if err != nil {
		return wrapDB(err, "delete schedule")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
