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

// RetryStore persists per-type retry policies and the attempt ledger.
type RetryStore struct {
	db *sqlx.DB
}

func NewRetryStore(dbx *sqlx.DB) *RetryStore {
	return &RetryStore{db: dbx}
}

const policyColumns = `job_type, enabled, max_attempts, strategy, initial_delay_seconds,
	max_delay_seconds, backoff_multiplier, retry_on_kinds, updated_at`

func (s *RetryStore) GetPolicy(ctx context.Context, jobType common.JobType) (*common.RetryPolicy, error) {
	var p common.RetryPolicy
	err := s.db.GetContext(ctx, &p,
		`SELECT `+policyColumns+` FROM retry_policies WHERE job_type = $1`, jobType)
	if err != nil {
		return nil, notFoundOr(err, "get retry policy")
	}
	return &p, nil
}

func (s *RetryStore) UpsertPolicy(ctx context.Context, p *common.RetryPolicy) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO retry_policies (`+policyColumns+`)
		VALUES (:job_type, :enabled, :max_attempts, :strategy, :initial_delay_seconds,
			:max_delay_seconds, :backoff_multiplier, :retry_on_kinds, :updated_at)
		ON CONFLICT (job_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_attempts = EXCLUDED.max_attempts,
			strategy = EXCLUDED.strategy,
			initial_delay_seconds = EXCLUDED.initial_delay_seconds,
			max_delay_seconds = EXCLUDED.max_delay_seconds,
			backoff_multiplier = EXCLUDED.backoff_multiplier,
			retry_on_kinds = EXCLUDED.retry_on_kinds,
			updated_at = EXCLUDED.updated_at`, p)
	return wrapDB(err, "upsert retry policy")
}

func (s *RetryStore) ListPolicies(ctx context.Context) ([]common.RetryPolicy, error) {
	policies := []common.RetryPolicy{}
	err := s.db.SelectContext(ctx, &policies,
		`SELECT `+policyColumns+` FROM retry_policies ORDER BY job_type`)
	return policies, wrapDB(err, "list retry policies")
}

func (s *RetryStore) DeletePolicy(ctx context.Context, jobType common.JobType) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_policies WHERE job_type = $1`, jobType)
	if err != nil {
		return wrapDB(err, "delete retry policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const attemptColumns = `id, job_id, job_type, attempt_number, status, error_message,
	error_kind, delay_seconds, next_retry_at, started_at, completed_at, retry_job_id, created_at`

func (s *RetryStore) InsertAttempt(ctx context.Context, att *common.RetryAttempt) error {
	stmt, err := s.db.PrepareNamedContext(ctx, `
		INSERT INTO retry_attempts (job_id, job_type, attempt_number, status, error_message,
			error_kind, delay_seconds, next_retry_at, created_at)
		VALUES (:job_id, :job_type, :attempt_number, :status, :error_message,
			:error_kind, :delay_seconds, :next_retry_at, :created_at)
		RETURNING id`)
	if err != nil {
		return wrapDB(err, "prepare insert retry attempt")
	}
	defer stmt.Close()
	if err := stmt.GetContext(ctx, &att.ID, att); err != nil {
		return wrapDB(err, "insert retry attempt")
	}
	return nil
}

// StartAttempt flips a pending attempt to in-progress. It reports ErrNotFound
// when the attempt was already taken or cancelled, which makes the timer path
// idempotent across a concurrent cancel.
func (s *RetryStore) StartAttempt(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_attempts SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4`,
		common.ERetryAttemptStatus.InProgress(), at, id, common.ERetryAttemptStatus.Pending())
	if err != nil {
		return wrapDB(err, "start retry attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RetryStore) FinishAttempt(ctx context.Context, id int64, status common.RetryAttemptStatus,
	retryJobID *uuid.UUID, errorMessage string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_attempts
		SET status = $1, retry_job_id = $2, error_message = $3, completed_at = $4
		WHERE id = $5`, status, retryJobID, errorMessage, at, id)
	return wrapDB(err, "finish retry attempt")
}

func (s *RetryStore) ListAttempts(ctx context.Context, jobID uuid.UUID) ([]common.RetryAttempt, error) {
	attempts := []common.RetryAttempt{}
	err := s.db.SelectContext(ctx, &attempts,
		`SELECT `+attemptColumns+` FROM retry_attempts WHERE job_id = $1 ORDER BY attempt_number`,
		jobID)
	return attempts, wrapDB(err, "list retry attempts")
}

// PendingAttempts returns every scheduled-but-unfired attempt. The bridge
// re-arms them after a restart.
func (s *RetryStore) PendingAttempts(ctx context.Context) ([]common.RetryAttempt, error) {
	attempts := []common.RetryAttempt{}
	err := s.db.SelectContext(ctx, &attempts,
		`SELECT `+attemptColumns+` FROM retry_attempts WHERE status = $1 ORDER BY next_retry_at`,
		common.ERetryAttemptStatus.Pending())
	return attempts, wrapDB(err, "pending retry attempts")
}

func (s *RetryStore) CancelPendingForJob(ctx context.Context, jobID uuid.UUID, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_attempts SET status = $1, completed_at = $2
		WHERE job_id = $3 AND status = $4`,
		common.ERetryAttemptStatus.Cancelled(), at, jobID, common.ERetryAttemptStatus.Pending())
	if err != nil {
		return 0, wrapDB(err, "cancel pending retries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Metrics aggregates the retry ledger per job type. Success rate counts only
// finished attempts; pending and cancelled rows dilute nothing.
func (s *RetryStore) Metrics(ctx context.Context) ([]common.RetryMetrics, error) {
	metrics := []common.RetryMetrics{}
	err := s.db.SelectContext(ctx, &metrics, `
		SELECT job_type,
		       count(*) AS total_attempts,
		       count(*) FILTER (WHERE status = $1) AS successful_retries,
		       count(*) FILTER (WHERE status = $2) AS failed_retries,
		       coalesce(avg(attempt_number), 0)::float AS average_attempts,
		       coalesce(max(attempt_number), 0) AS max_attempts_used,
		       CASE WHEN count(*) FILTER (WHERE status IN ($1, $2)) = 0 THEN 0
		            ELSE count(*) FILTER (WHERE status = $1)::float
		                 / count(*) FILTER (WHERE status IN ($1, $2))
		       END AS retry_success_rate
		FROM retry_attempts
		GROUP BY job_type
		ORDER BY job_type`,
		common.ERetryAttemptStatus.Success(), common.ERetryAttemptStatus.Failed())
	return metrics, wrapDB(err, "retry metrics")
}
