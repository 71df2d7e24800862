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

package common

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is one batch execution. Timestamps follow the lifecycle invariant:
// created_at <= started_at <= completed_at for whichever are set.
type Job struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	JobType       JobType     `json:"job_type" db:"job_type"`
	Status        JobStatus   `json:"status" db:"status"`
	Parameters    OpaqueBag   `json:"parameters" db:"parameters"`
	Priority      int         `json:"priority" db:"priority"`
	Progress      float64     `json:"progress" db:"progress"`
	CurrentStep   string      `json:"current_step" db:"current_step"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	CreatedBy     string      `json:"created_by" db:"created_by"`
	StartedAt     *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage  string      `json:"error_message,omitempty" db:"error_message"`
	ResultSummary OpaqueBag   `json:"result_summary,omitempty" db:"result_summary"`
	RetryStatus   RetryMarker `json:"retry_status,omitempty" db:"retry_status"`
	RetryCount    int         `json:"retry_count" db:"retry_count"`
}

// Duration reports wall time between start and completion, zero until both exist.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// JobLogEntry is one line of a job's execution log. The database copy is the
// source of truth; files and the websocket stream are projections of it.
type JobLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	JobID     uuid.UUID `json:"job_id" db:"job_id"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Details   OpaqueBag `json:"details,omitempty" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RawRecord is one captured provider exchange, successful or not.
type RawRecord struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Provider        Provider        `json:"provider" db:"provider"`
	Endpoint        string          `json:"endpoint" db:"endpoint"`
	RequestURL      string          `json:"request_url" db:"request_url"`
	RequestParams   OpaqueBag       `json:"request_params" db:"request_params"`
	Response        json.RawMessage `json:"response" db:"response"`
	ResponseSize    int64           `json:"response_size" db:"response_size"`
	StatusCode      int             `json:"status_code" db:"status_code"`
	ExecutionTimeMS float64         `json:"execution_time_ms" db:"execution_time_ms"`
	APIKeyHash      string          `json:"api_key_hash" db:"api_key_hash"`
	StorageMetadata OpaqueBag       `json:"storage_metadata,omitempty" db:"storage_metadata"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	IsArchived      bool            `json:"is_archived" db:"is_archived"`
	ArchivedAt      *time.Time      `json:"archived_at,omitempty" db:"archived_at"`
	BackupID        string          `json:"backup_id,omitempty" db:"backup_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Schedule arms either a cron expression (recurring) or a single future
// scheduled_time (one shot). Exactly one of the two is set.
type Schedule struct {
	ID              int64          `json:"id" db:"id"`
	JobType         JobType        `json:"job_type" db:"job_type"`
	CronExpr        string         `json:"cron_expr,omitempty" db:"cron_expr"`
	ScheduledTime   *time.Time     `json:"scheduled_time,omitempty" db:"scheduled_time"`
	Priority        int            `json:"priority" db:"priority"`
	IsActive        bool           `json:"is_active" db:"is_active"`
	Status          ScheduleStatus `json:"status" db:"status"`
	Parameters      OpaqueBag      `json:"parameters,omitempty" db:"parameters"`
	Description     string         `json:"description,omitempty" db:"description"`
	LastExecutionID *uuid.UUID     `json:"last_execution_id,omitempty" db:"last_execution_id"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty" db:"last_run_at"`
	ErrorMessage    string         `json:"error_message,omitempty" db:"error_message"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty" db:"-"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

func (s *Schedule) IsRecurring() bool { return s.CronExpr != "" }

// RetryPolicy configures the retry bridge for one job type.
type RetryPolicy struct {
	JobType           JobType       `json:"job_type" db:"job_type"`
	Enabled           bool          `json:"enabled" db:"enabled"`
	MaxAttempts       int           `json:"max_attempts" db:"max_attempts"`
	Strategy          RetryStrategy `json:"strategy" db:"strategy"`
	InitialDelaySecs  int           `json:"initial_delay_seconds" db:"initial_delay_seconds"`
	MaxDelaySecs      int           `json:"max_delay_seconds" db:"max_delay_seconds"`
	BackoffMultiplier float64       `json:"backoff_multiplier" db:"backoff_multiplier"`
	RetryOnKinds      KindList      `json:"retry_on_kinds" db:"retry_on_kinds"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// RetryAttempt records one scheduled resubmission of a failed job.
type RetryAttempt struct {
	ID            int64              `json:"id" db:"id"`
	JobID         uuid.UUID          `json:"job_id" db:"job_id"`
	JobType       JobType            `json:"job_type" db:"job_type"`
	AttemptNumber int                `json:"attempt_number" db:"attempt_number"`
	Status        RetryAttemptStatus `json:"status" db:"status"`
	ErrorMessage  string             `json:"error_message,omitempty" db:"error_message"`
	ErrorKind     ErrorKind          `json:"error_kind" db:"error_kind"`
	DelaySeconds  int                `json:"delay_seconds" db:"delay_seconds"`
	NextRetryAt   time.Time          `json:"next_retry_at" db:"next_retry_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
	RetryJobID    *uuid.UUID         `json:"retry_job_id,omitempty" db:"retry_job_id"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
}

// Subscription routes job notifications to one recipient on one channel.
// A nil JobType subscribes to every job type.
type Subscription struct {
	ID        int64               `json:"id" db:"id"`
	JobType   *JobType            `json:"job_type,omitempty" db:"job_type"`
	Channel   NotificationChannel `json:"channel" db:"channel"`
	Events    EventList           `json:"events" db:"events"`
	Recipient string              `json:"recipient" db:"recipient"`
	Config    OpaqueBag           `json:"config,omitempty" db:"config"`
	MinLevel  AlertLevel          `json:"min_level" db:"min_level"`
	Enabled   bool                `json:"enabled" db:"enabled"`
	CreatedAt time.Time           `json:"created_at" db:"created_at"`
}

// NotificationRecord is the delivery history row for one send, kept for both
// outcomes.
type NotificationRecord struct {
	ID           int64               `json:"id" db:"id"`
	JobID        uuid.UUID           `json:"job_id" db:"job_id"`
	JobType      JobType             `json:"job_type" db:"job_type"`
	Event        NotificationEvent   `json:"event" db:"event"`
	Channel      NotificationChannel `json:"channel" db:"channel"`
	Recipient    string              `json:"recipient" db:"recipient"`
	Subject      string              `json:"subject" db:"subject"`
	Message      string              `json:"message" db:"message"`
	Level        AlertLevel          `json:"level" db:"level"`
	Success      bool                `json:"success" db:"success"`
	ErrorMessage string              `json:"error_message,omitempty" db:"error_message"`
	SentAt       time.Time           `json:"sent_at" db:"sent_at"`
}

// BackupRecord tracks one archived payload across its storage backend.
type BackupRecord struct {
	BackupID       string          `json:"backup_id" db:"backup_id"`
	RawDataID      uuid.UUID       `json:"raw_data_id" db:"raw_data_id"`
	Provider       Provider        `json:"provider" db:"provider"`
	Endpoint       string          `json:"endpoint" db:"endpoint"`
	BackupPath     string          `json:"backup_path" db:"backup_path"`
	Location       StorageLocation `json:"storage_location" db:"storage_location"`
	Compression    CompressionType `json:"compression" db:"compression"`
	OriginalSize   int64           `json:"original_size" db:"original_size"`
	CompressedSize int64           `json:"compressed_size" db:"compressed_size"`
	Checksum       string          `json:"checksum" db:"checksum"`
	Status         BackupStatus    `json:"status" db:"status"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// CompressionRatio is the space saved as a percentage of the original size.
func (b *BackupRecord) CompressionRatio() float64 {
	if b.OriginalSize <= 0 {
		return 0
	}
	return (1 - float64(b.CompressedSize)/float64(b.OriginalSize)) * 100
}

// Alert is an in-memory monitor finding. Alerts are not persisted; the
// manager keeps a 24h history ring.
type Alert struct {
	ID              string         `json:"id"`
	Component       AlertComponent `json:"component"`
	Level           AlertLevel     `json:"level"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	Details         OpaqueBag      `json:"details,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	Acknowledged    bool           `json:"acknowledged"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	SuppressedUntil *time.Time     `json:"suppressed_until,omitempty"`
}

func (a *Alert) Resolved() bool { return a.ResolvedAt != nil }

// KindList and EventList persist as JSONB arrays of wire names.
type KindList []ErrorKind

func (kl KindList) Value() (driver.Value, error) { return jsonbValue(kl) }

func (kl *KindList) Scan(src interface{}) error { return jsonbScan(kl, src) }

// Contains reports membership; an empty list matches every retryable kind.
func (kl KindList) Contains(k ErrorKind) bool {
	if len(kl) == 0 {
		return true
	}
	for _, v := range kl {
		if v == k {
			return true
		}
	}
	return false
}

type EventList []NotificationEvent

func (el EventList) Value() (driver.Value, error) { return jsonbValue(el) }

func (el *EventList) Scan(src interface{}) error { return jsonbScan(el, src) }

func (el EventList) Contains(e NotificationEvent) bool {
	for _, v := range el {
		if v == e {
			return true
		}
	}
	return false
}
