package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return sqlx.NewDb(mockDB, "pgx"), mock
}

var jobRowColumns = []string{
	"id", "job_type", "status", "parameters", "priority", "progress", "current_step",
	"created_at", "created_by", "started_at", "completed_at", "error_message",
	"result_summary", "retry_status", "retry_count",
}

func TestJobStoreInsert(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	mock.ExpectExec("INSERT INTO job_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &common.Job{
		ID:         uuid.New(),
		JobType:    common.EJobType.KTODataCollection(),
		Status:     common.EJobStatus.Pending(),
		Parameters: common.OpaqueBag{"area_code": "11"},
		Priority:   5,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  "api",
	}
	a.NoError(store.Insert(context.Background(), job))
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreGetMapsLegacyStatus(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	id := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM job_executions WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			id.String(), "KTO_DATA_COLLECTION", "SUCCESS", []byte(`{"area_code":"11"}`),
			5, 100.0, "done", now, "scheduler", now, now, "", []byte(`{}`), "", 0,
		))

	job, err := store.Get(context.Background(), id)
	a.NoError(err)
	a.Equal(id, job.ID)
	a.Equal(common.EJobType.KTODataCollection(), job.JobType)
	a.Equal(common.EJobStatus.Completed(), job.Status) // SUCCESS rows read back as COMPLETED
	a.Equal("11", job.Parameters.GetString("area_code", ""))
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreGetNotFound(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	mock.ExpectQuery("SELECT (.+) FROM job_executions WHERE id").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), uuid.New())
	a.ErrorIs(err, ErrNotFound)
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreListWithFilter(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	status := common.EJobStatus.Completed()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT count").
		WithArgs("COMPLETED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs("COMPLETED", 2, 0).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow(uuid.New().String(), "SYSTEM_HEALTH_CHECK", "COMPLETED", []byte(`{}`),
				5, 100.0, "", now, "", now, now, "", []byte(`{}`), "", 0).
			AddRow(uuid.New().String(), "KTO_DATA_COLLECTION", "COMPLETED", []byte(`{}`),
				8, 100.0, "", now, "", now, now, "", []byte(`{}`), "", 1))

	jobs, total, err := store.List(context.Background(), JobFilter{Status: &status, Limit: 2})
	a.NoError(err)
	a.Equal(7, total)
	a.Len(jobs, 2)
	a.Equal(1, jobs[1].RetryCount)
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreMarkOrphans(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	mock.ExpectExec("UPDATE job_executions").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkOrphans(context.Background(), time.Now())
	a.NoError(err)
	a.Equal(int64(3), n)
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreStats(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery("GROUP BY status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("COMPLETED", 8).
			AddRow("FAILED", 2).
			AddRow("RUNNING", 1))
	mock.ExpectQuery("GROUP BY job_type").
		WillReturnRows(sqlmock.NewRows([]string{"job_type", "count"}).
			AddRow("KTO_DATA_COLLECTION", 6).
			AddRow("SYSTEM_HEALTH_CHECK", 5))
	mock.ExpectQuery("avg").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(12.5))

	stats, err := store.Stats(context.Background(), since, time.Now())
	a.NoError(err)
	a.Equal(11, stats.Total)
	a.Equal(8, stats.ByStatus["COMPLETED"])
	a.Equal(6, stats.ByType["KTO_DATA_COLLECTION"])
	a.InDelta(0.8, stats.SuccessRate, 1e-9) // 8 of 10 finished runs succeeded
	a.InDelta(12.5, stats.AvgDurationSecs, 1e-9)
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreLastLogsOrdersAscending(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	jobID := uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("ORDER BY id ASC").
		WithArgs(jobID, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "level", "message", "details", "created_at"}).
			AddRow(41, jobID.String(), "INFO", "first", []byte(`{}`), now).
			AddRow(42, jobID.String(), "ERROR", "second", []byte(`{}`), now))

	entries, err := store.LastLogs(context.Background(), jobID, 2)
	a.NoError(err)
	a.Len(entries, 2)
	a.Equal(int64(41), entries[0].ID)
	a.Equal(common.ELogLevel.Error(), entries[1].Level)
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreListLogsFiltersByLevel(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	jobID := uuid.New()
	level := common.ELogLevel.Error()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT count").
		WithArgs(jobID, "ERROR").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("ORDER BY id ASC").
		WithArgs(jobID, "ERROR", 200, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "level", "message", "details", "created_at"}).
			AddRow(7, jobID.String(), "ERROR", "boom", []byte(`{}`), now))

	entries, total, err := store.ListLogs(context.Background(), jobID, LogFilter{Level: &level})
	a.NoError(err)
	a.Equal(1, total)
	a.Len(entries, 1)
	a.Equal("boom", entries[0].Message)
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreMarkRunningOnlyClaimsPendingRows(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	id := uuid.New()
	at := time.Now().UTC()

	// The claim is conditional on PENDING; a row stopped first is left alone
	// (zero rows affected) and that is not an error.
	mock.ExpectExec("UPDATE job_executions SET status").
		WithArgs("RUNNING", at, id, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	a.NoError(store.MarkRunning(context.Background(), id, at))
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreUpdateProgressSkipsNonRunningRows(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	id := uuid.New()

	// A body reporting progress after its job was stopped must not touch the
	// terminal row.
	mock.ExpectExec("UPDATE job_executions SET progress").
		WithArgs(55.0, "late write", id, "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	a.NoError(store.UpdateProgress(context.Background(), id, 55.0, "late write"))
	a.NoError(mock.ExpectationsWereMet())
}

func TestJobStoreMarkTerminalLeavesTerminalRowsAlone(t *testing.T) {
	a := assert.New(t)
	dbx, mock := newMockDB(t)
	store := NewJobStore(dbx)

	id := uuid.New()
	at := time.Now().UTC()

	// Only PENDING or RUNNING rows may go terminal; a second terminal write
	// (FAILED after STOPPED, say) matches nothing.
	mock.ExpectExec("UPDATE job_executions").
		WithArgs("FAILED", "late failure", sqlmock.AnyArg(), at, id, "COMPLETED", "PENDING", "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 0))

	a.NoError(store.MarkTerminal(context.Background(), id, common.EJobStatus.Failed(),
		"late failure", nil, at))
	a.NoError(mock.ExpectationsWereMet())
}
