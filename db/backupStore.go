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

	"github.com/jmoiron/sqlx"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// BackupStore persists archive backup records.
type BackupStore struct {
	db *sqlx.DB
}

func NewBackupStore(dbx *sqlx.DB) *BackupStore {
	return &BackupStore{db: dbx}
}

const backupColumns = `backup_id, raw_data_id, provider, endpoint, backup_path,
	storage_location, compression, original_size, compressed_size, checksum,
	status, error_message, created_at, completed_at`

func (s *BackupStore) Insert(ctx context.Context, rec *common.BackupRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO backup_records (backup_id, raw_data_id, provider, endpoint,
			backup_path, storage_location, compression, original_size, compressed_size,
			checksum, status, error_message, created_at)
		VALUES (:backup_id, :raw_data_id, :provider, :endpoint,
			:backup_path, :storage_location, :compression, :original_size, :compressed_size,
			:checksum, :status, :error_message, :created_at)`, rec)
	return wrapDB(err, "insert backup record")
}

func (s *BackupStore) Complete(ctx context.Context, backupID string, compressedSize int64,
	checksum string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_records
		SET status = $1, compressed_size = $2, checksum = $3, completed_at = $4, error_message = ''
		WHERE backup_id = $5`,
		common.EBackupStatus.Completed(), compressedSize, checksum, at, backupID)
	return wrapDB(err, "complete backup record")
}

func (s *BackupStore) Fail(ctx context.Context, backupID, errorMessage string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_records SET status = $1, error_message = $2, completed_at = $3
		WHERE backup_id = $4`,
		common.EBackupStatus.Failed(), errorMessage, at, backupID)
	return wrapDB(err, "fail backup record")
}

// MarkCorrupted is set when a verify pass finds the stored object's checksum
// no longer matches.
func (s *BackupStore) MarkCorrupted(ctx context.Context, backupID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_records SET status = $1 WHERE backup_id = $2`,
		common.EBackupStatus.Corrupted(), backupID)
	return wrapDB(err, "mark backup corrupted")
}

func (s *BackupStore) Get(ctx context.Context, backupID string) (*common.BackupRecord, error) {
	var rec common.BackupRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT `+backupColumns+` FROM backup_records WHERE backup_id = $1`, backupID)
	if err != nil {
		return nil, notFoundOr(err, "get backup record")
	}
	return &rec, nil
}

// BackupFilter narrows List. Nil members are not filtered on.
type BackupFilter struct {
	Provider *common.Provider
	Status   *common.BackupStatus
	Limit    int
	Offset   int
}

func (s *BackupStore) List(ctx context.Context, f BackupFilter) ([]common.BackupRecord, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if f.Provider != nil {
		args = append(args, *f.Provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT `+backupColumns+` FROM backup_records WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args))

	recs := []common.BackupRecord{}
	err := s.db.SelectContext(ctx, &recs, query, args...)
	return recs, wrapDB(err, "list backup records")
}

// OlderThan returns completed backups past the retention window so their
// stored objects can be reclaimed.
func (s *BackupStore) OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]common.BackupRecord, error) {
	recs := []common.BackupRecord{}
	err := s.db.SelectContext(ctx, &recs, `
		SELECT `+backupColumns+` FROM backup_records
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC LIMIT $3`,
		common.EBackupStatus.Completed(), cutoff, limit)
	return recs, wrapDB(err, "old backup records")
}

func (s *BackupStore) Delete(ctx context.Context, backupID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backup_records WHERE backup_id = $1`, backupID)
	if err != nil {
		return wrapDB(err, "delete backup record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LocationStats is one aggregate row for the archive stats endpoint.
type LocationStats struct {
	Location        common.StorageLocation `json:"storage_location" db:"storage_location"`
	Status          common.BackupStatus    `json:"status" db:"status"`
	Count           int64                  `json:"count" db:"count"`
	OriginalBytes   int64                  `json:"original_bytes" db:"original_bytes"`
	CompressedBytes int64                  `json:"compressed_bytes" db:"compressed_bytes"`
}

func (s *BackupStore) Stats(ctx context.Context) ([]LocationStats, error) {
	out := []LocationStats{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT storage_location, status, count(*) AS count,
			COALESCE(sum(original_size), 0) AS original_bytes,
			COALESCE(sum(compressed_size), 0) AS compressed_bytes
		FROM backup_records
		GROUP BY storage_location, status
		ORDER BY storage_location, status`)
	return out, wrapDB(err, "backup stats")
}
