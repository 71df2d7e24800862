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

// RawStore persists captured provider responses.
type RawStore struct {
	db *sqlx.DB
}

func NewRawStore(dbx *sqlx.DB) *RawStore {
	return &RawStore{db: dbx}
}

const rawColumns = `id, provider, endpoint, request_url, request_params, response,
	response_size, status_code, execution_time_ms, api_key_hash, storage_metadata,
	expires_at, is_archived, archived_at, backup_id, created_at`

const rawInsert = `
	INSERT INTO raw_api_responses (id, provider, endpoint, request_url, request_params,
		response, response_size, status_code, execution_time_ms, api_key_hash,
		storage_metadata, expires_at, created_at)
	VALUES (:id, :provider, :endpoint, :request_url, :request_params,
		:response, :response_size, :status_code, :execution_time_ms, :api_key_hash,
		:storage_metadata, :expires_at, :created_at)`

func (s *RawStore) Insert(ctx context.Context, rec *common.RawRecord) error {
	_, err := s.db.NamedExecContext(ctx, rawInsert, rec)
	return wrapDB(err, "insert raw record")
}

// InsertBatch writes one queue flush in a single transaction, so a mid-batch
// failure leaves nothing half stored.
func (s *RawStore) InsertBatch(ctx context.Context, recs []*common.RawRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapDB(err, "begin raw batch")
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if _, err := tx.NamedExecContext(ctx, rawInsert, rec); err != nil {
			return wrapDB(err, "insert raw record in batch")
		}
	}
	return wrapDB(tx.Commit(), "commit raw batch")
}

func (s *RawStore) Get(ctx context.Context, id uuid.UUID) (*common.RawRecord, error) {
	var rec common.RawRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT `+rawColumns+` FROM raw_api_responses WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "get raw record")
	}
	return &rec, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CleanupCandidate is a deletable row reference plus everything the retention
// engine needs to rank and account for it. Priority reads from the policy
// stamp; rows stored before policies existed default to normal.
type CleanupCandidate struct {
	ID           uuid.UUID `db:"id"`
	Provider     string    `db:"provider"`
	Endpoint     string    `db:"endpoint"`
	CreatedAt    time.Time `db:"created_at"`
	ResponseSize int64     `db:"response_size"`
	Priority     int       `db:"priority"`
}

// TTLRule sets the retention window for one provider endpoint. An empty
// Endpoint applies provider wide and yields to endpoint rules.
type TTLRule struct {
	Provider string
	Endpoint string
	Days     int
}

const candidateColumns = `r.id, r.provider, r.endpoint, r.created_at, r.response_size,
	COALESCE((r.storage_metadata->>'priority')::int, 2) AS priority`

// ExpiredCandidates returns rows older than their retention window, oldest
// first. Retention resolves per endpoint rule, then per provider rule, then
// fallbackDays. Rules are inlined as parameterized VALUES joins so the live
// policy config drives the query and applies to rows stamped under older
// policy versions too.
func (s *RawStore) ExpiredCandidates(ctx context.Context, now time.Time, rules []TTLRule,
	fallbackDays, limit int) ([]CleanupCandidate, error) {

	args := []interface{}{now, fallbackDays, limit}
	var endpointRows, providerRows []string
	for _, r := range rules {
		if r.Endpoint == "" {
			providerRows = append(providerRows,
				fmt.Sprintf("($%d::text, $%d::int)", len(args)+1, len(args)+2))
			args = append(args, r.Provider, r.Days)
			continue
		}
		endpointRows = append(endpointRows,
			fmt.Sprintf("($%d::text, $%d::text, $%d::int)", len(args)+1, len(args)+2, len(args)+3))
		args = append(args, r.Provider, r.Endpoint, r.Days)
	}

	var joins, days strings.Builder
	days.WriteString("COALESCE(")
	if len(endpointRows) > 0 {
		joins.WriteString(`
		LEFT JOIN (VALUES ` + strings.Join(endpointRows, ", ") + `) AS ep(provider, endpoint, days)
			ON r.provider = ep.provider AND r.endpoint = ep.endpoint`)
		days.WriteString("ep.days, ")
	}
	if len(providerRows) > 0 {
		joins.WriteString(`
		LEFT JOIN (VALUES ` + strings.Join(providerRows, ", ") + `) AS pr(provider, days)
			ON r.provider = pr.provider`)
		days.WriteString("pr.days, ")
	}
	days.WriteString("$2::int)")

	out := []CleanupCandidate{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+candidateColumns+`
		FROM raw_api_responses r`+joins.String()+`
		WHERE r.created_at < $1 - make_interval(days => `+days.String()+`)
		ORDER BY r.created_at ASC LIMIT $3`, args...)
	return out, wrapDB(err, "expired candidates")
}

// AgedCandidates returns rows at or below a priority floor that predate the
// cutoff, oldest first. The low priority class and the emergency class are
// both shapes of this query with different floors and windows.
func (s *RawStore) AgedCandidates(ctx context.Context, minPriority int, cutoff time.Time, limit int) ([]CleanupCandidate, error) {
	out := []CleanupCandidate{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+candidateColumns+`
		FROM raw_api_responses r
		WHERE COALESCE((r.storage_metadata->>'priority')::int, 2) >= $1 AND r.created_at < $2
		ORDER BY r.created_at ASC LIMIT $3`, minPriority, cutoff, limit)
	return out, wrapDB(err, "aged candidates")
}

// OversizedCandidates returns disposable rows whose payloads dominate the
// footprint, largest first.
func (s *RawStore) OversizedCandidates(ctx context.Context, minSize int64, minPriority int,
	cutoff time.Time, limit int) ([]CleanupCandidate, error) {

	out := []CleanupCandidate{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+candidateColumns+`
		FROM raw_api_responses r
		WHERE r.response_size > $1
		  AND COALESCE((r.storage_metadata->>'priority')::int, 2) >= $2
		  AND r.created_at < $3
		ORDER BY r.response_size DESC LIMIT $4`, minSize, minPriority, cutoff, limit)
	return out, wrapDB(err, "oversized candidates")
}

func (s *RawStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM raw_api_responses WHERE id IN (?)`, ids)
	if err != nil {
		return 0, wrapDB(err, "expand delete ids")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, wrapDB(err, "delete raw records")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *RawStore) Usage(ctx context.Context) ([]common.ProviderUsage, error) {
	out := []common.ProviderUsage{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT provider,
		       count(*) AS records,
		       COALESCE(sum(response_size), 0) AS bytes,
		       count(*) FILTER (WHERE is_archived) AS archived,
		       count(*) FILTER (WHERE expires_at IS NOT NULL AND expires_at < now()) AS expired_stale
		FROM raw_api_responses GROUP BY provider ORDER BY provider`)
	return out, wrapDB(err, "raw usage")
}

func (s *RawStore) TotalFootprint(ctx context.Context) (records int64, bytes int64, err error) {
	row := struct {
		Records int64 `db:"records"`
		Bytes   int64 `db:"bytes"`
	}{}
	err = s.db.GetContext(ctx, &row, `
		SELECT count(*) AS records, COALESCE(sum(response_size), 0) AS bytes
		FROM raw_api_responses`)
	return row.Records, row.Bytes, wrapDB(err, "raw footprint")
}

// UsageOverview is the whole-table footprint the usage report starts from.
type UsageOverview struct {
	Records   int64      `db:"records"`
	Bytes     int64      `db:"bytes"`
	AvgBytes  float64    `db:"avg_bytes"`
	Oldest    *time.Time `db:"oldest"`
	Newest    *time.Time `db:"newest"`
	Aged      int64      `db:"aged"`
	Oversized int64      `db:"oversized"`
}

func (s *RawStore) Overview(ctx context.Context, agedBefore time.Time, minSize int64) (*UsageOverview, error) {
	var out UsageOverview
	err := s.db.GetContext(ctx, &out, `
		SELECT count(*) AS records,
		       COALESCE(sum(response_size), 0) AS bytes,
		       COALESCE(avg(response_size), 0) AS avg_bytes,
		       min(created_at) AS oldest,
		       max(created_at) AS newest,
		       count(*) FILTER (WHERE created_at < $1) AS aged,
		       count(*) FILTER (WHERE response_size > $2) AS oversized
		FROM raw_api_responses`, agedBefore, minSize)
	if err != nil {
		return nil, wrapDB(err, "raw overview")
	}
	return &out, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// UnarchivedProviders lists providers that still hold live rows, so an
// archival pass only scans where there is work.
func (s *RawStore) UnarchivedProviders(ctx context.Context) ([]common.Provider, error) {
	out := []common.Provider{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT DISTINCT provider FROM raw_api_responses
		WHERE is_archived = false ORDER BY provider`)
	return out, wrapDB(err, "unarchived providers")
}

// ArchiveCandidates returns full rows awaiting archive for one provider,
// oldest first. An empty endpointPrefix matches every endpoint.
func (s *RawStore) ArchiveCandidates(ctx context.Context, provider common.Provider,
	endpointPrefix string, olderThan time.Time, limit int) ([]common.RawRecord, error) {
	recs := []common.RawRecord{}
	err := s.db.SelectContext(ctx, &recs, `
		SELECT `+rawColumns+` FROM raw_api_responses
		WHERE provider = $1 AND is_archived = false AND created_at < $2
		  AND ($3 = '' OR endpoint LIKE $3 || '%')
		ORDER BY created_at ASC LIMIT $4`,
		provider, olderThan, endpointPrefix, limit)
	return recs, wrapDB(err, "archive candidates")
}

func (s *RawStore) MarkArchived(ctx context.Context, id uuid.UUID, backupID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_api_responses
		SET is_archived = true, archived_at = $1, backup_id = $2
		WHERE id = $3`, at, backupID, id)
	return wrapDB(err, "mark raw record archived")
}
