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

package archive

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// concurrentBackups caps in-flight sink writes across all archive passes.
const concurrentBackups = 3

// The zstd codec is allocated once; EncodeAll/DecodeAll on it are safe for
// concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte, ct common.CompressionType) ([]byte, error) {
	switch ct {
	case common.ECompressionType.None():
		return data, nil
	case common.ECompressionType.Gzip():
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "gzip payload")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip payload")
		}
		return buf.Bytes(), nil
	case common.ECompressionType.Zstd():
		return zstdEncoder.EncodeAll(data, nil), nil
	}
	return nil, errors.Errorf("unsupported compression type %s", ct)
}

func decompress(data []byte, ct common.CompressionType) ([]byte, error) {
	switch ct {
	case common.ECompressionType.None():
		return data, nil
	case common.ECompressionType.Gzip():
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gunzip payload")
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		return out, errors.Wrap(err, "gunzip payload")
	case common.ECompressionType.Zstd():
		out, err := zstdDecoder.DecodeAll(data, nil)
		return out, errors.Wrap(err, "unzstd payload")
	}
	return nil, errors.Errorf("unsupported compression type %s", ct)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// IBackupStore is the slice of db.BackupStore the manager drives.
type IBackupStore interface {
	Insert(ctx context.Context, rec *common.BackupRecord) error
	Complete(ctx context.Context, backupID string, compressedSize int64, checksum string, at time.Time) error
	Fail(ctx context.Context, backupID, errorMessage string, at time.Time) error
	MarkCorrupted(ctx context.Context, backupID string) error
	Get(ctx context.Context, backupID string) (*common.BackupRecord, error)
	OlderThan(ctx context.Context, cutoff time.Time, limit int) ([]common.BackupRecord, error)
	Delete(ctx context.Context, backupID string) error
}

// Manager performs single backups: serialize, compress, write to the rule's
// sink, verify the stored bytes, then flip the backup record to COMPLETED.
// Every attempt leaves a row in backup_records, so an operator can see
// in-flight and failed backups after a crash, not just finished ones.
type Manager struct {
	store  IBackupStore
	sinks  *Sinks
	logger common.ILogger

	// verify re-reads every stored object and compares checksums before a
	// backup counts as complete.
	verify bool
	sem    *semaphore.Weighted

	total           atomic.Int64
	successful      atomic.Int64
	failed          atomic.Int64
	originalBytes   atomic.Int64
	compressedBytes atomic.Int64
}

func NewManager(store IBackupStore, sinks *Sinks, verify bool, logger common.ILogger) *Manager {
	return &Manager{
		store:  store,
		sinks:  sinks,
		logger: logger,
		verify: verify,
		sem:    semaphore.NewWeighted(concurrentBackups),
	}
}

// backupID builds <provider>_<endpoint>_<timestamp>_<digest>. The digest keys
// on the source row id, so two rows archived in the same second still get
// distinct ids.
func backupID(provider common.Provider, endpoint string, dataID uuid.UUID, now time.Time) string {
	ep := sanitizeEndpoint(endpoint)
	ts := now.Format("20060102_150405")
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%s_%s_%s", provider, ep, dataID, ts)))
	return fmt.Sprintf("%s_%s_%s_%s", provider, ep, ts, hex.EncodeToString(sum[:])[:8])
}

// sanitizeEndpoint flattens path-shaped endpoints (KTO's start with a slash)
// into a single id segment.
func sanitizeEndpoint(endpoint string) string {
	return strings.ReplaceAll(strings.Trim(endpoint, "/"), "/", "-")
}

// backupPath lays objects out as <PROVIDER>/<YYYY>/<MM>/<backup_id>.json plus
// the compression suffix.
func backupPath(provider common.Provider, id string, ct common.CompressionType, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json%s", provider, now.Format("2006/01"), id, ct.Ext())
}

// Backup archives one raw record under the given rule and returns the
// completed backup record. The record's row in backup_records reflects each
// stage: IN_PROGRESS on entry, then COMPLETED, FAILED, or CORRUPTED.
func (m *Manager) Backup(ctx context.Context, raw *common.RawRecord, rule *Rule) (*common.BackupRecord, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, common.KindErrorf(common.EErrorKind.Cancelled(), "backup %s: %v", raw.ID, err)
	}
	defer m.sem.Release(1)

	now := time.Now().UTC()
	id := backupID(raw.Provider, raw.Endpoint, raw.ID, now)
	rec := &common.BackupRecord{
		BackupID:     id,
		RawDataID:    raw.ID,
		Provider:     raw.Provider,
		Endpoint:     raw.Endpoint,
		BackupPath:   backupPath(raw.Provider, id, rule.Compression, now),
		Location:     rule.Location,
		Compression:  rule.Compression,
		OriginalSize: int64(len(raw.Response)),
		Status:       common.EBackupStatus.InProgress(),
		CreatedAt:    now,
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	m.total.Add(1)

	sink, err := m.sinks.For(rule.Location)
	if err != nil {
		return nil, m.fail(ctx, rec, err)
	}
	blob, err := compress(raw.Response, rule.Compression)
	if err != nil {
		return nil, m.fail(ctx, rec, err)
	}
	checksum := sha256Hex(blob)

	if err := sink.Put(ctx, rec.BackupPath, blob); err != nil {
		return nil, m.fail(ctx, rec, err)
	}
	if m.verify {
		stored, err := sink.Get(ctx, rec.BackupPath)
		if err != nil {
			return nil, m.fail(ctx, rec, errors.Wrap(err, "verify stored backup"))
		}
		if sha256Hex(stored) != checksum {
			m.failed.Add(1)
			if dbErr := m.store.MarkCorrupted(ctx, id); dbErr != nil {
				m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("backup %s: mark corrupted: %v", id, dbErr))
			}
			rec.Status = common.EBackupStatus.Corrupted()
			return nil, errors.Errorf("backup %s: stored object does not match checksum", id)
		}
	}

	completedAt := time.Now().UTC()
	if err := m.store.Complete(ctx, id, int64(len(blob)), checksum, completedAt); err != nil {
		return nil, m.fail(ctx, rec, err)
	}
	rec.CompressedSize = int64(len(blob))
	rec.Checksum = checksum
	rec.Status = common.EBackupStatus.Completed()
	rec.CompletedAt = &completedAt

	m.successful.Add(1)
	m.originalBytes.Add(rec.OriginalSize)
	m.compressedBytes.Add(rec.CompressedSize)
	if m.logger.ShouldLog(common.ELogLevel.Info()) {
		m.logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("backup %s complete: %d -> %d bytes (%.1f%% saved) at %s",
				id, rec.OriginalSize, rec.CompressedSize, rec.CompressionRatio(), rec.Location))
	}
	return rec, nil
}

// fail flips the record to FAILED and passes the cause through.
func (m *Manager) fail(ctx context.Context, rec *common.BackupRecord, cause error) error {
	m.failed.Add(1)
	rec.Status = common.EBackupStatus.Failed()
	rec.ErrorMessage = cause.Error()
	if dbErr := m.store.Fail(ctx, rec.BackupID, cause.Error(), time.Now().UTC()); dbErr != nil {
		m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("backup %s: record failure: %v", rec.BackupID, dbErr))
	}
	m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("backup %s failed: %v", rec.BackupID, cause))
	return errors.Wrapf(cause, "backup %s", rec.BackupID)
}

// Restore fetches a stored backup, verifies its checksum, and returns the
// decompressed payload. A checksum mismatch marks the record CORRUPTED.
func (m *Manager) Restore(ctx context.Context, backupID string) ([]byte, error) {
	rec, err := m.store.Get(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if rec.Status != common.EBackupStatus.Completed() {
		return nil, errors.Errorf("backup %s is not restorable (status %s)", backupID, rec.Status)
	}
	sink, err := m.sinks.For(rec.Location)
	if err != nil {
		return nil, err
	}
	blob, err := sink.Get(ctx, rec.BackupPath)
	if err != nil {
		return nil, errors.Wrapf(err, "restore backup %s", backupID)
	}
	if sha256Hex(blob) != rec.Checksum {
		if dbErr := m.store.MarkCorrupted(ctx, backupID); dbErr != nil {
			m.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("backup %s: mark corrupted: %v", backupID, dbErr))
		}
		return nil, errors.Errorf("backup %s: stored object does not match checksum", backupID)
	}
	payload, err := decompress(blob, rec.Compression)
	if err != nil {
		return nil, errors.Wrapf(err, "restore backup %s", backupID)
	}
	if !json.Valid(payload) {
		return nil, errors.Errorf("backup %s: restored payload is not valid JSON", backupID)
	}
	return payload, nil
}

// CleanupOld deletes completed backups older than the retention window, both
// the stored object and its record. Individual failures are logged and the
// sweep moves on.
func (m *Manager) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	recs, err := m.store.OlderThan(ctx, time.Now().UTC().Add(-olderThan), 1000)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range recs {
		rec := &recs[i]
		sink, err := m.sinks.For(rec.Location)
		if err != nil {
			m.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("cleanup backup %s: %v", rec.BackupID, err))
			continue
		}
		if err := sink.Delete(ctx, rec.BackupPath); err != nil {
			m.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("cleanup backup %s: %v", rec.BackupID, err))
			continue
		}
		if err := m.store.Delete(ctx, rec.BackupID); err != nil {
			m.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("cleanup backup %s: drop record: %v", rec.BackupID, err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("backup cleanup removed %d expired backups", deleted))
	}
	return deleted, nil
}

func (m *Manager) Stats() *common.BackupStats {
	s := &common.BackupStats{
		Total:           m.total.Load(),
		Successful:      m.successful.Load(),
		Failed:          m.failed.Load(),
		OriginalBytes:   m.originalBytes.Load(),
		CompressedBytes: m.compressedBytes.Load(),
	}
	if s.OriginalBytes > 0 {
		s.AvgCompressionRatio = (1 - float64(s.CompressedBytes)/float64(s.OriginalBytes)) * 100
	}
	return s
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
