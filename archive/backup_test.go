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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

// fakeBackupStore keeps backup records in memory. Tasks hit it concurrently.
type fakeBackupStore struct {
	mu        sync.Mutex
	recs      map[string]*common.BackupRecord
	corrupted []string

	insertErr error
	markErr   error
}

func newFakeBackupStore() *fakeBackupStore {
	return &fakeBackupStore{recs: map[string]*common.BackupRecord{}}
}

func (f *fakeBackupStore) Insert(_ context.Context, rec *common.BackupRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[rec.BackupID] = &cp
	return nil
}

func (f *fakeBackupStore) Complete(_ context.Context, backupID string, compressedSize int64,
	checksum string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[backupID]
	if !ok {
		return db.ErrNotFound
	}
	rec.Status = common.EBackupStatus.Completed()
	rec.CompressedSize = compressedSize
	rec.Checksum = checksum
	rec.CompletedAt = &at
	return nil
}

func (f *fakeBackupStore) Fail(_ context.Context, backupID, errorMessage string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[backupID]
	if !ok {
		return db.ErrNotFound
	}
	rec.Status = common.EBackupStatus.Failed()
	rec.ErrorMessage = errorMessage
	rec.CompletedAt = &at
	return nil
}

func (f *fakeBackupStore) MarkCorrupted(_ context.Context, backupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	rec, ok := f.recs[backupID]
	if !ok {
		return db.ErrNotFound
	}
	rec.Status = common.EBackupStatus.Corrupted()
	f.corrupted = append(f.corrupted, backupID)
	return nil
}

func (f *fakeBackupStore) Get(_ context.Context, backupID string) (*common.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[backupID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeBackupStore) OlderThan(_ context.Context, cutoff time.Time, limit int) ([]common.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []common.BackupRecord{}
	for _, rec := range f.recs {
		if rec.Status == common.EBackupStatus.Completed() && rec.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeBackupStore) Delete(_ context.Context, backupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[backupID]; !ok {
		return db.ErrNotFound
	}
	delete(f.recs, backupID)
	return nil
}

func (f *fakeBackupStore) status(backupID string) common.BackupStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[backupID]
	if !ok {
		return common.EBackupStatus.Pending()
	}
	return rec.Status
}

func (f *fakeBackupStore) age(backupID string, days int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.recs[backupID]; ok {
		rec.CreatedAt = rec.CreatedAt.AddDate(0, 0, -days)
	}
}

// tamperSink hands back different bytes than were stored.
type tamperSink struct {
	inner ISink
}

func (s *tamperSink) Put(ctx context.Context, key string, data []byte) error {
	return s.inner.Put(ctx, key, data)
}

func (s *tamperSink) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return append(data, '!'), nil
}

func (s *tamperSink) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func newTestManager(t *testing.T) (*Manager, *fakeBackupStore, string) {
	t.Helper()
	dir := t.TempDir()
	sinks, err := NewSinks(context.Background(), common.BackupSettings{Dir: dir}, archiveLogger())
	assert.NoError(t, err)
	store := newFakeBackupStore()
	return NewManager(store, sinks, true, archiveLogger()), store, dir
}

func gzipRule() *Rule {
	return &Rule{
		ID: "kto_age_30d", Provider: "KTO", Trigger: common.EArchiveTrigger.AgeBased(), MaxAgeDays: 30,
		Location: common.EStorageLocation.LocalDisk(), Compression: common.ECompressionType.Gzip(),
		RetentionDays: 365, Enabled: true, Priority: 1,
	}
}

func TestBackupRoundTrip(t *testing.T) {
	a := assert.New(t)
	m, store, dir := newTestManager(t)
	ctx := context.Background()

	raw := rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048)
	rec, err := m.Backup(ctx, raw, gzipRule())
	a.NoError(err)
	a.Equal(common.EBackupStatus.Completed(), rec.Status)
	a.Equal(int64(len(raw.Response)), rec.OriginalSize)
	a.NotZero(rec.CompressedSize)
	a.NotEmpty(rec.Checksum)
	a.NotNil(rec.CompletedAt)

	a.True(strings.HasPrefix(rec.BackupPath, "KTO/"), rec.BackupPath)
	a.True(strings.HasSuffix(rec.BackupPath, ".json.gz"), rec.BackupPath)
	a.Contains(rec.BackupID, "areaBasedList2")
	a.NotContains(rec.BackupID, "/")

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(rec.BackupPath)))
	a.NoError(err)
	a.Equal(common.EBackupStatus.Completed(), store.status(rec.BackupID))

	payload, err := m.Restore(ctx, rec.BackupID)
	a.NoError(err)
	a.Equal([]byte(raw.Response), payload)
}

func TestBackupCompressionVariants(t *testing.T) {
	big := json.RawMessage(`{"data":"` + strings.Repeat("weather", 2048) + `"}`)

	cases := []struct {
		ct     common.CompressionType
		suffix string
	}{
		{common.ECompressionType.Gzip(), ".json.gz"},
		{common.ECompressionType.Zstd(), ".json.zst"},
		{common.ECompressionType.None(), ".json"},
	}
	for _, tc := range cases {
		t.Run(tc.ct.String(), func(t *testing.T) {
			a := assert.New(t)
			m, _, dir := newTestManager(t)
			ctx := context.Background()

			raw := rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, int64(len(big)))
			raw.Response = big
			rule := gzipRule()
			rule.Compression = tc.ct

			rec, err := m.Backup(ctx, raw, rule)
			a.NoError(err)
			a.True(strings.HasSuffix(rec.BackupPath, tc.suffix), rec.BackupPath)
			if tc.ct == common.ECompressionType.None() {
				a.Equal(rec.OriginalSize, rec.CompressedSize)
				onDisk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rec.BackupPath)))
				a.NoError(err)
				a.Equal([]byte(big), onDisk)
			} else {
				a.Less(rec.CompressedSize, rec.OriginalSize)
			}

			payload, err := m.Restore(ctx, rec.BackupID)
			a.NoError(err)
			a.Equal([]byte(big), payload)
		})
	}
}

func TestBackupIDShape(t *testing.T) {
	a := assert.New(t)
	now := time.Date(2025, 7, 14, 3, 0, 5, 0, time.UTC)

	one := backupID(common.EProvider.KTO(), "/areaBasedList2", uuid.New(), now)
	two := backupID(common.EProvider.KTO(), "/areaBasedList2", uuid.New(), now)

	a.Regexp(regexp.MustCompile(`^KTO_areaBasedList2_20250714_030005_[0-9a-f]{8}$`), one)
	a.NotEqual(one, two)

	nested := backupID(common.EProvider.KMA(), "typ01/url/fct_shrt_reg", uuid.New(), now)
	a.Contains(nested, "typ01-url-fct_shrt_reg")
}

func TestBackupPathLayout(t *testing.T) {
	a := assert.New(t)
	now := time.Date(2025, 7, 14, 3, 0, 5, 0, time.UTC)
	a.Equal("KMA/2025/07/some_id.json.zst",
		backupPath(common.EProvider.KMA(), "some_id", common.ECompressionType.Zstd(), now))
}

func TestBackupToUnsupportedLocationFails(t *testing.T) {
	a := assert.New(t)
	m, store, _ := newTestManager(t)

	rule := gzipRule()
	rule.Location = common.EStorageLocation.TapeBackup()

	raw := rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048)
	_, err := m.Backup(context.Background(), raw, rule)
	a.Error(err)
	a.True(errors.Is(err, ErrUnsupportedLocation))

	// The attempt still left a FAILED row behind.
	f := store
	f.mu.Lock()
	a.Len(f.recs, 1)
	for _, rec := range f.recs {
		a.Equal(common.EBackupStatus.Failed(), rec.Status)
		a.Contains(rec.ErrorMessage, "unsupported storage location")
	}
	f.mu.Unlock()

	stats := m.Stats()
	a.Equal(int64(1), stats.Total)
	a.Equal(int64(1), stats.Failed)
	a.Zero(stats.Successful)
}

func TestBackupVerifyCatchesTamperedObject(t *testing.T) {
	a := assert.New(t)
	dir := t.TempDir()
	sinks, err := NewSinks(context.Background(), common.BackupSettings{Dir: dir}, archiveLogger())
	a.NoError(err)
	local, err := sinks.For(common.EStorageLocation.LocalDisk())
	a.NoError(err)
	sinks.withSink(common.EStorageLocation.LocalDisk(), &tamperSink{inner: local})

	store := newFakeBackupStore()
	m := NewManager(store, sinks, true, archiveLogger())

	raw := rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048)
	_, err = m.Backup(context.Background(), raw, gzipRule())
	a.Error(err)
	a.Contains(err.Error(), "does not match checksum")
	a.Len(store.corrupted, 1)
	a.Equal(int64(1), m.Stats().Failed)
}

func TestRestoreRefusesNonCompletedBackups(t *testing.T) {
	a := assert.New(t)
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	a.NoError(store.Insert(ctx, &common.BackupRecord{
		BackupID: "broken", Status: common.EBackupStatus.Failed(),
	}))
	_, err := m.Restore(ctx, "broken")
	a.Error(err)
	a.Contains(err.Error(), "not restorable")

	_, err = m.Restore(ctx, "never-existed")
	a.True(errors.Is(err, db.ErrNotFound))
}

func TestRestoreDetectsTamperedFile(t *testing.T) {
	a := assert.New(t)
	m, store, dir := newTestManager(t)
	ctx := context.Background()

	raw := rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048)
	rec, err := m.Backup(ctx, raw, gzipRule())
	a.NoError(err)

	full := filepath.Join(dir, filepath.FromSlash(rec.BackupPath))
	a.NoError(os.WriteFile(full, []byte("garbage"), 0o644))

	_, err = m.Restore(ctx, rec.BackupID)
	a.Error(err)
	a.Contains(err.Error(), "does not match checksum")
	a.Equal(common.EBackupStatus.Corrupted(), store.status(rec.BackupID))
}

func TestCleanupOldRemovesExpiredBackups(t *testing.T) {
	a := assert.New(t)
	m, store, dir := newTestManager(t)
	ctx := context.Background()

	oldRec, err := m.Backup(ctx, rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048), gzipRule())
	a.NoError(err)
	freshRec, err := m.Backup(ctx, rawRec(common.EProvider.KTO(), "/searchFestival2", 45, 2048), gzipRule())
	a.NoError(err)

	store.age(oldRec.BackupID, 400)

	deleted, err := m.CleanupOld(ctx, 365*24*time.Hour)
	a.NoError(err)
	a.Equal(1, deleted)

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(oldRec.BackupPath)))
	a.True(os.IsNotExist(err))
	_, err = store.Get(ctx, oldRec.BackupID)
	a.True(errors.Is(err, db.ErrNotFound))

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(freshRec.BackupPath)))
	a.NoError(err)
}

func TestCompressionCodecs(t *testing.T) {
	a := assert.New(t)
	payload := []byte(`{"data":"` + strings.Repeat("forecast", 1024) + `"}`)

	for _, ct := range []common.CompressionType{
		common.ECompressionType.None(),
		common.ECompressionType.Gzip(),
		common.ECompressionType.Zstd(),
	} {
		blob, err := compress(payload, ct)
		a.NoError(err, ct.String())
		if ct != common.ECompressionType.None() {
			a.Less(len(blob), len(payload), ct.String())
		}
		back, err := decompress(blob, ct)
		a.NoError(err, ct.String())
		a.Equal(payload, back, ct.String())
	}

	_, err := compress(payload, common.CompressionType(99))
	a.Error(err)
}

func TestBackupStopsWhenTheRecordCannotBeWritten(t *testing.T) {
	a := assert.New(t)
	m, store, dir := newTestManager(t)
	store.insertErr = errors.New("too many connections")

	_, err := m.Backup(context.Background(), rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048), gzipRule())
	a.Error(err)
	a.Contains(err.Error(), "too many connections")

	// No record, no object, nothing counted.
	entries, err := os.ReadDir(dir)
	a.NoError(err)
	a.Empty(entries)
	a.Zero(m.Stats().Total)
}

func TestBackupHonorsContext(t *testing.T) {
	a := assert.New(t)
	m, store, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Backup(ctx, rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048), gzipRule())
	a.Error(err)
	a.Equal(common.EErrorKind.Cancelled(), common.ClassifyError(err))

	store.mu.Lock()
	a.Empty(store.recs)
	store.mu.Unlock()
}

func TestManagerStatsTrackSavings(t *testing.T) {
	a := assert.New(t)
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	raw := rawRec(common.EProvider.KTO(), "/areaBasedList2", 45, 2048)
	raw.Response = json.RawMessage(fmt.Sprintf(`{"data":%q}`, strings.Repeat("x", 8192)))
	_, err := m.Backup(ctx, raw, gzipRule())
	a.NoError(err)

	stats := m.Stats()
	a.Equal(int64(1), stats.Total)
	a.Equal(int64(1), stats.Successful)
	a.Zero(stats.Failed)
	a.Equal(int64(len(raw.Response)), stats.OriginalBytes)
	a.Greater(stats.AvgCompressionRatio, 50.0)
}
