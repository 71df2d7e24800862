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

package ttl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/policy"
)

func ttlLogger() common.ILogger {
	return common.NewAppLogger(common.ELogLevel.None(), "ttl-test")
}

type fakeCleanupStore struct {
	expired    []db.CleanupCandidate
	expiredErr error
	aged       map[int][]db.CleanupCandidate
	oversized  []db.CleanupCandidate

	gotRules    []db.TTLRule
	deleteCalls [][]uuid.UUID
	deleteErr   map[int]error

	usage    []common.ProviderUsage
	overview *db.UsageOverview
}

func (f *fakeCleanupStore) ExpiredCandidates(_ context.Context, _ time.Time, rules []db.TTLRule, _, _ int) ([]db.CleanupCandidate, error) {
	f.gotRules = rules
	return f.expired, f.expiredErr
}

func (f *fakeCleanupStore) AgedCandidates(_ context.Context, minPriority int, _ time.Time, _ int) ([]db.CleanupCandidate, error) {
	return f.aged[minPriority], nil
}

func (f *fakeCleanupStore) OversizedCandidates(_ context.Context, _ int64, _ int, _ time.Time, _ int) ([]db.CleanupCandidate, error) {
	return f.oversized, nil
}

func (f *fakeCleanupStore) DeleteByIDs(_ context.Context, ids []uuid.UUID) (int64, error) {
	call := len(f.deleteCalls)
	f.deleteCalls = append(f.deleteCalls, ids)
	if err := f.deleteErr[call]; err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (f *fakeCleanupStore) Usage(context.Context) ([]common.ProviderUsage, error) {
	return f.usage, nil
}

func (f *fakeCleanupStore) Overview(context.Context, time.Time, int64) (*db.UsageOverview, error) {
	return f.overview, nil
}

func cleanupRow(provider, endpoint string, size int64, priority int) db.CleanupCandidate {
	return db.CleanupCandidate{
		ID:           uuid.New(),
		Provider:     provider,
		Endpoint:     endpoint,
		CreatedAt:    time.Now().UTC().Add(-45 * 24 * time.Hour),
		ResponseSize: size,
		Priority:     priority,
	}
}

func deletedIDs(calls [][]uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, call := range calls {
		out = append(out, call...)
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestCleanupSweepsClassesInOrderLargestFirst(t *testing.T) {
	a := assert.New(t)
	small := cleanupRow("KMA", "getUltraSrtNcst", 100, 2)
	big := cleanupRow("KMA", "fct_shrt_reg", 5000, 2)
	lowPri := cleanupRow("KTO", "/detailImage2", 300, 3)
	huge := cleanupRow("KTO", "/areaBasedList2", 20<<20, 2)
	store := &fakeCleanupStore{
		expired:   []db.CleanupCandidate{small, big},
		aged:      map[int][]db.CleanupCandidate{lowestPriority: {lowPri}},
		oversized: []db.CleanupCandidate{huge},
	}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{})
	a.Equal(4, report.Candidates)
	a.Equal(int64(4), report.Deleted)
	a.Empty(report.Errors)

	// Expired first and largest first within the class, then the aged low
	// priority row, then the oversized one.
	a.Equal([]uuid.UUID{big.ID, small.ID, lowPri.ID, huge.ID}, deletedIDs(store.deleteCalls))

	a.Equal(2, report.Summary.ByPriority["EXPIRED"].Count)
	a.Equal(1, report.Summary.ByPriority["LOW_PRIORITY"].Count)
	a.Equal(1, report.Summary.ByPriority["LARGE_SIZE"].Count)
	a.Nil(report.Summary.ByPriority["EMERGENCY"])
	a.Equal(2, report.Summary.ByProvider["KMA"].Count)
	a.InDelta(20.0, report.Summary.ByProvider["KTO"].SpaceMB, 0.1)
}

func TestCleanupDedupesRowsMatchedBySeveralClasses(t *testing.T) {
	a := assert.New(t)
	both := cleanupRow("KTO", "/areaBasedList2", 20<<20, 2)
	store := &fakeCleanupStore{
		expired:   []db.CleanupCandidate{both},
		oversized: []db.CleanupCandidate{both},
	}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{})
	a.Equal(1, report.Candidates)
	a.Equal(int64(1), report.Deleted)
	a.Len(deletedIDs(store.deleteCalls), 1)
	// The narrower class wins the attribution.
	a.Equal(1, report.Summary.ByPriority["EXPIRED"].Count)
	a.Nil(report.Summary.ByPriority["LARGE_SIZE"])
}

func TestCleanupEmergencyWidensTheNet(t *testing.T) {
	a := assert.New(t)
	recent := cleanupRow("KMA", "getVilageFcst", 4096, 2)
	recent.CreatedAt = time.Now().UTC().Add(-4 * 24 * time.Hour)
	store := &fakeCleanupStore{
		aged: map[int][]db.CleanupCandidate{disposablePriority: {recent}},
	}
	engine := NewEngine(store, nil, ttlLogger())

	calm := engine.Cleanup(context.Background(), CleanupOptions{})
	a.Zero(calm.Candidates)
	a.False(calm.Emergency)

	urgent := engine.Cleanup(context.Background(), CleanupOptions{Emergency: true})
	a.True(urgent.Emergency)
	a.Equal(1, urgent.Candidates)
	a.Equal(1, urgent.Summary.ByPriority["EMERGENCY"].Count)
}

func TestCleanupStopsAtReclaimTarget(t *testing.T) {
	a := assert.New(t)
	rows := []db.CleanupCandidate{
		cleanupRow("KTO", "/areaBasedList2", 3<<20, 2),
		cleanupRow("KTO", "/areaBasedList2", 3<<20, 2),
		cleanupRow("KTO", "/areaBasedList2", 3<<20, 2),
	}
	store := &fakeCleanupStore{expired: rows}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{TargetMB: 5})
	a.Equal(3, report.Candidates)
	a.Equal(int64(2), report.Deleted)
	a.InDelta(6.0, report.SpaceFreedMB, 0.01)
	a.Len(store.deleteCalls, 1)
	a.Len(store.deleteCalls[0], 2)
}

func TestCleanupDryRunDeletesNothing(t *testing.T) {
	a := assert.New(t)
	store := &fakeCleanupStore{
		expired: []db.CleanupCandidate{
			cleanupRow("KMA", "fct_shrt_reg", 2048, 2),
			cleanupRow("WEATHER", "current", 1024, 2),
		},
	}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{DryRun: true})
	a.True(report.DryRun)
	a.Equal(int64(2), report.Deleted)
	a.Empty(store.deleteCalls)
	a.Equal(2, report.Summary.ByPriority["EXPIRED"].Count)
	// Sizing runs leave the engine totals alone.
	a.Zero(engine.Stats().Runs)
	a.Nil(engine.Stats().LastCleanup)
}

func TestCleanupBatchFailureIsRecordedAndPassContinues(t *testing.T) {
	a := assert.New(t)
	var rows []db.CleanupCandidate
	for i := 0; i < 5; i++ {
		rows = append(rows, cleanupRow("KMA", "fct_shrt_reg", 1000, 2))
	}
	store := &fakeCleanupStore{
		expired:   rows,
		deleteErr: map[int]error{1: errors.New("deadlock detected")},
	}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{BatchSize: 2})
	a.Len(store.deleteCalls, 3)
	a.Equal(int64(3), report.Deleted)
	a.Len(report.Errors, 1)
	a.Contains(report.Errors[0], "deadlock")
	// The failed batch never reaches the summary.
	a.Equal(3, report.Summary.ByPriority["EXPIRED"].Count)
}

func TestCleanupReportsScanFailures(t *testing.T) {
	a := assert.New(t)
	store := &fakeCleanupStore{
		expiredErr: errors.New("relation is busy"),
		aged: map[int][]db.CleanupCandidate{
			lowestPriority: {cleanupRow("KTO", "/detailImage2", 512, 3)},
		},
	}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{})
	a.Len(report.Errors, 1)
	a.Contains(report.Errors[0], "scan EXPIRED candidates")
	a.Equal(1, report.Candidates)
	a.Equal(int64(1), report.Deleted)
}

func TestCleanupWithEmptyTableIsANoOp(t *testing.T) {
	a := assert.New(t)
	store := &fakeCleanupStore{}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{})
	a.Zero(report.Candidates)
	a.Zero(report.Deleted)
	a.Empty(report.Errors)
	a.Empty(store.deleteCalls)
}

func TestCleanupSizeDistributionBucketsDeletedRows(t *testing.T) {
	a := assert.New(t)
	store := &fakeCleanupStore{
		expired: []db.CleanupCandidate{
			cleanupRow("KMA", "getUltraSrtNcst", 512<<10, 2),
			cleanupRow("KTO", "/detailCommon2", 2<<20, 2),
			cleanupRow("KTO", "/areaBasedList2", 20<<20, 2),
		},
	}
	engine := NewEngine(store, nil, ttlLogger())

	report := engine.Cleanup(context.Background(), CleanupOptions{})
	a.Equal(1, report.Summary.Sizes.Small)
	a.Equal(1, report.Summary.Sizes.Medium)
	a.Equal(1, report.Summary.Sizes.Large)
}

func TestCleanupStatsAccumulateAcrossRuns(t *testing.T) {
	a := assert.New(t)
	store := &fakeCleanupStore{
		expired: []db.CleanupCandidate{cleanupRow("KMA", "fct_shrt_reg", 4096, 2)},
	}
	engine := NewEngine(store, nil, ttlLogger())

	engine.Cleanup(context.Background(), CleanupOptions{})
	store.expired = nil
	engine.Cleanup(context.Background(), CleanupOptions{})

	stats := engine.Stats()
	a.Equal(int64(2), stats.Runs)
	a.Equal(int64(1), stats.TotalDeleted)
	if a.NotNil(stats.LastCleanup) {
		a.WithinDuration(time.Now().UTC(), *stats.LastCleanup, time.Minute)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestRetentionRulesComeFromPolicySnapshot(t *testing.T) {
	a := assert.New(t)
	policies, err := policy.NewEngine("", ttlLogger())
	a.NoError(err)
	t.Cleanup(func() { _ = policies.Close() })

	store := &fakeCleanupStore{}
	engine := NewEngine(store, policies, ttlLogger())
	engine.Cleanup(context.Background(), CleanupOptions{})

	a.Contains(store.gotRules, db.TTLRule{Provider: "KMA", Days: 90})
	a.Contains(store.gotRules, db.TTLRule{Provider: "KMA", Endpoint: "fct_shrt_reg", Days: 180})
	a.Contains(store.gotRules, db.TTLRule{Provider: "KTO", Days: 180})
	a.Contains(store.gotRules, db.TTLRule{Provider: "WEATHER", Days: 30})

	// Provider-wide entries precede their endpoint overrides.
	kmaWide, kmaEndpoint := -1, -1
	for i, r := range store.gotRules {
		if r.Provider == "KMA" && r.Endpoint == "" {
			kmaWide = i
		}
		if r.Provider == "KMA" && r.Endpoint == "fct_shrt_reg" {
			kmaEndpoint = i
		}
	}
	a.GreaterOrEqual(kmaWide, 0)
	a.Greater(kmaEndpoint, kmaWide)
}

func TestUsageStatsComposeOverviewAndPerProviderUsage(t *testing.T) {
	a := assert.New(t)
	oldest := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCleanupStore{
		overview: &db.UsageOverview{
			Records:   900,
			Bytes:     1536 << 20,
			AvgBytes:  1.7e6,
			Oldest:    &oldest,
			Aged:      120,
			Oversized: 7,
		},
		usage: []common.ProviderUsage{
			{Provider: common.EProvider.KTO(), Records: 600, Bytes: 1024 << 20},
			{Provider: common.EProvider.KMA(), Records: 300, Bytes: 512 << 20},
		},
	}
	engine := NewEngine(store, nil, ttlLogger())

	usage, err := engine.UsageStats(context.Background())
	a.NoError(err)
	a.Equal(int64(900), usage.Records)
	a.InDelta(1536.0, usage.SizeMB, 0.01)
	a.Equal(int64(120), usage.Aged90Days)
	a.Equal(int64(7), usage.Oversized)
	a.Len(usage.ByProvider, 2)
	if a.NotNil(usage.Oldest) {
		a.Equal(oldest, *usage.Oldest)
	}
	a.Nil(usage.Newest)
}
