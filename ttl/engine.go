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

// Package ttl reclaims database space by deleting raw responses past their
// retention. Candidates come in four classes, swept in order: rows past the
// per-endpoint retention window, lowest-priority rows past thirty days,
// oversized disposable rows past seven days and, under disk pressure, any
// disposable row past three days.
package ttl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/policy"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	// deleteBatchSize bounds one DELETE statement.
	deleteBatchSize = 1000
	// scanLimit bounds one candidate query; whatever does not fit is picked
	// up by the next pass.
	scanLimit = 10000

	lowPriorityAge = 30 * 24 * time.Hour
	oversizeAge    = 7 * 24 * time.Hour
	emergencyAge   = 3 * 24 * time.Hour

	oversizeBytes   = 10 << 20
	fallbackTTLDays = 90

	// disposablePriority is the floor for size and emergency culls; rows
	// stamped more important than this survive both.
	disposablePriority = 2
	lowestPriority     = 3

	agedReportWindow = 90 * 24 * time.Hour
)

// ICleanupStore is the slice of the raw store the retention engine drives.
type ICleanupStore interface {
	ExpiredCandidates(ctx context.Context, now time.Time, rules []db.TTLRule, fallbackDays, limit int) ([]db.CleanupCandidate, error)
	AgedCandidates(ctx context.Context, minPriority int, cutoff time.Time, limit int) ([]db.CleanupCandidate, error)
	OversizedCandidates(ctx context.Context, minSize int64, minPriority int, cutoff time.Time, limit int) ([]db.CleanupCandidate, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
	Usage(ctx context.Context) ([]common.ProviderUsage, error)
	Overview(ctx context.Context, agedBefore time.Time, minSize int64) (*db.UsageOverview, error)
}

// IRuleSource yields the storage policy snapshot retention windows derive
// from. A reloaded policy file changes the next pass, including for rows
// stamped under older policy versions.
type IRuleSource interface {
	Snapshot() *policy.Config
}

// CleanupOptions tunes one pass. The zero value is a full ordinary run.
type CleanupOptions struct {
	// TargetMB stops selecting once the projected reclaim reaches this many
	// megabytes. Zero deletes everything eligible.
	TargetMB float64
	// Emergency adds the widest class: disposable rows older than three days.
	Emergency bool
	// DryRun sizes the run without deleting anything.
	DryRun bool
	// BatchSize overrides how many rows one DELETE takes.
	BatchSize int
}

// Engine finds and deletes raw responses past retention. Safe for concurrent
// use; overlapping passes contend on nothing but the delete statements.
type Engine struct {
	store  ICleanupStore
	rules  IRuleSource
	logger common.ILogger

	mu    sync.Mutex
	stats common.CleanupEngineStats
}

func NewEngine(store ICleanupStore, rules IRuleSource, logger common.ILogger) *Engine {
	return &Engine{store: store, rules: rules, logger: logger}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type candidate struct {
	db.CleanupCandidate
	class  common.CleanupClass
	reason string
}

// Cleanup runs one retention pass and reports what it deleted. Passes are
// idempotent: a second run over the same table finds nothing left to do.
// Scan and delete failures land in the report's Errors and the pass keeps
// going, so one bad batch cannot shield the rest of the backlog.
func (e *Engine) Cleanup(ctx context.Context, opts CleanupOptions) *common.CleanupReport {
	started := time.Now()
	now := started.UTC()

	report := &common.CleanupReport{
		DryRun:    opts.DryRun,
		Emergency: opts.Emergency,
		TargetMB:  opts.TargetMB,
		Errors:    []string{},
		Summary:   newSummary(),
	}

	cands := e.collect(ctx, now, opts, report)
	report.Candidates = len(cands)
	if opts.TargetMB > 0 {
		cands = truncateToTarget(cands, opts.TargetMB)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = deleteBatchSize
	}

	var freed int64
	for start := 0; start < len(cands); start += batchSize {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("pass cut short: %v", err))
			break
		}
		end := start + batchSize
		if end > len(cands) {
			end = len(cands)
		}
		batch := cands[start:end]

		if opts.DryRun {
			report.Deleted += int64(len(batch))
			freed += tallyBatch(&report.Summary, batch)
			continue
		}

		ids := make([]uuid.UUID, len(batch))
		for i, c := range batch {
			ids[i] = c.ID
		}
		n, err := e.store.DeleteByIDs(ctx, ids)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete batch of %d: %v", len(batch), err))
			continue
		}
		// Only committed batches count toward the summary, so the report
		// never claims space a failed DELETE left in place.
		report.Deleted += n
		freed += tallyBatch(&report.Summary, batch)
	}

	report.SpaceFreedMB = toMB(freed)
	report.DurationSecs = time.Since(started).Seconds()

	if !opts.DryRun {
		e.recordRun(report, now)
	}

	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"cleanup pass finished: %d candidates, %d deleted, %.1f MB freed in %.2fs (%d errors)",
		report.Candidates, report.Deleted, report.SpaceFreedMB, report.DurationSecs, len(report.Errors)))
	return report
}

// collect pulls every class in ascending order. A row matched by several
// classes keeps its first, so accounting always blames the narrowest rule.
func (e *Engine) collect(ctx context.Context, now time.Time, opts CleanupOptions, report *common.CleanupReport) []candidate {
	var out []candidate
	seen := make(map[uuid.UUID]struct{})

	add := func(rows []db.CleanupCandidate, class common.CleanupClass, reason string, err error) {
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("scan %s candidates: %v", class, err))
			return
		}
		for _, row := range rows {
			if _, dup := seen[row.ID]; dup {
				continue
			}
			seen[row.ID] = struct{}{}
			out = append(out, candidate{CleanupCandidate: row, class: class, reason: reason})
		}
	}

	rows, err := e.store.ExpiredCandidates(ctx, now, e.ttlRules(), fallbackTTLDays, scanLimit)
	add(rows, common.ECleanupClass.Expired(), "past retention window", err)

	rows, err = e.store.AgedCandidates(ctx, lowestPriority, now.Add(-lowPriorityAge), scanLimit)
	add(rows, common.ECleanupClass.LowPriority(), "low priority, older than 30 days", err)

	rows, err = e.store.OversizedCandidates(ctx, oversizeBytes, disposablePriority, now.Add(-oversizeAge), scanLimit)
	add(rows, common.ECleanupClass.Oversized(), "over 10 MiB, older than 7 days", err)

	if opts.Emergency {
		rows, err = e.store.AgedCandidates(ctx, disposablePriority, now.Add(-emergencyAge), scanLimit)
		add(rows, common.ECleanupClass.Emergency(), "emergency reclaim, older than 3 days", err)
	}

	// Within a class the biggest rows go first, so a capped run reclaims the
	// most space per row deleted.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].class != out[j].class {
			return out[i].class < out[j].class
		}
		return out[i].ResponseSize > out[j].ResponseSize
	})
	return out
}

// ttlRules flattens the live policy snapshot into the retention table the
// expiry query joins against. Sorted so the generated SQL is stable.
func (e *Engine) ttlRules() []db.TTLRule {
	if e.rules == nil {
		return nil
	}
	cfg := e.rules.Snapshot()
	if cfg == nil {
		return nil
	}

	providers := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	var out []db.TTLRule
	for _, name := range providers {
		rule := cfg.Providers[name]
		if rule == nil {
			continue
		}
		if rule.DefaultTTLDays > 0 {
			out = append(out, db.TTLRule{Provider: name, Days: rule.DefaultTTLDays})
		}
		endpoints := make([]string, 0, len(rule.Endpoints))
		for ep := range rule.Endpoints {
			endpoints = append(endpoints, ep)
		}
		sort.Strings(endpoints)
		for _, ep := range endpoints {
			er := rule.Endpoints[ep]
			if er == nil || er.TTLDays <= 0 {
				continue
			}
			out = append(out, db.TTLRule{Provider: name, Endpoint: ep, Days: er.TTLDays})
		}
	}
	return out
}

// truncateToTarget keeps candidates until their cumulative size first reaches
// the reclaim target, honoring the class order.
func truncateToTarget(cands []candidate, targetMB float64) []candidate {
	target := int64(targetMB * (1 << 20))
	var acc int64
	for i, c := range cands {
		acc += c.ResponseSize
		if acc >= target {
			return cands[:i+1]
		}
	}
	return cands
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func newSummary() common.CleanupSummary {
	return common.CleanupSummary{
		ByPriority: map[string]*common.CleanupBucket{},
		ByProvider: map[string]*common.CleanupBucket{},
		ByReason:   map[string]*common.CleanupBucket{},
	}
}

func tallyBatch(s *common.CleanupSummary, batch []candidate) int64 {
	var bytes int64
	for _, c := range batch {
		bytes += c.ResponseSize
		bump(s.ByPriority, c.class.String(), c.ResponseSize)
		bump(s.ByProvider, c.Provider, c.ResponseSize)
		bump(s.ByReason, c.reason, c.ResponseSize)
		switch {
		case c.ResponseSize < 1<<20:
			s.Sizes.Small++
		case c.ResponseSize <= oversizeBytes:
			s.Sizes.Medium++
		default:
			s.Sizes.Large++
		}
	}
	return bytes
}

func bump(m map[string]*common.CleanupBucket, key string, size int64) {
	b := m[key]
	if b == nil {
		b = &common.CleanupBucket{}
		m[key] = b
	}
	b.Count++
	b.SpaceMB += toMB(size)
}

func toMB(n int64) float64 { return float64(n) / (1 << 20) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (e *Engine) recordRun(report *common.CleanupReport, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Runs++
	e.stats.TotalDeleted += report.Deleted
	e.stats.TotalFreedMB += report.SpaceFreedMB
	if e.stats.Runs == 1 {
		e.stats.AvgRunSecs = report.DurationSecs
	} else {
		// Moving average weighted toward recent passes, not a true mean.
		e.stats.AvgRunSecs = (e.stats.AvgRunSecs + report.DurationSecs) / 2
	}
	last := at
	e.stats.LastCleanup = &last
}

// Stats reports totals across every non-dry run since startup.
func (e *Engine) Stats() *common.CleanupEngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	if e.stats.LastCleanup != nil {
		last := *e.stats.LastCleanup
		out.LastCleanup = &last
	}
	return &out
}

// UsageStats reports the raw table footprint for the admin API.
func (e *Engine) UsageStats(ctx context.Context) (*common.StorageUsage, error) {
	now := time.Now().UTC()
	ov, err := e.store.Overview(ctx, now.Add(-agedReportWindow), oversizeBytes)
	if err != nil {
		return nil, err
	}
	byProvider, err := e.store.Usage(ctx)
	if err != nil {
		return nil, err
	}
	return &common.StorageUsage{
		Records:      ov.Records,
		SizeMB:       toMB(ov.Bytes),
		AvgSizeBytes: ov.AvgBytes,
		Oldest:       ov.Oldest,
		Newest:       ov.Newest,
		Aged90Days:   ov.Aged,
		Oversized:    ov.Oversized,
		ByProvider:   byProvider,
	}, nil
}
