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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

const (
	// archiveConcurrency is how many archival tasks run at once. The backup
	// manager throttles sink writes separately.
	archiveConcurrency = 5

	// candidateLimit bounds one provider's share of a pass. Rows left behind
	// are picked up on the next pass.
	candidateLimit = 500
)

// IArchiveStore is the slice of db.RawStore the engine drives.
type IArchiveStore interface {
	Get(ctx context.Context, id uuid.UUID) (*common.RawRecord, error)
	UnarchivedProviders(ctx context.Context) ([]common.Provider, error)
	ArchiveCandidates(ctx context.Context, provider common.Provider, endpointPrefix string,
		olderThan time.Time, limit int) ([]common.RawRecord, error)
	MarkArchived(ctx context.Context, id uuid.UUID, backupID string, at time.Time) error
}

// ArchiveOptions narrows one pass. Zero value archives everything due.
type ArchiveOptions struct {
	Provider *common.Provider
	Endpoint string
	DryRun   bool
}

// Orphan records a backup whose object was written but whose source row could
// not be marked archived. Reconcile retries these so the next pass cannot
// archive the same row twice.
type Orphan struct {
	BackupID  string                 `json:"backup_id"`
	RawDataID uuid.UUID              `json:"raw_data_id"`
	Path      string                 `json:"backup_path"`
	Location  common.StorageLocation `json:"storage_location"`
	Reason    string                 `json:"reason"`
	At        time.Time              `json:"recorded_at"`
}

// task pairs one candidate row with the rule that claimed it.
type task struct {
	rec  common.RawRecord
	rule *Rule
	id   string
}

// tally accumulates task outcomes across the pass's goroutines.
type tally struct {
	successful      atomic.Int64
	failed          atomic.Int64
	skipped         atomic.Int64
	originalBytes   atomic.Int64
	compressedBytes atomic.Int64
}

// Engine runs archival passes: scan unarchived rows per provider, match them
// against the rule set, back each match up, and mark the source row archived.
type Engine struct {
	store   IArchiveStore
	rules   *RuleSet
	backups *Manager
	logger  common.ILogger

	mu      sync.Mutex
	orphans []Orphan
	stats   common.ArchiveEngineStats
}

func NewEngine(store IArchiveStore, rules *RuleSet, backups *Manager, logger common.ILogger) *Engine {
	return &Engine{store: store, rules: rules, backups: backups, logger: logger}
}

func (e *Engine) Rules() *RuleSet   { return e.rules }
func (e *Engine) Backups() *Manager { return e.backups }

// Archive runs one pass. A dry run reports what would be archived without
// touching the sinks or the database. Per-task failures are counted in the
// summary; the returned error only covers failures to scan for work.
func (e *Engine) Archive(ctx context.Context, opts ArchiveOptions) (*common.ArchiveSummary, error) {
	started := time.Now()
	now := started.UTC()

	providers, err := e.providers(ctx, opts)
	if err != nil {
		return nil, err
	}
	tasks, err := e.collect(ctx, providers, opts.Endpoint, now)
	if err != nil {
		return nil, err
	}
	summary := &common.ArchiveSummary{Candidates: len(tasks), DryRun: opts.DryRun}

	if opts.DryRun {
		for i := range tasks {
			if len(tasks[i].rec.Response) == 0 {
				summary.Skipped++
				continue
			}
			summary.OriginalMB += toMB(tasks[i].rec.ResponseSize)
		}
		summary.DurationSecs = time.Since(started).Seconds()
		e.logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("archival dry run: %d candidates, %.1f MB across %d providers",
				summary.Candidates, summary.OriginalMB, len(providers)))
		return summary, nil
	}

	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveConcurrency)
	for i := range tasks {
		tk := &tasks[i]
		g.Go(func() error {
			e.runTask(gctx, tk, &t)
			return nil
		})
	}
	_ = g.Wait()

	summary.Successful = int(t.successful.Load())
	summary.Failed = int(t.failed.Load())
	summary.Skipped = int(t.skipped.Load())
	summary.Processed = summary.Successful + summary.Failed
	summary.OriginalMB = toMB(t.originalBytes.Load())
	summary.CompressedMB = toMB(t.compressedBytes.Load())
	if t.originalBytes.Load() > 0 {
		summary.AvgCompressionPct = (1 - float64(t.compressedBytes.Load())/float64(t.originalBytes.Load())) * 100
	}
	summary.DurationSecs = time.Since(started).Seconds()

	e.recordRun(summary, now)
	e.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("archival pass finished: %d candidates, %d archived, %d failed, %d skipped, %.1f -> %.1f MB in %.2fs",
			summary.Candidates, summary.Successful, summary.Failed, summary.Skipped,
			summary.OriginalMB, summary.CompressedMB, summary.DurationSecs))
	return summary, nil
}

func (e *Engine) providers(ctx context.Context, opts ArchiveOptions) ([]common.Provider, error) {
	if opts.Provider != nil {
		return []common.Provider{*opts.Provider}, nil
	}
	providers, err := e.store.UnarchivedProviders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list providers with unarchived rows")
	}
	return providers, nil
}

// collect scans each provider for rows old enough for its narrowest rule and
// pairs every row that a rule claims with that rule.
func (e *Engine) collect(ctx context.Context, providers []common.Provider, endpoint string,
	now time.Time) ([]task, error) {

	var tasks []task
	for _, p := range providers {
		minAge, ok := e.rules.MinCandidateAge(p)
		if !ok {
			continue
		}
		recs, err := e.store.ArchiveCandidates(ctx, p, endpoint, now.Add(-minAge), candidateLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s archive candidates", p)
		}
		for i := range recs {
			rule := e.rules.MatchFor(&recs[i], now)
			if rule == nil {
				continue
			}
			tasks = append(tasks, task{
				rec:  recs[i],
				rule: rule,
				id:   fmt.Sprintf("%s_%s_%d", recs[i].ID, rule.ID, now.Unix()),
			})
		}
	}
	return tasks, nil
}

func (e *Engine) runTask(ctx context.Context, tk *task, t *tally) {
	if len(tk.rec.Response) == 0 {
		t.skipped.Add(1)
		return
	}
	rec, err := e.backups.Backup(ctx, &tk.rec, tk.rule)
	if err != nil {
		t.failed.Add(1)
		e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("archive task %s failed: %v", tk.id, err))
		return
	}
	if err := e.store.MarkArchived(ctx, tk.rec.ID, rec.BackupID, time.Now().UTC()); err != nil {
		t.failed.Add(1)
		e.recordOrphan(rec, err)
		return
	}
	t.successful.Add(1)
	t.originalBytes.Add(rec.OriginalSize)
	t.compressedBytes.Add(rec.CompressedSize)
}

// recordOrphan remembers a backup whose source row was not marked archived.
// The object exists and is valid; only the pointer to it is missing.
func (e *Engine) recordOrphan(rec *common.BackupRecord, cause error) {
	e.mu.Lock()
	e.orphans = append(e.orphans, Orphan{
		BackupID:  rec.BackupID,
		RawDataID: rec.RawDataID,
		Path:      rec.BackupPath,
		Location:  rec.Location,
		Reason:    cause.Error(),
		At:        time.Now().UTC(),
	})
	e.mu.Unlock()
	e.logger.Log(common.ELogLevel.Error(),
		fmt.Sprintf("backup %s is orphaned, source row %s not marked: %v", rec.BackupID, rec.RawDataID, cause))
}

// ArchiveRecord archives one row under a specific rule, regardless of the
// rule's trigger. This is the only way MANUAL rules fire.
func (e *Engine) ArchiveRecord(ctx context.Context, dataID uuid.UUID, ruleID string) (*common.BackupRecord, error) {
	rule, ok := e.rules.Get(ruleID)
	if !ok {
		return nil, errors.Wrap(ErrRuleNotFound, ruleID)
	}
	if !rule.Enabled {
		return nil, errors.Errorf("archive rule %s is disabled", ruleID)
	}
	raw, err := e.store.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}
	if raw.IsArchived {
		return nil, errors.Errorf("row %s is already archived as %s", dataID, raw.BackupID)
	}
	if !rule.applies(raw.Provider) {
		return nil, errors.Errorf("archive rule %s does not cover provider %s", ruleID, raw.Provider)
	}
	if len(raw.Response) == 0 {
		return nil, errors.Errorf("row %s has an empty payload", dataID)
	}
	rec, err := e.backups.Backup(ctx, raw, rule)
	if err != nil {
		return nil, err
	}
	if err := e.store.MarkArchived(ctx, dataID, rec.BackupID, time.Now().UTC()); err != nil {
		e.recordOrphan(rec, err)
		return nil, errors.Wrapf(err, "mark row %s archived", dataID)
	}
	return rec, nil
}

// Restore returns the original payload of an archived row.
func (e *Engine) Restore(ctx context.Context, dataID uuid.UUID) ([]byte, error) {
	raw, err := e.store.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}
	if !raw.IsArchived || raw.BackupID == "" {
		return nil, errors.Errorf("row %s is not archived", dataID)
	}
	return e.backups.Restore(ctx, raw.BackupID)
}

// Orphans lists backups still waiting for reconciliation.
func (e *Engine) Orphans() []Orphan {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Orphan, len(e.orphans))
	copy(out, e.orphans)
	return out
}

// Reconcile retries every orphan. If the source row still exists unarchived,
// the mark is retried. If the row is gone, or another pass archived it under
// a different backup, the orphaned object is garbage collected. Unresolved
// entries stay on the list.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	pending := e.Orphans()
	if len(pending) == 0 {
		return 0, nil
	}
	resolved := 0
	var remaining []Orphan
	for _, o := range pending {
		if e.reconcileOne(ctx, o) {
			resolved++
		} else {
			remaining = append(remaining, o)
		}
	}
	e.mu.Lock()
	e.orphans = remaining
	e.mu.Unlock()
	e.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("orphan reconciliation resolved %d of %d backups", resolved, len(pending)))
	return resolved, nil
}

func (e *Engine) reconcileOne(ctx context.Context, o Orphan) bool {
	raw, err := e.store.Get(ctx, o.RawDataID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		// Row deleted since, likely by retention cleanup. The object points
		// at nothing.
		return e.discardOrphan(ctx, o)
	case err != nil:
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("reconcile %s: %v", o.BackupID, err))
		return false
	case raw.IsArchived && raw.BackupID != o.BackupID:
		// A later pass archived the row under another backup; this one is a
		// duplicate.
		return e.discardOrphan(ctx, o)
	case raw.IsArchived:
		return true
	}
	if err := e.store.MarkArchived(ctx, o.RawDataID, o.BackupID, time.Now().UTC()); err != nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("reconcile %s: retry mark: %v", o.BackupID, err))
		return false
	}
	return true
}

func (e *Engine) discardOrphan(ctx context.Context, o Orphan) bool {
	sink, err := e.backups.sinks.For(o.Location)
	if err != nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("reconcile %s: %v", o.BackupID, err))
		return false
	}
	if err := sink.Delete(ctx, o.Path); err != nil {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("reconcile %s: delete object: %v", o.BackupID, err))
		return false
	}
	if err := e.backups.store.Delete(ctx, o.BackupID); err != nil && !errors.Is(err, db.ErrNotFound) {
		e.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("reconcile %s: drop record: %v", o.BackupID, err))
		return false
	}
	return true
}

func (e *Engine) recordRun(s *common.ArchiveSummary, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Runs++
	e.stats.ItemsProcessed += int64(s.Processed)
	e.stats.BackupsCreated += int64(s.Successful)
	e.stats.ArchivedMB += s.CompressedMB
	n := float64(e.stats.Runs)
	e.stats.AvgRunSecs = (e.stats.AvgRunSecs*(n-1) + s.DurationSecs) / n
	last := at
	e.stats.LastRun = &last
}

func (e *Engine) Stats() *common.ArchiveEngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	if e.stats.LastRun != nil {
		last := *e.stats.LastRun
		out.LastRun = &last
	}
	return &out
}

func toMB(b int64) float64 {
	return float64(b) / (1 << 20)
}
