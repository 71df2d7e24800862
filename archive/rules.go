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

// Package archive moves raw responses past their archival age into cold
// storage: serialize, compress, write to a sink, verify, then mark the
// source row archived. Rules decide who goes where and how hard to squeeze.
package archive

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// ErrRuleNotFound reports a rule id with no live rule behind it.
var ErrRuleNotFound = errors.New("archive rule not found")

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Rule decides when a raw record moves to cold storage and how it is stored
// there. Provider "*" applies to every provider but yields to exact matches
// only through priority; rules sort by Priority descending and the first
// match wins.
type Rule struct {
	ID          string                 `json:"rule_id"`
	Name        string                 `json:"name"`
	Provider    string                 `json:"provider"`
	Trigger     common.ArchiveTrigger  `json:"trigger"`
	Location    common.StorageLocation `json:"storage_location"`
	Compression common.CompressionType `json:"compression"`

	// Trigger conditions; only the one matching the trigger type is read.
	MaxAgeDays    int     `json:"max_age_days,omitempty"`
	MinSizeMB     float64 `json:"min_size_mb,omitempty"`
	MaxUnusedDays int     `json:"max_unused_days,omitempty"`

	RetentionDays int  `json:"retention_days"`
	Enabled       bool `json:"enabled"`
	Priority      int  `json:"priority"`
}

// Match reports whether rec is due for archival under this rule. Usage-based
// rules never match here (raw rows carry no access timestamps) and manual
// rules only fire through Engine.ArchiveRecord.
func (r *Rule) Match(rec *common.RawRecord, now time.Time) bool {
	if !r.Enabled || !r.applies(rec.Provider) {
		return false
	}
	switch r.Trigger {
	case common.EArchiveTrigger.AgeBased():
		return now.Sub(rec.CreatedAt) >= time.Duration(r.MaxAgeDays)*24*time.Hour
	case common.EArchiveTrigger.SizeBased():
		return float64(rec.ResponseSize) >= r.MinSizeMB*(1<<20)
	}
	return false
}

func (r *Rule) applies(p common.Provider) bool {
	return r.Provider == "*" || r.Provider == p.String()
}

func (r *Rule) validate() error {
	if r.ID == "" {
		return common.KindErrorf(common.EErrorKind.Config(), "archive rule needs an id")
	}
	if r.Provider == "" {
		return common.KindErrorf(common.EErrorKind.Config(), "archive rule %s needs a provider or *", r.ID)
	}
	if r.RetentionDays <= 0 {
		return common.KindErrorf(common.EErrorKind.Config(), "archive rule %s: retention_days must be positive", r.ID)
	}
	switch r.Trigger {
	case common.EArchiveTrigger.AgeBased():
		if r.MaxAgeDays <= 0 {
			return common.KindErrorf(common.EErrorKind.Config(), "archive rule %s: max_age_days must be positive", r.ID)
		}
	case common.EArchiveTrigger.SizeBased():
		if r.MinSizeMB <= 0 {
			return common.KindErrorf(common.EErrorKind.Config(), "archive rule %s: min_size_mb must be positive", r.ID)
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// RuleSet holds the live archival rules plus per-rule match counts. Safe for
// concurrent use.
type RuleSet struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	matches map[string]int64
	logger  common.ILogger
}

// NewRuleSet starts from the compiled-in defaults: KTO archives after a
// month (large payloads immediately), KMA weather data after a week with the
// stronger codec, everything else after two months.
func NewRuleSet(logger common.ILogger) *RuleSet {
	rs := &RuleSet{
		rules:   make(map[string]*Rule),
		matches: make(map[string]int64),
		logger:  logger,
	}
	for _, r := range defaultRules() {
		rs.rules[r.ID] = r
	}
	logger.Log(common.ELogLevel.Info(), fmt.Sprintf("archive rule set loaded: %d default rules", len(rs.rules)))
	return rs
}

func defaultRules() []*Rule {
	return []*Rule{
		{
			ID: "kto_age_30d", Name: "KTO data older than 30 days",
			Provider: "KTO", Trigger: common.EArchiveTrigger.AgeBased(), MaxAgeDays: 30,
			Location: common.EStorageLocation.LocalDisk(), Compression: common.ECompressionType.Gzip(),
			RetentionDays: 365, Enabled: true, Priority: 1,
		},
		{
			ID: "kto_size_100mb", Name: "KTO payloads over 100 MB",
			Provider: "KTO", Trigger: common.EArchiveTrigger.SizeBased(), MinSizeMB: 100,
			Location: common.EStorageLocation.LocalDisk(), Compression: common.ECompressionType.Gzip(),
			RetentionDays: 180, Enabled: true, Priority: 2,
		},
		{
			ID: "kma_age_7d", Name: "KMA data older than 7 days",
			Provider: "KMA", Trigger: common.EArchiveTrigger.AgeBased(), MaxAgeDays: 7,
			Location: common.EStorageLocation.LocalDisk(), Compression: common.ECompressionType.Zstd(),
			RetentionDays: 730, Enabled: true, Priority: 1,
		},
		{
			ID: "kma_unused_30d", Name: "KMA data unused for 30 days",
			Provider: "KMA", Trigger: common.EArchiveTrigger.UsageBased(), MaxUnusedDays: 30,
			Location: common.EStorageLocation.DistributedStorage(), Compression: common.ECompressionType.Zstd(),
			RetentionDays: 1095, Enabled: true, Priority: 0,
		},
		{
			ID: "any_age_60d", Name: "Anything older than 60 days",
			Provider: "*", Trigger: common.EArchiveTrigger.AgeBased(), MaxAgeDays: 60,
			Location: common.EStorageLocation.LocalDisk(), Compression: common.ECompressionType.Gzip(),
			RetentionDays: 365, Enabled: true, Priority: 0,
		},
	}
}

// Put inserts or replaces a rule.
func (rs *RuleSet) Put(r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := *r
	rs.rules[r.ID] = &cp
	rs.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("archive rule %s stored (%s, priority %d)", r.ID, r.Trigger, r.Priority))
	return nil
}

func (rs *RuleSet) Delete(id string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.rules[id]; !ok {
		return errors.Wrap(ErrRuleNotFound, id)
	}
	delete(rs.rules, id)
	delete(rs.matches, id)
	return nil
}

func (rs *RuleSet) Get(id string) (*Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.rules[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// List returns every rule, highest priority first, ties by id.
func (rs *RuleSet) List() []*Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MatchFor returns the winning rule for rec, or nil when nothing is due.
func (rs *RuleSet) MatchFor(rec *common.RawRecord, now time.Time) *Rule {
	for _, r := range rs.List() {
		if r.Match(rec, now) {
			rs.mu.Lock()
			rs.matches[r.ID]++
			rs.mu.Unlock()
			return r
		}
	}
	return nil
}

// MinCandidateAge is the loosest age bound among enabled rules that apply to
// the provider, so the candidate query can prefilter by created_at. Zero
// means a size-based rule is in play and age alone cannot prefilter.
func (rs *RuleSet) MinCandidateAge(p common.Provider) (time.Duration, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	minAge := time.Duration(0)
	found := false
	for _, r := range rs.rules {
		if !r.Enabled || !r.applies(p) {
			continue
		}
		switch r.Trigger {
		case common.EArchiveTrigger.SizeBased():
			return 0, true
		case common.EArchiveTrigger.AgeBased():
			age := time.Duration(r.MaxAgeDays) * 24 * time.Hour
			if !found || age < minAge {
				minAge, found = age, true
			}
		}
	}
	return minAge, found
}

func (rs *RuleSet) Stats() *common.ArchiveRuleStats {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := &common.ArchiveRuleStats{
		TotalRules: len(rs.rules),
		ByProvider: map[string]int{},
		ByTrigger:  map[string]int{},
		Matches:    map[string]int64{},
	}
	for _, r := range rs.rules {
		if r.Enabled {
			out.EnabledRules++
		}
		out.ByProvider[r.Provider]++
		out.ByTrigger[r.Trigger.String()]++
	}
	for id, n := range rs.matches {
		out.Matches[id] = n
	}
	return out
}
