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

// Package policy decides which raw API responses are worth keeping. Every
// captured exchange passes through Decide exactly once; the verdict and its
// storage terms (TTL, priority, compression) come from a rule table that can
// be overridden by a YAML file and hot-reloaded while the service runs.
package policy

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/groupcache/lru"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

const (
	policyVersion   = "1.0"
	mergedCacheSize = 512
	reloadDebounce  = 200 * time.Millisecond
)

// Reject reason codes, used as keys of the per-reason tally.
const (
	ReasonStorageDisabled  = "storage_disabled"
	ReasonProviderDisabled = "provider_disabled"
	ReasonErrorNotStored   = "error_not_stored"
	ReasonEndpointDisabled = "endpoint_disabled"
	ReasonSizeExceeded     = "size_exceeded"
	ReasonPolicyNever      = "policy_never"
	ReasonEmergencyMode    = "emergency_mode"
)

// Decision is the verdict for one raw response.
type Decision struct {
	Store    bool
	Reason   string
	Metadata *Metadata // set when Store is true
}

// Metadata carries the storage terms an approved record is kept under.
type Metadata struct {
	TTLDays       int
	Priority      int
	ExpiresAt     time.Time
	Compression   bool
	PolicyVersion string
}

// Bag renders the metadata in the shape the raw store persists.
func (m *Metadata) Bag() common.OpaqueBag {
	return common.OpaqueBag{
		"ttl_days":       m.TTLDays,
		"priority":       m.Priority,
		"expires_at":     m.ExpiresAt.Format(time.RFC3339),
		"compression":    m.Compression,
		"policy_version": m.PolicyVersion,
	}
}

// Apply stamps an approved record with its storage terms. The record keeps
// the provider-level expires_at column set at capture time; the policy expiry
// rides inside the metadata document, which is what the TTL engine reads.
func (d Decision) Apply(rec *common.RawRecord) {
	if !d.Store || d.Metadata == nil {
		return
	}
	rec.StorageMetadata = d.Metadata.Bag()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Engine evaluates raw records against the active rule set.
type Engine struct {
	logger common.ILogger
	path   string

	mu   sync.RWMutex // guards cfg swaps and the memo cache
	cfg  *Config
	memo *lru.Cache

	emergency atomic.Bool

	seen           atomic.Int64
	approved       atomic.Int64
	rejected       atomic.Int64
	errorsStored   atomic.Int64
	sizeRejected   atomic.Int64
	policyDisabled atomic.Int64
	reasonMu       sync.Mutex
	reasons        map[string]int64

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEngine builds the engine from the compiled-in rules, overlaid with the
// YAML file at path when one is configured. A non-empty path is also watched
// for edits; a successful reload swaps the rule set without losing tallies.
func NewEngine(path string, logger common.ILogger) (*Engine, error) {
	e := &Engine{
		logger:  logger,
		path:    path,
		cfg:     Defaults(),
		memo:    lru.New(mergedCacheSize),
		reasons: make(map[string]int64),
		done:    make(chan struct{}),
	}
	if path == "" {
		return e, nil
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	e.cfg = cfg

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, common.WithKind(common.EErrorKind.Config(), err)
	}
	// Watch the directory, not the file: editors and config mounts replace
	// the file by rename, which kills a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, common.WithKind(common.EErrorKind.Config(), err)
	}
	e.watcher = w
	go e.watch()

	logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"storage policies loaded from %s (%d providers)", path, len(cfg.Providers)))
	return e, nil
}

// Close stops the reload watcher. Decide keeps serving the last rule set.
func (e *Engine) Close() error {
	if e.watcher == nil {
		return nil
	}
	close(e.done)
	return e.watcher.Close()
}

func (e *Engine) watch() {
	target := filepath.Clean(e.path)
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target ||
				!ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			// Editors fire several events per save; collapse them.
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				pending = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-pending:
			timer, pending = nil, nil
			if err := e.Reload(); err != nil {
				e.logger.Log(common.ELogLevel.Error(), fmt.Sprintf(
					"storage policy reload failed, keeping previous rules: %v", err))
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("storage policy watcher: %v", err))
		}
	}
}

// Reload re-reads the rule file and swaps it in. The previous rules stay
// active when loading fails.
func (e *Engine) Reload() error {
	if e.path == "" {
		return nil
	}
	cfg, err := LoadFile(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.memo.Clear()
	e.mu.Unlock()
	e.logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"storage policies reloaded from %s (%d providers)", e.path, len(cfg.Providers)))
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// mergedRule is the flattened (provider, endpoint) view Decide works from.
type mergedRule struct {
	known         bool // provider present in the rule set
	enabled       bool
	policy        common.StoragePolicy
	hasEndpoint   bool
	store         bool
	storeOnError  bool
	endpointCapMB float64 // 0 = endpoint sets no cap of its own
	providerCapMB float64
	ttlDays       int
	priority      int
	compression   bool
}

func (e *Engine) rule(provider, endpoint string) (mergedRule, bool) {
	key := provider + "|" + endpoint
	e.mu.Lock()
	defer e.mu.Unlock()
	enabled := e.cfg.StorageEnabled
	if v, ok := e.memo.Get(key); ok {
		return v.(mergedRule), enabled
	}
	m := buildMergedRule(e.cfg, provider, endpoint)
	e.memo.Add(key, m)
	return m, enabled
}

func buildMergedRule(cfg *Config, provider, endpoint string) mergedRule {
	p := cfg.Providers[strings.ToUpper(provider)]
	if p == nil {
		return mergedRule{}
	}
	m := mergedRule{
		known:         true,
		enabled:       p.Enabled,
		policy:        p.DefaultPolicy,
		store:         true,
		storeOnError:  p.StoreErrors,
		providerCapMB: p.MaxSizeMB,
		ttlDays:       p.DefaultTTLDays,
		priority:      2,
		compression:   p.Compression,
	}
	if ep := p.Endpoints[endpoint]; ep != nil {
		m.hasEndpoint = true
		m.store = ep.Store
		m.storeOnError = ep.StoreOnError
		m.endpointCapMB = ep.MaxSizeMB
		m.ttlDays = ep.TTLDays
		m.priority = ep.Priority
		m.compression = ep.Compression
	}
	return m
}

// Decide applies the gates in a fixed order and the first failing gate names
// the reason. For one rule set and one record the verdict never changes.
func (e *Engine) Decide(rec *common.RawRecord) Decision {
	satAdd(&e.seen)

	// The TTL clock starts at capture, not at whatever later moment the
	// record drains out of the queue and reaches this gate.
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}

	provider := rec.Provider.String()
	m, enabled := e.rule(provider, rec.Endpoint)

	if !enabled {
		satAdd(&e.policyDisabled)
		return e.reject(ReasonStorageDisabled, "raw response storage is globally disabled")
	}
	if !m.known || !m.enabled {
		satAdd(&e.policyDisabled)
		return e.reject(ReasonProviderDisabled,
			fmt.Sprintf("storage is disabled for provider %s", provider))
	}

	sizeMB := float64(rec.ResponseSize) / (1 << 20)

	// Error responses bypass the size and policy gates: either the rule keeps
	// them for diagnosis or they are dropped outright.
	if rec.StatusCode >= 400 {
		if m.storeOnError {
			satAdd(&e.errorsStored)
			return e.approve(m, at, fmt.Sprintf(
				"error response kept for diagnosis (status %d)", rec.StatusCode))
		}
		return e.reject(ReasonErrorNotStored, fmt.Sprintf(
			"error responses are not kept for %s/%s (status %d)",
			provider, rec.Endpoint, rec.StatusCode))
	}

	if m.hasEndpoint {
		if !m.store {
			return e.reject(ReasonEndpointDisabled,
				fmt.Sprintf("endpoint %s/%s opted out of storage", provider, rec.Endpoint))
		}
		if m.endpointCapMB > 0 && sizeMB > m.endpointCapMB {
			satAdd(&e.sizeRejected)
			return e.reject(ReasonSizeExceeded, fmt.Sprintf(
				"response is %.2fMB, endpoint cap is %.0fMB", sizeMB, m.endpointCapMB))
		}
	} else if sizeMB > m.providerCapMB {
		satAdd(&e.sizeRejected)
		return e.reject(ReasonSizeExceeded, fmt.Sprintf(
			"response is %.2fMB, provider cap is %.0fMB", sizeMB, m.providerCapMB))
	}

	if m.policy == common.EStoragePolicy.Never() {
		return e.reject(ReasonPolicyNever,
			fmt.Sprintf("provider %s is configured to never store", provider))
	}

	if e.emergency.Load() && m.priority > 1 {
		return e.reject(ReasonEmergencyMode,
			fmt.Sprintf("emergency cleanup active, priority %d deferred", m.priority))
	}

	return e.approve(m, at, "all storage gates passed")
}

// Metadata reports the storage terms a (provider, endpoint) pair gets.
// Unknown pairs fall back to 90 days at medium priority.
func (e *Engine) Metadata(provider common.Provider, endpoint string) *Metadata {
	m, _ := e.rule(provider.String(), endpoint)
	if !m.known {
		m.ttlDays = 90
		m.priority = 2
	}
	return metadataFor(m, time.Now())
}

func (e *Engine) approve(m mergedRule, at time.Time, reason string) Decision {
	satAdd(&e.approved)
	return Decision{Store: true, Reason: reason, Metadata: metadataFor(m, at)}
}

func metadataFor(m mergedRule, at time.Time) *Metadata {
	return &Metadata{
		TTLDays:       m.ttlDays,
		Priority:      m.priority,
		ExpiresAt:     at.UTC().Add(time.Duration(m.ttlDays) * 24 * time.Hour),
		Compression:   m.compression,
		PolicyVersion: policyVersion,
	}
}

func (e *Engine) reject(code, reason string) Decision {
	satAdd(&e.rejected)
	e.reasonMu.Lock()
	if n := e.reasons[code]; n < math.MaxInt64 {
		e.reasons[code] = n + 1
	}
	e.reasonMu.Unlock()
	return Decision{Reason: reason}
}

// satAdd adds one, saturating at the maximum instead of wrapping.
func satAdd(c *atomic.Int64) {
	for {
		v := c.Load()
		if v == math.MaxInt64 {
			return
		}
		if c.CompareAndSwap(v, v+1) {
			return
		}
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SetEmergency flips disk-pressure mode: while set, only priority 1 endpoints
// are admitted. The monitor loop drives this from disk usage.
func (e *Engine) SetEmergency(on bool) {
	if e.emergency.Swap(on) == on {
		return
	}
	if on {
		e.logger.Log(common.ELogLevel.Warning(),
			"storage entering emergency mode, only priority 1 endpoints are stored")
	} else {
		e.logger.Log(common.ELogLevel.Info(), "storage emergency mode cleared")
	}
}

func (e *Engine) Emergency() bool { return e.emergency.Load() }

// Snapshot returns the active rule set for the admin API. The set is swapped
// whole on reload, so callers may read it freely but must not mutate it.
func (e *Engine) Snapshot() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// ValidateConfig re-checks the active rule set and reports problems.
func (e *Engine) ValidateConfig() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Validate()
}

// Stats snapshots the decision tallies.
func (e *Engine) Stats() *common.PolicyStats {
	st := &common.PolicyStats{
		Decisions:        e.seen.Load(),
		Approved:         e.approved.Load(),
		Rejected:         e.rejected.Load(),
		ErrorsStored:     e.errorsStored.Load(),
		SizeRejected:     e.sizeRejected.Load(),
		PolicyDisabled:   e.policyDisabled.Load(),
		RejectedByReason: make(map[string]int64),
	}
	e.reasonMu.Lock()
	for k, v := range e.reasons {
		st.RejectedByReason[k] = v
	}
	e.reasonMu.Unlock()
	if st.Decisions > 0 {
		st.ApprovalRate = round2(float64(st.Approved) / float64(st.Decisions) * 100)
		st.RejectionRate = round2(float64(st.Rejected) / float64(st.Decisions) * 100)
		st.ErrorStorageRate = round2(float64(st.ErrorsStored) / float64(st.Decisions) * 100)
	}
	return st
}

// ResetStats zeroes the tallies, typically after a scrape persisted them.
func (e *Engine) ResetStats() {
	e.seen.Store(0)
	e.approved.Store(0)
	e.rejected.Store(0)
	e.errorsStored.Store(0)
	e.sizeRejected.Store(0)
	e.policyDisabled.Store(0)
	e.reasonMu.Lock()
	e.reasons = make(map[string]int64)
	e.reasonMu.Unlock()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
