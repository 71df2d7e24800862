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

package common

import "time"

// Shared read-model shapes returned over the admin API. They are assembled by
// the stores and subsystems, so they live here rather than in the api package.

// JobStats summarizes executions inside a window.
type JobStats struct {
	Since           time.Time      `json:"since"`
	Until           time.Time      `json:"until"`
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByType          map[string]int `json:"by_type"`
	AvgDurationSecs float64        `json:"avg_duration_seconds"`
	SuccessRate     float64        `json:"success_rate"`
}

// RetryMetrics aggregates the retry ledger for one job type.
type RetryMetrics struct {
	JobType           JobType `json:"job_type" db:"job_type"`
	TotalAttempts     int64   `json:"total_attempts" db:"total_attempts"`
	SuccessfulRetries int64   `json:"successful_retries" db:"successful_retries"`
	FailedRetries     int64   `json:"failed_retries" db:"failed_retries"`
	AverageAttempts   float64 `json:"average_attempts" db:"average_attempts"`
	MaxAttemptsUsed   int     `json:"max_attempts_used" db:"max_attempts_used"`
	RetrySuccessRate  float64 `json:"retry_success_rate" db:"retry_success_rate"`
}

// ProviderUsage is the per-provider footprint of the raw response store.
type ProviderUsage struct {
	Provider     Provider `json:"provider" db:"provider"`
	Records      int64    `json:"records" db:"records"`
	Bytes        int64    `json:"bytes" db:"bytes"`
	Archived     int64    `json:"archived" db:"archived"`
	ExpiredStale int64    `json:"expired_stale" db:"expired_stale"`
}

// KeyStatus is one key's public view; the key itself never leaves the pool.
type KeyStatus struct {
	Provider     Provider   `json:"provider"`
	KeyHash      string     `json:"key_hash"`
	Preview      string     `json:"key_preview"`
	Index        int        `json:"index"`
	Active       bool       `json:"active"`
	UsedToday    int64      `json:"used_today"`
	DailyLimit   int64      `json:"daily_limit"`
	UsageRatio   float64    `json:"usage_ratio"`
	ErrorCount   int        `json:"error_count"`
	CooldownTill *time.Time `json:"cooldown_till,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// ProviderKeyUsage aggregates one provider's pool for the usage report.
type ProviderKeyUsage struct {
	TotalKeys  int         `json:"total_keys"`
	ActiveKeys int         `json:"active_keys"`
	TotalUsage int64       `json:"total_usage"`
	TotalLimit int64       `json:"total_limit"`
	Keys       []KeyStatus `json:"keys"`
}

// KeyPoolUsage is the usage report across all provider pools.
type KeyPoolUsage struct {
	Providers  map[string]ProviderKeyUsage `json:"providers"`
	TotalKeys  int                         `json:"total_keys"`
	ActiveKeys int                         `json:"active_keys"`
}

// KeyAvailability counts one pool's keys by health bucket. A key can appear
// in several buckets at once (disabled and quota-spent, say).
type KeyAvailability struct {
	TotalKeys        int     `json:"total_keys"`
	ActiveKeys       int     `json:"active_keys"`
	AvailableKeys    int     `json:"available_keys"`
	ExhaustedKeys    int     `json:"exhausted_keys"`
	ErrorKeys        int     `json:"error_keys"`
	AvailabilityRate float64 `json:"availability_rate"`
}

// KeyAvailabilitySummary is the cross-provider availability document.
type KeyAvailabilitySummary struct {
	Timestamp time.Time                  `json:"timestamp"`
	Providers map[string]KeyAvailability `json:"providers"`
	Total     KeyAvailability            `json:"total_summary"`
}

// RateLimitStatus reports whether a provider still has keys ready to call.
type RateLimitStatus struct {
	AllLimited  bool       `json:"all_limited"`
	ActiveKeys  int        `json:"active_keys"`
	LimitedKeys int        `json:"limited_keys"`
	TotalKeys   int        `json:"total_keys"`
	NextReset   *time.Time `json:"next_reset,omitempty"`
}

// PolicyStats tallies storage decisions since startup or the last reset.
// Counters saturate at the platform maximum instead of wrapping.
type PolicyStats struct {
	Decisions        int64            `json:"decisions_made"`
	Approved         int64            `json:"storage_approved"`
	Rejected         int64            `json:"storage_rejected"`
	ErrorsStored     int64            `json:"errors_stored"`
	SizeRejected     int64            `json:"size_rejected"`
	PolicyDisabled   int64            `json:"policy_disabled"`
	RejectedByReason map[string]int64 `json:"rejected_by_reason"`
	ApprovalRate     float64          `json:"approval_rate"`
	RejectionRate    float64          `json:"rejection_rate"`
	ErrorStorageRate float64          `json:"error_storage_rate"`
}

// QueueStats is the async storage queue's health snapshot.
type QueueStats struct {
	Capacity     int   `json:"capacity"`
	HighDepth    int   `json:"high_depth"`
	NormalDepth  int   `json:"normal_depth"`
	LowDepth     int   `json:"low_depth"`
	Enqueued     int64 `json:"enqueued"`
	Stored       int64 `json:"stored"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Demoted      int64 `json:"demoted"`
	FlushedBatch int64 `json:"flushed_batches"`
	Healthy      bool  `json:"healthy"`
}

// CaptureStats counts what happened to captured responses at the point where
// policy decisions meet the storage queue.
type CaptureStats struct {
	Captured       int64 `json:"captured"`
	Queued         int64 `json:"queued"`
	Skipped        int64 `json:"skipped"`
	InlineStores   int64 `json:"inline_stores"`
	InlineFailures int64 `json:"inline_failures"`
}

// CacheStats mirrors what the cache client tracks about itself. Evictions come
// from the server and are as of the last health poll.
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	Refreshes     int64   `json:"refreshes"`
	Degraded      bool    `json:"degraded"`
	WarmedKeys    int64   `json:"warmed_keys"`
	Invalidated   int64   `json:"invalidated"`
	Evictions     int64   `json:"evictions"`
}

// CacheHealth is the cache health document, server INFO fields included.
type CacheHealth struct {
	Status           string  `json:"status"`
	HitRate          float64 `json:"hit_rate"`
	RedisVersion     string  `json:"redis_version,omitempty"`
	UsedMemoryHuman  string  `json:"used_memory_human,omitempty"`
	ConnectedClients int64   `json:"connected_clients"`
	KeyspaceHits     int64   `json:"keyspace_hits"`
	KeyspaceMisses   int64   `json:"keyspace_misses"`
	EvictedKeys      int64   `json:"evicted_keys"`
}

// ClientStats summarizes outbound provider traffic since startup.
type ClientStats struct {
	TotalCalls      int64                    `json:"total_calls"`
	SuccessfulCalls int64                    `json:"successful_calls"`
	FailedCalls     int64                    `json:"failed_calls"`
	SuccessRate     float64                  `json:"success_rate"`
	AvgResponseMs   float64                  `json:"average_response_ms"`
	CacheHits       int64                    `json:"cache_hits"`
	BreakerTrips    int64                    `json:"circuit_breaker_trips"`
	ConcurrentPeaks map[string]int64         `json:"concurrent_peaks"`
	RateLimiters    map[string]LimiterStatus `json:"rate_limiter_status"`
	Breakers        map[string]string        `json:"circuit_breaker_status"`
}

// LimiterStatus is the adaptive delay state for one provider.
type LimiterStatus struct {
	CurrentDelayMs      float64 `json:"current_delay_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// CleanupBucket is one cell of a cleanup summary.
type CleanupBucket struct {
	Count   int     `json:"count"`
	SpaceMB float64 `json:"space_mb"`
}

// SizeDistribution buckets deleted records by payload size: under 1 MiB,
// 1 to 10 MiB, over 10 MiB.
type SizeDistribution struct {
	Small  int `json:"small"`
	Medium int `json:"medium"`
	Large  int `json:"large"`
}

// CleanupSummary breaks the deleted set down three ways. ByPriority keys are
// cleanup class names, not record priorities.
type CleanupSummary struct {
	ByPriority map[string]*CleanupBucket `json:"by_priority"`
	ByProvider map[string]*CleanupBucket `json:"by_provider"`
	ByReason   map[string]*CleanupBucket `json:"by_reason"`
	Sizes      SizeDistribution          `json:"size_distribution"`
}

// CleanupReport is what one retention cleanup run returns. A dry run reports
// projected figures without touching rows.
type CleanupReport struct {
	Candidates   int            `json:"total_candidates"`
	Deleted      int64          `json:"deleted_records"`
	SpaceFreedMB float64        `json:"space_freed_mb"`
	DurationSecs float64        `json:"execution_time_sec"`
	Errors       []string       `json:"errors"`
	Summary      CleanupSummary `json:"cleanup_summary"`
	DryRun       bool           `json:"dry_run"`
	Emergency    bool           `json:"emergency"`
	TargetMB     float64        `json:"target_mb,omitempty"`
}

// CleanupEngineStats accumulates across cleanup runs for the performance
// endpoint.
type CleanupEngineStats struct {
	Runs         int64      `json:"cleanup_runs"`
	TotalDeleted int64      `json:"total_deleted"`
	TotalFreedMB float64    `json:"total_space_freed_mb"`
	AvgRunSecs   float64    `json:"avg_execution_time_sec"`
	LastCleanup  *time.Time `json:"last_cleanup,omitempty"`
}

// StorageUsage is the raw store footprint document for the admin API.
type StorageUsage struct {
	Records      int64           `json:"total_records"`
	SizeMB       float64         `json:"total_size_mb"`
	AvgSizeBytes float64         `json:"avg_size_bytes"`
	Oldest       *time.Time      `json:"oldest_record,omitempty"`
	Newest       *time.Time      `json:"newest_record,omitempty"`
	Aged90Days   int64           `json:"old_records_90d"`
	Oversized    int64           `json:"large_records_10mb"`
	ByProvider   []ProviderUsage `json:"by_provider"`
}

// ArchiveSummary is what one archival pass returns. A dry run carries
// projected counts and sizes with nothing written or mutated.
type ArchiveSummary struct {
	Candidates        int     `json:"total_candidates"`
	Processed         int     `json:"processed_items"`
	Successful        int     `json:"successful_backups"`
	Failed            int     `json:"failed_backups"`
	Skipped           int     `json:"skipped_items"`
	OriginalMB        float64 `json:"total_original_size_mb"`
	CompressedMB      float64 `json:"total_compressed_size_mb"`
	AvgCompressionPct float64 `json:"average_compression_ratio"`
	DurationSecs      float64 `json:"processing_time_seconds"`
	DryRun            bool    `json:"dry_run"`
}

// ArchiveEngineStats accumulates across archival passes.
type ArchiveEngineStats struct {
	Runs           int64      `json:"total_runs"`
	ItemsProcessed int64      `json:"total_items_processed"`
	BackupsCreated int64      `json:"total_backups_created"`
	ArchivedMB     float64    `json:"total_data_archived_mb"`
	AvgRunSecs     float64    `json:"average_processing_time_seconds"`
	LastRun        *time.Time `json:"last_run_time,omitempty"`
}

// BackupStats counts backup manager outcomes since startup.
type BackupStats struct {
	Total               int64   `json:"total_backups"`
	Successful          int64   `json:"successful_backups"`
	Failed              int64   `json:"failed_backups"`
	OriginalBytes       int64   `json:"total_original_size_bytes"`
	CompressedBytes     int64   `json:"total_compressed_size_bytes"`
	AvgCompressionRatio float64 `json:"average_compression_ratio"`
}

// ArchiveRuleStats describes the live rule set for the admin API.
type ArchiveRuleStats struct {
	TotalRules   int              `json:"total_rules"`
	EnabledRules int              `json:"enabled_rules"`
	ByProvider   map[string]int   `json:"rules_by_provider"`
	ByTrigger    map[string]int   `json:"rules_by_trigger"`
	Matches      map[string]int64 `json:"matches_by_rule"`
}

// ResourceSnapshot is one monitor pass over host resources.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Goroutines    int       `json:"goroutines"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SystemStatus is the aggregate health document for GET /system/status.
type SystemStatus struct {
	Healthy        bool             `json:"healthy"`
	Database       bool             `json:"database"`
	Redis          bool             `json:"redis"`
	QueueHealthy   bool             `json:"queue_healthy"`
	Resources      ResourceSnapshot `json:"resources"`
	ActiveJobs     int              `json:"active_jobs"`
	OpenAlerts     int              `json:"open_alerts"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Version        string           `json:"version"`
	CheckedAt      time.Time        `json:"checked_at"`
	DegradedCauses []string         `json:"degraded_causes,omitempty"`
}
