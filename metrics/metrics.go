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

// Package metrics exposes subsystem counters to Prometheus. The subsystems
// already keep their own snapshots for the admin API, so the collector pulls
// those on scrape instead of double-counting through instrumented call sites.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Sources are the stat snapshots the collector reads on each scrape. Any nil
// field simply contributes no series.
type Sources struct {
	Client interface{ Stats() *common.ClientStats }
	Queue  interface{ Stats() *common.QueueStats }
	Policy interface{ Stats() *common.PolicyStats }
	Cache  interface{ Stats() *common.CacheStats }
	Keys   interface{ UsageStats() *common.KeyPoolUsage }

	// Running reports in-flight jobs; OpenAlerts the active alert count.
	Running    func() int
	OpenAlerts func() int
}

// Collector implements prometheus.Collector over Sources.
type Collector struct {
	src Sources

	apiCalls       *prometheus.Desc
	apiFailures    *prometheus.Desc
	apiCacheHits   *prometheus.Desc
	apiBreakerHits *prometheus.Desc

	queueDepth    *prometheus.Desc
	queueStored   *prometheus.Desc
	queueFailed   *prometheus.Desc
	queueDropped  *prometheus.Desc
	queueHealthy  *prometheus.Desc
	policyDecided *prometheus.Desc
	policyStored  *prometheus.Desc

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheRefreshes *prometheus.Desc

	keysTotal  *prometheus.Desc
	keysActive *prometheus.Desc
	keysUsed   *prometheus.Desc

	jobsRunning *prometheus.Desc
	alertsOpen  *prometheus.Desc
}

func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		apiCalls: prometheus.NewDesc("batch_api_calls_total",
			"Outbound provider calls since startup", nil, nil),
		apiFailures: prometheus.NewDesc("batch_api_call_failures_total",
			"Outbound provider calls that failed", nil, nil),
		apiCacheHits: prometheus.NewDesc("batch_api_cache_hits_total",
			"Outbound calls served from the response cache", nil, nil),
		apiBreakerHits: prometheus.NewDesc("batch_api_breaker_trips_total",
			"Circuit breaker trips across providers", nil, nil),

		queueDepth: prometheus.NewDesc("batch_storage_queue_depth",
			"Items waiting in the async storage queue", []string{"lane"}, nil),
		queueStored: prometheus.NewDesc("batch_storage_stored_total",
			"Raw records committed by the storage queue", nil, nil),
		queueFailed: prometheus.NewDesc("batch_storage_failed_total",
			"Raw records that exhausted their retries", nil, nil),
		queueDropped: prometheus.NewDesc("batch_storage_dropped_total",
			"Raw records dropped at shutdown or rejection", nil, nil),
		queueHealthy: prometheus.NewDesc("batch_storage_queue_healthy",
			"1 when the storage queue passes its health gates", nil, nil),
		policyDecided: prometheus.NewDesc("batch_policy_decisions_total",
			"Storage policy decisions made", nil, nil),
		policyStored: prometheus.NewDesc("batch_policy_approvals_total",
			"Storage policy decisions that approved persistence", nil, nil),

		cacheHits: prometheus.NewDesc("batch_cache_hits_total",
			"Cache lookups that hit", nil, nil),
		cacheMisses: prometheus.NewDesc("batch_cache_misses_total",
			"Cache lookups that missed", nil, nil),
		cacheRefreshes: prometheus.NewDesc("batch_cache_refreshes_total",
			"Refresh-ahead executions", nil, nil),

		keysTotal: prometheus.NewDesc("batch_api_keys",
			"Configured API keys", []string{"provider"}, nil),
		keysActive: prometheus.NewDesc("batch_api_keys_active",
			"API keys currently usable", []string{"provider"}, nil),
		keysUsed: prometheus.NewDesc("batch_api_key_calls_today",
			"Calls charged against the provider quota today", []string{"provider"}, nil),

		jobsRunning: prometheus.NewDesc("batch_jobs_running",
			"Jobs currently executing", nil, nil),
		alertsOpen: prometheus.NewDesc("batch_alerts_open",
			"Unresolved, unsuppressed alerts", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	boolGauge := func(d *prometheus.Desc, v bool) {
		gauge(d, map[bool]float64{true: 1}[v])
	}

	if c.src.Client != nil {
		st := c.src.Client.Stats()
		counter(c.apiCalls, float64(st.TotalCalls))
		counter(c.apiFailures, float64(st.FailedCalls))
		counter(c.apiCacheHits, float64(st.CacheHits))
		counter(c.apiBreakerHits, float64(st.BreakerTrips))
	}
	if c.src.Queue != nil {
		st := c.src.Queue.Stats()
		gauge(c.queueDepth, float64(st.HighDepth), "high")
		gauge(c.queueDepth, float64(st.NormalDepth), "normal")
		gauge(c.queueDepth, float64(st.LowDepth), "low")
		counter(c.queueStored, float64(st.Stored))
		counter(c.queueFailed, float64(st.Failed))
		counter(c.queueDropped, float64(st.Dropped))
		boolGauge(c.queueHealthy, st.Healthy)
	}
	if c.src.Policy != nil {
		st := c.src.Policy.Stats()
		counter(c.policyDecided, float64(st.Decisions))
		counter(c.policyStored, float64(st.Approved))
	}
	if c.src.Cache != nil {
		st := c.src.Cache.Stats()
		counter(c.cacheHits, float64(st.Hits))
		counter(c.cacheMisses, float64(st.Misses))
		counter(c.cacheRefreshes, float64(st.Refreshes))
	}
	if c.src.Keys != nil {
		usage := c.src.Keys.UsageStats()
		for provider, pu := range usage.Providers {
			gauge(c.keysTotal, float64(pu.TotalKeys), provider)
			gauge(c.keysActive, float64(pu.ActiveKeys), provider)
			gauge(c.keysUsed, float64(pu.TotalUsage), provider)
		}
	}
	if c.src.Running != nil {
		gauge(c.jobsRunning, float64(c.src.Running()))
	}
	if c.src.OpenAlerts != nil {
		gauge(c.alertsOpen, float64(c.src.OpenAlerts()))
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// NewHandler builds an isolated registry carrying the subsystem collector
// plus the standard Go and process collectors, and returns its scrape
// handler.
func NewHandler(src Sources) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
