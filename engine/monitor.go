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

package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	// dbProbeTimeout bounds the SELECT 1 health probe.
	dbProbeTimeout = 10 * time.Second

	// dbSlowProbe is the latency past which a successful probe still warns.
	dbSlowProbe = 2 * time.Second

	// poolPressureRatio warns when this share of the connection pool is in use.
	poolPressureRatio = 0.8

	// Success-rate alerts need a sample size before they mean anything.
	successRateFloor      = 0.9
	successRateMinRecords = 100

	// emergencyDiskPercent engages the storage emergency brake; it releases
	// once usage drops back under the warning threshold.
	emergencyDiskPercent = 95.0

	// cpuSampleWindow is how long each pass samples CPU utilization.
	cpuSampleWindow = time.Second
)

// IKeyProbe exposes the key pool usage snapshot.
type IKeyProbe interface {
	UsageStats() *common.KeyPoolUsage
}

// ICacheHealth reports cache reachability and hit-rate.
type ICacheHealth interface {
	Health(ctx context.Context) *common.CacheHealth
}

// IQueueHealth reports whether the async storage queue is keeping up.
type IQueueHealth interface {
	Healthy() bool
}

// IEmergencyBrake flips the storage policy into emergency mode when the host
// is running out of disk.
type IEmergencyBrake interface {
	SetEmergency(on bool)
	Emergency() bool
}

// IActiveJobs lists jobs that are pending or running.
type IActiveJobs interface {
	Active(ctx context.Context) ([]common.Job, error)
}

// MonitorDeps carries the probes the monitor watches. A nil field skips the
// corresponding check.
type MonitorDeps struct {
	DB      *sqlx.DB
	Jobs    IActiveJobs
	Keys    IKeyProbe
	Cache   ICacheHealth
	Queue   IQueueHealth
	Brake   IEmergencyBrake
	Running func() int
}

// Monitor sweeps the four health components on a fixed interval and turns
// threshold breaches into alerts. It doubles as the job observer, so job
// outcomes feed the consecutive-failure and success-rate checks, and as the
// resource probe behind the health-check job body.
type Monitor struct {
	cfg        common.MonitorSettings
	jobTimeout time.Duration
	alerts     *AlertManager
	logger     common.ILogger

	dbx     *sqlx.DB
	store   IActiveJobs
	keys    IKeyProbe
	cache   ICacheHealth
	queue   IQueueHealth
	brake   IEmergencyBrake
	running func() int

	mu          sync.Mutex
	consecutive map[common.JobType]int
	lastSnap    common.ResourceSnapshot
	lastCheck   time.Time

	dbUp    atomic.Bool
	redisUp atomic.Bool
	queueUp atomic.Bool
	checks  atomic.Int64

	startedAt time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	now       func() time.Time
	resources func(ctx context.Context) (*common.ResourceSnapshot, error)
}

// NewMonitor wires the monitor. jobTimeout is the deadline running jobs are
// held to; the manager cancels them itself, so a job seen past it here means
// its body is ignoring cancellation.
func NewMonitor(cfg common.MonitorSettings, deps MonitorDeps, alerts *AlertManager,
	jobTimeout time.Duration, logger common.ILogger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if jobTimeout <= 0 {
		jobTimeout = time.Hour
	}
	if deps.Running == nil {
		deps.Running = func() int { return 0 }
	}
	mon := &Monitor{
		cfg:         cfg,
		jobTimeout:  jobTimeout,
		alerts:      alerts,
		logger:      logger,
		dbx:         deps.DB,
		store:       deps.Jobs,
		keys:        deps.Keys,
		cache:       deps.Cache,
		queue:       deps.Queue,
		brake:       deps.Brake,
		running:     deps.Running,
		consecutive: make(map[common.JobType]int),
		startedAt:   time.Now(),
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	mon.resources = mon.probeResources
	// Optimistic until the first pass says otherwise.
	mon.dbUp.Store(true)
	mon.redisUp.Store(true)
	mon.queueUp.Store(true)
	return mon
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Loop
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Start launches the check loop. The first pass runs immediately so status
// endpoints have data before the first tick.
func (mon *Monitor) Start() {
	mon.wg.Add(1)
	go mon.loop()
	mon.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("monitor started, checking every %s", mon.cfg.Interval))
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (mon *Monitor) Stop() {
	mon.stopOnce.Do(func() { close(mon.stop) })
	mon.wg.Wait()
}

func (mon *Monitor) loop() {
	defer mon.wg.Done()
	ticker := time.NewTicker(mon.cfg.Interval)
	defer ticker.Stop()
	mon.runChecks(context.Background())
	for {
		select {
		case <-mon.stop:
			return
		case <-ticker.C:
			mon.runChecks(context.Background())
		}
	}
}

// ForceCheck runs one full pass outside the schedule.
func (mon *Monitor) ForceCheck(ctx context.Context) {
	mon.runChecks(ctx)
}

func (mon *Monitor) runChecks(ctx context.Context) {
	mon.checkSystem(ctx)
	mon.checkAPIKeys()
	mon.checkDatabase(ctx)
	mon.checkBatchJobs(ctx)
	mon.alerts.EscalatePass()
	mon.alerts.Cleanup()
	mon.checks.Add(1)
	mon.mu.Lock()
	mon.lastCheck = mon.now()
	mon.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// SYSTEM
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (mon *Monitor) checkSystem(ctx context.Context) {
	component := common.EAlertComponent.System()
	snap, err := mon.resources(ctx)
	if err != nil {
		mon.alerts.Raise(component, common.EAlertLevel.Error(),
			"resource probe failed", err.Error(), nil)
		return
	}
	mon.mu.Lock()
	mon.lastSnap = *snap
	mon.mu.Unlock()

	healthy := true
	switch {
	case snap.CPUPercent >= mon.cfg.CPUCritPercent:
		healthy = false
		mon.alerts.Raise(component, common.EAlertLevel.Critical(), "CPU usage critical",
			fmt.Sprintf("CPU usage reached %.1f%%", snap.CPUPercent),
			common.OpaqueBag{"cpu_percent": snap.CPUPercent})
	case snap.CPUPercent >= mon.cfg.CPUWarnPercent:
		healthy = false
		mon.alerts.Raise(component, common.EAlertLevel.Warning(), "CPU usage high",
			fmt.Sprintf("CPU usage is at %.1f%%", snap.CPUPercent),
			common.OpaqueBag{"cpu_percent": snap.CPUPercent})
	}

	switch {
	case snap.MemoryUsedMB >= float64(mon.cfg.MemCritMB):
		healthy = false
		mon.alerts.Raise(component, common.EAlertLevel.Critical(), "memory usage critical",
			fmt.Sprintf("memory usage reached %.1fMB", snap.MemoryUsedMB),
			common.OpaqueBag{"memory_mb": snap.MemoryUsedMB, "memory_percent": snap.MemoryPercent})
	case snap.MemoryUsedMB >= float64(mon.cfg.MemWarnMB):
		healthy = false
		mon.alerts.Raise(component, common.EAlertLevel.Warning(), "memory usage high",
			fmt.Sprintf("memory usage is at %.1fMB", snap.MemoryUsedMB),
			common.OpaqueBag{"memory_mb": snap.MemoryUsedMB, "memory_percent": snap.MemoryPercent})
	}

	if snap.DiskPercent >= mon.cfg.DiskWarnPercent {
		healthy = false
		level := common.EAlertLevel.Warning()
		if snap.DiskPercent >= emergencyDiskPercent {
			level = common.EAlertLevel.Critical()
		}
		mon.alerts.Raise(component, level, "disk usage high",
			fmt.Sprintf("disk usage is at %.1f%%", snap.DiskPercent),
			common.OpaqueBag{"disk_percent": snap.DiskPercent})
	}
	mon.applyBrake(snap.DiskPercent)

	if mon.cache != nil {
		h := mon.cache.Health(ctx)
		up := h.Status == "healthy"
		mon.redisUp.Store(up)
		if !up {
			healthy = false
			mon.alerts.Raise(component, common.EAlertLevel.Warning(), "cache degraded",
				fmt.Sprintf("cache reports %s, falling through to providers", h.Status),
				common.OpaqueBag{"status": h.Status, "hit_rate": h.HitRate})
		}
	}
	if mon.queue != nil {
		up := mon.queue.Healthy()
		mon.queueUp.Store(up)
		if !up {
			healthy = false
			mon.alerts.Raise(component, common.EAlertLevel.Warning(), "storage queue saturated",
				"the async storage queue is rejecting or behind; raw captures may be dropped", nil)
		}
	}

	if healthy {
		mon.alerts.ResolveComponent(component)
	}
}

// applyBrake flips storage emergency mode on a nearly full disk and releases
// it with hysteresis so the mode does not flap around the threshold.
func (mon *Monitor) applyBrake(diskPercent float64) {
	if mon.brake == nil {
		return
	}
	switch {
	case diskPercent >= emergencyDiskPercent && !mon.brake.Emergency():
		mon.brake.SetEmergency(true)
		mon.logger.Log(common.ELogLevel.Error(),
			fmt.Sprintf("storage emergency engaged at %.1f%% disk usage", diskPercent))
	case diskPercent < mon.cfg.DiskWarnPercent && mon.brake.Emergency():
		mon.brake.SetEmergency(false)
		mon.logger.Log(common.ELogLevel.Info(),
			fmt.Sprintf("storage emergency released at %.1f%% disk usage", diskPercent))
	}
}

// probeResources samples host CPU, memory, and disk. CPU utilization is
// averaged over a short window, so one call blocks for that long.
func (mon *Monitor) probeResources(ctx context.Context) (*common.ResourceSnapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return nil, common.KindErrorf(common.EErrorKind.Unknown(), "cpu probe: %v", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, common.KindErrorf(common.EErrorKind.Unknown(), "memory probe: %v", err)
	}
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, common.KindErrorf(common.EErrorKind.Unknown(), "disk probe: %v", err)
	}
	snap := &common.ResourceSnapshot{
		MemoryUsedMB:  float64(vm.Used) / (1 << 20),
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   du.UsedPercent,
		Goroutines:    runtime.NumGoroutine(),
		CollectedAt:   mon.now(),
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}
	return snap, nil
}

// Resources satisfies the probe interface used by the health-check job body.
func (mon *Monitor) Resources(ctx context.Context) (*common.ResourceSnapshot, error) {
	return mon.resources(ctx)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// API_KEYS
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (mon *Monitor) checkAPIKeys() {
	if mon.keys == nil {
		return
	}
	component := common.EAlertComponent.APIKeys()
	usage := mon.keys.UsageStats()

	healthy := true
	for provider, pool := range usage.Providers {
		for _, key := range pool.Keys {
			if !key.Active {
				continue
			}
			switch {
			case key.UsageRatio >= mon.cfg.KeyUsageCrit:
				healthy = false
				mon.alerts.Raise(component, common.EAlertLevel.Critical(),
					fmt.Sprintf("%s key quota nearly spent", provider),
					fmt.Sprintf("key %s has used %.1f%% of its daily quota", key.Preview, key.UsageRatio*100),
					common.OpaqueBag{"provider": provider, "key_preview": key.Preview, "usage_ratio": key.UsageRatio})
			case key.UsageRatio >= mon.cfg.KeyUsageWarn:
				healthy = false
				mon.alerts.Raise(component, common.EAlertLevel.Warning(),
					fmt.Sprintf("%s key usage high", provider),
					fmt.Sprintf("key %s has used %.1f%% of its daily quota", key.Preview, key.UsageRatio*100),
					common.OpaqueBag{"provider": provider, "key_preview": key.Preview, "usage_ratio": key.UsageRatio})
			}
		}
	}
	if usage.TotalKeys > 0 && usage.ActiveKeys == 0 {
		healthy = false
		mon.alerts.Raise(component, common.EAlertLevel.Critical(), "no API keys available",
			fmt.Sprintf("all %d configured keys are deactivated or spent", usage.TotalKeys),
			common.OpaqueBag{"total_keys": usage.TotalKeys})
	}
	if healthy {
		mon.alerts.ResolveComponent(component)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// DATABASE
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (mon *Monitor) checkDatabase(ctx context.Context) {
	if mon.dbx == nil {
		return
	}
	component := common.EAlertComponent.Database()
	probeCtx, cancel := context.WithTimeout(ctx, dbProbeTimeout)
	defer cancel()

	start := mon.now()
	err := db.Ping(probeCtx, mon.dbx)
	elapsed := mon.now().Sub(start)
	if err != nil {
		mon.dbUp.Store(false)
		mon.alerts.Raise(component, common.EAlertLevel.Critical(), "database unreachable",
			fmt.Sprintf("health probe failed after %s: %v", elapsed.Round(time.Millisecond), err),
			common.OpaqueBag{"probe_seconds": elapsed.Seconds()})
		return
	}
	mon.dbUp.Store(true)

	healthy := true
	if elapsed > dbSlowProbe {
		healthy = false
		mon.alerts.Raise(component, common.EAlertLevel.Warning(), "database probe slow",
			fmt.Sprintf("SELECT 1 took %s", elapsed.Round(time.Millisecond)),
			common.OpaqueBag{"probe_seconds": elapsed.Seconds()})
	}
	stats := mon.dbx.Stats()
	if stats.MaxOpenConnections > 0 {
		ratio := float64(stats.InUse) / float64(stats.MaxOpenConnections)
		if ratio >= poolPressureRatio {
			healthy = false
			mon.alerts.Raise(component, common.EAlertLevel.Warning(), "connection pool pressure",
				fmt.Sprintf("%d of %d connections in use", stats.InUse, stats.MaxOpenConnections),
				common.OpaqueBag{"in_use": stats.InUse, "max_open": stats.MaxOpenConnections, "wait_count": stats.WaitCount})
		}
	}
	if healthy {
		mon.alerts.ResolveComponent(component)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// BATCH_JOBS
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (mon *Monitor) checkBatchJobs(ctx context.Context) {
	if mon.store == nil {
		return
	}
	component := common.EAlertComponent.BatchJobs()
	active, err := mon.store.Active(ctx)
	if err != nil {
		mon.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("could not list active jobs for monitoring: %v", err))
		return
	}
	now := mon.now()
	overdue := 0
	for i := range active {
		job := &active[i]
		if job.Status != common.EJobStatus.Running() || job.StartedAt == nil {
			continue
		}
		age := now.Sub(*job.StartedAt)
		if age <= mon.jobTimeout {
			continue
		}
		overdue++
		mon.alerts.Raise(component, common.EAlertLevel.Error(),
			fmt.Sprintf("job overdue: %s", job.JobType),
			fmt.Sprintf("job %s has been running for %s, past its %s deadline; its body is ignoring cancellation",
				job.ID, age.Round(time.Second), mon.jobTimeout),
			common.OpaqueBag{"job_id": job.ID.String(), "running_seconds": age.Seconds()})
	}

	mon.mu.Lock()
	failing := len(mon.consecutive)
	mon.mu.Unlock()
	if overdue == 0 && failing == 0 {
		mon.alerts.ResolveComponent(component)
	}
}

// JobFinished feeds terminal job outcomes into the consecutive-failure check.
// Operator stops are neutral; they neither extend nor reset a streak.
func (mon *Monitor) JobFinished(jobType common.JobType, status common.JobStatus, duration time.Duration) {
	switch status {
	case common.EJobStatus.Completed():
		mon.mu.Lock()
		delete(mon.consecutive, jobType)
		clear := len(mon.consecutive) == 0
		mon.mu.Unlock()
		if clear {
			mon.alerts.ResolveComponent(common.EAlertComponent.BatchJobs())
		}
	case common.EJobStatus.Failed():
		mon.mu.Lock()
		mon.consecutive[jobType]++
		count := mon.consecutive[jobType]
		mon.mu.Unlock()

		level := common.EAlertLevel.Error()
		title := fmt.Sprintf("job failed: %s", jobType)
		if count >= mon.cfg.ConsecutiveFailures {
			level = common.EAlertLevel.Critical()
			title = fmt.Sprintf("job failing repeatedly: %s", jobType)
		}
		mon.alerts.Raise(common.EAlertComponent.BatchJobs(), level, title,
			fmt.Sprintf("%s has failed %d time(s) in a row (last run %.1fs)",
				jobType, count, duration.Seconds()),
			common.OpaqueBag{"job_type": jobType, "consecutive_failures": count})
	}
}

// ObserveRecords watches per-run record accounting and warns when a large run
// succeeds on paper but loses too many records along the way.
func (mon *Monitor) ObserveRecords(jobType common.JobType, processed, succeeded, failed int64) {
	if processed <= successRateMinRecords {
		return
	}
	rate := float64(succeeded) / float64(processed)
	if rate >= successRateFloor {
		return
	}
	mon.alerts.Raise(common.EAlertComponent.BatchJobs(), common.EAlertLevel.Warning(),
		fmt.Sprintf("low success rate: %s", jobType),
		fmt.Sprintf("%s processed %d records with only %.1f%% success", jobType, processed, rate*100),
		common.OpaqueBag{"job_type": jobType, "processed": processed, "succeeded": succeeded, "failed": failed})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Status document
////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SystemStatus assembles the aggregate health document from the last pass.
// It runs a pass first if none has completed yet.
func (mon *Monitor) SystemStatus(ctx context.Context) *common.SystemStatus {
	if mon.checks.Load() == 0 {
		mon.runChecks(ctx)
	}
	mon.mu.Lock()
	snap := mon.lastSnap
	checkedAt := mon.lastCheck
	failing := len(mon.consecutive)
	mon.mu.Unlock()

	st := &common.SystemStatus{
		Database:      mon.dbUp.Load(),
		Redis:         mon.redisUp.Load(),
		QueueHealthy:  mon.queueUp.Load(),
		Resources:     snap,
		ActiveJobs:    mon.running(),
		OpenAlerts:    mon.alerts.OpenCount(),
		UptimeSeconds: mon.now().Sub(mon.startedAt).Seconds(),
		Version:       common.AppVersion,
		CheckedAt:     checkedAt,
	}
	if !st.Database {
		st.DegradedCauses = append(st.DegradedCauses, "database unreachable")
	}
	if !st.Redis {
		st.DegradedCauses = append(st.DegradedCauses, "cache degraded")
	}
	if !st.QueueHealthy {
		st.DegradedCauses = append(st.DegradedCauses, "storage queue saturated")
	}
	if snap.CPUPercent >= mon.cfg.CPUCritPercent {
		st.DegradedCauses = append(st.DegradedCauses, "cpu critical")
	}
	if snap.MemoryUsedMB >= float64(mon.cfg.MemCritMB) {
		st.DegradedCauses = append(st.DegradedCauses, "memory critical")
	}
	if snap.DiskPercent >= mon.cfg.DiskWarnPercent {
		st.DegradedCauses = append(st.DegradedCauses, "disk pressure")
	}
	if failing > 0 {
		st.DegradedCauses = append(st.DegradedCauses, fmt.Sprintf("%d job type(s) failing", failing))
	}
	st.Healthy = len(st.DegradedCauses) == 0
	return st
}
