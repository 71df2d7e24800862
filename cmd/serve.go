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

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aicc6/weather-flick-batch-sub002/api"
	"github.com/aicc6/weather-flick-batch-sub002/apiclient"
	"github.com/aicc6/weather-flick-batch-sub002/archive"
	"github.com/aicc6/weather-flick-batch-sub002/cache"
	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/engine"
	"github.com/aicc6/weather-flick-batch-sub002/keypool"
	"github.com/aicc6/weather-flick-batch-sub002/metrics"
	"github.com/aicc6/weather-flick-batch-sub002/policy"
	"github.com/aicc6/weather-flick-batch-sub002/storagequeue"
	"github.com/aicc6/weather-flick-batch-sub002/ttl"
)

const (
	serverDrainTimeout = 10 * time.Second
	jobStopGrace       = 30 * time.Second
	queueDrainTimeout  = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the batch service: scheduler, workers and the admin API",
	Long: "Boots every subsystem against the configured database and Redis, migrates\n" +
		"the schema, restores pending retries, arms the persisted schedules and then\n" +
		"serves the admin API until SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, logger, err := bootstrap("wfbatch")
		if err != nil {
			return err
		}
		defer logger.CloseLog()
		return runService(settings, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runService(settings *common.Settings, logger common.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log(common.ELogLevel.Info(), "wfbatch "+common.AppVersion+" starting")

	// Storage first: everything else hangs off the database.
	dbx, err := db.Connect(ctx, settings.Database)
	if err != nil {
		return err
	}
	defer dbx.Close()
	if err := db.Migrate(dbx, "up"); err != nil {
		return err
	}

	jobStore := db.NewJobStore(dbx)
	rawStore := db.NewRawStore(dbx)
	scheduleStore := db.NewScheduleStore(dbx)
	retryStore := db.NewRetryStore(dbx)
	notificationStore := db.NewNotificationStore(dbx)
	backupStore := db.NewBackupStore(dbx)

	// Redis is optional at runtime: the cache degrades to direct calls and
	// key usage stays in memory, so a failed ping is a warning, not a stop.
	rdb := redis.NewClient(&redis.Options{
		Addr:     settings.Redis.Addr,
		Password: settings.Redis.Password,
		DB:       settings.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("redis unreachable at %s, running degraded: %v", settings.Redis.Addr, err))
	}
	cancelPing()

	// The key pool raises alerts before the alert manager exists, so the
	// callback binds late.
	var alerts *engine.AlertManager
	keyAlert := keypool.AlertFunc(func(level common.AlertLevel, component, message string) {
		if alerts != nil {
			alerts.Raise(common.EAlertComponent.APIKeys(), level, component, message, nil)
		}
	})
	keys := keypool.NewManager(settings.Providers, settings.Scheduler.Location, logger, rdb, keyAlert)
	defer keys.Close()

	cc := cache.NewClient(ctx, rdb, settings.Cache, logger)

	pol, err := policy.NewEngine(settings.Storage.PolicyFile, logger)
	if err != nil {
		return fmt.Errorf("load storage policy: %w", err)
	}
	defer pol.Close()

	queue := storagequeue.NewQueue(settings.Storage, rawStore, logger)
	sink := storagequeue.NewSink(pol, queue, rawStore, logger)
	client := apiclient.NewClient(settings.Providers, keys, cc, sink, logger)

	cleaner := ttl.NewEngine(rawStore, pol, logger)

	sinks, err := archive.NewSinks(ctx, settings.Backup, logger)
	if err != nil {
		return fmt.Errorf("open backup sinks: %w", err)
	}
	backups := archive.NewManager(backupStore, sinks, settings.Backup.VerifyWrites, logger)
	archiver := archive.NewEngine(rawStore, archive.NewRuleSet(logger), backups, logger)

	// The engine: job manager, notifier, alerts, monitor, retry bridge.
	jobs := engine.NewManager(jobStore, settings.Scheduler, settings.Log.Location, logger)

	notifier := engine.NewNotifier(notificationStore, settings.Notify, logger)
	defer notifier.Close()
	alerts = engine.NewAlertManager(settings.Monitor, notifier, logger)

	monitor := engine.NewMonitor(settings.Monitor, engine.MonitorDeps{
		DB:      dbx,
		Jobs:    jobStore,
		Keys:    keys,
		Cache:   cc,
		Queue:   queue,
		Brake:   pol,
		Running: jobs.RunningCount,
	}, alerts, settings.Scheduler.JobTimeout, logger)

	bridge := engine.NewBridge(retryStore, jobs, jobStore, notifier, logger)

	jobs.SetNotifier(notifier)
	jobs.SetObserver(monitor)
	jobs.SetRetryBridge(bridge)

	executors := &engine.Executors{
		API:      client,
		Archiver: archiver,
		Cleaner:  cleaner,
		Raw:      rawStore,
		Cache:    cc,
		Probe:    monitor,
		Running:  jobs.RunningCount,
		Location: settings.Scheduler.Location,
	}
	executors.RegisterAll(jobs)

	warm := func(ctx context.Context) error {
		_, failed := cc.Warm(ctx, map[string]cache.WarmFunc{
			"region-observations": executors.WarmObservations,
		})
		if failed > 0 {
			return fmt.Errorf("cache warming: %d loader(s) failed", failed)
		}
		return nil
	}
	scheduler := engine.NewScheduler(scheduleStore, jobs, settings.Scheduler.Location, logger,
		engine.MaintenanceBuiltins(warm, cleaner, logger)...)

	server := api.NewServer(settings.Server, api.Deps{
		Jobs:      jobs,
		Schedules: scheduler,
		Retries:   bridge,
		Notify:    notifier,
		Alerts:    alerts,
		System:    monitor,
		Replay:    jobStore,

		Client:  client,
		Queue:   queue,
		Capture: sink,
		Policy:  pol,
		Cleanup: cleaner,
		Cache:   cc,
		Keys:    keys,

		Metrics: metrics.NewHandler(metrics.Sources{
			Client:     client,
			Queue:      queue,
			Policy:     pol,
			Cache:      cc,
			Keys:       keys,
			Running:    jobs.RunningCount,
			OpenAlerts: alerts.OpenCount,
		}),
	}, logger)
	jobs.SetEventSink(server.Hub())

	// Bring it all up. Order matters: workers before the bridge restores
	// attempts into them, schedules last so nothing fires into a half-built
	// engine.
	if err := jobs.Start(ctx); err != nil {
		return err
	}
	if err := bridge.Restore(ctx); err != nil {
		logger.Log(common.ELogLevel.Warning(), "retry restore failed: "+err.Error())
	}
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	monitor.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Log(common.ELogLevel.Info(), "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Log(common.ELogLevel.Error(), "admin API failed: "+err.Error())
			shutdown(server, scheduler, bridge, monitor, jobs, queue, logger)
			return err
		}
	}

	shutdown(server, scheduler, bridge, monitor, jobs, queue, logger)
	logger.Log(common.ELogLevel.Info(), "wfbatch stopped")
	return nil
}

// shutdown quiesces in reverse dependency order: stop taking requests, stop
// creating work, stop running work, then drain what work already produced.
func shutdown(server *api.Server, scheduler *engine.Scheduler, bridge *engine.Bridge,
	monitor *engine.Monitor, jobs *engine.Manager, queue *storagequeue.Queue, logger common.ILogger) {
	drainCtx, cancel := context.WithTimeout(context.Background(), serverDrainTimeout)
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Log(common.ELogLevel.Warning(), "admin API drain: "+err.Error())
	}
	cancel()

	scheduler.Stop()
	bridge.Stop()
	monitor.Stop()
	jobs.Stop(jobStopGrace)
	queue.Stop(queueDrainTimeout)
}
