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

// Package api serves the admin control surface: a REST API under /api/batch
// guarded by the shared key, the websocket log stream under /api/ws, and the
// unauthenticated root, health and metrics endpoints.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/engine"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// serviceName is what /health reports; it predates the Go port and external
// probes match on it.
const serviceName = "weather-flick-batch"

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	corsMaxAgeSecs    = 3600
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// The handlers talk to the subsystems through these narrow views so tests can
// stand in fakes without booting the real engine.

// IJobAdmin is the job manager as the REST layer sees it.
type IJobAdmin interface {
	Submit(ctx context.Context, jobType common.JobType, params common.OpaqueBag, opts engine.SubmitOptions) (*common.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*common.Job, error)
	List(ctx context.Context, f db.JobFilter) ([]common.Job, int, error)
	Logs(ctx context.Context, jobID uuid.UUID, f db.LogFilter) ([]common.JobLogEntry, int, error)
	StopJob(ctx context.Context, id uuid.UUID, reason string, force bool) error
	Stats(ctx context.Context, since, until time.Time) (*common.JobStats, error)
	Cleanup(ctx context.Context, days int) (*engine.JobCleanupResult, error)
}

// IScheduleAdmin is the scheduler as the REST layer sees it.
type IScheduleAdmin interface {
	Create(ctx context.Context, sched *common.Schedule) error
	Update(ctx context.Context, sched *common.Schedule) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*common.Schedule, error)
	List(ctx context.Context, onlyActive bool) ([]common.Schedule, error)
	Execute(ctx context.Context, id int64) (*common.Job, error)
	Upcoming(ctx context.Context, window time.Duration) ([]common.Schedule, error)
}

// IRetryAdmin is the retry bridge as the REST layer sees it.
type IRetryAdmin interface {
	CreatePolicy(ctx context.Context, pol *common.RetryPolicy) error
	UpdatePolicy(ctx context.Context, pol *common.RetryPolicy) error
	Policy(ctx context.Context, jobType common.JobType) (*common.RetryPolicy, error)
	Policies(ctx context.Context) ([]common.RetryPolicy, error)
	DeletePolicy(ctx context.Context, jobType common.JobType) error
	Attempts(ctx context.Context, jobID uuid.UUID) ([]common.RetryAttempt, error)
	CancelRetry(ctx context.Context, jobID uuid.UUID) (int64, error)
	Queue(ctx context.Context) ([]common.RetryAttempt, error)
	Metrics(ctx context.Context) ([]common.RetryMetrics, error)
	Stats() engine.BridgeStats
}

// INotifyAdmin is the notifier as the REST layer sees it.
type INotifyAdmin interface {
	CreateSubscription(ctx context.Context, sub *common.Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error
	SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) error
	Subscriptions(ctx context.Context, onlyEnabled bool) ([]common.Subscription, error)
	History(ctx context.Context, limit, offset int) ([]common.NotificationRecord, error)
	TestSubscription(ctx context.Context, id int64) error
	Stats() engine.NotifierStats
}

// IAlertAdmin is the alert manager as the REST layer sees it.
type IAlertAdmin interface {
	Active() []common.Alert
	History(window time.Duration) []common.Alert
	Acknowledge(id string) bool
	Suppress(id string, minutes int) bool
	Summary() engine.AlertSummary
}

// ISystemStatus produces the aggregate health document.
type ISystemStatus interface {
	SystemStatus(ctx context.Context) *common.SystemStatus
}

// ILogReplay loads the websocket replay snapshot.
type ILogReplay interface {
	LastLogs(ctx context.Context, jobID uuid.UUID, n int) ([]common.JobLogEntry, error)
}

// Performance views, one per subsystem the /performance endpoints report on.
type (
	IClientPerf interface {
		Stats() *common.ClientStats
	}
	IQueuePerf interface {
		Stats() *common.QueueStats
	}
	ICapturePerf interface {
		Stats() *common.CaptureStats
	}
	IPolicyPerf interface {
		Stats() *common.PolicyStats
	}
	ICleanupPerf interface {
		Stats() *common.CleanupEngineStats
		UsageStats(ctx context.Context) (*common.StorageUsage, error)
	}
	ICachePerf interface {
		Stats() *common.CacheStats
		Health(ctx context.Context) *common.CacheHealth
	}
	IKeyPerf interface {
		UsageStats() *common.KeyPoolUsage
		AvailabilitySummary() *common.KeyAvailabilitySummary
	}
)

// Deps collects everything the server routes to. Any nil entry turns its
// endpoints into 503s instead of panics, so a partially wired binary still
// serves what it has.
type Deps struct {
	Jobs      IJobAdmin
	Schedules IScheduleAdmin
	Retries   IRetryAdmin
	Notify    INotifyAdmin
	Alerts    IAlertAdmin
	System    ISystemStatus
	Replay    ILogReplay

	Client  IClientPerf
	Queue   IQueuePerf
	Capture ICapturePerf
	Policy  IPolicyPerf
	Cleanup ICleanupPerf
	Cache   ICachePerf
	Keys    IKeyPerf

	// Metrics overrides the /metrics handler; nil serves the default
	// prometheus registry.
	Metrics http.Handler
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Server is the admin HTTP server. One instance serves REST, websocket and
// metrics on a single listener.
type Server struct {
	cfg      common.ServerSettings
	deps     Deps
	hub      *Hub
	logger   common.ILogger
	validate *validator.Validate

	// keyDigest is the sha256 of the configured key; requests are compared
	// digest to digest so the comparison is constant-time and length-blind.
	keyDigest [sha256.Size]byte

	httpServer *http.Server
}

// NewServer wires the router but does not listen yet.
func NewServer(cfg common.ServerSettings, deps Deps, logger common.ILogger) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		hub:       NewHub(logger),
		logger:    logger,
		validate:  validator.New(),
		keyDigest: sha256.Sum256([]byte(cfg.APIKey)),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Hub exposes the websocket fan-out so the job manager can publish into it.
func (s *Server) Hub() *Hub { return s.hub }

// Handler assembles the full route tree. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           corsMaxAgeSecs,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	metricsHandler := s.deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/batch", func(r chi.Router) {
		r.Use(s.requireKey)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/stats", s.handleJobStats)
		r.Get("/statistics", s.handleJobStats) // legacy alias
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Post("/execute", s.handleExecuteJob) // {id} is a job type here
			r.Get("/", s.handleGetJob)
			r.Get("/logs", s.handleJobLogs)
			r.Post("/stop", s.handleStopJob)
			r.Get("/retries", s.handleJobRetries)
			r.Delete("/retries", s.handleCancelRetries)
		})

		r.Get("/system/status", s.handleSystemStatus)
		r.Post("/system/cleanup", s.handleSystemCleanup)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.handleListSchedules)
			r.Post("/", s.handleCreateSchedule)
			r.Get("/upcoming", s.handleUpcomingSchedules)
			r.Get("/{id}", s.handleGetSchedule)
			r.Put("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
			r.Post("/{id}/execute", s.handleExecuteSchedule)
		})

		r.Route("/retry-policies", func(r chi.Router) {
			r.Get("/", s.handleListRetryPolicies)
			r.Post("/", s.handleCreateRetryPolicy)
			r.Get("/{jobType}", s.handleGetRetryPolicy)
			r.Put("/{jobType}", s.handleUpdateRetryPolicy)
			r.Delete("/{jobType}", s.handleDeleteRetryPolicy)
		})
		r.Get("/retry-queue", s.handleRetryQueue)
		r.Get("/retry-metrics", s.handleRetryMetrics)

		r.Route("/notification-subscriptions", func(r chi.Router) {
			r.Get("/", s.handleListSubscriptions)
			r.Post("/", s.handleCreateSubscription)
			r.Put("/{id}", s.handleUpdateSubscription)
			r.Delete("/{id}", s.handleDeleteSubscription)
		})
		r.Get("/notification-history", s.handleNotificationHistory)
		r.Get("/notification-metrics", s.handleNotificationMetrics)
		r.Post("/notifications/test", s.handleTestNotification)

		r.Route("/performance", func(r chi.Router) {
			r.Get("/api-client", s.handleClientPerf)
			r.Get("/storage", s.handleStoragePerf)
			r.Get("/cache", s.handleCachePerf)
			r.Get("/keys", s.handleKeyPerf)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleActiveAlerts)
			r.Get("/history", s.handleAlertHistory)
			r.Post("/{id}/acknowledge", s.handleAcknowledgeAlert)
			r.Post("/{id}/suppress", s.handleSuppressAlert)
		})
	})

	// The websocket route authenticates inside the handler: the key check
	// must answer with close code 4001 on an established connection, not
	// with an HTTP status.
	r.Get("/api/ws/jobs/{id}/logs/stream", s.handleLogStream)

	return r
}

// Start blocks on the listener until Shutdown or a fatal accept error.
func (s *Server) Start() error {
	s.logger.Log(common.ELogLevel.Info(),
		fmt.Sprintf("admin API listening on %s", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, then drops every websocket subscriber.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Weather Flick Batch API",
		"version": common.AppVersion,
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": common.AppVersion,
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// requireKey guards the REST tree. The key arrives in the X-API-Key header
// or, for clients that cannot set headers, the api_key query parameter.
// Missing key and wrong key answer differently so operators can tell a
// misconfigured client from a bad credential; neither response echoes
// anything about the expected key.
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-API-Key")
		if presented == "" {
			presented = r.URL.Query().Get("api_key")
		}
		if presented == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "X-API-Key header required", nil)
			return
		}
		if !s.keyMatches(presented) {
			writeError(w, http.StatusForbidden, "forbidden", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) keyMatches(presented string) bool {
	digest := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(digest[:], s.keyDigest[:]) == 1
}

// logRequests writes one line per request after it completes. Query strings
// stay out of the log because the websocket route carries the key there.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.logger.ShouldLog(common.ELogLevel.Info()) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("%s %s -> %d (%d bytes, %s)",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start).Round(time.Millisecond)))
	})
}
