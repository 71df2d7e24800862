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

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	defaultAlertHistoryHours = 24
	maxSuppressMinutes       = 24 * 60
)

// GET /api/batch/performance/api-client
func (s *Server) handleClientPerf(w http.ResponseWriter, r *http.Request) {
	if s.deps.Client == nil {
		unavailable(w, "api client")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Client.Stats())
}

// GET /api/batch/performance/storage folds the write path end to end: the
// policy decisions, the async queue, the capture sink and the on-disk usage.
func (s *Server) handleStoragePerf(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil && s.deps.Policy == nil && s.deps.Cleanup == nil {
		unavailable(w, "storage pipeline")
		return
	}
	out := map[string]interface{}{}
	if s.deps.Policy != nil {
		out["policy"] = s.deps.Policy.Stats()
	}
	if s.deps.Queue != nil {
		out["queue"] = s.deps.Queue.Stats()
	}
	if s.deps.Capture != nil {
		out["capture"] = s.deps.Capture.Stats()
	}
	if s.deps.Cleanup != nil {
		out["cleanup"] = s.deps.Cleanup.Stats()
		usage, err := s.deps.Cleanup.UsageStats(r.Context())
		if err != nil {
			s.writeFailure(w, r, err, nil)
			return
		}
		out["usage"] = usage
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/batch/performance/cache
func (s *Server) handleCachePerf(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  s.deps.Cache.Stats(),
		"health": s.deps.Cache.Health(r.Context()),
	})
}

// GET /api/batch/performance/keys
func (s *Server) handleKeyPerf(w http.ResponseWriter, r *http.Request) {
	if s.deps.Keys == nil {
		unavailable(w, "key pool")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage":        s.deps.Keys.UsageStats(),
		"availability": s.deps.Keys.AvailabilitySummary(),
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/alerts
func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alert manager")
		return
	}
	alerts := s.deps.Alerts.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":  alerts,
		"count":   len(alerts),
		"summary": s.deps.Alerts.Summary(),
	})
}

// GET /api/batch/alerts/history?hours=N
func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alert manager")
		return
	}
	hours := queryInt(r, "hours", defaultAlertHistoryHours)
	if hours < 1 || hours > defaultAlertHistoryHours {
		hours = defaultAlertHistoryHours
	}
	alerts := s.deps.Alerts.History(time.Duration(hours) * time.Hour)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
		"hours":  hours,
	})
}

// POST /api/batch/alerts/{id}/acknowledge
func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alert manager")
		return
	}
	id := chi.URLParam(r, "id")
	if !s.deps.Alerts.Acknowledge(id) {
		writeError(w, http.StatusNotFound, "not_found", "no active alert "+id, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           id,
		"acknowledged": true,
	})
}

type suppressAlertRequest struct {
	Minutes int `json:"minutes" validate:"omitempty,min=1,max=1440"`
}

// POST /api/batch/alerts/{id}/suppress
func (s *Server) handleSuppressAlert(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alert manager")
		return
	}
	id := chi.URLParam(r, "id")
	var req suppressAlertRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.Minutes == 0 {
		req.Minutes = 60
	}
	if req.Minutes > maxSuppressMinutes {
		req.Minutes = maxSuppressMinutes
	}
	if !s.deps.Alerts.Suppress(id, req.Minutes) {
		writeError(w, http.StatusNotFound, "not_found", "no active alert "+id, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":               id,
		"suppressed":       true,
		"suppress_minutes": req.Minutes,
	})
}
