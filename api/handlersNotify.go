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
	"strings"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	defaultHistoryPageSize = 50
	maxHistoryPageSize     = 500
)

// createSubscriptionRequest mirrors common.Subscription minus the
// server-assigned fields. The enum fields parse from their wire names, so a
// bad channel or event name fails in decodeBody, not downstream.
type createSubscriptionRequest struct {
	JobType   string                     `json:"job_type" validate:"omitempty,max=60"`
	Channel   common.NotificationChannel `json:"channel"`
	Events    common.EventList           `json:"events" validate:"required,min=1"`
	Recipient string                     `json:"recipient" validate:"required,max=300"`
	Config    common.OpaqueBag           `json:"config"`
	MinLevel  *common.AlertLevel         `json:"min_level"`
	Enabled   *bool                      `json:"enabled"`
}

type updateSubscriptionRequest struct {
	Enabled bool `json:"enabled"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/notification-subscriptions
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	onlyEnabled := strings.EqualFold(r.URL.Query().Get("enabled"), "true")
	subs, err := s.deps.Notify.Subscriptions(r.Context(), onlyEnabled)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, subs, len(subs), 1, len(subs))
}

// POST /api/batch/notification-subscriptions
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	var req createSubscriptionRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "recipient is required", nil)
		return
	}

	sub := common.Subscription{
		Channel:   req.Channel,
		Events:    req.Events,
		Recipient: req.Recipient,
		Config:    req.Config,
		MinLevel:  common.EAlertLevel.Info(),
		Enabled:   true,
	}
	if req.JobType != "" {
		var jt common.JobType
		if err := jt.Parse(req.JobType); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		sub.JobType = &jt
	}
	if req.MinLevel != nil {
		sub.MinLevel = *req.MinLevel
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	if err := s.deps.Notify.CreateSubscription(r.Context(), &sub); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// PUT /api/batch/notification-subscriptions/{id}
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	id, ok := pathInt64(w, r)
	if !ok {
		return
	}
	var req updateSubscriptionRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if err := s.deps.Notify.SetSubscriptionEnabled(r.Context(), id, req.Enabled); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"enabled": req.Enabled,
	})
}

// DELETE /api/batch/notification-subscriptions/{id}
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	id, ok := pathInt64(w, r)
	if !ok {
		return
	}
	if err := s.deps.Notify.DeleteSubscription(r.Context(), id); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/notification-history
func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	page, size := pageParams(r, defaultHistoryPageSize, maxHistoryPageSize)
	records, err := s.deps.Notify.History(r.Context(), size, (page-1)*size)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, records, len(records), page, size)
}

// GET /api/batch/notification-metrics
func (s *Server) handleNotificationMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Notify.Stats())
}

// POST /api/batch/notifications/test?subscription_id=N sends a synthetic
// event through one subscription so operators can verify delivery without
// waiting for a real job.
func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notify == nil {
		unavailable(w, "notifier")
		return
	}
	id := int64(queryInt(r, "subscription_id", 0))
	if id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "subscription_id is required", nil)
		return
	}
	if err := s.deps.Notify.TestSubscription(r.Context(), id); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription_id": id,
		"sent":            true,
	})
}
