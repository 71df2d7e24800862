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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	defaultUpcomingHours = 24
	maxUpcomingHours     = 168
)

type createScheduleRequest struct {
	JobType       *common.JobType  `json:"job_type" validate:"required"`
	CronExpr      string           `json:"cron_expr"`
	ScheduledTime *time.Time       `json:"scheduled_time"`
	Priority      int              `json:"priority" validate:"omitempty,min=1,max=10"`
	IsActive      *bool            `json:"is_active"`
	Parameters    common.OpaqueBag `json:"parameters"`
	Description   string           `json:"description" validate:"omitempty,max=500"`
}

// updateScheduleRequest carries only the fields the caller wants changed.
// The job type of an existing schedule is immutable.
type updateScheduleRequest struct {
	CronExpr      *string          `json:"cron_expr"`
	ScheduledTime *time.Time       `json:"scheduled_time"`
	Priority      *int             `json:"priority" validate:"omitempty,min=1,max=10"`
	IsActive      *bool            `json:"is_active"`
	Parameters    common.OpaqueBag `json:"parameters"`
	Description   *string          `json:"description" validate:"omitempty,max=500"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	var typeFilter *common.JobType
	if raw := r.URL.Query().Get("job_type"); raw != "" {
		var jt common.JobType
		if err := jt.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		typeFilter = &jt
	}
	var statusFilter *common.ScheduleStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		var st common.ScheduleStatus
		if err := st.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		statusFilter = &st
	}
	var activeFilter *bool
	if raw := r.URL.Query().Get("is_active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("invalid is_active %q", raw), nil)
			return
		}
		activeFilter = &v
	}

	all, err := s.deps.Schedules.List(r.Context(), false)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}

	// Schedule counts stay small, so filtering and paging happen here
	// rather than in SQL.
	matched := make([]common.Schedule, 0, len(all))
	for _, sched := range all {
		if typeFilter != nil && sched.JobType != *typeFilter {
			continue
		}
		if statusFilter != nil && sched.Status != *statusFilter {
			continue
		}
		if activeFilter != nil && sched.IsActive != *activeFilter {
			continue
		}
		matched = append(matched, sched)
	}

	page, size := pageParams(r, defaultJobPageSize, maxJobPageSize)
	total := len(matched)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	writeList(w, matched[start:end], total, page, size)
}

// POST /api/batch/schedules
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	var req createScheduleRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.JobType == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "job_type is required", nil)
		return
	}
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	sched := &common.Schedule{
		JobType:       *req.JobType,
		CronExpr:      req.CronExpr,
		ScheduledTime: req.ScheduledTime,
		Priority:      req.Priority,
		IsActive:      active,
		Parameters:    req.Parameters,
		Description:   req.Description,
	}
	if err := s.deps.Schedules.Create(r.Context(), sched); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// GET /api/batch/schedules/{id}
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	id, ok := pathInt64(w, r)
	if !ok {
		return
	}
	sched, err := s.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// PUT /api/batch/schedules/{id}
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	id, ok := pathInt64(w, r)
	if !ok {
		return
	}
	var req updateScheduleRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	sched, err := s.deps.Schedules.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	if req.CronExpr != nil {
		sched.CronExpr = *req.CronExpr
		if *req.CronExpr != "" {
			sched.ScheduledTime = nil
		}
	}
	if req.ScheduledTime != nil {
		sched.ScheduledTime = req.ScheduledTime
		sched.CronExpr = ""
	}
	if req.Priority != nil {
		sched.Priority = *req.Priority
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}
	if req.Parameters != nil {
		sched.Parameters = req.Parameters
	}
	if req.Description != nil {
		sched.Description = *req.Description
	}

	if err := s.deps.Schedules.Update(r.Context(), sched); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// DELETE /api/batch/schedules/{id}
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	id, ok := pathInt64(w, r)
	if !ok {
		return
	}
	if err := s.deps.Schedules.Delete(r.Context(), id); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":     true,
		"schedule_id": id,
	})
}

// POST /api/batch/schedules/{id}/execute
func (s *Server) handleExecuteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	id, ok := pathInt64(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Schedules.Execute(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"schedule_id": id,
		"job_id":      job.ID,
		"job_type":    job.JobType,
		"status":      job.Status,
	})
}

// GET /api/batch/schedules/upcoming?hours=24
func (s *Server) handleUpcomingSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		unavailable(w, "scheduler")
		return
	}
	hours := queryInt(r, "hours", defaultUpcomingHours)
	if hours < 1 || hours > maxUpcomingHours {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("hours must be between 1 and %d", maxUpcomingHours), nil)
		return
	}
	upcoming, err := s.deps.Schedules.Upcoming(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":        upcoming,
		"total":        len(upcoming),
		"window_hours": hours,
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// pathInt64 reads the {id} segment as an integer key, answering 400 itself
// when the segment does not parse.
func pathInt64(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("invalid id %q", chi.URLParam(r, "id")), nil)
		return 0, false
	}
	return id, true
}
