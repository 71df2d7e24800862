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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/engine"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	defaultJobPageSize = 20
	maxJobPageSize     = 100
	defaultLogPageSize = 100
	maxLogPageSize     = 1000

	defaultStatsWindow = 7 * 24 * time.Hour

	defaultCleanupDays = 30
	maxCleanupDays     = 365

	defaultPriority = 5
)

type executeJobRequest struct {
	Parameters  common.OpaqueBag `json:"parameters"`
	Priority    int              `json:"priority" validate:"omitempty,min=1,max=10"`
	RequestedBy string           `json:"requested_by" validate:"omitempty,max=120"`
}

type stopJobRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
	Force  bool   `json:"force"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	f := db.JobFilter{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		var st common.JobStatus
		if err := st.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		f.Status = &st
	}
	if raw := r.URL.Query().Get("job_type"); raw != "" {
		var jt common.JobType
		if err := jt.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		f.JobType = &jt
	}
	page, size := pageParams(r, defaultJobPageSize, maxJobPageSize)
	f.Limit = size
	f.Offset = (page - 1) * size

	jobs, total, err := s.deps.Jobs.List(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, jobs, total, page, size)
}

// POST /api/batch/jobs/{id}/execute, where {id} is the job type name.
func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	var jobType common.JobType
	if err := jobType.Parse(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	var req executeJobRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}

	job, err := s.deps.Jobs.Submit(r.Context(), jobType, req.Parameters, engine.SubmitOptions{
		Priority:    req.Priority,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		// A queue-full rejection still created the row, so hand the
		// caller the id it can poll.
		var details common.OpaqueBag
		if job != nil {
			details = common.OpaqueBag{"job_id": job.ID.String()}
		}
		s.writeFailure(w, r, err, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.JobType,
		"status":   job.Status,
		"message":  fmt.Sprintf("%s queued at priority %d", job.JobType, job.Priority),
	})
}

// GET /api/batch/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /api/batch/jobs/{id}/logs
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	f := db.LogFilter{}
	if raw := r.URL.Query().Get("level"); raw != "" {
		var lvl common.LogLevel
		if err := lvl.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
		f.Level = &lvl
	}
	page, size := pageParams(r, defaultLogPageSize, maxLogPageSize)
	f.Limit = size
	f.Offset = (page - 1) * size

	entries, total, err := s.deps.Jobs.Logs(r.Context(), id, f)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, entries, total, page, size)
}

// POST /api/batch/jobs/{id}/stop
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req stopJobRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if err := s.deps.Jobs.StopJob(r.Context(), id, req.Reason, req.Force); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"job_id":   id,
		"force":    req.Force,
	})
}

// GET /api/batch/jobs/stats, also mounted as the legacy GET /statistics.
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	since, haveSince, err := queryDate(r, "start_date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	until, haveUntil, err := queryDate(r, "end_date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if !haveSince {
		since = time.Now().UTC().Add(-defaultStatsWindow)
	}
	if haveUntil && until.Before(since) {
		writeError(w, http.StatusBadRequest, "bad_request", "end_date is before start_date", nil)
		return
	}
	stats, err := s.deps.Jobs.Stats(r.Context(), since, until)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/system/status
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.System == nil {
		unavailable(w, "monitor")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.System.SystemStatus(r.Context()))
}

// POST /api/batch/system/cleanup?days=N
func (s *Server) handleSystemCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "job manager")
		return
	}
	days := queryInt(r, "days", defaultCleanupDays)
	if days < 1 || days > maxCleanupDays {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("days must be between 1 and %d", maxCleanupDays), nil)
		return
	}
	result, err := s.deps.Jobs.Cleanup(r.Context(), days)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// pathUUID reads the {id} segment as a UUID, answering 400 itself when the
// segment does not parse.
func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("invalid job id %q", chi.URLParam(r, "id")), nil)
		return uuid.Nil, false
	}
	return id, true
}
