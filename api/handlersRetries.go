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

	"github.com/go-chi/chi/v5"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type createRetryPolicyRequest struct {
	JobType           *common.JobType      `json:"job_type" validate:"required"`
	Enabled           *bool                `json:"enabled"`
	MaxAttempts       int                  `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	Strategy          common.RetryStrategy `json:"strategy"`
	InitialDelaySecs  int                  `json:"initial_delay_seconds" validate:"omitempty,min=0"`
	MaxDelaySecs      int                  `json:"max_delay_seconds" validate:"omitempty,min=0"`
	BackoffMultiplier float64              `json:"backoff_multiplier" validate:"omitempty,min=0"`
	RetryOnKinds      common.KindList      `json:"retry_on_kinds"`
}

type updateRetryPolicyRequest struct {
	Enabled           *bool                 `json:"enabled"`
	MaxAttempts       *int                  `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	Strategy          *common.RetryStrategy `json:"strategy"`
	InitialDelaySecs  *int                  `json:"initial_delay_seconds" validate:"omitempty,min=0"`
	MaxDelaySecs      *int                  `json:"max_delay_seconds" validate:"omitempty,min=0"`
	BackoffMultiplier *float64              `json:"backoff_multiplier" validate:"omitempty,min=0"`
	RetryOnKinds      common.KindList       `json:"retry_on_kinds"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/retry-policies
func (s *Server) handleListRetryPolicies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	policies, err := s.deps.Retries.Policies(r.Context())
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, policies, len(policies), 1, len(policies))
}

// POST /api/batch/retry-policies
func (s *Server) handleCreateRetryPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	var req createRetryPolicyRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}
	if req.JobType == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "job_type is required", nil)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	pol := &common.RetryPolicy{
		JobType:           *req.JobType,
		Enabled:           enabled,
		MaxAttempts:       req.MaxAttempts,
		Strategy:          req.Strategy,
		InitialDelaySecs:  req.InitialDelaySecs,
		MaxDelaySecs:      req.MaxDelaySecs,
		BackoffMultiplier: req.BackoffMultiplier,
		RetryOnKinds:      req.RetryOnKinds,
	}
	// CreatePolicy normalizes in place, so the response shows the values
	// that actually took effect.
	if err := s.deps.Retries.CreatePolicy(r.Context(), pol); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, pol)
}

// GET /api/batch/retry-policies/{jobType}
func (s *Server) handleGetRetryPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	jobType, ok := pathJobType(w, r)
	if !ok {
		return
	}
	pol, err := s.deps.Retries.Policy(r.Context(), jobType)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// PUT /api/batch/retry-policies/{jobType}
func (s *Server) handleUpdateRetryPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	jobType, ok := pathJobType(w, r)
	if !ok {
		return
	}
	var req updateRetryPolicyRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	pol, err := s.deps.Retries.Policy(r.Context(), jobType)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	if req.Enabled != nil {
		pol.Enabled = *req.Enabled
	}
	if req.MaxAttempts != nil {
		pol.MaxAttempts = *req.MaxAttempts
	}
	if req.Strategy != nil {
		pol.Strategy = *req.Strategy
	}
	if req.InitialDelaySecs != nil {
		pol.InitialDelaySecs = *req.InitialDelaySecs
	}
	if req.MaxDelaySecs != nil {
		pol.MaxDelaySecs = *req.MaxDelaySecs
	}
	if req.BackoffMultiplier != nil {
		pol.BackoffMultiplier = *req.BackoffMultiplier
	}
	if req.RetryOnKinds != nil {
		pol.RetryOnKinds = req.RetryOnKinds
	}

	if err := s.deps.Retries.UpdatePolicy(r.Context(), pol); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

// DELETE /api/batch/retry-policies/{jobType}
func (s *Server) handleDeleteRetryPolicy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	jobType, ok := pathJobType(w, r)
	if !ok {
		return
	}
	if err := s.deps.Retries.DeletePolicy(r.Context(), jobType); err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":  true,
		"job_type": jobType,
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GET /api/batch/jobs/{id}/retries
func (s *Server) handleJobRetries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	// An unknown job reads as 404 rather than an empty ledger.
	if s.deps.Jobs != nil {
		if _, err := s.deps.Jobs.Get(r.Context(), id); err != nil {
			s.writeFailure(w, r, err, nil)
			return
		}
	}
	attempts, err := s.deps.Retries.Attempts(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, attempts, len(attempts), 1, len(attempts))
}

// DELETE /api/batch/jobs/{id}/retries
func (s *Server) handleCancelRetries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	n, err := s.deps.Retries.CancelRetry(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": n,
		"job_id":    id,
	})
}

// GET /api/batch/retry-queue
func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	pending, err := s.deps.Retries.Queue(r.Context())
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeList(w, pending, len(pending), 1, len(pending))
}

// GET /api/batch/retry-metrics
func (s *Server) handleRetryMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retries == nil {
		unavailable(w, "retry bridge")
		return
	}
	metrics, err := s.deps.Retries.Metrics(r.Context())
	if err != nil {
		s.writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": metrics,
		"total": len(metrics),
		"stats": s.deps.Retries.Stats(),
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// pathJobType reads the {jobType} segment, answering 400 itself when the
// name is not a known job type.
func pathJobType(w http.ResponseWriter, r *http.Request) (common.JobType, bool) {
	var jt common.JobType
	if err := jt.Parse(chi.URLParam(r, "jobType")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return jt, false
	}
	return jt, true
}
