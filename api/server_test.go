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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/engine"
)

const testAPIKey = "test-admin-key"

func testServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	logger := common.NewAppLogger(common.ELogLevel.None(), "api-test")
	t.Cleanup(logger.CloseLog)
	return NewServer(common.ServerSettings{Host: "127.0.0.1", Port: 0, APIKey: testAPIKey}, deps, logger)
}

func doRequest(t *testing.T, h http.Handler, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// fakeJobAdmin records calls and serves canned jobs.
type fakeJobAdmin struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*common.Job
	stopped []uuid.UUID
	forced  []bool

	submitErr error
	stopErr   error
}

func newFakeJobAdmin() *fakeJobAdmin {
	return &fakeJobAdmin{jobs: map[uuid.UUID]*common.Job{}}
}

func (f *fakeJobAdmin) put(job *common.Job) { f.jobs[job.ID] = job }

func (f *fakeJobAdmin) Submit(_ context.Context, jobType common.JobType, params common.OpaqueBag, opts engine.SubmitOptions) (*common.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &common.Job{
		ID:         uuid.New(),
		JobType:    jobType,
		Status:     common.EJobStatus.Pending(),
		Parameters: params,
		Priority:   opts.Priority,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  opts.RequestedBy,
	}
	if f.submitErr != nil {
		return job, f.submitErr
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeJobAdmin) Get(_ context.Context, id uuid.UUID) (*common.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobAdmin) List(_ context.Context, filter db.JobFilter) ([]common.Job, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []common.Job{}
	for _, j := range f.jobs {
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, len(out), nil
}

func (f *fakeJobAdmin) Logs(_ context.Context, jobID uuid.UUID, _ db.LogFilter) ([]common.JobLogEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[jobID]; !ok {
		return nil, 0, db.ErrNotFound
	}
	return []common.JobLogEntry{}, 0, nil
}

func (f *fakeJobAdmin) StopJob(_ context.Context, id uuid.UUID, _ string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.jobs[id]; !ok {
		return db.ErrNotFound
	}
	f.stopped = append(f.stopped, id)
	f.forced = append(f.forced, force)
	return nil
}

func (f *fakeJobAdmin) Stats(context.Context, time.Time, time.Time) (*common.JobStats, error) {
	return &common.JobStats{Total: len(f.jobs)}, nil
}

func (f *fakeJobAdmin) Cleanup(_ context.Context, days int) (*engine.JobCleanupResult, error) {
	return &engine.JobCleanupResult{
		DeletedJobs: 3,
		DeletedLogs: 12,
		Cutoff:      time.Now().UTC().AddDate(0, 0, -days),
	}, nil
}

// Stats and Cleanup signatures want named args in the interface; keep the
// compiler honest.
var _ IJobAdmin = (*fakeJobAdmin)(nil)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type fakeAlertAdmin struct {
	mu        sync.Mutex
	active    []common.Alert
	acked     []string
	supressed map[string]int
}

func (f *fakeAlertAdmin) Active() []common.Alert               { return f.active }
func (f *fakeAlertAdmin) History(time.Duration) []common.Alert { return f.active }

func (f *fakeAlertAdmin) Acknowledge(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.active {
		if a.ID == id {
			f.acked = append(f.acked, id)
			return true
		}
	}
	return false
}

func (f *fakeAlertAdmin) Suppress(id string, minutes int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.active {
		if a.ID == id {
			if f.supressed == nil {
				f.supressed = map[string]int{}
			}
			f.supressed[id] = minutes
			return true
		}
	}
	return false
}

func (f *fakeAlertAdmin) Summary() engine.AlertSummary {
	return engine.AlertSummary{Active: len(f.active)}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestAuthMissingKeyAnswers401(t *testing.T) {
	s := testServer(t, Deps{Jobs: newFakeJobAdmin()})
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/batch/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthWrongKeyAnswers403(t *testing.T) {
	s := testServer(t, Deps{Jobs: newFakeJobAdmin()})
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/batch/jobs", "not-the-key", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthAcceptsQueryParameterKey(t *testing.T) {
	s := testServer(t, Deps{Jobs: newFakeJobAdmin()})
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/batch/jobs?api_key="+testAPIKey, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := testServer(t, Deps{})
	rec := doRequest(t, s.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, serviceName, body["service"])
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestExecuteJobAccepted(t *testing.T) {
	jobs := newFakeJobAdmin()
	s := testServer(t, Deps{Jobs: jobs})

	rec := doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/jobs/SYSTEM_HEALTH_CHECK/execute", testAPIKey,
		map[string]interface{}{"parameters": map[string]interface{}{}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeMap(t, rec)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, "SYSTEM_HEALTH_CHECK", body["job_type"])
	assert.NotEmpty(t, body["job_id"])
}

func TestExecuteJobUnknownTypeAnswers400(t *testing.T) {
	s := testServer(t, Deps{Jobs: newFakeJobAdmin()})
	rec := doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/jobs/NOT_A_JOB/execute", testAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteJobExclusiveConflictAnswers409(t *testing.T) {
	jobs := newFakeJobAdmin()
	jobs.submitErr = fmt.Errorf("%w: KTO_DATA_COLLECTION", engine.ErrTypeRunning)
	s := testServer(t, Deps{Jobs: jobs})

	rec := doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/jobs/KTO_DATA_COLLECTION/execute", testAPIKey, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// The failed row's id still comes back so the caller can inspect it.
	body := decodeMap(t, rec)
	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	assert.NotEmpty(t, details["job_id"])
}

func TestGetJobNotFoundAnswers404(t *testing.T) {
	s := testServer(t, Deps{Jobs: newFakeJobAdmin()})
	rec := doRequest(t, s.Handler(), http.MethodGet,
		"/api/batch/jobs/"+uuid.NewString(), testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopJobNotRunningAnswers409(t *testing.T) {
	jobs := newFakeJobAdmin()
	done := &common.Job{ID: uuid.New(), Status: common.EJobStatus.Completed()}
	jobs.put(done)
	jobs.stopErr = fmt.Errorf("%w: job is COMPLETED", engine.ErrNotRunning)
	s := testServer(t, Deps{Jobs: jobs})

	rec := doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/jobs/"+done.ID.String()+"/stop", testAPIKey,
		map[string]interface{}{"reason": "test"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStopJobForceFlagReachesManager(t *testing.T) {
	jobs := newFakeJobAdmin()
	running := &common.Job{ID: uuid.New(), Status: common.EJobStatus.Running()}
	jobs.put(running)
	s := testServer(t, Deps{Jobs: jobs})

	rec := doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/jobs/"+running.ID.String()+"/stop", testAPIKey,
		map[string]interface{}{"reason": "operator", "force": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, jobs.stopped, 1)
	assert.Equal(t, running.ID, jobs.stopped[0])
	assert.True(t, jobs.forced[0])

	body := decodeMap(t, rec)
	assert.Equal(t, true, body["accepted"])
}

func TestListJobsFiltersByStatus(t *testing.T) {
	jobs := newFakeJobAdmin()
	jobs.put(&common.Job{ID: uuid.New(), Status: common.EJobStatus.Running()})
	jobs.put(&common.Job{ID: uuid.New(), Status: common.EJobStatus.Completed()})
	s := testServer(t, Deps{Jobs: jobs})

	rec := doRequest(t, s.Handler(), http.MethodGet,
		"/api/batch/jobs?status=RUNNING", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.EqualValues(t, 1, body["total"])

	rec = doRequest(t, s.Handler(), http.MethodGet,
		"/api/batch/jobs?status=SOMETIMES", testAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemCleanupValidatesDays(t *testing.T) {
	s := testServer(t, Deps{Jobs: newFakeJobAdmin()})

	rec := doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/system/cleanup?days=0", testAPIKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/system/cleanup?days=30", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.EqualValues(t, 3, body["deleted_jobs"])
}

func TestUnwiredSubsystemAnswers503(t *testing.T) {
	s := testServer(t, Deps{})
	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/batch/jobs", testAPIKey, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestAlertLifecycleEndpoints(t *testing.T) {
	alerts := &fakeAlertAdmin{active: []common.Alert{{
		ID:    "alert-1",
		Level: common.EAlertLevel.Warning(),
		Title: "disk usage high",
	}}}
	s := testServer(t, Deps{Alerts: alerts})

	rec := doRequest(t, s.Handler(), http.MethodGet, "/api/batch/alerts", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeMap(t, rec)
	assert.EqualValues(t, 1, body["count"])

	rec = doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/alerts/alert-1/acknowledge", testAPIKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alert-1"}, alerts.acked)

	rec = doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/alerts/alert-1/suppress", testAPIKey,
		map[string]interface{}{"minutes": 30})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, alerts.supressed["alert-1"])

	rec = doRequest(t, s.Handler(), http.MethodPost,
		"/api/batch/alerts/ghost/acknowledge", testAPIKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
