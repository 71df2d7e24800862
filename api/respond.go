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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/engine"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// errorBody is the uniform error envelope: a short machine code, a human
// message and an optional detail bag.
type errorBody struct {
	Error   string           `json:"error"`
	Message string           `json:"message"`
	Details common.OpaqueBag `json:"details,omitempty"`
}

// listBody is the uniform page envelope for list endpoints.
type listBody struct {
	Items interface{} `json:"items"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure here means the response is already half-written;
	// nothing useful can be sent instead.
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details common.OpaqueBag) {
	writeJSON(w, status, errorBody{Error: code, Message: message, Details: details})
}

func writeList(w http.ResponseWriter, items interface{}, total, page, size int) {
	writeJSON(w, http.StatusOK, listBody{Items: items, Total: total, Page: page, Size: size})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// writeFailure maps a subsystem error onto the wire. Sentinel errors carry
// the interesting statuses; everything else falls through the kind
// classifier. Internal errors log here so handlers do not have to.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, details common.OpaqueBag) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Log(common.ELogLevel.Error(),
			fmt.Sprintf("%s %s failed: %v", r.Method, r.URL.Path, err))
	}
	writeError(w, status, code, err.Error(), details)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrTypeRunning),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrPolicyExists):
		return http.StatusConflict, "conflict"
	}
	switch common.ClassifyError(err) {
	case common.EErrorKind.Config():
		return http.StatusBadRequest, "bad_request"
	case common.EErrorKind.QueueFull():
		return http.StatusServiceUnavailable, "queue_full"
	case common.EErrorKind.Transport():
		return http.StatusBadGateway, "upstream_failed"
	case common.EErrorKind.Timeout():
		return http.StatusGatewayTimeout, "upstream_timeout"
	case common.EErrorKind.Database():
		return http.StatusInternalServerError, "database_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// unavailable answers for a subsystem that was not wired at boot.
func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, "unavailable",
		fmt.Sprintf("%s is not available", what), nil)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// decodeBody parses a JSON body into dst and runs its validator tags. A nil
// body is allowed and leaves dst at its zero value, because several POST
// endpoints treat the whole body as optional.
func (s *Server) decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pageParams reads page/size pagination, accepting "page_size" and "limit"
// as legacy aliases for "size". Out-of-range values clamp instead of
// erroring, matching how the previous service behaved.
func pageParams(r *http.Request, defaultSize, maxSize int) (page, size int) {
	page = queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size = queryInt(r, "size", 0)
	if size == 0 {
		size = queryInt(r, "page_size", 0)
	}
	if size == 0 {
		size = queryInt(r, "limit", defaultSize)
	}
	if size < 1 {
		size = defaultSize
	}
	if size > maxSize {
		size = maxSize
	}
	return page, size
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryDate accepts RFC 3339 or a bare date.
func queryDate(r *http.Request, name string) (time.Time, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("invalid %s %q: want RFC 3339 or YYYY-MM-DD", name, raw)
}
