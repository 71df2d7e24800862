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

package apiclient

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// Task is one call in a batch. Higher priority tasks are dispatched first;
// actual parallelism is whatever the gate admits.
type Task struct {
	ID       string
	Provider common.Provider
	Endpoint string
	Params   url.Values
	Priority int
	Opts     CallOptions
}

// TaskResult pairs a task with its outcome. Exactly one of Response and Err
// is set.
type TaskResult struct {
	TaskID   string
	Response *Response
	Err      error
	Duration time.Duration
}

// CallBatch fans a task list out through the gate and collects per-task
// results, ordered by descending priority. A failing task never aborts its
// siblings.
func (c *Client) CallBatch(ctx context.Context, tasks []Task) []TaskResult {
	if len(tasks) == 0 {
		return nil
	}
	c.logger.Log(common.ELogLevel.Info(), fmt.Sprintf("batch call started: %d tasks", len(tasks)))

	sorted := make([]Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	results := make([]TaskResult, len(sorted))
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i, task := range sorted {
		g.Go(func() error {
			callStart := time.Now()
			resp, err := c.Call(ctx, task.Provider, task.Endpoint, task.Params, task.Opts)
			results[i] = TaskResult{
				TaskID:   task.ID,
				Response: resp,
				Err:      err,
				Duration: time.Since(callStart),
			}
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	c.logger.Log(common.ELogLevel.Info(), fmt.Sprintf(
		"batch call finished: %d/%d succeeded in %dms",
		succeeded, len(sorted), time.Since(start).Milliseconds()))
	return results
}
