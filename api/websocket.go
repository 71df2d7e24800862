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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const (
	// closeInvalidKey is the application close code a bad api_key answers
	// with. Clients distinguish it from ordinary network closes.
	closeInvalidKey = 4001

	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadWait   = 90 * time.Second

	// wsSendBuffer is the per-subscriber event backlog. A subscriber that
	// stays this far behind is disconnected rather than buffered further.
	wsSendBuffer = 256

	// wsReplaySize is how many historical log lines a new subscriber gets
	// before tailing starts.
	wsReplaySize = 100
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// streamEvent is one pre-marshaled frame. Timestamp stays alongside the
// payload so the writer can drop tail events the replay already covered.
type streamEvent struct {
	kind      string
	timestamp time.Time
	payload   []byte
}

type logFrame struct {
	Type       string           `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Level      string           `json:"level"`
	Message    string           `json:"message"`
	Details    common.OpaqueBag `json:"details,omitempty"`
	Historical bool             `json:"historical"`
}

type updateFrame struct {
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status,omitempty"`
	Progress     *float64  `json:"progress,omitempty"`
	CurrentStep  string    `json:"current_step,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type pingFrame struct {
	Type string `json:"type"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// subscriber is one websocket attached to one job's stream. Its send channel
// is closed exactly once, under its own mutex, whichever side loses interest
// first.
type subscriber struct {
	jobID uuid.UUID
	conn  *websocket.Conn
	send  chan streamEvent

	// replayHorizon is the newest timestamp the historical replay covered.
	// Tail log events at or before it are duplicates and are skipped. Set
	// once before the pumps start.
	replayHorizon time.Time

	mu     sync.Mutex
	closed bool
}

// enqueue hands an event to the subscriber without blocking. A full buffer
// reports false so the hub can evict the laggard.
func (c *subscriber) enqueue(ev streamEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *subscriber) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Hub is the per-job fan-out for live log and progress events. It implements
// engine.IEventSink, so the job manager publishes into it without knowing
// about websockets. Publishing is best effort: no subscriber, no work; a
// slow subscriber is dropped, never waited on.
type Hub struct {
	logger common.ILogger

	mu   sync.Mutex
	subs map[uuid.UUID]map[*subscriber]struct{}

	published int64
	dropped   int64
}

func NewHub(logger common.ILogger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

func (h *Hub) register(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[c.jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[c.jobID] = set
	}
	set[c] = struct{}{}
}

// unregister removes c from the map and closes its send channel. Safe to
// call twice; the second call finds nothing to do.
func (h *Hub) unregister(c *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[c.jobID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, c.jobID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// snapshot copies the subscriber set for jobID so publishing iterates
// outside the map lock.
func (h *Hub) snapshot(jobID uuid.UUID) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[jobID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*subscriber, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SubscriberCount reports how many sockets watch jobID.
func (h *Hub) SubscriberCount(jobID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Shutdown drops every subscriber. Called after the HTTP listener stops, so
// no new registrations race it.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*subscriber
	for _, set := range h.subs {
		for c := range set {
			all = append(all, c)
		}
	}
	h.subs = make(map[uuid.UUID]map[*subscriber]struct{})
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// PublishLog fans one persisted log line out to the job's subscribers.
func (h *Hub) PublishLog(jobID uuid.UUID, entry *common.JobLogEntry) {
	subs := h.snapshot(jobID)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(logFrame{
		Type:       "log",
		Timestamp:  entry.CreatedAt,
		Level:      entry.Level.String(),
		Message:    entry.Message,
		Details:    entry.Details,
		Historical: false,
	})
	if err != nil {
		return
	}
	h.fanOut(subs, streamEvent{kind: "log", timestamp: entry.CreatedAt, payload: payload})
}

// PublishUpdate fans a job status or progress change out to its subscribers.
func (h *Hub) PublishUpdate(job *common.Job) {
	subs := h.snapshot(job.ID)
	if len(subs) == 0 {
		return
	}
	now := time.Now().UTC()
	progress := job.Progress
	payload, err := json.Marshal(updateFrame{
		Type:         "job_update",
		Timestamp:    now,
		Status:       job.Status.String(),
		Progress:     &progress,
		CurrentStep:  job.CurrentStep,
		ErrorMessage: job.ErrorMessage,
	})
	if err != nil {
		return
	}
	h.fanOut(subs, streamEvent{kind: "job_update", timestamp: now, payload: payload})
}

func (h *Hub) fanOut(subs []*subscriber, ev streamEvent) {
	for _, c := range subs {
		if c.enqueue(ev) {
			continue
		}
		// The subscriber's backlog is full. Cutting it loose beats
		// buffering without bound or stalling the publisher.
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("dropping slow websocket subscriber for job %s", c.jobID))
		h.unregister(c)
	}
	h.mu.Lock()
	h.published++
	h.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The REST tree already allows any origin; the socket key check is the
	// real gate here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// GET /api/ws/jobs/{id}/logs/stream?api_key=...
//
// The connection is accepted first and a bad key answered with close code
// 4001, because browsers surface close codes but not HTTP statuses on
// websocket upgrades.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r)
	if !ok {
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if !s.keyMatches(r.URL.Query().Get("api_key")) {
		msg := websocket.FormatCloseMessage(closeInvalidKey, "Invalid API key")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	c := &subscriber{
		jobID: jobID,
		conn:  conn,
		send:  make(chan streamEvent, wsSendBuffer),
	}

	// Register before reading the replay snapshot. Events published while
	// the replay loads land in the send buffer; the writer drops the ones
	// the snapshot already covers, so the stream has no gap and no overlap.
	s.hub.register(c)

	if err := s.replayHistory(r, c); err != nil {
		s.hub.unregister(c)
		_ = conn.Close()
		return
	}

	go s.writePump(c)
	s.readPump(c)
}

// replayHistory sends the stored tail of the job's log, oldest first, and
// records the snapshot horizon on the subscriber.
func (s *Server) replayHistory(r *http.Request, c *subscriber) error {
	if s.deps.Replay == nil {
		return nil
	}
	entries, err := s.deps.Replay.LastLogs(r.Context(), c.jobID, wsReplaySize)
	if err != nil {
		s.logger.Log(common.ELogLevel.Error(),
			fmt.Sprintf("log replay for job %s failed: %v", c.jobID, err))
		return err
	}
	// LastLogs returns newest first; send chronologically.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		payload, err := json.Marshal(logFrame{
			Type:       "log",
			Timestamp:  e.CreatedAt,
			Level:      e.Level.String(),
			Message:    e.Message,
			Details:    e.Details,
			Historical: true,
		})
		if err != nil {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
		if e.CreatedAt.After(c.replayHorizon) {
			c.replayHorizon = e.CreatedAt
		}
	}
	return nil
}

// writePump is the only goroutine that writes to the socket once tailing
// starts. It drains the send channel, emits keep-alive pings during idle
// periods, and exits when the channel closes.
func (s *Server) writePump(c *subscriber) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	pingPayload, _ := json.Marshal(pingFrame{Type: "ping"})

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			// Duplicate of a replayed line.
			if ev.kind == "log" && !ev.timestamp.After(c.replayHorizon) {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ev.payload); err != nil {
				s.hub.unregister(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}
}

// readPump consumes client messages until the peer goes away. A text "ping"
// gets a "pong" reply, routed through the write pump because the socket
// allows one writer at a time; anything else just refreshes the deadline.
func (s *Server) readPump(c *subscriber) {
	defer s.hub.unregister(c)

	c.conn.SetReadLimit(1024)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadWait))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage && string(data) == "ping" {
			c.enqueue(streamEvent{kind: "pong", payload: []byte("pong")})
		}
	}
}
