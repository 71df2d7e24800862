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

package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// INotificationStore is the slice of db.NotificationStore the multiplexer
// needs.
type INotificationStore interface {
	InsertSubscription(ctx context.Context, sub *common.Subscription) error
	DeleteSubscription(ctx context.Context, id int64) error
	SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) error
	ListSubscriptions(ctx context.Context, onlyEnabled bool) ([]common.Subscription, error)
	InsertHistory(ctx context.Context, rec *common.NotificationRecord) error
	ListHistory(ctx context.Context, limit, offset int) ([]common.NotificationRecord, error)
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// sender delivers one rendered notification over one channel.
type sender interface {
	send(ctx context.Context, sub *common.Subscription, subject, message string, vars map[string]string) error
}

const (
	defaultSubjectTpl = "[Weather Flick Batch] $event: $job_type"
	defaultMessageTpl = "Job: $job_id\n" +
		"Type: $job_type\n" +
		"Event: $event\n" +
		"Status: $status\n" +
		"Started: $started_at\n" +
		"Completed: $completed_at\n" +
		"Error: $error_message"

	// webhookTimeout bounds one outbound webhook delivery.
	webhookTimeout = 30 * time.Second
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// NotifierStats counts delivery outcomes since boot.
type NotifierStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Notifier fans lifecycle events and alerts out to subscribed channels. Each
// (channel, subscription) pair is throttled by its own token bucket; a drop
// is counted, never queued. Every job-event delivery, either outcome, lands
// in notification_history.
type Notifier struct {
	store   INotificationStore
	cfg     common.NotifySettings
	logger  common.ILogger
	senders map[common.NotificationChannel]sender

	mu     sync.Mutex
	pacers map[string]common.RatePacer

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	now func() time.Time
}

// NewNotifier wires the three stock senders over the given settings.
func NewNotifier(store INotificationStore, cfg common.NotifySettings, logger common.ILogger) *Notifier {
	if cfg.PerMinuteLimit < 1 {
		cfg.PerMinuteLimit = 60
	}
	httpc := &http.Client{Timeout: webhookTimeout}
	return &Notifier{
		store:  store,
		cfg:    cfg,
		logger: logger,
		senders: map[common.NotificationChannel]sender{
			common.ENotificationChannel.Slack():   &slackSender{cfg: cfg},
			common.ENotificationChannel.Email():   &emailSender{cfg: cfg},
			common.ENotificationChannel.Webhook(): &webhookSender{httpc: httpc},
		},
		pacers: make(map[string]common.RatePacer),
		now:    time.Now,
	}
}

// Close releases the per-subscription buckets.
func (n *Notifier) Close() {
	n.mu.Lock()
	for key, p := range n.pacers {
		_ = p.Close()
		delete(n.pacers, key)
	}
	n.mu.Unlock()
}

// Stats reports delivery counters since boot.
func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{Sent: n.sent.Load(), Failed: n.failed.Load(), Dropped: n.dropped.Load()}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// JobEvent implements INotifier: it renders and delivers one lifecycle event
// to every matching subscription.
func (n *Notifier) JobEvent(ctx context.Context, job *common.Job, event common.NotificationEvent) {
	subs, err := n.store.ListSubscriptions(ctx, true)
	if err != nil {
		n.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("notification fan-out: list subscriptions: %v", err))
		return
	}
	level := event.DefaultLevel()
	vars := eventVariables(job, event, level)
	for i := range subs {
		sub := &subs[i]
		if !subscriptionMatches(sub, job.JobType, event, level) {
			continue
		}
		n.deliver(ctx, sub, job, event, level, vars)
	}
}

// Alert routes a monitor alert through every subscription broad enough to
// take it: enabled, not job-typed, and with a minimum level at or below the
// alert's. Alerts skip the history table, which records job events only.
func (n *Notifier) Alert(ctx context.Context, alert *common.Alert) {
	subs, err := n.store.ListSubscriptions(ctx, true)
	if err != nil {
		n.logger.Log(common.ELogLevel.Error(), fmt.Sprintf("alert fan-out: list subscriptions: %v", err))
		return
	}
	subject := fmt.Sprintf("[Weather Flick Alert] %s: %s", alert.Level, alert.Title)
	message := alert.Message
	vars := map[string]string{
		"job_id":        "N/A",
		"job_type":      alert.Component.String(),
		"event":         "alert",
		"level":         alert.Level.String(),
		"status":        "N/A",
		"started_at":    "N/A",
		"completed_at":  "N/A",
		"error_message": alert.Message,
	}
	for i := range subs {
		sub := &subs[i]
		if sub.JobType != nil || alert.Level < sub.MinLevel {
			continue
		}
		snd, ok := n.senders[sub.Channel]
		if !ok {
			continue
		}
		if !n.allow(sub) {
			n.dropped.Add(1)
			continue
		}
		if err := snd.send(ctx, sub, subject, message, vars); err != nil {
			n.failed.Add(1)
			n.logger.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("alert %s not delivered over %s: %v", alert.ID, sub.Channel, err))
			continue
		}
		n.sent.Add(1)
	}
}

func (n *Notifier) deliver(ctx context.Context, sub *common.Subscription, job *common.Job,
	event common.NotificationEvent, level common.AlertLevel, vars map[string]string) {
	snd, ok := n.senders[sub.Channel]
	if !ok {
		n.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("subscription %d uses unknown channel %s", sub.ID, sub.Channel))
		return
	}
	if !n.allow(sub) {
		n.dropped.Add(1)
		return
	}
	subject := renderTemplate(templateOr(sub.Config, "subject_template", defaultSubjectTpl), vars)
	message := renderTemplate(templateOr(sub.Config, "message_template", defaultMessageTpl), vars)

	err := snd.send(ctx, sub, subject, message, vars)
	rec := &common.NotificationRecord{
		JobID:     job.ID,
		JobType:   job.JobType,
		Event:     event,
		Channel:   sub.Channel,
		Recipient: sub.Recipient,
		Subject:   subject,
		Message:   message,
		Level:     level,
		Success:   err == nil,
		SentAt:    n.now(),
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
		n.failed.Add(1)
		n.logger.Log(common.ELogLevel.Warning(),
			fmt.Sprintf("%s notification for job %s not delivered: %v", sub.Channel, job.ID, err))
	} else {
		n.sent.Add(1)
	}
	if herr := n.store.InsertHistory(ctx, rec); herr != nil {
		n.logger.Log(common.ELogLevel.Warning(), fmt.Sprintf("persist notification history: %v", herr))
	}
}

// allow checks the (channel, subscription) bucket without blocking.
func (n *Notifier) allow(sub *common.Subscription) bool {
	key := sub.Channel.String() + ":" + strconv.FormatInt(sub.ID, 10)
	n.mu.Lock()
	p, ok := n.pacers[key]
	if !ok {
		p = common.NewRatePacer(int64(n.cfg.PerMinuteLimit))
		n.pacers[key] = p
	}
	n.mu.Unlock()
	return p.TryProceed()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func subscriptionMatches(sub *common.Subscription, jobType common.JobType,
	event common.NotificationEvent, level common.AlertLevel) bool {
	if !sub.Enabled {
		return false
	}
	if sub.JobType != nil && *sub.JobType != jobType {
		return false
	}
	if !sub.Events.Contains(event) {
		return false
	}
	return level >= sub.MinLevel
}

// eventVariables builds the substitution set for one event. Absent values
// render as N/A rather than empty so templates stay readable.
func eventVariables(job *common.Job, event common.NotificationEvent, level common.AlertLevel) map[string]string {
	const stamp = "2006-01-02 15:04:05"
	vars := map[string]string{
		"job_id":        job.ID.String(),
		"job_type":      job.JobType.String(),
		"status":        job.Status.String(),
		"event":         event.String(),
		"level":         level.String(),
		"started_at":    "N/A",
		"completed_at":  "N/A",
		"error_message": "N/A",
	}
	if job.StartedAt != nil {
		vars["started_at"] = job.StartedAt.Format(stamp)
	}
	if job.CompletedAt != nil {
		vars["completed_at"] = job.CompletedAt.Format(stamp)
	}
	if job.ErrorMessage != "" {
		vars["error_message"] = job.ErrorMessage
	}
	return vars
}

// renderTemplate expands $variable references; unknown names render as N/A.
func renderTemplate(tpl string, vars map[string]string) string {
	return os.Expand(tpl, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "N/A"
	})
}

func templateOr(bag common.OpaqueBag, key, fallback string) string {
	if v, ok := bag[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringFromBag(bag common.OpaqueBag, key string) string {
	v, _ := bag[key].(string)
	return v
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type slackSender struct {
	cfg common.NotifySettings
}

func (s *slackSender) send(ctx context.Context, sub *common.Subscription,
	subject, message string, _ map[string]string) error {
	webhookURL := stringFromBag(sub.Config, "webhook_url")
	if webhookURL == "" {
		webhookURL = s.cfg.SlackWebhookURL
	}
	if webhookURL == "" {
		return common.KindErrorf(common.EErrorKind.Config(), "no slack webhook configured")
	}
	channel := stringFromBag(sub.Config, "channel")
	if channel == "" {
		channel = s.cfg.SlackChannel
	}
	return slack.PostWebhookContext(ctx, webhookURL, &slack.WebhookMessage{
		Username:  "Weather Flick Batch",
		IconEmoji: ":robot_face:",
		Channel:   channel,
		Text:      subject + "\n" + message,
	})
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type emailSender struct {
	cfg common.NotifySettings
}

func (s *emailSender) send(ctx context.Context, sub *common.Subscription,
	subject, message string, _ map[string]string) error {
	if s.cfg.SMTPHost == "" {
		return common.KindErrorf(common.EErrorKind.Config(), "no SMTP host configured")
	}
	recipients := splitRecipients(sub.Recipient)
	if len(recipients) == 0 {
		recipients = s.cfg.AdminEmails
	}
	if len(recipients) == 0 {
		return common.KindErrorf(common.EErrorKind.Config(), "no email recipients configured")
	}

	addr := net.JoinHostPort(s.cfg.SMTPHost, strconv.Itoa(s.cfg.SMTPPort))
	d := net.Dialer{Timeout: webhookTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	client, err := smtp.NewClient(conn, s.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.SMTPHost}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.SMTPUsername != "" {
		auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.cfg.SMTPFrom); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(buildMIME(s.cfg.SMTPFrom, recipients, subject, message)); err != nil {
		return fmt.Errorf("smtp body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp finish: %w", err)
	}
	return client.Quit()
}

func splitRecipients(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildMIME(from string, to []string, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type webhookSender struct {
	httpc *http.Client
}

// webhookDelivered are the status codes counted as delivered.
var webhookDelivered = map[int]bool{
	http.StatusOK:        true,
	http.StatusCreated:   true,
	http.StatusAccepted:  true,
	http.StatusNoContent: true,
}

func (w *webhookSender) send(ctx context.Context, sub *common.Subscription,
	subject, message string, vars map[string]string) error {
	target := stringFromBag(sub.Config, "url")
	if target == "" {
		target = sub.Recipient
	}
	if target == "" {
		return common.KindErrorf(common.EErrorKind.Config(), "no webhook url configured")
	}
	method := strings.ToUpper(stringFromBag(sub.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	payload := map[string]interface{}{
		"job_id":        vars["job_id"],
		"job_type":      vars["job_type"],
		"event":         vars["event"],
		"level":         vars["level"],
		"status":        vars["status"],
		"error_message": vars["error_message"],
		"subject":       subject,
		"message":       message,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := sub.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	resp, err := w.httpc.Do(req)
	if err != nil {
		return common.WithKind(common.EErrorKind.Transport(), err)
	}
	defer resp.Body.Close()
	if !webhookDelivered[resp.StatusCode] {
		return common.KindErrorf(common.EErrorKind.Transport(), "webhook answered %d", resp.StatusCode)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Subscription CRUD and history passthroughs for the admin surface.

func (n *Notifier) CreateSubscription(ctx context.Context, sub *common.Subscription) error {
	if _, ok := n.senders[sub.Channel]; !ok {
		return common.KindErrorf(common.EErrorKind.Config(), "unknown channel %s", sub.Channel)
	}
	if sub.Config == nil {
		sub.Config = common.OpaqueBag{}
	}
	sub.CreatedAt = n.now()
	return n.store.InsertSubscription(ctx, sub)
}

func (n *Notifier) DeleteSubscription(ctx context.Context, id int64) error {
	return n.store.DeleteSubscription(ctx, id)
}

func (n *Notifier) SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) error {
	return n.store.SetSubscriptionEnabled(ctx, id, enabled)
}

func (n *Notifier) Subscriptions(ctx context.Context, onlyEnabled bool) ([]common.Subscription, error) {
	return n.store.ListSubscriptions(ctx, onlyEnabled)
}

func (n *Notifier) History(ctx context.Context, limit, offset int) ([]common.NotificationRecord, error) {
	return n.store.ListHistory(ctx, limit, offset)
}

// TestSubscription sends a synthetic event through one subscription so
// operators can verify a channel end to end.
func (n *Notifier) TestSubscription(ctx context.Context, id int64) error {
	subs, err := n.store.ListSubscriptions(ctx, false)
	if err != nil {
		return err
	}
	for i := range subs {
		if subs[i].ID != id {
			continue
		}
		sub := &subs[i]
		snd, ok := n.senders[sub.Channel]
		if !ok {
			return common.KindErrorf(common.EErrorKind.Config(), "unknown channel %s", sub.Channel)
		}
		vars := map[string]string{
			"job_id": "00000000-0000-0000-0000-000000000000", "job_type": "TEST",
			"event": "test", "level": common.EAlertLevel.Info().String(), "status": "N/A",
			"started_at": "N/A", "completed_at": "N/A", "error_message": "N/A",
		}
		return snd.send(ctx, sub, "[Weather Flick Batch] test notification",
			"This is a test notification; delivery works.", vars)
	}
	return db.ErrNotFound
}
