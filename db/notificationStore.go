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

package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// NotificationStore persists subscriptions and the delivery history.
type NotificationStore struct {
	db *sqlx.DB
}

func NewNotificationStore(dbx *sqlx.DB) *NotificationStore {
	return &NotificationStore{db: dbx}
}

const subscriptionColumns = `id, job_type, channel, events, recipient, config,
	min_level, enabled, created_at`

func (s *NotificationStore) InsertSubscription(ctx context.Context, sub *common.Subscription) error {
	stmt, err := s.db.PrepareNamedContext(ctx, `
		INSERT INTO notification_subscriptions (job_type, channel, events, recipient,
			config, min_level, enabled, created_at)
		VALUES (:job_type, :channel, :events, :recipient,
			:config, :min_level, :enabled, :created_at)
		RETURNING id`)
	if err != nil {
		return wrapDB(err, "prepare insert subscription")
	}
	defer stmt.Close()
	if err := stmt.GetContext(ctx, &sub.ID, sub); err != nil {
		return wrapDB(err, "insert subscription")
	}
	return nil
}

func (s *NotificationStore) DeleteSubscription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_subscriptions WHERE id = $1`, id)
	if err != nil {
		return wrapDB(err, "delete subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NotificationStore) SetSubscriptionEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_subscriptions SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return wrapDB(err, "toggle subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NotificationStore) ListSubscriptions(ctx context.Context, onlyEnabled bool) ([]common.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM notification_subscriptions`
	if onlyEnabled {
		query += ` WHERE enabled = true`
	}
	query += ` ORDER BY id`

	subs := []common.Subscription{}
	err := s.db.SelectContext(ctx, &subs, query)
	return subs, wrapDB(err, "list subscriptions")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (s *NotificationStore) InsertHistory(ctx context.Context, rec *common.NotificationRecord) error {
	stmt, err := s.db.PrepareNamedContext(ctx, `
		INSERT INTO notification_history (job_id, job_type, event, channel, recipient,
			subject, message, level, success, error_message, sent_at)
		VALUES (:job_id, :job_type, :event, :channel, :recipient,
			:subject, :message, :level, :success, :error_message, :sent_at)
		RETURNING id`)
	if err != nil {
		return wrapDB(err, "prepare insert notification history")
	}
	defer stmt.Close()
	if err := stmt.GetContext(ctx, &rec.ID, rec); err != nil {
		return wrapDB(err, "insert notification history")
	}
	return nil
}

func (s *NotificationStore) ListHistory(ctx context.Context, limit, offset int) ([]common.NotificationRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	recs := []common.NotificationRecord{}
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, job_id, job_type, event, channel, recipient, subject, message,
			level, success, error_message, sent_at
		FROM notification_history ORDER BY sent_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	return recs, wrapDB(err, "list notification history")
}

func (s *NotificationStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_history WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, wrapDB(err, "delete old notification history")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
