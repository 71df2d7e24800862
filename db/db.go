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

// Package db holds the Postgres access layer: one store type per table group,
// plus connection setup and embedded schema migrations. Stores return plain
// entities from package common; they carry no business rules.
package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// ErrNotFound is returned by Get-style lookups when no row matches. It is
// deliberately not a Database-kind error: a missing row is an answer, not a
// failure to ask.
var ErrNotFound = errors.New("not found")

const connectTimeout = 10 * time.Second

// Connect opens the pool and verifies it with a ping.
func Connect(ctx context.Context, cfg common.DatabaseSettings) (*sqlx.DB, error) {
	dbx, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, wrapDB(err, "open database")
	}
	dbx.SetMaxOpenConns(cfg.MaxOpenConns)
	dbx.SetMaxIdleConns(cfg.MaxIdleConns)
	dbx.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, wrapDB(err, "ping database")
	}
	return dbx, nil
}

// Ping is the health probe used by the monitor loop. It runs SELECT 1 rather
// than driver-level ping so a wedged backend is caught too.
func Ping(ctx context.Context, dbx *sqlx.DB) error {
	var one int
	if err := dbx.GetContext(ctx, &one, `SELECT 1`); err != nil {
		return wrapDB(err, "database probe")
	}
	return nil
}

// wrapDB marks an error as Database-kind so the retry bridge treats store
// failures as transient.
func wrapDB(err error, msg string) error {
	if err == nil {
		return nil
	}
	return common.WithKind(common.EErrorKind.Database(), errors.Wrap(err, msg))
}

// notFoundOr maps sql.ErrNoRows onto ErrNotFound and wraps anything else.
func notFoundOr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return wrapDB(err, msg)
}
