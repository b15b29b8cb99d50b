// Package storetest opens sqlite-backed stores with the production schema for package tests.
package storetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		credits_balance INTEGER NOT NULL DEFAULT 0,
		subscription_status TEXT NOT NULL DEFAULT 'none',
		subscription_id TEXT,
		subscription_price_id TEXT,
		subscription_period_end DATETIME,
		subscription_updated_at DATETIME,
		songs_generated INTEGER NOT NULL DEFAULT 0,
		songs_failed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE generation_requests (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		payment_type TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		generation_started BOOLEAN NOT NULL DEFAULT 0,
		generation_started_at DATETIME,
		task_id INTEGER,
		refunded_as_credit BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		input TEXT,
		checkout_session_id TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE tasks (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL UNIQUE,
		external_id TEXT NOT NULL,
		external_status TEXT NOT NULL,
		external_status_rank INTEGER NOT NULL DEFAULT 0,
		song_id INTEGER,
		poll_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE task_statuses (
		task_id INTEGER PRIMARY KEY,
		request_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		lyrics TEXT NOT NULL DEFAULT '',
		input TEXT,
		song_ids TEXT,
		error TEXT,
		stats_already_updated BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE songs (
		id INTEGER PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		task_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		api_data TEXT,
		audio_url TEXT,
		storage_bucket TEXT,
		storage_path TEXT,
		storage_url TEXT,
		storage_size INTEGER,
		storage_content_type TEXT,
		stored_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE generation_views (
		request_id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		payment_type TEXT NOT NULL DEFAULT '',
		payment_status TEXT NOT NULL DEFAULT '',
		generation_started BOOLEAN NOT NULL DEFAULT 0,
		refunded_as_credit BOOLEAN NOT NULL DEFAULT 0,
		error TEXT,
		title TEXT NOT NULL DEFAULT '',
		request_updated_at DATETIME,
		task_id INTEGER,
		status TEXT NOT NULL DEFAULT '',
		lyrics TEXT NOT NULL DEFAULT '',
		song_ids TEXT,
		status_updated_at DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE generation_view_songs (
		song_id INTEGER PRIMARY KEY,
		request_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		audio_url TEXT NOT NULL DEFAULT '',
		stream_audio_url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL DEFAULT 0,
		storage_url TEXT NOT NULL DEFAULT '',
		updated_at DATETIME
	)`,
	`CREATE TABLE change_events (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL DEFAULT 0,
		op TEXT NOT NULL,
		changed TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME NOT NULL,
		locked_at DATETIME,
		locked_by TEXT,
		last_error TEXT,
		created_at DATETIME,
		delivered_at DATETIME
	)`,
	`CREATE TABLE queue_tasks (
		id INTEGER PRIMARY KEY,
		task_type TEXT NOT NULL,
		payload TEXT,
		dedupe_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		min_backoff_ms INTEGER NOT NULL DEFAULT 0,
		max_backoff_ms INTEGER NOT NULL DEFAULT 0,
		dispatch_deadline_ms INTEGER NOT NULL DEFAULT 0,
		max_concurrent INTEGER NOT NULL DEFAULT 0,
		max_per_second REAL NOT NULL DEFAULT 0,
		run_at DATETIME NOT NULL,
		lease_until DATETIME,
		locked_by TEXT,
		last_error TEXT,
		exhausted BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME,
		finished_at DATETIME
	)`,
	`CREATE TABLE credit_ledger_entries (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		created_at DATETIME,
		UNIQUE (user_id, source_type, source_id)
	)`,
	`CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		received_at DATETIME,
		processed_at DATETIME,
		UNIQUE (provider, provider_event_id)
	)`,
	`CREATE TABLE daily_stats (
		day TEXT PRIMARY KEY,
		songs_completed INTEGER NOT NULL DEFAULT 0,
		songs_failed INTEGER NOT NULL DEFAULT 0
	)`,
}

// Open returns a fresh shared in-memory database with every pipeline table.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:songforge_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	stripRowLocks(db)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// stripRowLocks removes FOR UPDATE clauses sqlite cannot parse.
func stripRowLocks(db *gorm.DB) {
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if !strings.Contains(sql, "FOR UPDATE") {
			return
		}
		sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(sql)
	}
	_ = db.Callback().Query().Before("gorm:query").Register("storetest:strip_locks", strip)
	_ = db.Callback().Row().Before("gorm:row").Register("storetest:strip_locks_row", strip)
}

// SeedUser inserts a user with the given balance and subscription status.
func SeedUser(t testing.TB, db *gorm.DB, id int64, credits int, subscription string) {
	t.Helper()
	now := time.Now().UTC()
	if err := db.Exec(
		`INSERT INTO users (id, email, credits_balance, subscription_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, fmt.Sprintf("user%d@example.com", id), credits, subscription, now, now,
	).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

// Count returns the number of rows matching where.
func Count(t testing.TB, db *gorm.DB, table, where string, args ...any) int64 {
	t.Helper()
	var count int64
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

// Balance returns the credit balance of a user.
func Balance(t testing.TB, db *gorm.DB, userID int64) int {
	t.Helper()
	var balance int
	if err := db.Raw(`SELECT credits_balance FROM users WHERE id = ?`, userID).Scan(&balance).Error; err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

// Insert creates each row as is.
func Insert(t testing.TB, db *gorm.DB, rows ...any) {
	t.Helper()
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("insert %T: %v", row, err)
		}
	}
}
