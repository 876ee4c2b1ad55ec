// Package sqlqueue implements mq.Queue over a durable SQL table: each
// enqueued message gets a run_after timestamp and an attempt counter,
// polled by a ticker and dispatched across a fixed worker pool keyed by
// CRC32(payload). Only byte-identical payloads are sure to share a worker;
// a message re-enqueued with different bytes (such as a sender pipeline
// retry, whose attempt counter has changed) may land on any worker, so no
// order is kept between such messages.
package sqlqueue

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/fedcore/mq"
)

// Queue is a SQL-backed mq.Queue.
type Queue struct {
	db     *sql.DB
	driver string
	table  string

	pollInterval time.Duration
	workers      int
	maxAttempts  int
}

// Options configures Open.
type Options struct {
	Table        string        // default "fedcore_queue"
	PollInterval time.Duration // default 1s
	Workers      int           // default 4
	// MaxAttempts bounds how many times a message already failed by this
	// queue's own tracking is retried before being dropped; the sender
	// pipeline's backoff/attempt bookkeeping is layered on top of this and
	// is the one callers should rely on for the outbox's retry schedule.
	// Default 0 disables this secondary cap.
	MaxAttempts int
}

// Open opens databaseURL (sqlite file path, sqlite://, or postgres://) and
// ensures the queue table exists.
func Open(ctx context.Context, databaseURL string, opts Options) (*Queue, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlqueue: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlqueue: ping: %w", err)
	}
	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlqueue: pragma (%s): %w", pragma, err)
			}
		}
	}

	table := opts.Table
	if table == "" {
		table = "fedcore_queue"
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	q := &Queue{
		db:           db,
		driver:       driver,
		table:        table,
		pollInterval: pollInterval,
		workers:      workers,
		maxAttempts:  opts.MaxAttempts,
	}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate() error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		payload    BLOB NOT NULL,
		run_after  INTEGER NOT NULL,
		attempt    INTEGER NOT NULL DEFAULT 0,
		claimed    INTEGER NOT NULL DEFAULT 0
	)`, q.table)
	if q.driver == "postgres" {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         BIGSERIAL PRIMARY KEY,
			payload    BYTEA NOT NULL,
			run_after  BIGINT NOT NULL,
			attempt    INTEGER NOT NULL DEFAULT 0,
			claimed    INTEGER NOT NULL DEFAULT 0
		)`, q.table)
	}
	if _, err := q.db.Exec(ddl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("sqlqueue: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue implements mq.Queue.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	runAfter := time.Now().Add(delay).Unix()
	var insert string
	if q.driver == "sqlite" {
		insert = fmt.Sprintf(`INSERT INTO %s (payload, run_after) VALUES (?, ?)`, q.table)
	} else {
		insert = fmt.Sprintf(`INSERT INTO %s (payload, run_after) VALUES ($1, $2)`, q.table)
	}
	if _, err := q.db.ExecContext(ctx, insert, payload, runAfter); err != nil {
		return fmt.Errorf("sqlqueue: enqueue: %w", err)
	}
	return nil
}

// Listen implements mq.Queue: polls for due messages on a ticker and fans
// them out to q.workers goroutines, sharded by CRC32(payload): byte-identical
// payloads run on one worker, differing payloads may run concurrently.
func (q *Queue) Listen(ctx context.Context, handler mq.Handler) error {
	shards := make([]chan queuedMessage, q.workers)
	for i := range shards {
		shards[i] = make(chan queuedMessage, 32)
		go q.runWorker(ctx, shards[i], handler)
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := q.dispatchDue(ctx, shards); err != nil {
				slog.Error("sqlqueue: poll failed", "error", err)
			}
		}
	}
}

type queuedMessage struct {
	id      int64
	payload []byte
	attempt int
}

func (q *Queue) dispatchDue(ctx context.Context, shards []chan queuedMessage) error {
	now := time.Now().Unix()
	selectQ := fmt.Sprintf(`SELECT id, payload, attempt FROM %s WHERE run_after <= %s AND claimed = 0 LIMIT 256`, q.table, q.ph(1))
	rows, err := q.db.QueryContext(ctx, selectQ, now)
	if err != nil {
		return fmt.Errorf("sqlqueue: select due: %w", err)
	}
	defer rows.Close()

	var msgs []queuedMessage
	for rows.Next() {
		var m queuedMessage
		if err := rows.Scan(&m.id, &m.payload, &m.attempt); err != nil {
			slog.Error("sqlqueue: scan due row failed", "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range msgs {
		if q.maxAttempts > 0 && m.attempt >= q.maxAttempts {
			slog.Warn("sqlqueue: dropping message past the attempt cap", "id", m.id, "attempt", m.attempt)
			q.delete(ctx, m.id)
			continue
		}
		claimQ := fmt.Sprintf(`UPDATE %s SET claimed = 1 WHERE id = %s AND claimed = 0`, q.table, q.ph(1))
		res, err := q.db.ExecContext(ctx, claimQ, m.id)
		if err != nil {
			slog.Error("sqlqueue: claim failed", "id", m.id, "error", err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // claimed by a racing poll already
		}
		shard := crc32.ChecksumIEEE(m.payload) % uint32(len(shards))
		shards[shard] <- m
	}
	return nil
}

// retryBackoff is the fixed requeue interval for a transiently failed
// handler call; the sender pipeline layers its own schedule on top via
// delay at Enqueue time, so this only needs to cover "try again shortly".
const retryBackoff = 30 * time.Second

func (q *Queue) runWorker(ctx context.Context, in <-chan queuedMessage, handler mq.Handler) {
	for m := range in {
		err := handler(ctx, mq.Message{ID: fmt.Sprint(m.id), Payload: m.payload})
		switch {
		case err == nil:
			q.delete(ctx, m.id)
		case mq.IsTransient(err):
			slog.Debug("sqlqueue: transient handler failure, rescheduling", "id", m.id, "error", err)
			q.release(ctx, m.id, retryBackoff)
		default:
			slog.Error("sqlqueue: handler failed, dropping", "id", m.id, "error", err)
			q.delete(ctx, m.id)
		}
	}
}

func (q *Queue) delete(ctx context.Context, id int64) {
	deleteQ := fmt.Sprintf(`DELETE FROM %s WHERE id = %s`, q.table, q.ph(1))
	if _, err := q.db.ExecContext(ctx, deleteQ, id); err != nil {
		slog.Error("sqlqueue: delete completed message failed", "id", id, "error", err)
	}
}

// release unclaims a message and pushes its run_after out by backoff, so a
// later poll picks it up again instead of it being stuck claimed forever.
func (q *Queue) release(ctx context.Context, id int64, backoff time.Duration) {
	updateQ := fmt.Sprintf(`UPDATE %s SET claimed = 0, attempt = attempt + 1, run_after = %s WHERE id = %s`,
		q.table, q.ph(1), q.ph(2))
	runAfter := time.Now().Add(backoff).Unix()
	if _, err := q.db.ExecContext(ctx, updateQ, runAfter, id); err != nil {
		slog.Error("sqlqueue: release failed", "id", id, "error", err)
	}
}

func (q *Queue) ph(n int) string {
	if q.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}
