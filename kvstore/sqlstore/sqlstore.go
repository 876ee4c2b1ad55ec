// Package sqlstore implements kv.Store over a SQL table, selecting the
// sqlite or postgres driver from the database URL. It is the default KV
// backend the demo binary wires up; TTL is enforced by an expires_at
// column, checked lazily on every read and swept periodically by a
// background goroutine so expired rows do not accumulate between reads.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/fedcore/kv"
)

// Store is a SQL-backed kv.Store.
type Store struct {
	db     *sql.DB
	driver string
	table  string
}

// Options configures Open.
type Options struct {
	// Table is the table name to create/use. Defaults to "fedcore_kv".
	Table string
	// SweepInterval governs the background expired-row sweep. Zero disables
	// the background sweep (lazy per-read expiry still applies).
	SweepInterval time.Duration
}

// Open opens databaseURL (a bare file path or sqlite:// URL selects SQLite;
// postgres://... selects PostgreSQL) and ensures the KV table exists.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
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
				return nil, fmt.Errorf("sqlstore: pragma (%s): %w", pragma, err)
			}
		}
	}

	table := opts.Table
	if table == "" {
		table = "fedcore_kv"
	}

	s := &Store{db: db, driver: driver, table: table}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	if opts.SweepInterval > 0 {
		go s.sweepLoop(ctx, opts.SweepInterval)
	}

	return s, nil
}

func (s *Store) migrate() error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		k          TEXT NOT NULL PRIMARY KEY,
		v          BLOB NOT NULL,
		expires_at INTEGER
	)`, s.table)
	if _, err := s.db.Exec(ddl); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key kv.Key) ([]byte, bool, error) {
	q := fmt.Sprintf(`SELECT v, expires_at FROM %s WHERE k = %s`, s.table, s.ph(1))
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, key.Join("\x1f")).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: get: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key kv.Key, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}

	var q string
	if s.driver == "sqlite" {
		q = fmt.Sprintf(`INSERT INTO %s (k, v, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`, s.table)
	} else {
		q = fmt.Sprintf(`INSERT INTO %s (k, v, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT(k) DO UPDATE SET v = EXCLUDED.v, expires_at = EXCLUDED.expires_at`, s.table)
	}
	_, err := s.db.ExecContext(ctx, q, key.Join("\x1f"), value, expiresAt)
	if err != nil {
		return fmt.Errorf("sqlstore: set: %w", err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key kv.Key) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE k = %s`, s.table, s.ph(1))
	_, err := s.db.ExecContext(ctx, q, key.Join("\x1f"))
	if err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= %s`, s.table, s.ph(1))
			if _, err := s.db.ExecContext(ctx, q, time.Now().Unix()); err != nil {
				slog.Error("sqlstore: expired-row sweep failed", "error", err)
			}
		}
	}
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
