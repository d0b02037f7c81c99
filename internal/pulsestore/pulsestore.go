// Package pulsestore is C9's hourly persistence: an upsert-on-hour
// sqlite table of dual-stream counts/delta and one of per-stream
// uptime seconds, written once per wall-clock hour boundary (spec.md
// §4.6-sibling).
//
// Grounded on original_source monitor/src/storage/sqlite.rs's
// INSERT ... ON CONFLICT(hour) DO UPDATE upsert shape, ported from
// sqlx/Postgres-style placeholders to database/sql + mattn/go-sqlite3
// following kernel/internal/audit/pg_store.go's connection/pragma
// conventions (see internal/durablestore).
package pulsestore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
	"github.com/brightloom/skywatch/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS hourly_stats (
	hour TEXT PRIMARY KEY,
	count_a INTEGER NOT NULL DEFAULT 0,
	count_b INTEGER NOT NULL DEFAULT 0,
	delta INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS hourly_uptime (
	hour TEXT PRIMARY KEY,
	uptime_seconds_a INTEGER NOT NULL DEFAULT 0,
	uptime_seconds_b INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
`

const hourLayout = "2006-01-02 15:00:00"

// HourlyStat is one persisted row of hourly_stats.
type HourlyStat struct {
	Hour   string
	CountA int64
	CountB int64
	Delta  int64
}

// HourlyUptime is one persisted row of hourly_uptime.
type HourlyUptime struct {
	Hour           string
	UptimeSecondsA int64
	UptimeSecondsB int64
}

// Store is the sqlite-backed hourly persistence layer.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens (creating if absent) the sqlite database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "open sqlite db %s", path)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range strings.Split(pragmas, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "apply pragma %q", stmt)
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "apply schema %q", stmt)
		}
	}
	return &Store{db: db, logger: logging.New("pulsestore")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveHourlyStats upserts {hour, count_a, count_b, delta} for the hour
// containing `at` (spec.md: "persist {hour, count_A, count_B, delta}
// ... with upsert-on-hour").
func (s *Store) SaveHourlyStats(ctx context.Context, at time.Time, countA, countB int64) error {
	hour := at.UTC().Format(hourLayout)
	delta := countA - countB
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hourly_stats (hour, count_a, count_b, delta)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hour) DO UPDATE SET
			count_a = excluded.count_a,
			count_b = excluded.count_b,
			delta = excluded.delta,
			updated_at = CURRENT_TIMESTAMP
	`, hour, countA, countB, delta)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "upsert hourly_stats")
	}
	return nil
}

// SaveHourlyUptime upserts {hour, uptime_seconds_a, uptime_seconds_b}
// for the hour containing `at`.
func (s *Store) SaveHourlyUptime(ctx context.Context, at time.Time, uptimeSecondsA, uptimeSecondsB int64) error {
	hour := at.UTC().Format(hourLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hourly_uptime (hour, uptime_seconds_a, uptime_seconds_b)
		VALUES (?, ?, ?)
		ON CONFLICT(hour) DO UPDATE SET
			uptime_seconds_a = excluded.uptime_seconds_a,
			uptime_seconds_b = excluded.uptime_seconds_b,
			updated_at = CURRENT_TIMESTAMP
	`, hour, uptimeSecondsA, uptimeSecondsB)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "upsert hourly_uptime")
	}
	return nil
}

// StatsSince returns every persisted hourly_stats row at or after since.
func (s *Store) StatsSince(ctx context.Context, since time.Time) ([]HourlyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hour, count_a, count_b, delta FROM hourly_stats
		WHERE hour >= ? ORDER BY hour ASC
	`, since.UTC().Format(hourLayout))
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "query hourly_stats")
	}
	defer rows.Close()

	var out []HourlyStat
	for rows.Next() {
		var h HourlyStat
		if err := rows.Scan(&h.Hour, &h.CountA, &h.CountB, &h.Delta); err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "scan hourly_stats row")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
