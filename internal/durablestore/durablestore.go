// Package durablestore implements the durable local store side of C7
// (spec.md §4.7, §6): a sqlite-backed table of enriched records with
// chunked transactional inserts and periodic size/age-based cleanup.
//
// Grounded on kernel/internal/audit/pg_store.go's chunked-insert and
// cleanup shape, ported from Postgres to mattn/go-sqlite3, and on
// kernel/internal/audit/s3_archiver.go for the optional cold-archive
// hook invoked before rows are pruned.
package durablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
	"github.com/brightloom/skywatch/internal/logging"
	"github.com/brightloom/skywatch/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	record_uuid TEXT NOT NULL,
	canonical_uri TEXT NOT NULL,
	actor TEXT NOT NULL,
	time_us INTEGER NOT NULL,
	message TEXT NOT NULL,
	metadata TEXT,
	created_at TEXT NOT NULL,
	hydrated_at TEXT NOT NULL,
	elapsed_ms INTEGER,
	api_calls INTEGER,
	hit_rate REAL,
	hits INTEGER,
	misses INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_records_record_uuid ON records(record_uuid);
CREATE INDEX IF NOT EXISTS idx_records_canonical_uri ON records(canonical_uri);
CREATE INDEX IF NOT EXISTS idx_records_actor ON records(actor);
CREATE INDEX IF NOT EXISTS idx_records_time_us ON records(time_us);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
`

const pragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA cache_size=-65536;
PRAGMA temp_store=MEMORY;
PRAGMA mmap_size=268435456;
`

// recordsPerChunk bounds how many rows each insert transaction holds.
// Rows are inserted one at a time through a prepared statement binding
// 13 params, so no single statement nears sqlite's default
// SQLITE_MAX_VARIABLE_NUMBER of 999.
const recordsPerChunk = 80

// Archiver cold-archives a record before it is pruned by cleanup;
// cmd/hydrator wires an S3-backed implementation when an archive
// bucket is configured, or leaves this nil to skip archival entirely.
type Archiver interface {
	Archive(ctx context.Context, row Row) error
}

// Row is a persisted record, returned by cleanup candidates so an
// Archiver can act on it before deletion. UUID is the row's surrogate
// identity, distinct from the autoincrement id, suitable for exposing
// to external systems (e.g. an Archiver's cold-storage key) without
// leaking the internal sequence.
type Row struct {
	ID           int64
	UUID         uuid.UUID
	CanonicalURI string
	Actor        string
	Message      []byte
	CreatedAt    time.Time
}

// Store is the sqlite-backed durable store.
type Store struct {
	db       *sql.DB
	path     string
	archiver Archiver
	logger   *logging.Logger
}

// Open opens (creating if absent) the sqlite database at path, applies
// the performance pragmas, and ensures the schema exists.
func Open(ctx context.Context, path string, archiver Archiver) (*Store, error) {
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
	return &Store{db: db, path: path, archiver: archiver, logger: logging.New("durablestore")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// StoreBatch persists records, internally chunked to respect
// parameter-count limits, each chunk wrapped in a transaction
// (spec.md §4.7). Returns the assigned row identifiers in input order.
func (s *Store) StoreBatch(ctx context.Context, records []models.EnrichedRecord) ([]int64, error) {
	ids := make([]int64, 0, len(records))
	for start := 0; start < len(records); start += recordsPerChunk {
		end := start + recordsPerChunk
		if end > len(records) {
			end = len(records)
		}
		chunkIDs, err := s.storeChunk(ctx, records[start:end])
		if err != nil {
			return ids, err
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

func (s *Store) storeChunk(ctx context.Context, records []models.EnrichedRecord) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records
			(record_uuid, canonical_uri, actor, time_us, message, metadata, created_at, hydrated_at, elapsed_ms, api_calls, hit_rate, hits, misses)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "prepare insert")
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		uri, _ := rec.Original.CanonicalURI()
		message, err := json.Marshal(rec.Original)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "marshal event")
		}
		metadata, err := json.Marshal(rec.Hydrated)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "marshal hydrated metadata")
		}
		res, err := stmt.ExecContext(ctx, uuid.NewString(), uri, rec.Original.Actor, rec.Original.TimeUs,
			string(message), string(metadata), time.Now().UTC().Format(time.RFC3339),
			rec.ProcessedAt.UTC().Format(time.RFC3339), rec.Metrics.ElapsedMs, rec.Metrics.APICalls,
			rec.Metrics.HitRate, rec.Metrics.CacheHits, rec.Metrics.CacheMisses)
		if err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "insert record")
		}
		id, _ := res.LastInsertId()
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "commit tx")
	}
	return ids, nil
}

// Count returns the current row count, used by tests and cleanup.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

// SizeBytes measures the on-disk database size. sqlite keeps the
// primary file plus WAL/SHM segments; stat-ing the main file is
// sufficient for the size-based cleanup trigger since WAL is
// periodically checkpointed.
func (s *Store) SizeBytes() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// CleanupWithVacuum enforces size-based and age-based retention
// (spec.md §4.7): for up to three passes while the database exceeds
// maxSizeBytes, records older than the current retention window are
// archived (if an Archiver is configured) then deleted, and the window
// is halved for the next pass (the first pass uses retentionDays
// itself); finally the database is compacted with VACUUM.
func (s *Store) CleanupWithVacuum(ctx context.Context, retentionDays int, maxSizeBytes int64) error {
	retention := retentionDays
	for iteration := 0; iteration < 3; iteration++ {
		size, err := s.SizeBytes()
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "stat db size")
		}
		if size <= maxSizeBytes {
			break
		}
		if err := s.pruneOlderThan(ctx, retention); err != nil {
			return err
		}
		retention /= 2
		if retention < 1 {
			retention = 1
		}
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "vacuum")
	}
	return nil
}

func (s *Store) pruneOlderThan(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	if s.archiver != nil {
		rows, err := s.db.QueryContext(ctx, "SELECT id, record_uuid, canonical_uri, actor, message, created_at FROM records WHERE created_at < ?", cutoff)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "select cleanup candidates")
		}
		var candidates []Row
		for rows.Next() {
			var r Row
			var recordUUID, message, createdAt string
			if err := rows.Scan(&r.ID, &recordUUID, &r.CanonicalURI, &r.Actor, &message, &createdAt); err != nil {
				rows.Close()
				return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "scan cleanup candidate")
			}
			r.UUID, _ = uuid.Parse(recordUUID)
			r.Message = []byte(message)
			r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
			candidates = append(candidates, r)
		}
		rows.Close()
		for _, r := range candidates {
			if err := s.archiver.Archive(ctx, r); err != nil {
				s.logger.Printf("archive row %d failed, pruning anyway: %v", r.ID, err)
			}
		}
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE created_at < ?", cutoff); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.KindDurableStore, err, "delete aged records")
	}
	return nil
}
