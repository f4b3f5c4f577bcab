package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and foreign keys
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error { return s.db.Close() }

func (s *SQLiteDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDB) DBStats() sql.DBStats { return s.db.Stats() }

func (s *SQLiteDB) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS store_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	store_version INTEGER NOT NULL,
	raw_size INTEGER NOT NULL,
	data BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_store_snapshots_created ON store_snapshots(created_at);
`

func (s *SQLiteDB) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO store_snapshots (store_version, raw_size, data, created_at) VALUES (?, ?, ?, ?)`,
		int64(rec.StoreVersion), rec.RawSize, rec.Data, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

func (s *SQLiteDB) LatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var (
		rec       SnapshotRecord
		version   int64
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, store_version, raw_size, data, created_at FROM store_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&rec.ID, &version, &rec.RawSize, &rec.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	rec.StoreVersion = uint64(version)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse snapshot created_at: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteDB) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM store_snapshots WHERE id NOT IN (SELECT id FROM store_snapshots ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteDB) SnapshotStats(ctx context.Context) (SnapshotStats, error) {
	var stats SnapshotStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM store_snapshots`).Scan(&stats.Count); err != nil {
		return SnapshotStats{}, err
	}
	if stats.Count == 0 {
		return stats, nil
	}
	var (
		version   int64
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, store_version, created_at FROM store_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&stats.LatestID, &version, &createdAt)
	if err != nil {
		return SnapshotStats{}, err
	}
	stats.StoreVersion = uint64(version)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		stats.LatestAt = &t
	}
	return stats, nil
}
