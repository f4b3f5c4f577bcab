package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresDB struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresDB{db: db}, nil
}

func (p *PostgresDB) Close() error { return p.db.Close() }

func (p *PostgresDB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDB) DBStats() sql.DBStats { return p.db.Stats() }

func (p *PostgresDB) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, pgSchema)
	return err
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS store_snapshots (
	id BIGSERIAL PRIMARY KEY,
	store_version BIGINT NOT NULL,
	raw_size BIGINT NOT NULL,
	data BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_store_snapshots_created ON store_snapshots(created_at);
`

func (p *PostgresDB) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx,
		`INSERT INTO store_snapshots (store_version, raw_size, data, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		int64(rec.StoreVersion), rec.RawSize, rec.Data, rec.CreatedAt.UTC(),
	).Scan(&rec.ID)
}

func (p *PostgresDB) LatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var (
		rec     SnapshotRecord
		version int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, store_version, raw_size, data, created_at FROM store_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&rec.ID, &version, &rec.RawSize, &rec.Data, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	rec.StoreVersion = uint64(version)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (p *PostgresDB) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM store_snapshots WHERE id NOT IN (SELECT id FROM store_snapshots ORDER BY id DESC LIMIT $1)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresDB) SnapshotStats(ctx context.Context) (SnapshotStats, error) {
	var (
		stats     SnapshotStats
		latestID  sql.NullInt64
		version   sql.NullInt64
		createdAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM store_snapshots), s.id, s.store_version, s.created_at
		 FROM (SELECT 1) one LEFT JOIN LATERAL (
			 SELECT id, store_version, created_at FROM store_snapshots ORDER BY id DESC LIMIT 1
		 ) s ON TRUE`,
	).Scan(&stats.Count, &latestID, &version, &createdAt)
	if err != nil {
		return SnapshotStats{}, err
	}
	stats.LatestID = latestID.Int64
	stats.StoreVersion = uint64(version.Int64)
	if createdAt.Valid {
		t := createdAt.Time.UTC()
		stats.LatestAt = &t
	}
	return stats, nil
}
