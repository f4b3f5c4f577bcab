package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/forgesim/internal/config"
)

// ErrNoSnapshot is returned by LatestSnapshot when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotRecord is one persisted copy of the store. Data holds the
// compressed document produced by EncodeSnapshot.
type SnapshotRecord struct {
	ID           int64     `json:"id"`
	StoreVersion uint64    `json:"store_version"`
	RawSize      int64     `json:"raw_size"`
	Data         []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// SnapshotStats summarizes the snapshots table for health endpoints.
type SnapshotStats struct {
	Count        int64      `json:"count"`
	LatestID     int64      `json:"latest_id"`
	LatestAt     *time.Time `json:"latest_at,omitempty"`
	StoreVersion uint64     `json:"store_version"`
}

// DB defines the persistence interface. Implemented by SQLite and PostgreSQL backends.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error
	LatestSnapshot(ctx context.Context) (*SnapshotRecord, error)
	// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
	SnapshotStats(ctx context.Context) (SnapshotStats, error)
	DBStats() sql.DBStats
}

// Open returns the backend selected by cfg. The memory driver has no
// backend and yields (nil, nil).
func Open(cfg config.DatabaseConfig) (DB, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return nil, nil
	case config.DriverSQLite:
		db, err := OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverPostgres:
		db, err := OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}
