package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odvcencio/forgesim/internal/database"
	"github.com/odvcencio/forgesim/internal/storage"
	"github.com/odvcencio/forgesim/internal/store"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultKeep          = 5
)

// SnapshotSink persists store snapshots. database.DB satisfies it.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, rec *database.SnapshotRecord) error
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

type FlusherOptions struct {
	Interval time.Duration
	// Keep is how many snapshots survive pruning after each save.
	Keep int
	// Archive, when set, receives a copy of every saved snapshot. Archive
	// failures are logged and never fail the flush.
	Archive *storage.Archive
	Logger  *slog.Logger
}

// Flusher periodically writes the store to a SnapshotSink whenever its
// version has moved since the last successful save. Stop performs a final
// flush so a clean shutdown loses nothing.
type Flusher struct {
	st       *store.Store
	sink     SnapshotSink
	interval time.Duration
	keep     int
	archive  *storage.Archive
	logger   *slog.Logger

	flushMu sync.Mutex
	saved   uint64
	hasSave bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewFlusher(st *store.Store, sink SnapshotSink, opts FlusherOptions) *Flusher {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	keep := opts.Keep
	if keep <= 0 {
		keep = defaultKeep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		st:       st,
		sink:     sink,
		interval: interval,
		keep:     keep,
		archive:  opts.Archive,
		logger:   logger,
	}
}

// MarkSaved records version as already persisted, for example after the
// store was restored from the latest snapshot.
func (f *Flusher) MarkSaved(version uint64) {
	f.flushMu.Lock()
	f.saved, f.hasSave = version, true
	f.flushMu.Unlock()
}

// Flush saves a snapshot if the store changed since the last save. It
// reports whether a snapshot was written.
func (f *Flusher) Flush(ctx context.Context) (bool, error) {
	if f == nil || f.st == nil || f.sink == nil {
		return false, fmt.Errorf("snapshot flusher is not configured")
	}
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	if f.hasSave && f.st.Version() == f.saved {
		return false, nil
	}
	rec, err := database.NewRecord(f.st)
	if err != nil {
		return false, err
	}
	if err := f.sink.SaveSnapshot(ctx, rec); err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	f.saved, f.hasSave = rec.StoreVersion, true

	if pruned, err := f.sink.PruneSnapshots(ctx, f.keep); err != nil {
		f.logger.Warn("snapshot prune failed", "error", err)
	} else if pruned > 0 {
		f.logger.Debug("pruned snapshots", "count", pruned)
	}
	if f.archive != nil {
		f.mirror(rec)
	}
	f.logger.Info("snapshot saved", "snapshot_id", rec.ID, "store_version", rec.StoreVersion,
		"raw_bytes", rec.RawSize, "stored_bytes", len(rec.Data))
	return true, nil
}

func (f *Flusher) mirror(rec *database.SnapshotRecord) {
	archived, err := f.archive.Put(rec.StoreVersion, rec.Data)
	if err != nil {
		f.logger.Warn("snapshot archive failed", "error", err)
		return
	}
	if _, err := f.archive.Prune(f.keep); err != nil {
		f.logger.Warn("snapshot archive prune failed", "error", err)
	}
	f.logger.Debug("snapshot archived", "key", archived.Key)
}

func (f *Flusher) Start(parent context.Context) error {
	if f == nil || f.st == nil || f.sink == nil {
		return fmt.Errorf("snapshot flusher is not configured")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	f.cancel = cancel
	f.done = done
	f.started = true

	go f.run(ctx, done)
	return nil
}

// Stop halts the loop and flushes once more using ctx.
func (f *Flusher) Stop(ctx context.Context) error {
	if f == nil {
		return nil
	}

	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return nil
	}
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.mu.Lock()
	f.started = false
	f.cancel = nil
	f.done = nil
	f.mu.Unlock()

	_, err := f.Flush(ctx)
	return err
}

func (f *Flusher) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Flush(ctx); err != nil && ctx.Err() == nil {
				f.logger.Error("snapshot flush failed", "error", err)
			}
		}
	}
}
