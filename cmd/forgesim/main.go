package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/forgesim/internal/api"
	"github.com/odvcencio/forgesim/internal/auth"
	"github.com/odvcencio/forgesim/internal/config"
	"github.com/odvcencio/forgesim/internal/database"
	"github.com/odvcencio/forgesim/internal/jobs"
	"github.com/odvcencio/forgesim/internal/seed"
	"github.com/odvcencio/forgesim/internal/service"
	"github.com/odvcencio/forgesim/internal/storage"
	"github.com/odvcencio/forgesim/internal/store"
)

var version = "dev"

const usage = `Usage: forgesim <command> [flags]

Commands:
  serve     Start the tool server
  migrate   Run database migrations
  snapshot  Show, export or list archived snapshots
  seed      Validate a seed file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "migrate":
		err = cmdMigrate(os.Args[2:])
	case "snapshot":
		err = cmdSnapshot(os.Args[2:], os.Stdout)
	case "seed":
		err = cmdSeed(os.Args[2:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1], "error", err)
		os.Exit(1)
	}
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	seedPath := fs.String("seed", "", "seed file to load when no snapshot exists (overrides simulation.seed_path)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *seedPath != "" {
		cfg.Simulation.SeedPath = *seedPath
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	tokenDuration, _ := cfg.TokenDuration()
	fixed, _ := cfg.FixedTime()
	interval, _ := cfg.SnapshotInterval()

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if db != nil {
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	st := store.New(store.Options{Registerer: prometheus.DefaultRegisterer})
	restored, err := bootState(context.Background(), st, db, cfg.Simulation.SeedPath, slog.Default())
	if err != nil {
		return err
	}

	clock := service.Clock(service.SystemClock)
	if !fixed.IsZero() {
		clock = service.FixedClock(fixed)
		slog.Info("simulation clock frozen", "at", fixed)
	}
	svc := service.New(st, clock)

	server := api.NewServer(st, svc, db, api.ServerOptions{
		Sessions:           auth.NewService(cfg.Auth.JWTSecret, tokenDuration),
		AllowLegacyTokens:  cfg.Auth.AllowLegacyTokens,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Registerer:         prometheus.DefaultRegisterer,
		Gatherer:           prometheus.DefaultGatherer,
		Logger:             slog.Default(),
		Now:                clock,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var flusher *jobs.Flusher
	if db != nil {
		archive, err := openArchive(context.Background(), cfg)
		if err != nil {
			return err
		}
		flusher = jobs.NewFlusher(st, db, jobs.FlusherOptions{Interval: interval, Archive: archive, Logger: slog.Default()})
		if restored {
			flusher.MarkSaved(st.Version())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("forgesim listening", "addr", cfg.Addr(), "driver", cfg.Database.Driver, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if flusher != nil && interval > 0 {
		if err := flusher.Start(gctx); err != nil {
			return err
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if flusher != nil {
			// Stop is a no-op when the loop never started, so flush directly.
			if interval > 0 {
				err = errors.Join(err, flusher.Stop(shutdownCtx))
			} else if _, ferr := flusher.Flush(shutdownCtx); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
		return err
	})
	return g.Wait()
}

// bootState fills st from the latest persisted snapshot, or from seedPath
// when nothing has been persisted yet. It reports whether a snapshot was
// restored.
func bootState(ctx context.Context, st *store.Store, db database.DB, seedPath string, logger *slog.Logger) (bool, error) {
	if db != nil {
		rec, err := db.LatestSnapshot(ctx)
		switch {
		case err == nil:
			snap, err := database.DecodeSnapshot(rec.Data)
			if err != nil {
				return false, fmt.Errorf("decode snapshot %d: %w", rec.ID, err)
			}
			if err := st.Restore(snap); err != nil {
				return false, fmt.Errorf("restore snapshot %d: %w", rec.ID, err)
			}
			logger.Info("restored snapshot", "snapshot_id", rec.ID, "store_version", rec.StoreVersion, "created_at", rec.CreatedAt)
			return true, nil
		case !errors.Is(err, database.ErrNoSnapshot):
			return false, fmt.Errorf("load latest snapshot: %w", err)
		}
	}
	if seedPath == "" {
		logger.Info("starting with an empty store")
		return false, nil
	}
	res, err := seed.LoadFile(st, seedPath)
	if err != nil {
		return false, err
	}
	logger.Info("loaded seed", "path", seedPath, "tables", res.Tables, "label_links", res.LabelLinks, "skipped", res.Skipped)
	return false, nil
}

func cmdMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	db, err := openDurable(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("migrations complete", "driver", cfg.Database.Driver)
	return nil
}

func cmdSnapshot(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	export := fs.Bool("export", false, "write the latest snapshot as JSON instead of stats")
	archived := fs.Bool("archived", false, "list snapshots mirrored to the archive")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	ctx := context.Background()

	if *archived {
		archive, err := openArchive(ctx, cfg)
		if err != nil {
			return err
		}
		if archive == nil {
			return fmt.Errorf("no snapshot archive configured")
		}
		list, err := archive.List()
		if err != nil {
			return err
		}
		return enc.Encode(list)
	}

	db, err := openDurable(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if !*export {
		stats, err := db.SnapshotStats(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(stats)
	}
	rec, err := db.LatestSnapshot(ctx)
	if err != nil {
		return err
	}
	snap, err := database.DecodeSnapshot(rec.Data)
	if err != nil {
		return err
	}
	return enc.Encode(snap)
}

func cmdSeed(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: forgesim seed <file>")
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	_, res, err := seed.Parse(f)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func openDurable(cfg *config.Config) (database.DB, error) {
	if !cfg.Durable() {
		return nil, fmt.Errorf("database driver %q does not persist snapshots", cfg.Database.Driver)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// openArchive returns nil when no archive driver is configured.
func openArchive(ctx context.Context, cfg *config.Config) (*storage.Archive, error) {
	a := cfg.Snapshot.Archive
	var backend storage.Backend
	switch a.Driver {
	case "":
		return nil, nil
	case config.ArchiveLocal:
		b, err := storage.NewLocalBackend(a.Path)
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		backend = b
	case config.ArchiveS3:
		b, err := storage.NewS3Backend(ctx, storage.S3Config{
			Endpoint:  a.S3.Endpoint,
			Bucket:    a.S3.Bucket,
			Region:    a.S3.Region,
			Prefix:    a.S3.Prefix,
			AccessKey: a.S3.AccessKey,
			SecretKey: a.S3.SecretKey,
			UseSSL:    a.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 archive: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unsupported snapshot archive driver: %q", a.Driver)
	}
	return storage.NewArchive(backend), nil
}
