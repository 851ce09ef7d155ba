package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/photodup/photodup/internal/api"
	"github.com/photodup/photodup/internal/bktree"
	"github.com/photodup/photodup/internal/config"
	"github.com/photodup/photodup/internal/db"
	"github.com/photodup/photodup/internal/feature"
	"github.com/photodup/photodup/internal/group"
	"github.com/photodup/photodup/internal/override"
	"github.com/photodup/photodup/internal/pipeline"
	"github.com/photodup/photodup/internal/pool"
	"github.com/photodup/photodup/internal/scheduler"
	"github.com/photodup/photodup/internal/store"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── Logging (initial — overridden below once config is loaded) ─────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// ── Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Re-configure logging with the level from config (default: info).
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("photodup starting",
		"version", version,
		"preset", cfg.Preset,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"roots", cfg.Roots)

	// ── Database ───────────────────────────────────────────────────────────
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// A schema version bump means stored features may be stale, so the next
	// run must be a full rebuild.
	before, _ := db.SchemaVersion(database)
	if err := db.RunMigrations(database); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}
	after, _ := db.SchemaVersion(database)
	schemaChanged := before != 0 && after != before
	if schemaChanged {
		slog.Info("schema changed since last start", "from", before, "to", after)
	}

	readDB, err := db.OpenReadPool(cfg.DBPath, 4)
	if err != nil {
		slog.Error("open read pool", "error", err)
		os.Exit(1)
	}
	defer readDB.Close()

	st := store.New(database)
	readSt := store.New(readDB)
	ov := override.New(database)

	// Mark any runs that were 'running' when the last process exited as failed.
	if err := st.MarkStaleRunsFailed(); err != nil {
		slog.Warn("mark stale runs", "error", err)
	}

	// ── Worker pool ────────────────────────────────────────────────────────
	var monitor *pool.InteractionMonitor
	if cfg.Concurrency.BackOffEnabled {
		monitor = pool.NewInteractionMonitor(
			cfg.Concurrency.InteractionThreshold,
			time.Duration(cfg.Concurrency.InteractionWindowSec*float64(time.Second)),
		)
	}
	pl := pool.New(pool.Config{
		ThreadCap:           cfg.Concurrency.ThreadCap,
		IOThrottleOpsPerSec: cfg.Concurrency.IOThrottleOpsPerSec,
		Monitor:             monitor,
		BackOffDuration:     time.Duration(cfg.Concurrency.BackOffDurationSec * float64(time.Second)),
	})
	pl.Start()
	defer func() {
		if err := pl.Stop(10 * time.Second); err != nil {
			slog.Warn("pool stop", "error", err)
		}
	}()

	// ── Pipeline ───────────────────────────────────────────────────────────
	idx := bktree.NewIndex()
	co, err := pipeline.NewCoordinator(st, ov, pl, idx, cfg, schemaChanged)
	if err != nil {
		slog.Error("build coordinator", "error", err)
		os.Exit(1)
	}
	mgr := pipeline.NewManager(co, st)
	eng := group.New(st, ov, feature.New(st, cfg), idx, cfg)

	// ── Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New()
	scheduledRescan := func() {
		mode, err := co.RecommendMode()
		if err != nil {
			slog.Warn("scheduled rescan: recommend mode", "error", err)
			mode = store.ModeDelta
		}
		slog.Info("scheduled rescan triggered", "mode", mode)
		if _, err := mgr.Start(mode, "schedule", nil); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
			slog.Warn("scheduled rescan start", "error", err)
		}
	}
	if cfg.Schedule != "" {
		if err := sched.SetRescan(cfg.Schedule, scheduledRescan); err != nil {
			slog.Warn("invalid rescan schedule", "error", err)
		}
	}

	if err := sched.AddJob("0 3 * * *", func() {
		n, err := ov.ReapOrphans()
		if err != nil {
			slog.Error("override maintenance failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("orphaned overrides deactivated", "count", n)
		}
		pruned, err := st.PruneEmptyGroups()
		if err != nil {
			slog.Error("group maintenance failed", "error", err)
			return
		}
		if pruned > 0 {
			slog.Info("empty groups pruned", "count", pruned)
		}
	}); err != nil {
		slog.Warn("failed to register maintenance job", "error", err)
	}

	sched.Start()
	defer sched.Stop()

	// ── HTTP server ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.New(cfg.HTTPAddr, api.Deps{
		Store:        st,
		ReadStore:    readSt,
		Overrides:    ov,
		Cfg:          cfg,
		CfgPath:      *configPath,
		Manager:      mgr,
		Pool:         pl,
		Monitor:      monitor,
		Sched:        sched,
		Version:      version,
		Recommend:    co.RecommendMode,
		AutoOriginal: eng.AutoOriginal,
		OnConfigChange: func(s config.Settings) {
			pl.SetThreadCap(s.Concurrency.ThreadCap)
			if s.Schedule != "" {
				if err := sched.SetRescan(s.Schedule, scheduledRescan); err != nil {
					slog.Warn("invalid rescan schedule", "error", err)
				}
			}
		},
	})
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("photodup stopped")
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
