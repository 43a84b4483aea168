// Package main is the entry point for the irrigation planning engine.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gzpfarm/irrigation-engine/internal/cache"
	"github.com/gzpfarm/irrigation-engine/internal/config"
	"github.com/gzpfarm/irrigation-engine/internal/domain"
	"github.com/gzpfarm/irrigation-engine/internal/exec"
	"github.com/gzpfarm/irrigation-engine/internal/ipc"
	"github.com/gzpfarm/irrigation-engine/internal/planner"
	"github.com/gzpfarm/irrigation-engine/internal/regen"
	"github.com/gzpfarm/irrigation-engine/internal/store"
	"github.com/gzpfarm/irrigation-engine/internal/waterlevel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("irrigationd %s (commit=%s, built=%s)\n", version, commit, date)
		os.Exit(0)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	// Resolve config path: --config flag > IRRIGATION_CONFIG env > auto-discover.
	path := *configPath
	if path == "" {
		path = os.Getenv("IRRIGATION_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		fatal("no config found. Place config.json next to the exe, use --config <path>, or set IRRIGATION_CONFIG.")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}
	topo, err := config.LoadTopology(cfg.TopologyPath)
	if err != nil {
		fatal(fmt.Sprintf("load topology: %v", err))
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		fatal(fmt.Sprintf("open database: %v", err))
	}
	defer db.Close()

	// Shared repos.
	planRepo := &store.PlanRepo{}
	execRepo := &store.ExecutionRepo{}
	readingRepo := &store.ReadingRepo{}

	// Executions persisted as pending/running/paused did not survive the
	// previous process; close them out before accepting new work.
	reconcileExecutions(context.Background(), db, execRepo, log)

	// Water levels: persisted readings are restored at startup so manual
	// readings survive a restart; configured levels fill the gaps.
	levels := waterlevel.NewManager(
		nil,
		storeSink{db: db, repo: readingRepo},
		cfg.InitialLevels,
		log.With("component", "waterlevel"),
	)
	if latest, err := readingRepo.Latest(context.Background(), db); err != nil {
		log.Warn("restore water levels", "error", err)
	} else {
		readings := make([]domain.WaterLevelReading, 0, len(latest))
		for _, r := range latest {
			readings = append(readings, r)
		}
		levels.Seed(readings)
	}

	// Planning and execution.
	plnr := planner.New(topo)
	eng := regen.New(topo)
	mgr := exec.NewManager(levels, eng, storeRecorder{db: db, plans: planRepo, execs: execRepo, farmID: topo.FarmID},
		exec.Config{
			TickInterval:     time.Duration(cfg.Execution.RefreshIntervalMin) * time.Minute,
			RegenThresholdMM: cfg.Execution.RegenThresholdMM,
			EnableRegen:      cfg.Execution.EnableRegeneration,
		}, log.With("component", "exec"))

	planCache := cache.New(time.Duration(cfg.Cache.TTLSeconds) * time.Second)

	handler := ipc.NewHandler(ipc.Handler{
		Topo:     topo,
		Planner:  plnr,
		Regen:    eng,
		Exec:     mgr,
		Levels:   levels,
		Cache:    planCache,
		DB:       db,
		Plans:    planRepo,
		Execs:    execRepo,
		Readings: readingRepo,
		Defaults: cfg.Planner,
		Prices:   cfg.Prices,
	})

	srv := ipc.NewServer(handler, cfg.ListenAddr)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go runJanitor(janitorCtx, db, planRepo, readingRepo, planCache, cfg.RetentionDays, log.With("component", "janitor"))

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server shutdown", "error", err)
		}
	}()

	log.Info("irrigation engine listening",
		"addr", cfg.ListenAddr, "farm_id", topo.FarmID,
		"fields", len(topo.Fields), "pumps", len(topo.Pumps))

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		fatal(fmt.Sprintf("server error: %v", err))
	}
}

// reconcileExecutions closes out executions left non-terminal by a
// previous process. Their loops are gone, so their state can only lie.
func reconcileExecutions(ctx context.Context, db *sql.DB, execs *store.ExecutionRepo, log *slog.Logger) {
	ids, err := execs.ListActive(ctx, db)
	if err != nil {
		log.Warn("list interrupted executions", "error", err)
		return
	}
	for _, id := range ids {
		st, err := execs.GetByID(ctx, db, id)
		if err != nil {
			log.Warn("load interrupted execution", "execution_id", id, "error", err)
			continue
		}
		st.Status = domain.ExecStopped
		st.StopReason = "interrupted by engine restart"
		st.UpdatedAt = time.Now().UTC()
		if err := execs.Update(ctx, db, *st); err != nil {
			log.Warn("close interrupted execution", "execution_id", id, "error", err)
			continue
		}
		log.Info("closed interrupted execution", "execution_id", id, "plan_id", st.PlanID)
	}
}

// runJanitor periodically drops expired cache entries and plans or
// readings older than the retention horizon.
func runJanitor(ctx context.Context, db *sql.DB, plans *store.PlanRepo, readings *store.ReadingRepo, c *cache.Cache, retentionDays int, log *slog.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		purged := c.PurgeExpired()
		cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
		plansGone, err := plans.DeleteOlderThan(ctx, db, cutoff)
		if err != nil {
			log.Warn("prune plans", "error", err)
		}
		readingsGone, err := readings.DeleteOlderThan(ctx, db, cutoff)
		if err != nil {
			log.Warn("prune readings", "error", err)
		}
		log.Info("retention sweep",
			"cache_purged", purged, "plans_deleted", plansGone, "readings_deleted", readingsGone)
	}
}

// storeSink records every accepted reading for history queries.
type storeSink struct {
	db   *sql.DB
	repo *store.ReadingRepo
}

func (s storeSink) RecordReading(ctx context.Context, r domain.WaterLevelReading) error {
	return s.repo.Insert(ctx, s.db, r)
}

// storeRecorder persists execution progress and regenerated plans.
type storeRecorder struct {
	db     *sql.DB
	plans  *store.PlanRepo
	execs  *store.ExecutionRepo
	farmID string
}

func (s storeRecorder) SaveState(ctx context.Context, st domain.ExecutionState) error {
	err := s.execs.Update(ctx, s.db, st)
	if errors.Is(err, domain.ErrExecutionNotFound) {
		return s.execs.Create(ctx, s.db, st)
	}
	return err
}

func (s storeRecorder) RecordEvent(ctx context.Context, ev domain.ExecutionEvent) error {
	return s.execs.AppendEvent(ctx, s.db, ev)
}

func (s storeRecorder) SavePlan(ctx context.Context, farmID string, plan *domain.Plan) error {
	if farmID == "" {
		farmID = s.farmID
	}
	return s.plans.Save(ctx, s.db, farmID, plan)
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
