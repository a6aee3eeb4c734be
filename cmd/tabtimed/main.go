package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/daemon"
	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/hoststate"
	"github.com/g960059/tabtime/internal/ingest"
	"github.com/g960059/tabtime/internal/logging"
	"github.com/g960059/tabtime/internal/metrics"
	"github.com/g960059/tabtime/internal/notify"
	"github.com/g960059/tabtime/internal/persist"
	"github.com/g960059/tabtime/internal/reconcile"
	"github.com/g960059/tabtime/internal/sleepwake"
	"github.com/g960059/tabtime/internal/syncbridge"
	"github.com/g960059/tabtime/internal/tracker"
)

func main() {
	var configPath, socketPath, dbPath string
	var resetDB bool
	flag.StringVar(&configPath, "config", os.Getenv("TABTIME_CONFIG"), "TOML config file")
	flag.StringVar(&socketPath, "socket", "", "UDS path for tabtimed")
	flag.StringVar(&dbPath, "db", "", "SQLite path")
	flag.BoolVar(&resetDB, "reset-db", false, "drop every table before migrating")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.DBPath, resetDB)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	app, err := newApp(cfg, store, quartz.NewReal(), logger)
	if err != nil {
		fatal(err)
	}
	if err := app.run(ctx); err != nil {
		logger.Error("tabtimed stopped", zap.Error(err))
		os.Exit(1)
	}
}

func openStore(ctx context.Context, path string, reset bool) (*db.Store, error) {
	store, err := db.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	if !reset {
		return store, nil
	}
	if err := db.RollbackAll(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("reset db: %w", err)
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

type app struct {
	clock      quartz.Clock
	logger     *zap.Logger
	coord      *ingest.Coordinator
	tracker    *tracker.Tracker
	detector   *sleepwake.Detector
	bridge     *syncbridge.Bridge
	reconciler *reconcile.Reconciler
	server     *daemon.Server
}

func newApp(cfg config.Config, store *db.Store, clock quartz.Clock, logger *zap.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	engine := persist.NewEngine(store, cfg,
		persist.WithClock(clock), persist.WithLogger(logger), persist.WithMetrics(m), persist.WithLocation(loc))
	mirror := hoststate.NewMirror()
	hub := notify.NewHub(notify.WithLogger(logger), notify.WithMetrics(m))
	trk := tracker.New(cfg, mirror, engine,
		tracker.WithClock(clock), tracker.WithLogger(logger), tracker.WithMetrics(m), tracker.WithPublisher(hub))
	det := sleepwake.New(cfg, trk, store, engine,
		sleepwake.WithClock(clock), sleepwake.WithLogger(logger), sleepwake.WithMetrics(m))
	trk.SetHeartbeat(det.Beat)
	trk.SetLastBeat(det.LastHeartbeat)
	coord := ingest.NewCoordinator(cfg, mirror, trk,
		ingest.WithClock(clock), ingest.WithLogger(logger), ingest.WithMetrics(m))
	bridge := syncbridge.New(cfg, store,
		syncbridge.WithClock(clock), syncbridge.WithLogger(logger), syncbridge.WithMetrics(m))
	rec := reconcile.NewReconciler(engine, cfg,
		reconcile.WithClock(clock), reconcile.WithLogger(logger), reconcile.WithMetrics(m))

	srv := daemon.NewServer(cfg, daemon.Deps{
		Clock:       clock,
		Logger:      logger,
		Metrics:     m,
		Gatherer:    reg,
		Mirror:      mirror,
		Coordinator: coord,
		Tracker:     trk,
		Detector:    det,
		Engine:      engine,
		Hub:         hub,
		Bridge:      bridge,
	})
	return &app{
		clock:      clock,
		logger:     logger.Named("tabtimed"),
		coord:      coord,
		tracker:    trk,
		detector:   det,
		bridge:     bridge,
		reconciler: rec,
		server:     srv,
	}, nil
}

// run recovers from an unclean stop, then supervises every loop until ctx
// ends. Open sessions are finalized on the way out.
func (a *app) run(ctx context.Context) error {
	if err := a.detector.Recover(ctx); err != nil {
		a.logger.Warn("heartbeat recovery failed", zap.Error(err))
	}
	if err := a.reconciler.Tick(ctx, a.clock.Now()); err != nil {
		a.logger.Warn("startup maintenance failed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tracker.Run(gctx) })
	g.Go(func() error { return a.detector.Run(gctx) })
	g.Go(func() error { return a.coord.KeepAlive(gctx) })
	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error { return a.reconciler.Run(gctx) })
	g.Go(func() error {
		if err := a.server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err := g.Wait()

	a.coord.Close()
	if stopErr := a.tracker.Stop(context.Background()); stopErr != nil {
		a.logger.Warn("final stop failed", zap.Error(stopErr))
	}
	return err
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "tabtimed: %v\n", err)
	os.Exit(1)
}
