package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/api"
	"github.com/platinummonkey/clinaudit/pkg/archive"
	"github.com/platinummonkey/clinaudit/pkg/async"
	"github.com/platinummonkey/clinaudit/pkg/config"
	"github.com/platinummonkey/clinaudit/pkg/observability"
)

var version = "dev"

var (
	runOnce         = flag.Bool("run-once", false, "Drain every table once and exit")
	archiveSchedule = flag.String("archive-schedule", "30 2 * * *", "Cron schedule for S3 archiving (default: 02:30 UTC); empty disables it")
	archiveTimeout  = flag.Duration("archive-timeout", 2*time.Hour, "Upper bound of one archive run")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadBackgroundConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := api.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}

	// Run once mode (for backfills and cron-driven deployments)
	if *runOnce {
		results, err := rt.NewScheduler().RunOnce(ctx)
		for _, r := range results {
			logger.WithFields(logrus.Fields{
				"table":    r.Table,
				"outcome":  r.Outcome,
				"appended": r.Drain.Appended,
				"position": r.Drain.Position,
			}).Info("Reconciliation tick")
		}
		_ = rt.Close(context.Background())
		if err != nil {
			logger.WithError(err).Error("Reconciliation failed")
			os.Exit(1)
		}
		return
	}

	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           rt.NewOpsRouter(version),
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdown := observability.NewShutdownManager(logger, opsServer, cfg.Server.ShutdownTimeout)

	sched := rt.NewScheduler()
	if err := sched.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start reconciliation scheduler")
	}
	shutdown.RegisterShutdownFunc("scheduler", sched.Stop)

	if c := startArchiveCron(ctx, rt, logger); c != nil {
		shutdown.RegisterShutdownFunc("archive", func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	watcher := rt.WatchPolicy(ctx)
	shutdown.RegisterShutdownFunc("background tasks", func(ctx context.Context) error {
		cancel()
		select {
		case <-watcher:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.RegisterShutdownFunc("runtime", rt.Close)

	go func() {
		defer observability.RecoverPanic(logger, "ops server")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Ops server failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"version":          version,
		"interval":         cfg.Scheduler.Interval,
		"archive_schedule": *archiveSchedule,
		"archive_enabled":  cfg.Archive.Enabled(),
	}).Info("clinaudit reconciler started")

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Fatal("Shutdown failed")
	}
}

// startArchiveCron schedules the S3 archive. It returns nil when archiving
// is not configured.
func startArchiveCron(ctx context.Context, rt *api.Runtime, logger *logrus.Logger) *cron.Cron {
	if *archiveSchedule == "" {
		return nil
	}
	archiver, err := rt.NewArchiver(ctx)
	if errors.Is(err, api.ErrArchiveDisabled) {
		return nil
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create archiver")
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err = c.AddFunc(*archiveSchedule, func() {
		<-async.SafeGo(ctx, logger, *archiveTimeout, "audit archive", func(ctx context.Context) error {
			return runArchive(ctx, archiver, logger)
		})
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule archive")
	}
	c.Start()
	return c
}

func runArchive(ctx context.Context, archiver *archive.Archiver, logger *logrus.Logger) error {
	start := time.Now()
	out, err := archiver.RunAll(ctx)
	var segments int
	for _, segs := range out {
		segments += len(segs)
	}
	logger.WithFields(logrus.Fields{
		"segments": segments,
		"duration": time.Since(start),
	}).Info("Audit archive run finished")
	return err
}
