package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/api"
	"github.com/platinummonkey/clinaudit/pkg/config"
	"github.com/platinummonkey/clinaudit/pkg/observability"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	defer observability.RecoverPanic(logger, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := api.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}

	srv, err := rt.NewServer(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize authentication")
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           rt.NewOpsRouter(version),
		ReadHeaderTimeout: 5 * time.Second,
	}

	rt.Conns.StartHealthCheckRoutine(ctx, 30*time.Second)
	watcher := rt.WatchPolicy(ctx)

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("ops server", opsServer.Shutdown)

	if cfg.Scheduler.Enabled {
		sched := rt.NewScheduler()
		if err := sched.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start reconciliation scheduler")
		}
		shutdown.RegisterShutdownFunc("scheduler", sched.Stop)
	}

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

	serve(logger, "ops", opsServer)
	serve(logger, "api", apiServer)

	logger.WithFields(logrus.Fields{
		"version":     version,
		"addr":        apiServer.Addr,
		"ops_addr":    opsServer.Addr,
		"scheduler":   cfg.Scheduler.Enabled,
		"dev_headers": cfg.Auth.DevHeaders,
	}).Info("clinaudit started")

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Fatal("Shutdown failed")
	}
}

func serve(logger *logrus.Logger, name string, server *http.Server) {
	go func() {
		defer observability.RecoverPanic(logger, name+" server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("server", name).Fatal("HTTP server failed")
		}
	}()
}
