package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/archive"
	"github.com/platinummonkey/clinaudit/pkg/async"
	"github.com/platinummonkey/clinaudit/pkg/auth"
	"github.com/platinummonkey/clinaudit/pkg/config"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/scheduler"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// Runtime is the process-level state shared by the binaries: connections,
// telemetry, the loaded policy and the System built on them.
type Runtime struct {
	Config   *config.Config
	Conns    *storage.ConnectionManager
	Redis    *redis.Client
	Policy   *config.Policy
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	OTel     *observability.OTelProviders
	System   *System
	Logger   *logrus.Logger
}

// Open connects to the configured backends and builds the System. Redis
// is optional; without it ticks are serialized per process only.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	rt.OTel, err = observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel instruments: %w", err)
	}

	if cfg.Observability.MetricsEnabled {
		rt.Registry = prometheus.NewRegistry()
		rt.Metrics = observability.NewMetrics(rt.Registry)
	}

	rt.Conns, err = storage.NewConnectionManager(storage.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: cfg.Database.ReplicaURLs,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		applied, err := Migrate(ctx, rt.Conns)
		if err != nil {
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		logger.WithField("applied", applied).Info("Database migrations complete")
	}

	if cfg.Redis.URL != "" {
		rt.Redis, err = storage.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
	}

	rt.Policy, err = config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	catalog, err := rt.Policy.Catalog()
	if err != nil {
		return nil, err
	}

	rt.System, err = NewSystem(rt.Conns, Options{
		Catalog:    catalog,
		Rules:      rt.Policy.Rules,
		AdminRoles: cfg.Auth.AdminRoles,
		BatchSize:  cfg.Scheduler.BatchSize,
		Logger:     logger,
		Metrics:    rt.Metrics,
		OTel:       otelMetrics,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// WatchPolicy reloads validation rules when the policy file changes. It
// does nothing without a policy file.
func (rt *Runtime) WatchPolicy(ctx context.Context) <-chan struct{} {
	if rt.Config.PolicyFile == "" {
		done := make(chan struct{})
		close(done)
		return done
	}
	return async.SafeGo(ctx, rt.Logger, 0, "policy watcher", func(ctx context.Context) error {
		return config.WatchPolicy(ctx, rt.Config.PolicyFile, rt.System.Validator, rt.Logger)
	})
}

// NewScheduler creates the reconciliation scheduler, locked through Redis
// when it is configured.
func (rt *Runtime) NewScheduler() *scheduler.Scheduler {
	cfg := scheduler.Config{
		Interval: rt.Config.Scheduler.Interval,
		Logger:   rt.Logger,
		Metrics:  rt.Metrics,
	}
	if rt.Redis != nil {
		cfg.Locker = scheduler.NewRedisLocker(rt.Redis, scheduler.LockPrefix)
	}
	return scheduler.New(rt.System.Pipeline, cfg)
}

// ErrArchiveDisabled is returned by NewArchiver without a bucket.
var ErrArchiveDisabled = errors.New("archive bucket not configured")

// NewArchiver creates the S3 archiver.
func (rt *Runtime) NewArchiver(ctx context.Context) (*archive.Archiver, error) {
	ac := rt.Config.Archive
	if !ac.Enabled() {
		return nil, ErrArchiveDisabled
	}
	client, err := archive.NewS3Client(ctx, archive.S3Config{
		Region:       ac.Region,
		Endpoint:     ac.Endpoint,
		AccessKey:    ac.AccessKey,
		SecretKey:    ac.SecretKey,
		UsePathStyle: ac.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return archive.New(client, rt.System.Audit, rt.System.Writer, archive.Config{
		Bucket: ac.Bucket,
		Prefix: ac.Prefix,
		Logger: rt.Logger,
	})
}

// NewServer creates the API server with the configured authentication.
func (rt *Runtime) NewServer(ctx context.Context) (*Server, error) {
	ac := rt.Config.Auth
	opts := ServerOptions{Logger: rt.Logger, Metrics: rt.Metrics}

	if ac.DevHeaders {
		rt.Logger.Warn("Development header authentication is enabled")
		opts.Verifier = auth.DevHeaderVerifier{}
	} else {
		verifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			IssuerURL: ac.OIDCIssuer,
			ClientID:  ac.OIDCClientID,
			RoleClaim: ac.RoleClaim,
		})
		if err != nil {
			return nil, err
		}
		opts.Verifier = verifier
	}

	if ac.LoginEnabled() {
		login, err := auth.NewLoginHandlers(ctx, auth.LoginConfig{
			IssuerURL:    ac.OIDCIssuer,
			ClientID:     ac.OIDCClientID,
			ClientSecret: ac.OIDCClientSecret,
			RedirectURL:  ac.OIDCRedirectURL,
		}, rt.Logger)
		if err != nil {
			return nil, err
		}
		opts.Login = login
	}

	return NewServer(rt.System, opts), nil
}

// maxHealthyBacklog is the per-table capture backlog above which readiness
// reports the pipeline as degraded.
const maxHealthyBacklog = 10000

// NewOpsRouter creates the health and metrics router.
func (rt *Runtime) NewOpsRouter(version string) *mux.Router {
	checker := observability.NewHealthChecker(rt.Conns.Primary(), rt.Redis, version)
	checker.AddCheck("capture", false, rt.captureCheck)
	return NewOpsRouter(checker, rt.Registry)
}

func (rt *Runtime) captureCheck(ctx context.Context) observability.DependencyStatus {
	status, err := rt.System.Pipeline.Status(ctx)
	if err != nil {
		return observability.DependencyStatus{Status: observability.StatusUnhealthy, Message: err.Error()}
	}
	for _, s := range status {
		if s.Backlog > maxHealthyBacklog {
			return observability.DependencyStatus{
				Status:  observability.StatusDegraded,
				Message: fmt.Sprintf("%s backlog %d", s.Table, s.Backlog),
			}
		}
	}
	return observability.DependencyStatus{Status: observability.StatusHealthy}
}

// Close releases the connections and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.Conns != nil {
		errs = append(errs, rt.Conns.Close())
	}
	if rt.OTel != nil {
		errs = append(errs, observability.ShutdownOTel(ctx, rt.OTel, rt.Logger))
	}
	return errors.Join(errs...)
}
