// Package scheduler runs the reconciliation drain of each watched table on a
// timer and coordinates drains across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/clinaudit/pkg/capture"
	"github.com/platinummonkey/clinaudit/pkg/observability"
)

// DefaultInterval is the tick interval of every table.
const DefaultInterval = 60 * time.Second

// LockPrefix prefixes the distributed lock key of each table.
const LockPrefix = "clinaudit:drain:"

// ErrStopped is returned by ticks requested after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Drainer is the part of the capture pipeline the scheduler drives.
type Drainer interface {
	Tables() []string
	Pending(ctx context.Context, table string) (bool, error)
	Drain(ctx context.Context, table string) (capture.DrainResult, error)
}

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration
	// Locker serializes ticks across processes. Optional.
	Locker  Locker
	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Outcome classifies a tick.
type Outcome string

const (
	OutcomeDrained Outcome = "drained"
	OutcomeIdle    Outcome = "idle"
	OutcomeBusy    Outcome = "busy"
	OutcomeFailed  Outcome = "failed"
)

// TickResult reports one tick of one table.
type TickResult struct {
	Table   string              `json:"table"`
	Outcome Outcome             `json:"outcome"`
	Drain   capture.DrainResult `json:"drain"`
	Error   string              `json:"error,omitempty"`
}

// Scheduler drains every watched table on its own cron job. Ticks of one
// table never overlap; ticks of different tables run in parallel.
type Scheduler struct {
	drainer Drainer
	config  Config
	cron    *cron.Cron

	mu     sync.Mutex
	tables map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Call Start to begin ticking.
func New(drainer Drainer, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	cronLogger := cronLogger{logger: config.Logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		drainer: drainer,
		config:  config,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		tables: make(map[string]*sync.Mutex),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) tableLock(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tables[table]
	if !ok {
		m = &sync.Mutex{}
		s.tables[table] = m
	}
	return m
}

// Start schedules one job per table, every Interval.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.config.Interval)
	for _, table := range s.drainer.Tables() {
		table := table
		if _, err := s.cron.AddFunc(spec, func() {
			_, _ = s.Tick(s.ctx, table)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", table, err)
		}
	}
	s.cron.Start()

	s.config.Logger.WithFields(logrus.Fields{
		"tables":   len(s.drainer.Tables()),
		"interval": s.config.Interval.String(),
	}).Info("Reconciliation scheduler started")
	return nil
}

// Stop stops scheduling new ticks and waits for in-flight ones. A tick in
// progress finishes its current batch before returning.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.config.Logger.Info("Reconciliation scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}

// Tick drains one table. It returns OutcomeBusy without waiting when a
// tick of the table is already running here or in another process.
//
// Batches run on a context that outlives ctx, bounded by the interval, so
// cancelling ctx stops the tick only between batches.
func (s *Scheduler) Tick(ctx context.Context, table string) (TickResult, error) {
	result := TickResult{Table: table}
	if s.ctx.Err() != nil {
		return result, ErrStopped
	}

	guard := s.tableLock(table)
	if !guard.TryLock() {
		result.Outcome = OutcomeBusy
		s.config.Metrics.ObserveDrain(table, string(OutcomeBusy), 0)
		return result, nil
	}
	defer guard.Unlock()

	start := time.Now()
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Interval)
	defer cancel()

	logger := s.config.Logger.WithField("table", table)

	if s.config.Locker != nil {
		release, ok, err := s.config.Locker.Acquire(tickCtx, table, s.config.Interval)
		if err != nil {
			return s.fail(result, logger, err)
		}
		if !ok {
			result.Outcome = OutcomeBusy
			s.config.Metrics.ObserveDrain(table, string(OutcomeBusy), 0)
			logger.Debug("Drain lock held elsewhere; skipping tick")
			return result, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.WithError(err).Warn("Failed to release drain lock")
			}
		}()
	}

	pending, err := s.drainer.Pending(tickCtx, table)
	if err != nil {
		return s.fail(result, logger, err)
	}
	if !pending {
		result.Outcome = OutcomeIdle
		return result, nil
	}

	total := capture.DrainResult{Table: table}
	for {
		res, err := s.drainer.Drain(tickCtx, table)
		if err != nil {
			result.Drain = total
			return s.fail(result, logger, err)
		}
		total.Read += res.Read
		total.Appended += res.Appended
		total.Duplicates += res.Duplicates
		total.DeleteAttempts += res.DeleteAttempts
		total.Position = res.Position
		if res.Empty || ctx.Err() != nil || tickCtx.Err() != nil {
			break
		}
		more, err := s.drainer.Pending(tickCtx, table)
		if err != nil || !more {
			break
		}
	}

	result.Outcome = OutcomeDrained
	result.Drain = total
	logger.WithFields(logrus.Fields{
		"read":       total.Read,
		"appended":   total.Appended,
		"duplicates": total.Duplicates,
		"position":   total.Position,
		"duration":   time.Since(start).String(),
	}).Info("Reconciliation tick complete")
	return result, nil
}

func (s *Scheduler) fail(result TickResult, logger *logrus.Entry, err error) (TickResult, error) {
	result.Outcome = OutcomeFailed
	result.Error = err.Error()
	logger.WithError(err).WithField("retryable", capture.IsRetryable(err)).
		Error("Reconciliation tick failed; cursor not advanced")
	return result, err
}

// RunOnce ticks every table in parallel and waits for all of them. A
// failing table does not stop the others; the failures are joined.
func (s *Scheduler) RunOnce(ctx context.Context) ([]TickResult, error) {
	tables := s.drainer.Tables()
	results := make([]TickResult, len(tables))
	errs := make([]error, len(tables))

	var g errgroup.Group
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			results[i], errs[i] = s.Tick(ctx, table)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(a, b int) bool { return results[a].Table < results[b].Table })
	return results, errors.Join(errs...)
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) fields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(l.fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(l.fields(keysAndValues)).Error("cron: " + msg)
}
