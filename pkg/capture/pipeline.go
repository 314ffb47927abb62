package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

var captureTracer = otel.Tracer("clinaudit/capture")

// DefaultBatchSize is the number of raw changes drained per transaction.
const DefaultBatchSize = 500

// Config configures a Pipeline.
type Config struct {
	Dialect    storage.Dialect
	BatchSize  int
	AdminRoles principal.RoleSet
	Logger     *logrus.Logger
	Metrics    *observability.Metrics
	OTel       *observability.OTelMetrics
	Now        func() time.Time
}

// Pipeline turns journaled row mutations into change events. Each batch
// appends its events, saves the new snapshots and advances the cursor in a
// single transaction, so a failed batch leaves no trace and is retried
// from the same position.
type Pipeline struct {
	db        *sql.DB
	catalog   *entity.Catalog
	feed      Feed
	writer    audit.Appender
	cursors   *CursorStore
	snapshots *SnapshotStore
	config    Config
}

// NewPipeline creates a capture pipeline
func NewPipeline(db *sql.DB, catalog *entity.Catalog, feed Feed, writer audit.Appender, config Config) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if len(config.AdminRoles) == 0 {
		config.AdminRoles = principal.DefaultAdminRoles()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Pipeline{
		db:        db,
		catalog:   catalog,
		feed:      feed,
		writer:    writer,
		cursors:   NewCursorStore(config.Dialect),
		snapshots: NewSnapshotStore(),
		config:    config,
	}
}

// Tables returns the watched tables.
func (p *Pipeline) Tables() []string {
	return p.catalog.Names()
}

// Cursors returns the cursor store.
func (p *Pipeline) Cursors() *CursorStore {
	return p.cursors
}

// Pending reports whether the table has changes past its cursor.
func (p *Pipeline) Pending(ctx context.Context, table string) (bool, error) {
	cur, err := p.cursors.Get(ctx, p.db, table)
	if err != nil {
		return false, err
	}
	return p.feed.Pending(ctx, table, cur.Position)
}

// DrainResult reports one drained batch.
type DrainResult struct {
	Table          string `json:"table"`
	Read           int    `json:"read"`
	Appended       int    `json:"appended"`
	Duplicates     int    `json:"duplicates"`
	DeleteAttempts int    `json:"delete_attempts"`
	Position       int64  `json:"position"`
	Empty          bool   `json:"empty"`
}

// Drain processes one batch of the table's pending changes.
func (p *Pipeline) Drain(ctx context.Context, table string) (res DrainResult, err error) {
	ctx, span := captureTracer.Start(ctx, "capture.Drain")
	span.SetAttributes(attribute.String("table", table))
	start := time.Now()
	defer func() {
		outcome := "success"
		switch {
		case err != nil:
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Empty:
			outcome = "empty"
		}
		p.config.Metrics.ObserveDrain(table, outcome, time.Since(start))
		span.End()
	}()

	res.Table = table
	t, ok := p.catalog.Table(table)
	if !ok {
		return res, fmt.Errorf("table %q is not watched", table)
	}

	cur, err := p.cursors.Get(ctx, p.db, table)
	if err != nil {
		return res, err
	}
	res.Position = cur.Position

	changes, err := p.feed.Read(ctx, table, cur.Position, p.config.BatchSize)
	if err != nil {
		return res, err
	}
	res.Read = len(changes)
	res.Empty = len(changes) == 0

	now := p.config.Now().UTC()
	target := cur.Position
	if !res.Empty {
		target = changes[len(changes)-1].Position
	}

	err = storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		locked, err := p.cursors.GetForUpdateTx(ctx, tx, table, now)
		if err != nil {
			return err
		}
		if locked.Position != cur.Position {
			return fmt.Errorf("%w: %s at %d, expected %d", ErrConcurrentDrain, table, locked.Position, cur.Position)
		}
		if res.Empty {
			return p.cursors.AdvanceTx(ctx, tx, table, target, now)
		}

		ids := make([]string, 0, len(changes))
		seen := make(map[string]bool, len(changes))
		for _, c := range changes {
			if !seen[c.EntityID] {
				seen[c.EntityID] = true
				ids = append(ids, c.EntityID)
			}
		}
		snaps, err := p.snapshots.Load(ctx, tx, table, ids)
		if err != nil {
			return err
		}

		current := make(map[string]entity.Row, len(snaps))
		for id, s := range snaps {
			current[id] = s.Fields
		}
		images := make(map[string]int64)
		var entries []audit.Entry
		for _, c := range changes {
			for _, e := range Diff(t, c, current[c.EntityID]) {
				entries = append(entries, e)
				if e.Operation == audit.OpDeleteAttempt {
					res.DeleteAttempts++
				}
			}
			if c.Kind != entity.KindDelete {
				current[c.EntityID] = project(t, c.Row)
				images[c.EntityID] = c.Position
			}
		}

		if len(entries) > 0 {
			appended, err := p.writer.AppendTx(ctx, tx, entries...)
			if err != nil {
				return err
			}
			res.Appended = appended.Written()
			res.Duplicates = appended.Duplicates
		}
		for _, id := range ids {
			pos, ok := images[id]
			if !ok {
				continue
			}
			if err := p.snapshots.SaveTx(ctx, tx, table, id, current[id], pos, now); err != nil {
				return err
			}
		}
		return p.cursors.AdvanceTx(ctx, tx, table, target, now)
	})
	if err != nil {
		p.config.Logger.WithError(err).WithFields(logrus.Fields{
			"table":    table,
			"position": cur.Position,
			"read":     res.Read,
		}).Error("Drain failed; cursor not advanced")
		res.Appended, res.Duplicates = 0, 0
		return res, err
	}

	res.Position = target
	if !res.Empty {
		p.config.OTel.RecordBatch(ctx, table, res.Read, res.Appended, res.DeleteAttempts)
		p.config.Logger.WithFields(logrus.Fields{
			"table":      table,
			"read":       res.Read,
			"appended":   res.Appended,
			"duplicates": res.Duplicates,
			"position":   res.Position,
		}).Info("Drained change batch")
	}
	return res, nil
}

// DrainAll drains the table batch by batch until it is caught up or ctx
// is done. The results of every committed batch are summed.
func (p *Pipeline) DrainAll(ctx context.Context, table string) (DrainResult, error) {
	total := DrainResult{Table: table}
	for {
		res, err := p.Drain(ctx, table)
		if err != nil {
			return total, err
		}
		total.Read += res.Read
		total.Appended += res.Appended
		total.Duplicates += res.Duplicates
		total.DeleteAttempts += res.DeleteAttempts
		total.Position = res.Position
		if res.Empty || res.Read < p.config.BatchSize {
			total.Empty = total.Read == 0
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// TableStatus is the capture state of one table.
type TableStatus struct {
	Table         string        `json:"table"`
	Position      int64         `json:"position"`
	Head          int64         `json:"head"`
	Backlog       int64         `json:"backlog"`
	LastDrainedAt *time.Time    `json:"last_drained_at,omitempty"`
	Lag           time.Duration `json:"lag_ns"`
}

// Status returns the cursor, feed head and lag of every watched table and
// publishes the lag gauges. A table with no backlog has no lag.
func (p *Pipeline) Status(ctx context.Context) ([]TableStatus, error) {
	now := p.config.Now().UTC()
	out := make([]TableStatus, 0, len(p.catalog.Names()))
	for _, table := range p.catalog.Names() {
		cur, err := p.cursors.Get(ctx, p.db, table)
		if err != nil {
			return nil, err
		}
		head, err := p.feed.Head(ctx, table)
		if err != nil {
			return nil, err
		}
		st := TableStatus{
			Table:         table,
			Position:      cur.Position,
			Head:          head,
			LastDrainedAt: cur.LastDrainedAt,
		}
		if head > cur.Position {
			st.Backlog = head - cur.Position
			since := time.Time{}
			if cur.LastDrainedAt != nil {
				since = *cur.LastDrainedAt
			}
			if !since.IsZero() {
				st.Lag = now.Sub(since)
			}
		}
		p.config.Metrics.SetLag(table, st.Lag, st.Backlog)
		out = append(out, st)
	}
	return out, nil
}

// IsRetryable reports whether a drain error should simply be retried on
// the next tick.
func IsRetryable(err error) bool {
	var wf *audit.AuditWriteFailure
	return errors.As(err, &wf) || errors.Is(err, ErrConcurrentDrain)
}
