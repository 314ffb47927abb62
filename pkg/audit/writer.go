package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

var auditTracer = otel.Tracer("clinaudit/audit")

// Appender appends entries to the audit logs.
type Appender interface {
	// Append writes entries in a transaction of its own.
	Append(ctx context.Context, entries ...Entry) (AppendResult, error)
	// AppendTx writes entries inside tx; they become durable when the
	// caller commits. Call it at most once per transaction.
	AppendTx(ctx context.Context, tx *sql.Tx, entries ...Entry) (AppendResult, error)
}

// WriterOptions configures a DBWriter.
type WriterOptions struct {
	Dialect storage.Dialect
	Logger  *logrus.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
	NewID   func() string
}

// DBWriter appends to the audit logs in a relational store.
//
// Sequence numbers come from one counter row per log in audit_sequences.
// The row is read under lock and bumped in the same transaction as the
// inserts, so a rolled-back batch never consumes numbers and concurrent
// writers are ordered by the lock.
type DBWriter struct {
	db      *sql.DB
	dialect storage.Dialect
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
	inserts map[LogName]string
}

// NewDBWriter creates a writer. The schema must already be migrated.
func NewDBWriter(db *sql.DB, opts WriterOptions) (*DBWriter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if opts.Dialect == "" {
		opts.Dialect = storage.DialectPostgres
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	w := &DBWriter{
		db:      db,
		dialect: opts.Dialect,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewID,
		inserts: make(map[LogName]string, len(Logs)),
	}
	for _, log := range Logs {
		w.inserts[log] = insertStatement(log)
	}
	return w, nil
}

func insertStatement(log LogName) string {
	cols := append([]string{"record_id", "seq", "dedup_key", "written_at", "payload", "prev_hash", "hash"}, logColumns[log]...)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		log.Table(), strings.Join(cols, ", "), storage.Placeholders(1, len(cols)))
}

// Append writes a batch atomically in its own transaction.
func (w *DBWriter) Append(ctx context.Context, entries ...Entry) (AppendResult, error) {
	if len(entries) == 0 {
		return AppendResult{}, nil
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, writeFailure("", fmt.Errorf("begin: %w", err))
	}

	result, err := w.AppendTx(ctx, tx, entries...)
	if err != nil {
		_ = tx.Rollback()
		return AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, writeFailure("", fmt.Errorf("commit: %w", err))
	}

	w.observe(result, time.Since(start))
	return result, nil
}

func (w *DBWriter) observe(result AppendResult, d time.Duration) {
	if w.metrics == nil {
		return
	}
	perLog := make(map[LogName]int)
	for _, rec := range result.Records {
		perLog[rec.Log]++
	}
	for log, n := range perLog {
		w.metrics.ObserveAppend(string(log), n, 0, d)
	}
	if result.Duplicates > 0 {
		w.metrics.ObserveAppend(string(LogChange), 0, result.Duplicates, 0)
	}
}

// AppendTx writes a batch inside tx. Entries whose dedup key was already
// written, or repeats within the batch, are skipped and counted as
// duplicates. Any other failure is an *AuditWriteFailure and the caller
// must roll back.
func (w *DBWriter) AppendTx(ctx context.Context, tx *sql.Tx, entries ...Entry) (AppendResult, error) {
	ctx, span := auditTracer.Start(ctx, "audit.AppendTx")
	defer span.End()
	span.SetAttributes(attribute.Int("audit.entries", len(entries)))

	now := w.now().UTC()
	grouped := make(map[LogName][]Entry)
	for _, e := range entries {
		if e == nil {
			return AppendResult{}, invalid("nil entry")
		}
		prepared, err := e.prepare(now)
		if err != nil {
			return AppendResult{}, err
		}
		grouped[prepared.LogName()] = append(grouped[prepared.LogName()], prepared)
	}

	var result AppendResult
	// Logs are locked in a fixed order so two batches spanning several logs
	// cannot deadlock on the counter rows.
	for _, log := range Logs {
		batch := grouped[log]
		if len(batch) == 0 {
			continue
		}
		records, dups, err := w.appendLog(ctx, tx, log, batch, now)
		if err != nil {
			span.RecordError(err)
			return AppendResult{}, err
		}
		result.Records = append(result.Records, records...)
		result.Duplicates += dups
	}

	span.SetAttributes(
		attribute.Int("audit.written", len(result.Records)),
		attribute.Int("audit.duplicates", result.Duplicates),
	)
	if result.Duplicates > 0 {
		w.logger.WithField("duplicates", result.Duplicates).Debug("Skipped replayed audit entries")
	}
	return result, nil
}

func (w *DBWriter) appendLog(ctx context.Context, tx *sql.Tx, log LogName, batch []Entry, now time.Time) ([]Record, int, error) {
	var lastSeq int64
	err := tx.QueryRowContext(ctx,
		"SELECT last_seq FROM audit_sequences WHERE log_name = $1"+w.dialect.ForUpdate(),
		string(log)).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, writeFailure(log, fmt.Errorf("sequence counter missing"))
	}
	if err != nil {
		return nil, 0, writeFailure(log, fmt.Errorf("lock sequence: %w", err))
	}

	prevHash := GenesisHash
	if lastSeq > 0 {
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT hash FROM %s WHERE seq = $1", log.Table()), lastSeq).Scan(&prevHash)
		if err != nil {
			return nil, 0, writeFailure(log, fmt.Errorf("read chain head %d: %w", lastSeq, err))
		}
	}

	var (
		records    []Record
		duplicates int
		seen       = make(map[string]struct{})
		seq        = lastSeq
	)

	for _, e := range batch {
		key := e.DedupKey()
		if key != "" {
			if _, dup := seen[key]; dup {
				duplicates++
				continue
			}
			seen[key] = struct{}{}

			exists, err := w.dedupExists(ctx, tx, log, key)
			if err != nil {
				return nil, 0, writeFailure(log, err)
			}
			if exists {
				duplicates++
				continue
			}
		}

		payload, err := json.Marshal(e)
		if err != nil {
			return nil, 0, writeFailure(log, fmt.Errorf("marshal payload: %w", err))
		}

		seq++
		rec := Record{
			RecordID:  w.newID(),
			Log:       log,
			Seq:       seq,
			WrittenAt: now,
			PrevHash:  prevHash,
			Hash:      ComputeHash(prevHash, seq, payload),
		}

		args := append([]interface{}{
			rec.RecordID, rec.Seq, nullString(key), rec.WrittenAt, string(payload), rec.PrevHash, rec.Hash,
		}, e.values()...)
		if _, err := tx.ExecContext(ctx, w.inserts[log], args...); err != nil {
			return nil, 0, writeFailure(log, fmt.Errorf("insert seq %d: %w", seq, err))
		}

		records = append(records, rec)
		prevHash = rec.Hash
	}

	if seq > lastSeq {
		_, err := tx.ExecContext(ctx,
			"UPDATE audit_sequences SET last_seq = $1 WHERE log_name = $2", seq, string(log))
		if err != nil {
			return nil, 0, writeFailure(log, fmt.Errorf("advance sequence: %w", err))
		}
	}

	return records, duplicates, nil
}

func (w *DBWriter) dedupExists(ctx context.Context, tx *sql.Tx, log LogName, key string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE dedup_key = $1", log.Table()), key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}
