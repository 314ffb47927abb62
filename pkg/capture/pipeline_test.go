package capture

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
	"github.com/platinummonkey/clinaudit/pkg/storage/storagetest"
)

var (
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sysAdmin = principal.Principal{Actor: "admin@example.org", Role: principal.RoleAdmin, SessionID: "s-admin"}
	piUser   = principal.Principal{Actor: "pi@example.org", Role: principal.RolePI, SessionID: "s-pi"}
)

// failingAppender writes through to the real writer inside the caller's
// transaction and then fails, like a write error halfway through a batch.
type failingAppender struct {
	audit.Appender
	failures int
}

func (f *failingAppender) AppendTx(ctx context.Context, tx *sql.Tx, entries ...audit.Entry) (audit.AppendResult, error) {
	if f.failures == 0 {
		return f.Appender.AppendTx(ctx, tx, entries...)
	}
	f.failures--
	if _, err := f.Appender.AppendTx(ctx, tx, entries[:len(entries)/2]...); err != nil {
		return audit.AppendResult{}, err
	}
	return audit.AppendResult{}, &audit.AuditWriteFailure{Log: audit.LogChange, Err: errors.New("disk I/O error")}
}

type env struct {
	db       *sql.DB
	writer   *audit.DBWriter
	store    *entity.Store
	pipeline *Pipeline
	metrics  *observability.Metrics
}

func setup(t *testing.T, writer func(*audit.DBWriter) audit.Appender, batchSize int) env {
	t.Helper()
	db := storagetest.OpenSQLite(t, audit.Migrations(), Migrations(), entity.Migrations())
	clock := func() time.Time { return testNow }

	w, err := audit.NewDBWriter(db, audit.WriterOptions{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     clock,
	})
	require.NoError(t, err)

	var appender audit.Appender = w
	if writer != nil {
		appender = writer(w)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	catalog := entity.DefaultCatalog()
	return env{
		db:     db,
		writer: w,
		store:  entity.NewStore(db, catalog, entity.StoreOptions{Logger: observability.NewNopLogger(), Now: clock}),
		pipeline: NewPipeline(db, catalog, NewSQLFeed(db), appender, Config{
			Dialect:   storage.DialectSQLite,
			BatchSize: batchSize,
			Logger:    observability.NewNopLogger(),
			Metrics:   metrics,
			Now:       clock,
		}),
		metrics: metrics,
	}
}

type changeRow struct {
	Operation string
	Field     string
	Old       sql.NullString
	New       sql.NullString
	Reason    sql.NullString
	Severity  string
}

func changeLog(t *testing.T, db *sql.DB, table, id string) []changeRow {
	t.Helper()
	rows, err := db.Query(`SELECT operation, field_name, old_value, new_value, reason, severity
		FROM audit_change_log WHERE entity_table = $1 AND entity_id = $2 ORDER BY seq`, table, id)
	require.NoError(t, err)
	defer rows.Close()

	var out []changeRow
	for rows.Next() {
		var r changeRow
		require.NoError(t, rows.Scan(&r.Operation, &r.Field, &r.Old, &r.New, &r.Reason, &r.Severity))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func countChanges(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM audit_change_log").Scan(&n))
	return n
}

func seedObservation(t *testing.T, e env) {
	t.Helper()
	_, err := e.store.Create(context.Background(), piUser, entity.TableObservations, entity.Row{
		"observation_id": "O1", "study_id": "S1", "measurement_name": "systolic", "measurement_value": "120",
	})
	require.NoError(t, err)
}

func TestPipeline_DrainCreatesAndUpdates(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()
	seedObservation(t, e)

	res, err := e.pipeline.Drain(ctx, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Read)
	assert.Equal(t, 4, res.Appended)
	assert.False(t, res.Empty)

	_, err = e.store.Update(ctx, piUser, entity.TableObservations, "O1",
		entity.Row{"measurement_value": "125"}, "transcription correction")
	require.NoError(t, err)

	res, err = e.pipeline.Drain(ctx, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Appended)

	records := changeLog(t, e.db, entity.TableObservations, "O1")
	require.Len(t, records, 5)
	update := records[4]
	assert.Equal(t, "UPDATE", update.Operation)
	assert.Equal(t, "measurement_value", update.Field)
	assert.Equal(t, "120", update.Old.String)
	assert.Equal(t, "125", update.New.String)
	assert.Equal(t, "transcription correction", update.Reason.String)

	res, err = e.pipeline.Drain(ctx, entity.TableObservations)
	require.NoError(t, err)
	assert.True(t, res.Empty)

	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.DrainTotal.WithLabelValues(entity.TableObservations, "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.DrainTotal.WithLabelValues(entity.TableObservations, "empty")))
}

func TestPipeline_RedrainIsIdempotent(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()
	seedObservation(t, e)
	_, err := e.store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": "125"}, "transcription correction")
	require.NoError(t, err)

	_, err = e.pipeline.DrainAll(ctx, entity.TableObservations)
	require.NoError(t, err)
	before := countChanges(t, e.db)
	require.Equal(t, 5, before)

	_, err = e.pipeline.Reset(ctx, sysAdmin, entity.TableObservations, ResetRequest{Position: 0, Reason: "restore drill"})
	require.NoError(t, err)

	res, err := e.pipeline.DrainAll(ctx, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Read)
	assert.Equal(t, 0, res.Appended)
	assert.Equal(t, 5, res.Duplicates)

	// the reset itself adds one record on capture_cursors
	assert.Equal(t, before+1, countChanges(t, e.db))
	assert.Len(t, changeLog(t, e.db, CursorsTable, entity.TableObservations), 1)

	r := audit.NewReader(e.db)
	report, err := r.VerifyChain(ctx, audit.LogChange, 1, 100)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 6, report.Verified)
}

func TestPipeline_UpdatesInOneBatchDiffAgainstRollingSnapshot(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()
	seedObservation(t, e)

	for _, v := range []string{"121", "122", "123"} {
		_, err := e.store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": v}, "re-measured")
		require.NoError(t, err)
	}

	res, err := e.pipeline.Drain(ctx, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Read)

	var updates []changeRow
	for _, r := range changeLog(t, e.db, entity.TableObservations, "O1") {
		if r.Operation == "UPDATE" {
			updates = append(updates, r)
		}
	}
	require.Len(t, updates, 3)
	assert.Equal(t, []string{"120", "121", "122"}, []string{updates[0].Old.String, updates[1].Old.String, updates[2].Old.String})
	assert.Equal(t, []string{"121", "122", "123"}, []string{updates[0].New.String, updates[1].New.String, updates[2].New.String})
}

func TestPipeline_DeleteAttempt(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()

	_, err := e.store.Create(ctx, sysAdmin, entity.TableFindings, entity.Row{"finding_id": "F1", "study_id": "S1", "severity": "Mild"})
	require.NoError(t, err)
	assert.ErrorIs(t, e.store.Delete(ctx, sysAdmin, entity.TableFindings, "F1", "entered twice"), entity.ErrDeleteForbidden)

	res, err := e.pipeline.Drain(ctx, entity.TableFindings)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeleteAttempts)

	records := changeLog(t, e.db, entity.TableFindings, "F1")
	last := records[len(records)-1]
	assert.Equal(t, "DELETE-ATTEMPT", last.Operation)
	assert.Equal(t, "CRITICAL", last.Severity)
	assert.Equal(t, "entered twice", last.Reason.String)

	row, err := e.store.Get(ctx, entity.TableFindings, "F1")
	require.NoError(t, err)
	assert.Equal(t, "Mild", row["severity"])

	// the snapshot still holds the row, so a later update diffs normally
	_, err = e.store.Update(ctx, sysAdmin, entity.TableFindings, "F1", entity.Row{"severity": "Moderate"}, "reassessed")
	require.NoError(t, err)
	res, err = e.pipeline.Drain(ctx, entity.TableFindings)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Appended)
}

func TestPipeline_FailedBatchLeavesCursorAndRetries(t *testing.T) {
	var faulty *failingAppender
	e := setup(t, func(w *audit.DBWriter) audit.Appender {
		faulty = &failingAppender{Appender: w, failures: 1}
		return faulty
	}, 0)
	ctx := context.Background()
	seedObservation(t, e)
	_, err := e.store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": "125"}, "transcription correction")
	require.NoError(t, err)

	_, err = e.pipeline.Drain(ctx, entity.TableObservations)
	require.Error(t, err)
	var wf *audit.AuditWriteFailure
	assert.True(t, errors.As(err, &wf))
	assert.True(t, IsRetryable(err))

	cur, err := e.pipeline.Cursors().Get(ctx, e.db, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur.Position)
	assert.Equal(t, 0, countChanges(t, e.db))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.DrainTotal.WithLabelValues(entity.TableObservations, "failure")))

	res, err := e.pipeline.Drain(ctx, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Appended)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 5, countChanges(t, e.db))

	cur, err = e.pipeline.Cursors().Get(ctx, e.db, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Position)
	require.NotNil(t, cur.LastDrainedAt)
	assert.Equal(t, testNow, *cur.LastDrainedAt)
}

func TestPipeline_DrainAllInBatches(t *testing.T) {
	e := setup(t, nil, 2)
	ctx := context.Background()
	for _, id := range []string{"P1", "P2", "P3", "P4", "P5"} {
		_, err := e.store.Create(ctx, sysAdmin, entity.TableParticipants, entity.Row{"participant_id": id, "study_id": "S1"})
		require.NoError(t, err)
	}

	pending, err := e.pipeline.Pending(ctx, entity.TableParticipants)
	require.NoError(t, err)
	assert.True(t, pending)

	res, err := e.pipeline.DrainAll(ctx, entity.TableParticipants)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Read)
	assert.Equal(t, 10, res.Appended)
	assert.Equal(t, int64(5), res.Position)

	pending, err = e.pipeline.Pending(ctx, entity.TableParticipants)
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = e.pipeline.Drain(ctx, "patients")
	assert.Error(t, err)
}

func TestPipeline_TablesDrainIndependently(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()
	seedObservation(t, e)
	_, err := e.store.Create(ctx, sysAdmin, entity.TableNotes, entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "baseline"})
	require.NoError(t, err)

	_, err = e.pipeline.Drain(ctx, entity.TableNotes)
	require.NoError(t, err)

	status, err := e.pipeline.Status(ctx)
	require.NoError(t, err)
	byTable := map[string]TableStatus{}
	for _, s := range status {
		byTable[s.Table] = s
	}
	assert.Equal(t, int64(0), byTable[entity.TableNotes].Backlog)
	assert.Equal(t, int64(1), byTable[entity.TableObservations].Backlog)
	assert.Equal(t, int64(0), byTable[entity.TableObservations].Position)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Backlog.WithLabelValues(entity.TableObservations)))
}

func TestPipeline_Reset(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()
	seedObservation(t, e)
	_, err := e.store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": "125"}, "")
	require.NoError(t, err)
	_, err = e.pipeline.DrainAll(ctx, entity.TableObservations)
	require.NoError(t, err)

	t.Run("requires an administrator", func(t *testing.T) {
		_, err := e.pipeline.Reset(ctx, piUser, entity.TableObservations, ResetRequest{Position: 0, Reason: "x"})
		assert.ErrorIs(t, err, audit.ErrPermissionDenied)
	})

	t.Run("requires a reason", func(t *testing.T) {
		_, err := e.pipeline.Reset(ctx, sysAdmin, entity.TableObservations, ResetRequest{Position: 0, Reason: "  "})
		assert.ErrorIs(t, err, ErrInvalidReset)
	})

	t.Run("position must be inside the feed", func(t *testing.T) {
		_, err := e.pipeline.Reset(ctx, sysAdmin, entity.TableObservations, ResetRequest{Position: 99, Reason: "x"})
		assert.ErrorIs(t, err, ErrInvalidReset)
	})

	t.Run("unknown table", func(t *testing.T) {
		_, err := e.pipeline.Reset(ctx, sysAdmin, "patients", ResetRequest{Reason: "x"})
		assert.ErrorIs(t, err, audit.ErrNotFound)
	})

	t.Run("rewinds snapshots to the position", func(t *testing.T) {
		cur, err := e.pipeline.Reset(ctx, sysAdmin, entity.TableObservations, ResetRequest{Position: 1, Reason: "replay update"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), cur.Position)

		snaps, err := e.pipeline.snapshots.Load(ctx, e.db, entity.TableObservations, []string{"O1"})
		require.NoError(t, err)
		assert.Equal(t, "120", snaps["O1"].Fields["measurement_value"])
		assert.Equal(t, int64(1), snaps["O1"].SourcePosition)

		res, err := e.pipeline.Drain(ctx, entity.TableObservations)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Read)
		assert.Equal(t, 1, res.Duplicates)
		assert.Equal(t, 0, res.Appended)

		records := changeLog(t, e.db, CursorsTable, entity.TableObservations)
		require.Len(t, records, 1)
		assert.Equal(t, "2", records[0].Old.String)
		assert.Equal(t, "1", records[0].New.String)
		assert.Equal(t, "replay update", records[0].Reason.String)
	})
}

func TestPipeline_MemoryFeed(t *testing.T) {
	db := storagetest.OpenSQLite(t, audit.Migrations(), Migrations())
	w, err := audit.NewDBWriter(db, audit.WriterOptions{Dialect: storage.DialectSQLite, Logger: observability.NewNopLogger()})
	require.NoError(t, err)

	feed := NewMemoryFeed()
	p := NewPipeline(db, entity.DefaultCatalog(), feed, w, Config{Dialect: storage.DialectSQLite, Logger: observability.NewNopLogger()})
	ctx := context.Background()

	feed.Append(RawChange{Table: entity.TableNotes, EntityID: "N1", Kind: entity.KindInsert, Actor: "r",
		Row: entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "baseline"}})
	feed.Append(RawChange{Table: entity.TableStudies, EntityID: "S1", Kind: entity.KindInsert, Actor: "pi",
		Row: entity.Row{"study_id": "S1"}})
	feed.Append(RawChange{Table: entity.TableNotes, EntityID: "N1", Kind: entity.KindUpdate, Actor: "r",
		Row: entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "baseline, fasting"}})

	res, err := p.DrainAll(ctx, entity.TableNotes)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Read)
	assert.Equal(t, 4, res.Appended)
	assert.Equal(t, int64(3), res.Position)

	head, err := feed.Head(ctx, entity.TableStudies)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

// interleavedValidator lets another writer commit from inside the first
// validation, after the updating writer has read the row.
type interleavedValidator struct {
	other func()
}

func (v *interleavedValidator) Validate(ctx context.Context, p principal.Principal, table entity.Table, id string, row entity.Row) error {
	if other := v.other; other != nil {
		v.other = nil
		other()
	}
	return nil
}

func TestPipeline_InterleavedUpdatesRecordOnlyRealChanges(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()

	v := &interleavedValidator{}
	store := entity.NewStore(e.db, entity.DefaultCatalog(), entity.StoreOptions{
		Validator: v,
		Logger:    observability.NewNopLogger(),
		Now:       func() time.Time { return testNow },
	})
	_, err := store.Create(ctx, piUser, entity.TableObservations, entity.Row{
		"observation_id": "O1", "study_id": "S1", "measurement_name": "systolic",
		"measurement_value": "120", "measurement_unit": "mm",
	})
	require.NoError(t, err)

	v.other = func() {
		_, err := store.Update(ctx, sysAdmin, entity.TableObservations, "O1", entity.Row{"measurement_unit": "mmHg"}, "unit fix")
		require.NoError(t, err)
	}
	_, err = store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": "125"}, "transcription correction")
	require.NoError(t, err)

	_, err = e.pipeline.DrainAll(ctx, entity.TableObservations)
	require.NoError(t, err)

	var updates []changeRow
	for _, c := range changeLog(t, e.db, entity.TableObservations, "O1") {
		if c.Operation == string(audit.OpUpdate) {
			updates = append(updates, c)
		}
	}
	require.Len(t, updates, 2)

	assert.Equal(t, "measurement_unit", updates[0].Field)
	assert.Equal(t, "mm", updates[0].Old.String)
	assert.Equal(t, "mmHg", updates[0].New.String)
	assert.Equal(t, "unit fix", updates[0].Reason.String)

	assert.Equal(t, "measurement_value", updates[1].Field)
	assert.Equal(t, "120", updates[1].Old.String)
	assert.Equal(t, "125", updates[1].New.String)
	assert.Equal(t, "transcription correction", updates[1].Reason.String)
}

// drainingFeed runs a drain the first time Head is called, the point at
// which Reset has read the cursor but not yet locked it.
type drainingFeed struct {
	Feed
	drain func()
}

func (f *drainingFeed) Head(ctx context.Context, table string) (int64, error) {
	if f.drain != nil {
		drain := f.drain
		f.drain = nil
		drain()
	}
	return f.Feed.Head(ctx, table)
}

func TestPipeline_ResetFailsWhenDrainCommitsFirst(t *testing.T) {
	e := setup(t, nil, 0)
	ctx := context.Background()
	seedObservation(t, e)
	_, err := e.store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": "125"}, "")
	require.NoError(t, err)

	feed := &drainingFeed{Feed: NewSQLFeed(e.db)}
	p := NewPipeline(e.db, entity.DefaultCatalog(), feed, e.writer, Config{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     func() time.Time { return testNow },
	})
	feed.drain = func() {
		_, err := p.DrainAll(ctx, entity.TableObservations)
		require.NoError(t, err)
	}

	_, err = p.Reset(ctx, sysAdmin, entity.TableObservations, ResetRequest{Position: 1, Reason: "replay update"})
	require.ErrorIs(t, err, ErrConcurrentDrain)

	cur, err := p.cursors.Get(ctx, e.db, entity.TableObservations)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.Position)

	snaps, err := p.snapshots.Load(ctx, e.db, entity.TableObservations, []string{"O1"})
	require.NoError(t, err)
	assert.Equal(t, "125", snaps["O1"].Fields["measurement_value"])
	assert.Empty(t, changeLog(t, e.db, CursorsTable, entity.TableObservations))
}
