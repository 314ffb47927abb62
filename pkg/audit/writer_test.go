package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/storage"
	"github.com/platinummonkey/clinaudit/pkg/storage/storagetest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func setupWriter(t *testing.T) (*DBWriter, *sql.DB) {
	t.Helper()
	db := storagetest.OpenSQLite(t, Migrations())

	var ids int64
	w, err := NewDBWriter(db, WriterOptions{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     func() time.Time { return testNow },
		NewID:   func() string { return fmt.Sprintf("rec-%04d", atomic.AddInt64(&ids, 1)) },
	})
	require.NoError(t, err)
	return w, db
}

func changeEvent(id, field, oldV, newV, source string) ChangeEvent {
	ev := ChangeEvent{
		EntityTable:    "observations",
		EntityID:       id,
		Operation:      OpUpdate,
		FieldName:      field,
		NewValue:       StringPtr(newV),
		Actor:          "pi@example.org",
		OccurredAt:     testNow.Add(-time.Minute),
		SourceChangeID: source,
	}
	if oldV != "" {
		ev.OldValue = StringPtr(oldV)
	}
	return ev
}

func countRows(t *testing.T, db *sql.DB, log LogName) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+log.Table()).Scan(&n))
	return n
}

func TestNewDBWriter(t *testing.T) {
	t.Run("nil database", func(t *testing.T) {
		w, err := NewDBWriter(nil, WriterOptions{})
		assert.Error(t, err)
		assert.Nil(t, w)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("defaults", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		w, err := NewDBWriter(db, WriterOptions{})
		require.NoError(t, err)
		assert.Equal(t, storage.DialectPostgres, w.dialect)
		assert.NotEmpty(t, w.newID())
		assert.Contains(t, w.inserts[LogChange], "INSERT INTO audit_change_log")
	})
}

func TestDBWriter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns sequence numbers and chains hashes", func(t *testing.T) {
		w, db := setupWriter(t)

		res, err := w.Append(ctx,
			changeEvent("o-1", "measurement_value", "120", "125", "observations:1"),
			changeEvent("o-1", "measurement_unit", "", "mmHg", "observations:1"),
		)
		require.NoError(t, err)
		require.Len(t, res.Records, 2)
		assert.Equal(t, int64(1), res.Records[0].Seq)
		assert.Equal(t, int64(2), res.Records[1].Seq)
		assert.Equal(t, GenesisHash, res.Records[0].PrevHash)
		assert.Equal(t, res.Records[0].Hash, res.Records[1].PrevHash)
		assert.Equal(t, testNow, res.Records[0].WrittenAt)

		report, err := NewReader(db).VerifyChain(ctx, LogChange, 1, 100)
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, 2, report.Verified)
	})

	t.Run("replayed events are duplicates", func(t *testing.T) {
		w, db := setupWriter(t)
		ev := changeEvent("o-1", "measurement_value", "120", "125", "observations:7")

		first, err := w.Append(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Written())

		again, err := w.Append(ctx, ev, ev)
		require.NoError(t, err)
		assert.Equal(t, 0, again.Written())
		assert.Equal(t, 2, again.Duplicates)

		assert.Equal(t, 1, countRows(t, db, LogChange))
		seq, err := NewReader(db).LastSeq(ctx, LogChange)
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq, "duplicates consume no sequence numbers")
	})

	t.Run("duplicates within a batch", func(t *testing.T) {
		w, _ := setupWriter(t)
		ev := changeEvent("o-2", "visit_number", "1", "2", "observations:9")

		res, err := w.Append(ctx, ev, ev)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Written())
		assert.Equal(t, 1, res.Duplicates)
	})

	t.Run("batch spanning logs", func(t *testing.T) {
		w, db := setupWriter(t)

		res, err := w.Append(ctx,
			changeEvent("o-3", "measurement_value", "", "98", "observations:10"),
			ActivityRecord{Actor: "pi@example.org", ActivityType: ActivityEdit, StudyID: "S1", SessionID: "sess"},
			ValidationRecord{EntityTable: "observations", EntityID: "o-3", FieldName: "measurement_value", RuleID: "range", Message: "above range", Value: "98", Actor: "pi@example.org"},
		)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Written())

		for _, log := range []LogName{LogChange, LogActivity, LogValidation} {
			assert.Equal(t, 1, countRows(t, db, log), log)
		}
		for _, rec := range res.Records {
			assert.Equal(t, int64(1), rec.Seq, "each log has its own sequence")
		}
	})

	t.Run("invalid entry writes nothing", func(t *testing.T) {
		w, db := setupWriter(t)

		_, err := w.Append(ctx,
			changeEvent("o-4", "measurement_value", "", "1", "observations:11"),
			ChangeEvent{EntityTable: "observations", EntityID: "o-4", Operation: "DROP", FieldName: "x", Actor: "a"},
		)
		assert.ErrorIs(t, err, ErrInvalidEntry)
		assert.Equal(t, 0, countRows(t, db, LogChange))
	})

	t.Run("delete attempts are critical", func(t *testing.T) {
		w, db := setupWriter(t)

		_, err := w.Append(ctx, ChangeEvent{
			EntityTable: "findings", EntityID: "f-1", Operation: OpDeleteAttempt,
			FieldName: "*", Actor: "researcher@example.org", SourceChangeID: "findings:3",
		})
		require.NoError(t, err)

		var severity string
		require.NoError(t, db.QueryRow("SELECT severity FROM audit_change_log WHERE entity_id = 'f-1'").Scan(&severity))
		assert.Equal(t, string(SeverityCritical), severity)
	})

	t.Run("empty batch", func(t *testing.T) {
		w, _ := setupWriter(t)
		res, err := w.Append(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Written())
	})

	t.Run("records metrics", func(t *testing.T) {
		w, _ := setupWriter(t)
		registry := prometheus.NewRegistry()
		w.metrics = observability.NewMetrics(registry)

		ev := changeEvent("o-5", "measurement_value", "1", "2", "observations:12")
		_, err := w.Append(ctx, ev, ActivityRecord{Actor: "a", ActivityType: ActivityView, SessionID: "s"})
		require.NoError(t, err)
		_, err = w.Append(ctx, ev)
		require.NoError(t, err)

		assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.AuditRecordsTotal.WithLabelValues("change")))
		assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.AuditRecordsTotal.WithLabelValues("activity")))
		assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.AuditDuplicatesTotal.WithLabelValues("change")))
	})
}

func TestDBWriter_Immutable(t *testing.T) {
	w, db := setupWriter(t)
	_, err := w.Append(context.Background(), changeEvent("o-1", "measurement_value", "120", "125", "observations:1"))
	require.NoError(t, err)

	_, err = db.Exec("UPDATE audit_change_log SET new_value = '999'")
	assert.Error(t, err)

	_, err = db.Exec("DELETE FROM audit_change_log")
	assert.Error(t, err)

	assert.Equal(t, 1, countRows(t, db, LogChange))
}

func TestDBWriter_ConcurrentAppendsAreGapFree(t *testing.T) {
	ctx := context.Background()
	w, db := setupWriter(t)

	const writers = 8
	const batches = 20
	const perBatch = 3

	var wg sync.WaitGroup
	errs := make(chan error, writers*batches)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(table int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				var batch []Entry
				for f := 0; f < perBatch; f++ {
					batch = append(batch, ChangeEvent{
						EntityTable:    fmt.Sprintf("table_%d", table),
						EntityID:       fmt.Sprintf("row-%d", b),
						Operation:      OpCreate,
						FieldName:      fmt.Sprintf("field_%d", f),
						NewValue:       StringPtr("v"),
						Actor:          "loader",
						SourceChangeID: fmt.Sprintf("table_%d:%d", table, b),
					})
				}
				if _, err := w.Append(ctx, batch...); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total := writers * batches * perBatch
	rows, err := db.Query("SELECT seq FROM audit_change_log ORDER BY seq")
	require.NoError(t, err)
	defer rows.Close()

	expected := int64(1)
	for rows.Next() {
		var seq int64
		require.NoError(t, rows.Scan(&seq))
		require.Equal(t, expected, seq)
		expected++
	}
	assert.Equal(t, int64(total+1), expected)

	report, err := NewReader(db).VerifyChain(ctx, LogChange, 1, int64(total))
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, total, report.Verified)
}

func TestDBWriter_WriteFailureRollsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("insert failure", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		w, err := NewDBWriter(db, WriterOptions{Logger: observability.NewNopLogger()})
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT last_seq FROM audit_sequences").
			WithArgs("change").
			WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(0))
		mock.ExpectExec("INSERT INTO audit_change_log").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		ev := changeEvent("o-1", "measurement_value", "120", "125", "")
		_, err = w.Append(ctx, ev)
		require.Error(t, err)

		var wf *AuditWriteFailure
		require.ErrorAs(t, err, &wf)
		assert.Equal(t, LogChange, wf.Log)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commit failure", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		w, err := NewDBWriter(db, WriterOptions{Logger: observability.NewNopLogger()})
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT last_seq FROM audit_sequences").
			WillReturnRows(sqlmock.NewRows([]string{"last_seq"}).AddRow(0))
		mock.ExpectExec("INSERT INTO audit_activity_log").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE audit_sequences SET last_seq").
			WithArgs(int64(1), "activity").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

		_, err = w.Append(ctx, ActivityRecord{Actor: "a", ActivityType: ActivityLogin, SessionID: "s"})
		var wf *AuditWriteFailure
		require.ErrorAs(t, err, &wf)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing counter", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		w, err := NewDBWriter(db, WriterOptions{Logger: observability.NewNopLogger()})
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT last_seq FROM audit_sequences").WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err = w.Append(ctx, ActivityRecord{Actor: "a", ActivityType: ActivityLogin, SessionID: "s"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sequence counter missing")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestChangeEvent_DedupKeyAndCorrection(t *testing.T) {
	ev := changeEvent("o-1", "measurement_value", "120", "125", "observations:1")
	assert.Equal(t, "observations|o-1|measurement_value|observations:1", ev.DedupKey())
	assert.True(t, ev.IsCorrection())

	ev.SourceChangeID = ""
	assert.Empty(t, ev.DedupKey())

	fresh := changeEvent("o-1", "measurement_unit", "", "mmHg", "observations:1")
	assert.False(t, fresh.IsCorrection())
}
