package compliance

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/capture"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/records"
	"github.com/platinummonkey/clinaudit/pkg/storage"
	"github.com/platinummonkey/clinaudit/pkg/storage/storagetest"
	"github.com/platinummonkey/clinaudit/pkg/validation"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queryNow   = testNow.Add(time.Hour)
	sysAdmin   = principal.Principal{Actor: "admin@example.org", Role: principal.RoleAdmin, SessionID: "s-admin"}
	piUser     = principal.Principal{Actor: "pi@example.org", Role: principal.RolePI, SessionID: "s-pi"}
	researcher = principal.Principal{Actor: "res@example.org", Role: principal.RoleResearcher, SessionID: "s-res"}
)

type system struct {
	db        *sql.DB
	store     *entity.Store
	pipeline  *capture.Pipeline
	reader    *records.Reader
	validator *validation.Validator
	service   *Service
}

// newSystem wires the write path, the capture pipeline, the secured reader
// and the query service over one in-memory database.
func newSystem(t *testing.T) system {
	t.Helper()
	db := storagetest.OpenSQLite(t, audit.Migrations(), access.Migrations(), capture.Migrations(), entity.Migrations())
	clock := func() time.Time { return testNow }
	catalog := entity.DefaultCatalog()

	writer, err := audit.NewDBWriter(db, audit.WriterOptions{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     clock,
	})
	require.NoError(t, err)

	grants := access.NewStore(db, storage.DialectSQLite)
	evaluator := access.NewEvaluator(grants, nil, access.WithClock(clock))
	admin := access.NewAdmin(db, grants, evaluator, writer, observability.NewNopLogger())
	store := entity.NewStore(db, catalog, entity.StoreOptions{
		Access:   evaluator,
		Creators: admin,
		Logger:   observability.NewNopLogger(),
		Now:      clock,
	})

	validator, err := validation.NewValidator(validation.Config{Catalog: catalog, Logger: observability.NewNopLogger()}, validation.DefaultRules())
	require.NoError(t, err)

	pipeline := capture.NewPipeline(db, catalog, capture.NewSQLFeed(db), writer, capture.Config{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     clock,
	})

	ctx := context.Background()
	_, err = store.Create(ctx, piUser, entity.TableStudies, entity.Row{"study_id": "S1", "study_name": "Hypertension"})
	require.NoError(t, err)
	_, err = store.Create(ctx, sysAdmin, entity.TableStudies, entity.Row{"study_id": "S2", "study_name": "Asthma"})
	require.NoError(t, err)
	_, err = admin.Grant(ctx, piUser, access.GrantRequest{User: researcher.Actor, StudyID: "S1", Role: principal.RoleResearcher})
	require.NoError(t, err)

	return system{
		db:        db,
		store:     store,
		pipeline:  pipeline,
		reader:    records.NewReader(store, evaluator, writer, records.Config{Logger: observability.NewNopLogger()}),
		validator: validator,
		service: NewService(db, Config{
			Catalog:  catalog,
			Grants:   grants,
			Rules:    validator,
			Lag:      pipeline,
			Recorder: writer,
			Logger:   observability.NewNopLogger(),
			Now:      func() time.Time { return queryNow },
		}),
	}
}

func (s system) drain(t *testing.T) {
	t.Helper()
	for _, table := range s.pipeline.Tables() {
		_, err := s.pipeline.DrainAll(context.Background(), table)
		require.NoError(t, err)
	}
}

func updates(changes []audit.ChangeRecord) []audit.ChangeRecord {
	var out []audit.ChangeRecord
	for _, c := range changes {
		if c.Operation == audit.OpUpdate {
			out = append(out, c)
		}
	}
	return out
}

func TestCorrectionWithReason(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	_, err := s.store.Create(ctx, piUser, entity.TableObservations, entity.Row{
		"observation_id": "O1", "study_id": "S1", "measurement_name": "systolic", "measurement_value": "120",
	})
	require.NoError(t, err)
	s.drain(t)

	_, err = s.store.Update(ctx, piUser, entity.TableObservations, "O1", entity.Row{"measurement_value": "125"}, "transcription error")
	require.NoError(t, err)
	s.drain(t)
	s.drain(t)

	history, err := s.service.ChangeHistory(ctx, entity.TableObservations, "O1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, audit.OpCreate, history[0].Operation)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].Seq, history[i-1].Seq)
	}

	changed := updates(history)
	require.Len(t, changed, 1)
	assert.Equal(t, "measurement_value", changed[0].FieldName)
	assert.Equal(t, "120", *changed[0].OldValue)
	assert.Equal(t, "125", *changed[0].NewValue)
	assert.Equal(t, "transcription error", changed[0].Reason)
	assert.Equal(t, piUser.Actor, changed[0].Actor)
	assert.Equal(t, audit.SeverityInfo, changed[0].Severity)

	gaps, err := s.service.CorrectionGaps(ctx, Window{})
	require.NoError(t, err)
	assert.Empty(t, gaps)

	recent, err := s.service.RecentChanges(ctx, Window{Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, changed[0].RecordID, recent[0].RecordID)

	_, err = s.service.ChangeHistory(ctx, "patients", "O1")
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestCorrectionGaps(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	_, err := s.store.Create(ctx, piUser, entity.TableNotes, entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "BP stable"})
	require.NoError(t, err)
	s.drain(t)

	_, err = s.store.Update(ctx, piUser, entity.TableNotes, "N1", entity.Row{"note_text": "BP rising", "note_priority": "High"}, "")
	require.NoError(t, err)
	s.drain(t)

	gaps, err := s.service.CorrectionGaps(ctx, Window{})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "note_text", gaps[0].FieldName)
	assert.Equal(t, "BP stable", *gaps[0].OldValue)
}

func TestDeleteAttemptIsReported(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	_, err := s.store.Create(ctx, piUser, entity.TableFindings, entity.Row{
		"finding_id": "F1", "study_id": "S1", "finding_type": "Adverse Event", "severity": "Severe", "sae_reported": "true",
	})
	require.NoError(t, err)
	_, err = s.store.Create(ctx, piUser, entity.TableFindings, entity.Row{
		"finding_id": "F2", "study_id": "S1", "finding_type": "Adverse Event", "severity": "Mild", "sae_reported": "false",
	})
	require.NoError(t, err)

	err = s.store.Delete(ctx, piUser, entity.TableFindings, "F1", "entered twice")
	assert.ErrorIs(t, err, entity.ErrDeleteForbidden)
	s.drain(t)

	attempts, err := s.service.DeleteAttempts(ctx, Window{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "F1", attempts[0].EntityID)
	assert.Equal(t, audit.SeverityCritical, attempts[0].Severity)
	assert.Equal(t, "entered twice", attempts[0].Reason)

	row, err := s.reader.Get(ctx, piUser, entity.TableFindings, "F1")
	require.NoError(t, err)
	assert.Equal(t, "Severe", row["severity"])

	safety, err := s.service.SafetySummary(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, safety.DeleteAttempts)
	assert.Equal(t, 1, safety.TotalSAEs)
	require.Len(t, safety.Findings, 2)
	assert.Equal(t, "Mild", safety.Findings[0].Severity)
	assert.Equal(t, 1, safety.Findings[1].Events)
}

func TestRowFilteringIsRecorded(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	for _, n := range []entity.Row{
		{"note_id": "N1", "study_id": "S1", "note_text": "a"},
		{"note_id": "N2", "study_id": "S2", "note_text": "b"},
	} {
		_, err := s.store.Create(ctx, sysAdmin, entity.TableNotes, n)
		require.NoError(t, err)
	}

	res, err := s.reader.Query(ctx, researcher, entity.TableNotes, records.Query{})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "N1", res.Rows[0]["note_id"])

	activity, err := s.service.RecentActivity(ctx, ActivityFilter{Actor: researcher.Actor})
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, audit.ActivityView, activity[0].ActivityType)
	assert.Equal(t, researcher.SessionID, activity[0].SessionID)

	byStudy, err := s.service.RecentActivity(ctx, ActivityFilter{StudyID: "S1"})
	require.NoError(t, err)
	for _, a := range byStudy {
		assert.Equal(t, "S1", a.StudyID)
	}
}

func TestSuspiciousAccess(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.reader.Query(ctx, researcher, entity.TableNotes, records.Query{})
		require.NoError(t, err)
	}
	_, err := s.reader.Query(ctx, piUser, entity.TableNotes, records.Query{Search: "x"})
	require.NoError(t, err)

	counts, err := s.service.SuspiciousAccess(ctx, Window{}, 2)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, AccessCount{Actor: researcher.Actor, Views: 3, Total: 3}, counts[0])

	counts, err = s.service.SuspiciousAccess(ctx, Window{}, 0)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestExportHistoryAndLogExport(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	var buf bytes.Buffer
	_, err := s.reader.Export(ctx, researcher, entity.TableStudies, records.ExportRequest{StudyID: "S1", Purpose: "monitoring"}, &buf)
	require.NoError(t, err)

	exports, err := s.service.ExportHistory(ctx, ExportFilter{StudyID: "S1"})
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, researcher.Actor, exports[0].Actor)
	assert.Equal(t, []string{"S1"}, exports[0].StudyIDs)

	exports, err = s.service.ExportHistory(ctx, ExportFilter{StudyID: "S"})
	require.NoError(t, err)
	assert.Empty(t, exports)

	s.drain(t)
	buf.Reset()
	rec, err := s.service.Export(ctx, sysAdmin, ExportRequest{Log: audit.LogChange, Purpose: "annual audit"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, audit.LogExport, rec.Log)

	lines := 0
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var stored audit.StoredRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &stored))
		lines++
	}
	require.Greater(t, lines, 0)

	exports, err = s.service.ExportHistory(ctx, ExportFilter{Actor: sysAdmin.Actor})
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "audit:change", exports[0].Scope)
	assert.Equal(t, lines, exports[0].RecordCount)
	assert.True(t, exports[0].ContainsIdentifyingData)

	_, err = s.service.Export(ctx, sysAdmin, ExportRequest{Log: audit.LogChange}, &buf)
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
	_, err = s.service.Export(ctx, sysAdmin, ExportRequest{Log: "ledger", Purpose: "x"}, &buf)
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
}

func TestStatusSummaryAndLag(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()

	_, err := s.store.Create(ctx, piUser, entity.TableParticipants, entity.Row{"participant_id": "P1", "study_id": "S1", "participant_number": "001"})
	require.NoError(t, err)
	_, err = s.store.Create(ctx, piUser, entity.TableObservations, entity.Row{"observation_id": "O1", "study_id": "S1"})
	require.NoError(t, err)
	_, err = s.reader.Query(ctx, researcher, entity.TableStudies, records.Query{})
	require.NoError(t, err)

	lag, err := s.service.Lag(ctx)
	require.NoError(t, err)
	pending := map[string]bool{}
	for _, l := range lag {
		pending[l.Table] = l.Backlog > 0
	}
	assert.Equal(t, map[string]bool{
		entity.TableStudies:      true,
		entity.TableParticipants: true,
		entity.TableObservations: true,
		entity.TableNotes:        false,
		entity.TableFindings:     false,
	}, pending)

	s.drain(t)

	sum, err := s.service.StatusSummary(ctx, Window{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Studies)
	assert.Equal(t, 1, sum.Participants)
	assert.Equal(t, 1, sum.DataPoints)
	assert.Equal(t, 3, sum.ActiveGrants)
	assert.Equal(t, 3, sum.DistinctActors)
	assert.Equal(t, len(validation.DefaultRules()), sum.ActiveRules)
	assert.Equal(t, 5, sum.WatchedTables)
	assert.Equal(t, 1.0, sum.RLSCoverage())
	assert.Greater(t, sum.ChangeEvents, 0)
	assert.Greater(t, sum.ActivityEvents, 0)

	lag, err = s.service.Lag(ctx)
	require.NoError(t, err)
	for _, l := range lag {
		assert.Zero(t, l.Backlog, l.Table)
	}

	report, err := s.service.VerifyChain(ctx, audit.LogChange, 1, 10000)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, sum.ChangeEvents, report.Verified)

	_, err = s.service.VerifyChain(ctx, "ledger", 1, 10)
	assert.ErrorIs(t, err, audit.ErrInvalidEntry)
}

func TestHandlers(t *testing.T) {
	s := newSystem(t)
	r := mux.NewRouter()
	NewHandlers(s.service, observability.NewNopLogger()).RegisterRoutes(r)
	s.drain(t)

	do := func(p *principal.Principal, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if p != nil {
			req = req.WithContext(principal.WithContext(req.Context(), *p))
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for _, path := range []string{
		"/compliance/changes",
		"/compliance/changes/studies/S1",
		"/compliance/activity?actor=pi@example.org",
		"/compliance/exports",
		"/compliance/status",
		"/compliance/correction-gaps",
		"/compliance/delete-attempts",
		"/compliance/suspicious-access?threshold=5",
		"/compliance/safety",
		"/compliance/lag",
		"/compliance/verify/change?from_seq=1&to_seq=100",
	} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, do(&sysAdmin, "GET", path, "").Code)
			assert.Equal(t, http.StatusForbidden, do(&piUser, "GET", path, "").Code)
			assert.Equal(t, http.StatusUnauthorized, do(nil, "GET", path, "").Code)
		})
	}

	t.Run("bad window", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(&sysAdmin, "GET", "/compliance/changes?from=yesterday", "").Code)
		assert.Equal(t, http.StatusBadRequest,
			do(&sysAdmin, "GET", "/compliance/changes?from=2026-03-01T10:00:00Z&to=2026-03-01T09:00:00Z", "").Code)
		assert.Equal(t, http.StatusBadRequest, do(&sysAdmin, "GET", "/compliance/verify/ledger", "").Code)
	})

	t.Run("history is ordered", func(t *testing.T) {
		w := do(&sysAdmin, "GET", "/compliance/changes/studies/S1", "")
		require.Equal(t, http.StatusOK, w.Code)
		var history []audit.ChangeRecord
		require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
		require.NotEmpty(t, history)
		assert.Equal(t, "S1", history[0].EntityID)
	})

	t.Run("export", func(t *testing.T) {
		w := do(&sysAdmin, "POST", "/compliance/export", `{"log":"change","format":"csv","purpose":"inspection"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
		assert.NotEmpty(t, w.Header().Get("X-Export-Record"))

		assert.Equal(t, http.StatusBadRequest,
			do(&sysAdmin, "POST", "/compliance/export", `{"log":"change","format":"xml","purpose":"x"}`).Code)
	})
}
