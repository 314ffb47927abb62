package records

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
	"github.com/platinummonkey/clinaudit/pkg/storage/storagetest"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sysAdmin   = principal.Principal{Actor: "admin@example.org", Role: principal.RoleAdmin, SessionID: "s-admin"}
	researcher = principal.Principal{Actor: "res@example.org", Role: principal.RoleResearcher, SessionID: "s-res"}
	viewer     = principal.Principal{Actor: "viewer@example.org", Role: principal.RoleViewer, SessionID: "s-view"}
	outsider   = principal.Principal{Actor: "out@example.org", Role: principal.RoleResearcher, SessionID: "s-out"}

	longNote = "Participant reported mild headache after the second dose; resolved without treatment within 24h."
)

type fixture struct {
	db      *sql.DB
	store   *entity.Store
	reader  *Reader
	metrics *observability.Metrics
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := storagetest.OpenSQLite(t, audit.Migrations(), access.Migrations(), entity.Migrations())
	clock := func() time.Time { return testNow }
	ctx := context.Background()

	writer, err := audit.NewDBWriter(db, audit.WriterOptions{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     clock,
	})
	require.NoError(t, err)

	grants := access.NewStore(db, storage.DialectSQLite)
	evaluator := access.NewEvaluator(grants, nil, access.WithClock(clock))
	admin := access.NewAdmin(db, grants, evaluator, writer, observability.NewNopLogger())
	store := entity.NewStore(db, entity.DefaultCatalog(), entity.StoreOptions{
		Access:   evaluator,
		Creators: admin,
		Logger:   observability.NewNopLogger(),
		Now:      clock,
	})

	for _, study := range []string{"S1", "S2"} {
		_, err := store.Create(ctx, sysAdmin, entity.TableStudies, entity.Row{"study_id": study, "study_name": "Study " + study})
		require.NoError(t, err)
	}
	notes := []entity.Row{
		{"note_id": "N1", "study_id": "S1", "note_title": "Dose 2", "note_text": longNote},
		{"note_id": "N2", "study_id": "S1", "note_title": "Visit", "note_text": "Short note"},
		{"note_id": "N3", "study_id": "S2", "note_title": "Other study", "note_text": longNote},
	}
	for _, n := range notes {
		_, err := store.Create(ctx, sysAdmin, entity.TableNotes, n)
		require.NoError(t, err)
	}
	_, err = store.Create(ctx, sysAdmin, entity.TableParticipants, entity.Row{"participant_id": "P1", "study_id": "S1", "participant_number": "SUBJ-000123"})
	require.NoError(t, err)

	_, err = admin.Grant(ctx, sysAdmin, access.GrantRequest{User: researcher.Actor, StudyID: "S1", Role: principal.RoleResearcher})
	require.NoError(t, err)
	_, err = admin.Grant(ctx, sysAdmin, access.GrantRequest{User: viewer.Actor, StudyID: "S1", Role: principal.RoleViewer})
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	reader := NewReader(store, evaluator, writer, Config{Logger: observability.NewNopLogger(), Metrics: metrics})
	return fixture{db: db, store: store, reader: reader, metrics: metrics}
}

func activities(t *testing.T, db *sql.DB, actor string) []string {
	t.Helper()
	rows, err := db.Query("SELECT activity_type FROM audit_activity_log WHERE actor = $1 ORDER BY seq", actor)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var kind string
		require.NoError(t, rows.Scan(&kind))
		out = append(out, kind)
	}
	require.NoError(t, rows.Err())
	return out
}

func ids(rows []entity.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["note_id"])
	}
	return out
}

func TestQueryFiltersRowsByStudy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.reader.Query(ctx, researcher, entity.TableNotes, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"N1", "N2"}, ids(res.Rows))
	assert.Equal(t, 1, res.Withheld)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AccessDeniedTotal.WithLabelValues(entity.TableNotes)))

	res, err = f.reader.Query(ctx, outsider, entity.TableNotes, Query{})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, 3, res.Withheld)

	res, err = f.reader.Query(ctx, sysAdmin, entity.TableNotes, Query{})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)
	assert.Equal(t, 0, res.Withheld)

	res, err = f.reader.Query(ctx, researcher, entity.TableNotes, Query{StudyID: "S2"})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	assert.Equal(t, []string{"VIEW", "VIEW"}, activities(t, f.db, researcher.Actor))
}

func TestQueryPagesPastOtherStudies(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Notes of S2 sort ahead of every S1 note.
	for i := 0; i < 10; i++ {
		_, err := f.store.Create(ctx, sysAdmin, entity.TableNotes, entity.Row{
			"note_id": fmt.Sprintf("A%02d", i), "study_id": "S2", "note_text": "other study",
		})
		require.NoError(t, err)
	}

	res, err := f.reader.Query(ctx, researcher, entity.TableNotes, Query{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"N1", "N2"}, ids(res.Rows))
	assert.Equal(t, 11, res.Withheld)

	res, err = f.reader.Query(ctx, researcher, entity.TableNotes, Query{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"N1"}, ids(res.Rows))
	assert.Equal(t, 10, res.Withheld)

	res, err = f.reader.Query(ctx, researcher, entity.TableNotes, Query{Search: "short", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"N2"}, ids(res.Rows))

	res, err = f.reader.Query(ctx, sysAdmin, entity.TableNotes, Query{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"A00", "A01", "A02"}, ids(res.Rows))
	assert.Equal(t, 0, res.Withheld)
}

func TestQueryMasksForRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.reader.Query(ctx, viewer, entity.TableNotes, Query{StudyID: "S1"})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, string([]rune(longNote)[:50])+" [REDACTED]", res.Rows[0]["note_text"])
	assert.Equal(t, "Short note [REDACTED]", res.Rows[1]["note_text"])
	assert.Equal(t, "Dose 2", res.Rows[0]["note_title"])

	res, err = f.reader.Query(ctx, researcher, entity.TableNotes, Query{StudyID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, longNote, res.Rows[0]["note_text"])

	row, err := f.reader.Get(ctx, viewer, entity.TableParticipants, "P1")
	require.NoError(t, err)
	assert.Equal(t, "***0123", row["participant_number"])

	row, err = f.reader.Get(ctx, researcher, entity.TableParticipants, "P1")
	require.NoError(t, err)
	assert.Equal(t, "SUBJ-000123", row["participant_number"])
}

func TestSearchMatchesVisibleText(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.reader.Query(ctx, researcher, entity.TableNotes, Query{Search: "without treatment"})
	require.NoError(t, err)
	assert.Equal(t, []string{"N1"}, ids(res.Rows))

	res, err = f.reader.Query(ctx, viewer, entity.TableNotes, Query{Search: "without treatment"})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	res, err = f.reader.Query(ctx, viewer, entity.TableNotes, Query{Search: "visit"})
	require.NoError(t, err)
	assert.Equal(t, []string{"N2"}, ids(res.Rows))

	assert.Equal(t, []string{"SEARCH", "SEARCH"}, activities(t, f.db, viewer.Actor))
}

func TestGet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	row, err := f.reader.Get(ctx, researcher, entity.TableNotes, "N1")
	require.NoError(t, err)
	assert.Equal(t, "S1", row["study_id"])

	_, err = f.reader.Get(ctx, researcher, entity.TableNotes, "N3")
	assert.ErrorIs(t, err, audit.ErrPermissionDenied)

	_, err = f.reader.Get(ctx, researcher, entity.TableNotes, "missing")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	_, err = f.reader.Get(ctx, researcher, "patients", "N1")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	_, err = f.reader.Get(ctx, principal.Principal{}, entity.TableNotes, "N1")
	assert.ErrorIs(t, err, audit.ErrPermissionDenied)

	assert.Equal(t, []string{"VIEW"}, activities(t, f.db, researcher.Actor))
}

func TestExport(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var buf bytes.Buffer
	rec, err := f.reader.Export(ctx, researcher, entity.TableParticipants, ExportRequest{StudyID: "S1", Purpose: "interim analysis"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, audit.LogExport, rec.Log)

	lines, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "participant_id", lines[0][0])
	assert.Contains(t, lines[1], "SUBJ-000123")

	var identifying bool
	var count int
	require.NoError(t, f.db.QueryRow("SELECT contains_identifying_data, record_count FROM audit_export_log WHERE actor = $1", researcher.Actor).
		Scan(&identifying, &count))
	assert.True(t, identifying)
	assert.Equal(t, 1, count)

	buf.Reset()
	_, err = f.reader.Export(ctx, viewer, entity.TableParticipants, ExportRequest{StudyID: "S1", Purpose: "monitoring"}, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "***0123")
	require.NoError(t, f.db.QueryRow("SELECT contains_identifying_data FROM audit_export_log WHERE actor = $1", viewer.Actor).Scan(&identifying))
	assert.False(t, identifying)

	t.Run("denied study writes nothing", func(t *testing.T) {
		buf.Reset()
		_, err := f.reader.Export(ctx, researcher, entity.TableNotes, ExportRequest{StudyID: "S2", Purpose: "x"}, &buf)
		assert.ErrorIs(t, err, audit.ErrPermissionDenied)
		assert.Zero(t, buf.Len())
	})

	t.Run("purpose required", func(t *testing.T) {
		_, err := f.reader.Export(ctx, researcher, entity.TableNotes, ExportRequest{StudyID: "S1"}, &buf)
		assert.ErrorIs(t, err, audit.ErrInvalidEntry)
	})
}

func TestHandlers(t *testing.T) {
	f := setup(t)
	r := mux.NewRouter()
	NewHandlers(f.reader, observability.NewNopLogger()).RegisterRoutes(r)

	do := func(p *principal.Principal, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if p != nil {
			req = req.WithContext(principal.WithContext(req.Context(), *p))
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(&researcher, "GET", "/records/research_notes?study=S1&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "N1")

	assert.Equal(t, http.StatusOK, do(&researcher, "GET", "/records/research_notes/N1", "").Code)
	assert.Equal(t, http.StatusForbidden, do(&researcher, "GET", "/records/research_notes/N3", "").Code)
	assert.Equal(t, http.StatusNotFound, do(&researcher, "GET", "/records/research_notes/N9", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(nil, "GET", "/records/research_notes", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(&researcher, "GET", "/records/research_notes?limit=abc", "").Code)

	w = do(&researcher, "POST", "/records/research_notes/export", `{"study_id":"S1","purpose":"review"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Export-Record"))

	assert.Equal(t, http.StatusBadRequest, do(&researcher, "POST", "/records/research_notes/export", `{"study_id":"S1"}`).Code)
}
