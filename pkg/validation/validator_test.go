package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	researcher = principal.Principal{Actor: "r@example.org", Role: principal.RoleResearcher, SessionID: "s-r"}
)

type fakeRefs map[string]bool

func (f fakeRefs) Exists(ctx context.Context, table, id string) (bool, error) {
	return f[table+"/"+id], nil
}

type captureAppender struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (c *captureAppender) Append(ctx context.Context, entries ...audit.Entry) (audit.AppendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return audit.AppendResult{}, c.err
	}
	c.entries = append(c.entries, entries...)
	return audit.AppendResult{}, nil
}

func table(t *testing.T, name string) entity.Table {
	t.Helper()
	tbl, ok := entity.DefaultCatalog().Table(name)
	require.True(t, ok)
	return tbl
}

func newValidator(t *testing.T, refs Lookup, writer Recorder) *Validator {
	t.Helper()
	v, err := NewValidator(Config{
		Catalog: entity.DefaultCatalog(),
		Refs:    refs,
		Writer:  writer,
		Logger:  observability.NewNopLogger(),
		Now:     func() time.Time { return testNow },
	}, DefaultRules())
	require.NoError(t, err)
	return v
}

func TestValidator_Check(t *testing.T) {
	v := newValidator(t, fakeRefs{"studies/S1": true, "participants/P1": true}, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		table    string
		row      entity.Row
		errors   []string
		warnings []string
	}{
		{
			name:  "valid observation",
			table: entity.TableObservations,
			row:   entity.Row{"observation_id": "O1", "study_id": "S1", "participant_id": "P1", "visit_number": "2"},
		},
		{
			name:   "missing study is blocking",
			table:  entity.TableObservations,
			row:    entity.Row{"observation_id": "O1"},
			errors: []string{"observations.study.required"},
		},
		{
			name:   "unknown study and participant are blocking",
			table:  entity.TableObservations,
			row:    entity.Row{"observation_id": "O1", "study_id": "S9", "participant_id": "P9"},
			errors: []string{"observations.study.fk", "observations.participant.fk"},
		},
		{
			name:     "negative visit is a warning",
			table:    entity.TableObservations,
			row:      entity.Row{"observation_id": "O1", "study_id": "S1", "visit_number": "-1"},
			warnings: []string{"observations.visit.min"},
		},
		{
			name:     "non-numeric visit is a warning",
			table:    entity.TableObservations,
			row:      entity.Row{"observation_id": "O1", "study_id": "S1", "visit_number": "first"},
			warnings: []string{"observations.visit.min"},
		},
		{
			name:     "unknown severity is a warning",
			table:    entity.TableFindings,
			row:      entity.Row{"finding_id": "F1", "study_id": "S1", "severity": "Catastrophic"},
			warnings: []string{"findings.severity.values"},
		},
		{
			name:  "note title at the limit",
			table: entity.TableNotes,
			row:   entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "x", "note_title": string(make([]rune, 200))},
		},
		{
			name:     "note title over the limit",
			table:    entity.TableNotes,
			row:      entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "x", "note_title": string(make([]rune, 201))},
			warnings: []string{"notes.title.length"},
		},
		{
			name:     "study without required fields",
			table:    entity.TableStudies,
			row:      entity.Row{"study_id": "S2", "target_enrollment": "0"},
			errors:   []string{"studies.name.required", "studies.type.required"},
			warnings: []string{"studies.target_enrollment.min"},
		},
	}

	ruleIDs := func(fs []*audit.ValidationFailure) []string {
		var ids []string
		for _, f := range fs {
			ids = append(ids, f.RuleID)
		}
		return ids
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Check(ctx, table(t, tt.table), tt.row)
			require.NoError(t, err)
			assert.Equal(t, tt.errors, ruleIDs(result.Errors))
			assert.Equal(t, tt.warnings, ruleIDs(result.Warnings))
			assert.Equal(t, len(tt.errors) == 0 && len(tt.warnings) == 0, result.Valid)
		})
	}
}

func TestValidator_Validate(t *testing.T) {
	ctx := context.Background()

	t.Run("warnings are recorded and the save proceeds", func(t *testing.T) {
		w := &captureAppender{}
		v := newValidator(t, fakeRefs{"studies/S1": true}, w)

		err := v.Validate(ctx, researcher, table(t, entity.TableFindings), "F1",
			entity.Row{"finding_id": "F1", "study_id": "S1", "severity": "Catastrophic"})
		require.NoError(t, err)

		require.Len(t, w.entries, 1)
		rec := w.entries[0].(audit.ValidationRecord)
		assert.Equal(t, "findings.severity.values", rec.RuleID)
		assert.Equal(t, audit.SeverityWarning, rec.Severity)
		assert.Equal(t, "Catastrophic", rec.Value)
		assert.Equal(t, "F1", rec.EntityID)
		assert.Equal(t, researcher.Actor, rec.Actor)
	})

	t.Run("blocking failures are recorded and returned", func(t *testing.T) {
		w := &captureAppender{}
		v := newValidator(t, fakeRefs{}, w)

		err := v.Validate(ctx, researcher, table(t, entity.TableParticipants), "P1",
			entity.Row{"participant_id": "P1", "study_id": "S9", "participant_number": "P-0001"})
		require.Error(t, err)
		assert.True(t, audit.IsBlocking(err))

		var vf *audit.ValidationFailure
		require.True(t, errors.As(err, &vf))
		assert.Equal(t, "participants.study.fk", vf.RuleID)

		require.Len(t, w.entries, 1)
		assert.Equal(t, audit.SeverityBlocking, w.entries[0].(audit.ValidationRecord).Severity)
	})

	t.Run("a failing validation log does not block a valid save", func(t *testing.T) {
		w := &captureAppender{err: errors.New("db down")}
		v := newValidator(t, fakeRefs{"studies/S1": true}, w)

		err := v.Validate(ctx, researcher, table(t, entity.TableNotes), "N1",
			entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "x", "note_priority": "Someday"})
		assert.NoError(t, err)
	})

	t.Run("clean rows write nothing", func(t *testing.T) {
		w := &captureAppender{}
		v := newValidator(t, fakeRefs{"studies/S1": true}, w)
		require.NoError(t, v.Validate(ctx, researcher, table(t, entity.TableNotes), "N1",
			entity.Row{"note_id": "N1", "study_id": "S1", "note_text": "x"}))
		assert.Empty(t, w.entries)
	})
}

func TestValidator_SetRules(t *testing.T) {
	v := newValidator(t, nil, nil)
	assert.Equal(t, len(DefaultRules()), v.ActiveRules())

	t.Run("invalid rules keep the current set", func(t *testing.T) {
		bad := [][]Rule{
			{{ID: "x", Table: "patients", Field: "id", Kind: KindRequired}},
			{{ID: "x", Table: entity.TableNotes, Field: "mood", Kind: KindRequired}},
			{{ID: "x", Table: entity.TableNotes, Field: "note_text", Kind: KindPattern, Pattern: "("}},
			{{ID: "x", Table: entity.TableNotes, Field: "note_text", Kind: KindRange}},
			{{ID: "x", Table: entity.TableNotes, Field: "note_text", Kind: KindMaxLength}},
			{{ID: "x", Table: entity.TableNotes, Field: "study_id", Kind: KindForeignKey}},
			{{ID: "x", Table: entity.TableNotes, Field: "note_text", Kind: "unique"}},
			{{Table: entity.TableNotes, Field: "note_text", Kind: KindRequired}},
			{
				{ID: "x", Table: entity.TableNotes, Field: "note_text", Kind: KindRequired},
				{ID: "x", Table: entity.TableNotes, Field: "note_title", Kind: KindRequired},
			},
		}
		for _, rules := range bad {
			assert.Error(t, v.SetRules(rules))
		}
		assert.Equal(t, len(DefaultRules()), v.ActiveRules())
	})

	t.Run("replaces the rule set", func(t *testing.T) {
		require.NoError(t, v.SetRules([]Rule{
			{ID: "notes.title.required", Table: entity.TableNotes, Field: "note_title", Kind: KindRequired, Message: "give the note a title"},
		}))
		assert.Equal(t, 1, v.ActiveRules())
		assert.Equal(t, "notes.title.required", v.Rules()[0].ID)

		result, err := v.Check(context.Background(), table(t, entity.TableNotes), entity.Row{"note_id": "N1"})
		require.NoError(t, err)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "give the note a title", result.Errors[0].Message)
	})
}

func TestValidator_WithEntityStore(t *testing.T) {
	db := storagetest.OpenSQLite(t, audit.Migrations(), entity.Migrations())
	ctx := context.Background()
	admin := principal.Principal{Actor: "admin@example.org", Role: principal.RoleAdmin, SessionID: "s-a"}

	writer, err := audit.NewDBWriter(db, audit.WriterOptions{
		Dialect: storage.DialectSQLite,
		Logger:  observability.NewNopLogger(),
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)

	store := entity.NewStore(db, entity.DefaultCatalog(), entity.StoreOptions{Logger: observability.NewNopLogger()})
	v := newValidator(t, store, writer)
	store = entity.NewStore(db, entity.DefaultCatalog(), entity.StoreOptions{Validator: v, Logger: observability.NewNopLogger()})

	_, err = store.Create(ctx, admin, entity.TableParticipants, entity.Row{"participant_id": "P1", "study_id": "S1", "participant_number": "P-0001"})
	require.Error(t, err)
	assert.True(t, audit.IsBlocking(err))

	_, err = store.Create(ctx, admin, entity.TableStudies, entity.Row{"study_id": "S1", "study_name": "BP", "study_type": "Clinical Trial"})
	require.NoError(t, err)
	_, err = store.Create(ctx, admin, entity.TableParticipants, entity.Row{"participant_id": "P1", "study_id": "S1", "participant_number": "P-0001"})
	require.NoError(t, err)

	var blocking int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM audit_validation_log WHERE severity = 'BLOCKING'").Scan(&blocking))
	assert.Equal(t, 1, blocking)
}
