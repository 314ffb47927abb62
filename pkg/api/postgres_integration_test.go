//go:build integration

package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/config"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// setupPostgresRuntime starts PostgreSQL and opens a migrated Runtime on it.
func setupPostgresRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("clinaudit_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate PostgreSQL container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			URL:         connStr,
			MaxConns:    10,
			MinConns:    2,
			Timeout:     5 * time.Second,
			AutoMigrate: true,
		},
		Scheduler: config.SchedulerConfig{Interval: time.Minute, BatchSize: 100},
		Auth:      config.AuthConfig{AdminRoles: principal.DefaultAdminRoles(), DevHeaders: true},
	}
	rt, err := Open(ctx, cfg, observability.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	require.Equal(t, storage.DialectPostgres, rt.Conns.Dialect())
	return rt
}

func TestPostgresConcurrentAppends_Integration(t *testing.T) {
	ctx := context.Background()
	rt := setupPostgresRuntime(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			p := principal.Principal{Actor: fmt.Sprintf("user%d@example.org", w), Role: principal.RoleViewer, SessionID: fmt.Sprintf("s%d", w)}
			for i := 0; i < perWriter; i++ {
				errs <- audit.RecordActivity(ctx, rt.System.Writer, p, audit.ActivityView, "S1", "studies/S1", "view")
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	last, err := rt.System.Audit.LastSeq(ctx, audit.LogActivity)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), last)

	records, err := rt.System.Audit.Range(ctx, audit.LogActivity, 1, last)
	require.NoError(t, err)
	require.Len(t, records, writers*perWriter)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq, "seqs are gap-free")
	}

	report, err := rt.System.Audit.VerifyChain(ctx, audit.LogActivity, 1, last)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, writers*perWriter, report.Verified)
}

func TestPostgresCaptureAndReconcile_Integration(t *testing.T) {
	ctx := context.Background()
	rt := setupPostgresRuntime(t)

	pi := principal.Principal{Actor: "pi@example.org", Role: principal.RolePI, SessionID: "pi-1"}
	_, err := rt.System.Entities.Create(ctx, pi, entity.TableStudies, entity.Row{
		"study_id":   "S1",
		"study_name": "Hypertension",
		"study_type": "interventional",
	})
	require.NoError(t, err)

	// Migrations are idempotent against a live schema.
	applied, err := Migrate(ctx, rt.Conns)
	require.NoError(t, err)
	assert.Zero(t, applied)

	_, err = rt.NewScheduler().RunOnce(ctx)
	require.NoError(t, err)

	status, err := rt.System.Pipeline.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.Zero(t, s.Backlog, "table %s", s.Table)
	}

	last, err := rt.System.Audit.LastSeq(ctx, audit.LogChange)
	require.NoError(t, err)
	require.Positive(t, last)
	report, err := rt.System.Audit.VerifyChain(ctx, audit.LogChange, 1, last)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}
