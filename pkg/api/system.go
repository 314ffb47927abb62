package api

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/capture"
	"github.com/platinummonkey/clinaudit/pkg/compliance"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/records"
	"github.com/platinummonkey/clinaudit/pkg/storage"
	"github.com/platinummonkey/clinaudit/pkg/validation"
)

// Options configures a System.
type Options struct {
	Catalog    *entity.Catalog
	Rules      []validation.Rule
	AdminRoles principal.RoleSet
	BatchSize  int
	Logger     *logrus.Logger
	Metrics    *observability.Metrics
	OTel       *observability.OTelMetrics
	Now        func() time.Time
}

// System holds the compliance core wired to one database. The server, the
// reconciler and the admin tool all build one.
type System struct {
	Conns      *storage.ConnectionManager
	Writer     *audit.DBWriter
	Audit      *audit.Reader
	Grants     *access.Store
	Evaluator  *access.Evaluator
	Admin      *access.Admin
	Entities   *entity.Store
	Validator  *validation.Validator
	Pipeline   *capture.Pipeline
	Records    *records.Reader
	Compliance *compliance.Service
	Logger     *logrus.Logger
	AdminRoles principal.RoleSet
}

// Migrations returns every schema set in dependency order.
func Migrations() [][]storage.Migration {
	return [][]storage.Migration{
		audit.Migrations(),
		access.Migrations(),
		capture.Migrations(),
		entity.Migrations(),
	}
}

// Migrate applies pending migrations to the primary.
func Migrate(ctx context.Context, conns *storage.ConnectionManager) (int, error) {
	return storage.Migrate(ctx, conns.Primary(), conns.Dialect(), Migrations()...)
}

// NewSystem wires the components. Compliance queries read from a replica
// when one is configured; every write goes to the primary.
func NewSystem(conns *storage.ConnectionManager, opts Options) (*System, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Catalog == nil {
		opts.Catalog = entity.DefaultCatalog()
	}
	if len(opts.AdminRoles) == 0 {
		opts.AdminRoles = principal.DefaultAdminRoles()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db := conns.Primary()
	dialect := conns.Dialect()

	writer, err := audit.NewDBWriter(db, audit.WriterOptions{
		Dialect: dialect,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Now:     opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit writer: %w", err)
	}

	grants := access.NewStore(db, dialect)
	evaluator := access.NewEvaluator(grants, opts.AdminRoles, access.WithClock(opts.Now))
	admin := access.NewAdmin(db, grants, evaluator, writer, opts.Logger)

	// Reference lookups run outside the validated write path.
	refs := entity.NewStore(db, opts.Catalog, entity.StoreOptions{Logger: opts.Logger, Now: opts.Now})
	validator, err := validation.NewValidator(validation.Config{
		Catalog: opts.Catalog,
		Refs:    refs,
		Writer:  writer,
		Logger:  opts.Logger,
		Now:     opts.Now,
	}, opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation rules: %w", err)
	}

	entities := entity.NewStore(db, opts.Catalog, entity.StoreOptions{
		Access:    evaluator,
		Validator: validator,
		Creators:  admin,
		Logger:    opts.Logger,
		Now:       opts.Now,
	})

	pipeline := capture.NewPipeline(db, opts.Catalog, capture.NewSQLFeed(db), writer, capture.Config{
		Dialect:    dialect,
		BatchSize:  opts.BatchSize,
		AdminRoles: opts.AdminRoles,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		OTel:       opts.OTel,
		Now:        opts.Now,
	})

	reader := records.NewReader(entities, evaluator, writer, records.Config{
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})

	service := compliance.NewService(conns.Replica(), compliance.Config{
		Catalog:    opts.Catalog,
		Grants:     grants,
		Rules:      validator,
		Lag:        pipeline,
		Recorder:   writer,
		AdminRoles: opts.AdminRoles,
		Logger:     opts.Logger,
		Now:        opts.Now,
	})

	return &System{
		Conns:      conns,
		Writer:     writer,
		Audit:      audit.NewReader(db),
		Grants:     grants,
		Evaluator:  evaluator,
		Admin:      admin,
		Entities:   entities,
		Validator:  validator,
		Pipeline:   pipeline,
		Records:    reader,
		Compliance: service,
		Logger:     opts.Logger,
		AdminRoles: opts.AdminRoles,
	}, nil
}
