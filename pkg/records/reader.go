// Package records is the secured read path over the watched entity tables.
// Every row passes the access evaluator before it is returned and every
// classified field is masked for the role the row is visible under. Each
// read is recorded in the Activity log.
package records

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/masking"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// DefaultLimit is the page size of a query without a limit.
const DefaultLimit = 100

// Source reads rows without access checks. *entity.Store implements it.
type Source interface {
	Catalog() *entity.Catalog
	Get(ctx context.Context, table, id string) (entity.Row, error)
	Select(ctx context.Context, table string, q entity.Query) ([]entity.Row, error)
}

// Config configures a Reader.
type Config struct {
	Masker  *masking.Masker
	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Reader serves access-checked and masked rows.
type Reader struct {
	source    Source
	evaluator *access.Evaluator
	recorder  audit.Appender
	masker    *masking.Masker
	logger    *logrus.Logger
	metrics   *observability.Metrics
}

// NewReader creates a secured reader.
func NewReader(source Source, evaluator *access.Evaluator, recorder audit.Appender, config Config) *Reader {
	if config.Masker == nil {
		config.Masker = masking.New(evaluator.AdminRoles())
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	return &Reader{
		source:    source,
		evaluator: evaluator,
		recorder:  recorder,
		masker:    config.Masker,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
}

// Query selects rows of one table.
type Query struct {
	StudyID string `json:"study_id,omitempty"`
	// Search keeps rows where any column contains the text, case
	// insensitive. It matches the masked values the caller would see.
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Result is the visible part of a query. Withheld counts rows the
// principal may not see; they are never returned, even partially.
type Result struct {
	Table    string       `json:"table"`
	Rows     []entity.Row `json:"rows"`
	Withheld int          `json:"withheld"`
}

func (r *Reader) table(name string) (entity.Table, error) {
	t, ok := r.source.Catalog().Table(name)
	if !ok {
		return entity.Table{}, fmt.Errorf("table %s: %w", name, audit.ErrNotFound)
	}
	return t, nil
}

func (r *Reader) visible(ctx context.Context, d access.Decider, p principal.Principal, t entity.Table, rows []entity.Row) ([]entity.Row, int, error) {
	allowed, denied, err := access.FilterRows(ctx, d, p, rows, t.StudyOf)
	if err != nil {
		return nil, 0, err
	}
	classes := t.Classes()
	out := make([]entity.Row, 0, len(allowed))
	for _, v := range allowed {
		out = append(out, entity.Row(r.masker.Row(v.Row.Clone(), classes, v.Role)))
	}
	if denied > 0 {
		r.metrics.IncDenied(t.Name, denied)
	}
	return out, denied, nil
}

// Query returns up to Limit rows of table the principal may see, masked for
// their role. Rows are read page by page in id order until Limit visible
// rows are found or the table is exhausted, so rows of other studies never
// take the place of visible ones. Withheld counts the rows skipped on the
// way. When every row is withheld the result is empty.
func (r *Reader) Query(ctx context.Context, p principal.Principal, table string, q Query) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	t, err := r.table(table)
	if err != nil {
		return Result{}, err
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > entity.MaxQueryLimit {
		q.Limit = entity.MaxQueryLimit
	}

	sq := entity.Query{Limit: q.Limit}
	if q.StudyID != "" {
		sq.StudyIDs = []string{q.StudyID}
	}
	scope := r.evaluator.Scope()
	visible := make([]entity.Row, 0, q.Limit)
	denied := 0
	for {
		rows, err := r.source.Select(ctx, t.Name, sq)
		if err != nil {
			return Result{}, err
		}
		page, d, err := r.visible(ctx, scope, p, t, rows)
		if err != nil {
			return Result{}, err
		}
		if q.Search != "" {
			page = search(page, q.Search)
		}
		visible = append(visible, page...)
		denied += d

		if len(visible) >= q.Limit || len(rows) < sq.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		sq.AfterID = rows[len(rows)-1][t.IDColumn]
	}
	if len(visible) > q.Limit {
		visible = visible[:q.Limit]
	}

	kind := audit.ActivityView
	description := fmt.Sprintf("viewed %d %s", len(visible), t.Name)
	if q.Search != "" {
		kind = audit.ActivitySearch
		description = fmt.Sprintf("searched %s for %q: %d results", t.Name, q.Search, len(visible))
	}
	if err := audit.RecordActivity(ctx, r.recorder, p, kind, q.StudyID, t.Name, description); err != nil {
		return Result{}, fmt.Errorf("failed to record read of %s: %w", t.Name, err)
	}

	r.logger.WithFields(logrus.Fields{
		"actor":    p.Actor,
		"table":    t.Name,
		"returned": len(visible),
		"withheld": denied,
	}).Debug("Secured read")

	return Result{Table: t.Name, Rows: visible, Withheld: denied}, nil
}

// Get returns one row. A row the principal may not see is
// ErrPermissionDenied.
func (r *Reader) Get(ctx context.Context, p principal.Principal, table, id string) (entity.Row, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	t, err := r.table(table)
	if err != nil {
		return nil, err
	}
	row, err := r.source.Get(ctx, t.Name, id)
	if err != nil {
		return nil, err
	}

	visible, _, err := r.visible(ctx, r.evaluator, p, t, []entity.Row{row})
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", audit.ErrPermissionDenied, t.Name, id)
	}

	ref := t.Name + "/" + id
	if err := audit.RecordActivity(ctx, r.recorder, p, audit.ActivityView, t.StudyOf(row), ref, "viewed "+ref); err != nil {
		return nil, fmt.Errorf("failed to record read of %s: %w", ref, err)
	}
	return visible[0], nil
}

// ExportRequest describes a study data export.
type ExportRequest struct {
	StudyID string `json:"study_id"`
	Purpose string `json:"purpose"`
}

// Export writes the visible rows of one study as CSV to w. The
// ExportRecord is appended before any byte reaches w.
func (r *Reader) Export(ctx context.Context, p principal.Principal, table string, req ExportRequest, w io.Writer) (audit.Record, error) {
	if err := p.Validate(); err != nil {
		return audit.Record{}, fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	if req.StudyID == "" || strings.TrimSpace(req.Purpose) == "" {
		return audit.Record{}, fmt.Errorf("%w: an export needs a study and a purpose", audit.ErrInvalidEntry)
	}
	t, err := r.table(table)
	if err != nil {
		return audit.Record{}, err
	}

	decision, err := r.evaluator.Decide(ctx, p, req.StudyID)
	if err != nil {
		return audit.Record{}, err
	}
	if !decision.Allowed {
		return audit.Record{}, fmt.Errorf("%w: no access to study %s", audit.ErrPermissionDenied, req.StudyID)
	}

	rows, err := r.source.Select(ctx, t.Name, entity.Query{StudyIDs: []string{req.StudyID}, Limit: entity.MaxQueryLimit})
	if err != nil {
		return audit.Record{}, err
	}
	visible, _, err := r.visible(ctx, r.evaluator.Scope(), p, t, rows)
	if err != nil {
		return audit.Record{}, err
	}

	identifying := len(t.Identifiers) > 0 && r.masker.Privileged(masking.ClassIdentifier, decision.Role)

	rec := audit.ExportRecord{
		Scope:                   "table:" + t.Name,
		StudyIDs:                []string{req.StudyID},
		RecordCount:             len(visible),
		ContainsIdentifyingData: identifying,
		Purpose:                 req.Purpose,
		Filename:                fmt.Sprintf("%s_%s_%s.csv", req.StudyID, t.Name, time.Now().UTC().Format("20060102T150405Z")),
	}
	return audit.ReleaseExport(ctx, r.recorder, p, rec, func() error {
		return writeCSV(w, t, visible)
	})
}

func writeCSV(w io.Writer, t entity.Table, rows []entity.Row) error {
	cols := t.AllColumns()
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	record := make([]string, len(cols))
	for _, row := range rows {
		for i, c := range cols {
			record[i] = row[c]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func search(rows []entity.Row, text string) []entity.Row {
	needle := strings.ToUpper(text)
	out := rows[:0]
	for _, row := range rows {
		for _, v := range row {
			if strings.Contains(strings.ToUpper(v), needle) {
				out = append(out, row)
				break
			}
		}
	}
	return out
}
