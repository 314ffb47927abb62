package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// ErrDeleteForbidden is returned for every delete. The attempt is still
// journaled so the capture pipeline records it.
var ErrDeleteForbidden = fmt.Errorf("%w: research entities are never deleted", audit.ErrPermissionDenied)

// Validator checks a row before it is saved. Blocking failures are
// returned as *audit.ValidationFailure; non-blocking ones are recorded by
// the validator and not returned.
type Validator interface {
	Validate(ctx context.Context, p principal.Principal, table Table, id string, row Row) error
}

// CreatorGranter gives the creator of a study the PI role on it.
type CreatorGranter interface {
	GrantCreator(ctx context.Context, creator principal.Principal, studyID string) (*access.Grant, error)
}

// StoreOptions configures a Store. Access, Validator and Creators are
// optional.
type StoreOptions struct {
	Access    access.Decider
	Validator Validator
	Creators  CreatorGranter
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Store is the entity-write collaborator. It saves rows of watched tables
// and appends each saved row image to the change journal in the same
// transaction. It has no delete path.
type Store struct {
	db      *sql.DB
	catalog *Catalog
	opts    StoreOptions
}

// NewStore creates an entity store
func NewStore(db *sql.DB, catalog *Catalog, opts StoreOptions) *Store {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, catalog: catalog, opts: opts}
}

// Catalog returns the watched tables.
func (s *Store) Catalog() *Catalog {
	return s.catalog
}

func (s *Store) table(name string) (Table, error) {
	t, ok := s.catalog.Table(name)
	if !ok {
		return Table{}, fmt.Errorf("unknown table %q: %w", name, audit.ErrNotFound)
	}
	return t, nil
}

// authorizeWrite requires a grant on the study with a role other than
// VIEWER. Without an evaluator every write is allowed.
func (s *Store) authorizeWrite(ctx context.Context, p principal.Principal, studyID string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	if s.opts.Access == nil {
		return nil
	}
	d, err := s.opts.Access.Decide(ctx, p, studyID)
	if err != nil {
		return err
	}
	if !d.Allowed || d.Role == principal.RoleViewer {
		return fmt.Errorf("%w: %s may not modify study %s", audit.ErrPermissionDenied, p.Actor, studyID)
	}
	return nil
}

func checkColumns(t Table, row Row) error {
	for c := range row {
		if !t.HasColumn(c) {
			return fmt.Errorf("%w: table %s has no column %s", audit.ErrInvalidEntry, t.Name, c)
		}
	}
	return nil
}

// Create inserts a row. The id column must be set. Creating a study grants
// its creator PI on it.
func (s *Store) Create(ctx context.Context, p principal.Principal, tableName string, row Row) (Row, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(t, row); err != nil {
		return nil, err
	}
	id := row[t.IDColumn]
	if id == "" {
		return nil, &audit.ValidationFailure{RuleID: "required", Table: t.Name, Field: t.IDColumn, Message: t.IDColumn + " is required", Blocking: true}
	}
	row = row.Clone()

	isStudy := t.Name == TableStudies
	if !isStudy {
		if err := s.authorizeWrite(ctx, p, t.StudyOf(row)); err != nil {
			return nil, err
		}
	} else if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	if s.opts.Validator != nil {
		if err := s.opts.Validator.Validate(ctx, p, t, id, row); err != nil {
			return nil, err
		}
	}

	now := s.opts.Now().UTC()
	cols := t.AllColumns()
	args := make([]interface{}, 0, len(cols)+1)
	for _, c := range cols {
		args = append(args, nullable(row[c]))
	}
	args = append(args, now)
	query := fmt.Sprintf("INSERT INTO %s (%s, updated_at) VALUES (%s)",
		t.Name, strings.Join(cols, ", "), storage.Placeholders(1, len(args)))

	err = storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", t.Name, err)
		}
		return AppendJournalTx(ctx, tx, JournalEntry{
			Table: t.Name, EntityID: id, Kind: KindInsert, Actor: p.Actor, OccurredAt: now, Row: row,
		})
	})
	if err != nil {
		return nil, err
	}

	if isStudy && s.opts.Creators != nil {
		if _, err := s.opts.Creators.GrantCreator(ctx, p, id); err != nil {
			return nil, fmt.Errorf("study %s created but PI grant failed: %w", id, err)
		}
	}
	return row, nil
}

// Update merges changes into the row. Reason should be set whenever a
// value that was already set is overwritten; its absence is not an error
// here and is reported later as a correction gap. An update that changes
// nothing writes nothing.
func (s *Store) Update(ctx context.Context, p principal.Principal, tableName, id string, changes Row, reason string) (Row, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(t, changes); err != nil {
		return nil, err
	}
	if v, ok := changes[t.IDColumn]; ok && v != id {
		return nil, fmt.Errorf("%w: %s cannot be changed", audit.ErrInvalidEntry, t.IDColumn)
	}

	current, err := s.Get(ctx, tableName, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeWrite(ctx, p, t.StudyOf(current)); err != nil {
		return nil, err
	}

	merged := current.Clone()
	var changed []string
	for c, v := range changes {
		if current[c] != v {
			merged[c] = v
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return current, nil
	}
	sort.Strings(changed)

	if t.StudyOf(merged) != t.StudyOf(current) {
		if err := s.authorizeWrite(ctx, p, t.StudyOf(merged)); err != nil {
			return nil, err
		}
	}
	if s.opts.Validator != nil {
		if err := s.opts.Validator.Validate(ctx, p, t, id, merged); err != nil {
			return nil, err
		}
	}

	now := s.opts.Now().UTC()
	sets := make([]string, 0, len(changed)+2)
	args := make([]interface{}, 0, len(changed)+2)
	for i, c := range changed {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, nullable(merged[c]))
	}
	sets = append(sets, "version = version + 1", fmt.Sprintf("updated_at = $%d", len(args)+1))
	args = append(args, now, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", t.Name, strings.Join(sets, ", "), t.IDColumn, len(args))

	// The UPDATE holds the row lock until commit. The journaled image is
	// read back under that lock, so columns another writer changed after
	// the read above are journaled as they are, not as they were.
	err = storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", t.Name, id, err)
		}
		committed, err := s.get(ctx, tx, t, id)
		if err != nil {
			return err
		}
		merged = committed
		return AppendJournalTx(ctx, tx, JournalEntry{
			Table: t.Name, EntityID: id, Kind: KindUpdate, Actor: p.Actor, Reason: reason, OccurredAt: now, Row: merged,
		})
	})
	if err != nil {
		return nil, err
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"table":     t.Name,
		"entity_id": id,
		"actor":     p.Actor,
		"fields":    changed,
	}).Debug("Entity updated")
	return merged, nil
}

// Delete never deletes. The attempt is journaled with the current row
// image and ErrDeleteForbidden is returned; the row stays as it was.
func (s *Store) Delete(ctx context.Context, p principal.Principal, tableName, id, reason string) error {
	t, err := s.table(tableName)
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	err = storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, t, id)
		if err != nil {
			return err
		}
		return AppendJournalTx(ctx, tx, JournalEntry{
			Table: t.Name, EntityID: id, Kind: KindDelete, Actor: p.Actor, Reason: reason,
			OccurredAt: s.opts.Now().UTC(), Row: current,
		})
	})
	if err != nil {
		return err
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"table":     t.Name,
		"entity_id": id,
		"actor":     p.Actor,
	}).Warn("Rejected delete of research entity")
	return ErrDeleteForbidden
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func scanRows(t Table, rows *sql.Rows) ([]Row, error) {
	cols := t.AllColumns()
	var out []Row
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if values[i].Valid && values[i].String != "" {
				row[c] = values[i].String
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Get reads one row without any access check. Secured reads go through
// pkg/records.
func (s *Store) Get(ctx context.Context, tableName, id string) (Row, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, t, id)
}

func (s *Store) get(ctx context.Context, q storage.Querier, t Table, id string) (Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", strings.Join(t.AllColumns(), ", "), t.Name, t.IDColumn)
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", t.Name, id, err)
	}
	defer rows.Close()

	out, err := scanRows(t, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", t.Name, id, audit.ErrNotFound)
	}
	return out[0], nil
}

// Query selects rows of a table, optionally restricted to some studies.
// Rows come in id order; AfterID starts the page after that id.
type Query struct {
	StudyIDs []string
	AfterID  string
	Limit    int
}

// MaxQueryLimit bounds Query.Limit.
const MaxQueryLimit = 1000

// Select reads rows without any access check. Secured reads go through
// pkg/records.
func (s *Store) Select(ctx context.Context, tableName string, q Query) ([]Row, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}

	var (
		where []string
		args  []interface{}
	)
	if len(q.StudyIDs) > 0 {
		where = append(where, fmt.Sprintf("%s IN (%s)", t.StudyColumn, storage.Placeholders(1, len(q.StudyIDs))))
		for _, id := range q.StudyIDs {
			args = append(args, id)
		}
	}
	if q.AfterID != "" {
		args = append(args, q.AfterID)
		where = append(where, fmt.Sprintf("%s > $%d", t.IDColumn, len(args)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(t.AllColumns(), ", "), t.Name)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", t.IDColumn, len(args)+1)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()
	return scanRows(t, rows)
}

// Count returns the number of rows in a table.
func (s *Store) Count(ctx context.Context, q storage.Querier, tableName string) (int, error) {
	t, err := s.table(tableName)
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.Name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.Name, err)
	}
	return n, nil
}

// Exists reports whether a row with id exists in the table.
func (s *Store) Exists(ctx context.Context, tableName, id string) (bool, error) {
	_, err := s.Get(ctx, tableName, id)
	if errors.Is(err, audit.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
