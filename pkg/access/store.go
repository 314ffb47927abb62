package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// GrantLookup finds the grant for a user on a study.
type GrantLookup interface {
	// Get returns nil, nil when no grant exists.
	Get(ctx context.Context, user, studyID string) (*Grant, error)
}

// Store handles study grant persistence
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewStore creates a new grant store
func NewStore(db *sql.DB, dialect storage.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

const grantColumns = "user_name, study_id, role, granted_by, granted_at, expires_at, active"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		g       Grant
		role    string
		expires sql.NullTime
	)
	if err := row.Scan(&g.User, &g.StudyID, &role, &g.GrantedBy, &g.GrantedAt, &expires, &g.Active); err != nil {
		return nil, err
	}
	g.Role = principal.Role(role)
	g.GrantedAt = g.GrantedAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		g.ExpiresAt = &t
	}
	return &g, nil
}

func (s *Store) get(ctx context.Context, q storage.Querier, user, studyID, suffix string) (*Grant, error) {
	query := "SELECT " + grantColumns + " FROM study_grants WHERE user_name = $1 AND study_id = $2" + suffix
	g, err := scanGrant(q.QueryRowContext(ctx, query, user, studyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// Get returns the grant for (user, studyID), or nil if there is none.
func (s *Store) Get(ctx context.Context, user, studyID string) (*Grant, error) {
	return s.get(ctx, s.db, user, studyID, "")
}

// GetForUpdateTx reads the grant inside tx, locking it on PostgreSQL.
func (s *Store) GetForUpdateTx(ctx context.Context, tx *sql.Tx, user, studyID string) (*Grant, error) {
	return s.get(ctx, tx, user, studyID, s.dialect.ForUpdate())
}

// UpsertTx inserts g or overwrites the existing grant for (user, study).
func (s *Store) UpsertTx(ctx context.Context, tx *sql.Tx, g Grant, now time.Time) error {
	var expires interface{}
	if g.ExpiresAt != nil {
		expires = g.ExpiresAt.UTC()
	}
	query := `
		INSERT INTO study_grants (user_name, study_id, role, granted_by, granted_at, expires_at, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_name, study_id) DO UPDATE SET
			role = excluded.role,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := tx.ExecContext(ctx, query,
		g.User,
		g.StudyID,
		string(g.Role),
		g.GrantedBy,
		g.GrantedAt.UTC(),
		expires,
		g.Active,
		now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

// DeactivateTx marks the grant inactive. Grants are never deleted.
func (s *Store) DeactivateTx(ctx context.Context, tx *sql.Tx, user, studyID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE study_grants SET active = $1, updated_at = $2 WHERE user_name = $3 AND study_id = $4",
		false, now.UTC(), user, studyID)
	if err != nil {
		return fmt.Errorf("failed to deactivate grant: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, where string, arg string) ([]Grant, error) {
	query := "SELECT " + grantColumns + " FROM study_grants WHERE " + where + " = $1 ORDER BY study_id, user_name"
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

// ListByUser returns every grant held by user, active or not.
func (s *Store) ListByUser(ctx context.Context, user string) ([]Grant, error) {
	return s.list(ctx, "user_name", user)
}

// ListByStudy returns every grant on a study, active or not.
func (s *Store) ListByStudy(ctx context.Context, studyID string) ([]Grant, error) {
	return s.list(ctx, "study_id", studyID)
}

// CountActive counts grants in force on the day of now.
func (s *Store) CountActive(ctx context.Context, q storage.Querier, now time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM study_grants WHERE active = $1 AND (expires_at IS NULL OR expires_at >= $2)",
		true, day(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active grants: %w", err)
	}
	return n, nil
}
