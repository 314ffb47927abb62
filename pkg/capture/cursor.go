package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// CursorsTable stores one drain cursor per watched table.
const CursorsTable = "capture_cursors"

var (
	// ErrCursorRegression is returned when an advance would move a cursor
	// backwards. Only Reset may do that.
	ErrCursorRegression = errors.New("cursor cannot move backwards")

	// ErrConcurrentDrain is returned when the cursor moved between reading
	// the batch and committing it, or while a reset rebuilt snapshots.
	ErrConcurrentDrain = errors.New("cursor moved during drain")
)

// Cursor is the drain position of one watched table.
type Cursor struct {
	Table         string     `json:"table"`
	Position      int64      `json:"position"`
	LastDrainedAt *time.Time `json:"last_drained_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CursorStore persists drain cursors alongside the audit log.
type CursorStore struct {
	dialect storage.Dialect
}

// NewCursorStore creates a cursor store
func NewCursorStore(dialect storage.Dialect) *CursorStore {
	return &CursorStore{dialect: dialect}
}

const cursorColumns = "table_name, position, last_drained_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCursor(row rowScanner) (Cursor, error) {
	var c Cursor
	var drained sql.NullTime
	if err := row.Scan(&c.Table, &c.Position, &drained, &c.UpdatedAt); err != nil {
		return c, err
	}
	if drained.Valid {
		t := drained.Time.UTC()
		c.LastDrainedAt = &t
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Get returns the cursor of a table. A table that was never drained has
// a zero cursor.
func (s *CursorStore) Get(ctx context.Context, q storage.Querier, table string) (Cursor, error) {
	c, err := scanCursor(q.QueryRowContext(ctx,
		"SELECT "+cursorColumns+" FROM "+CursorsTable+" WHERE table_name = $1", table))
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{Table: table}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor of %s: %w", table, err)
	}
	return c, nil
}

// GetForUpdateTx creates the cursor row if needed and locks it.
func (s *CursorStore) GetForUpdateTx(ctx context.Context, tx *sql.Tx, table string, now time.Time) (Cursor, error) {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO "+CursorsTable+" (table_name, position, updated_at) VALUES ($1, 0, $2) ON CONFLICT (table_name) DO NOTHING",
		table, now.UTC())
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to create cursor of %s: %w", table, err)
	}
	c, err := scanCursor(tx.QueryRowContext(ctx,
		"SELECT "+cursorColumns+" FROM "+CursorsTable+" WHERE table_name = $1"+s.dialect.ForUpdate(), table))
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to lock cursor of %s: %w", table, err)
	}
	return c, nil
}

// AdvanceTx moves the cursor forward to position and stamps the drain
// time. Advancing to the current position only refreshes the stamp.
func (s *CursorStore) AdvanceTx(ctx context.Context, tx *sql.Tx, table string, position int64, drainedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE `+CursorsTable+` SET position = $1, last_drained_at = $2, updated_at = $3
		WHERE table_name = $4 AND position <= $5`,
		position, drainedAt.UTC(), drainedAt.UTC(), table, position)
	if err != nil {
		return fmt.Errorf("failed to advance cursor of %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to advance cursor of %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s to %d", ErrCursorRegression, table, position)
	}
	return nil
}

// SetTx moves the cursor to any position. It is used by Reset only.
func (s *CursorStore) SetTx(ctx context.Context, tx *sql.Tx, table string, position int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE "+CursorsTable+" SET position = $1, updated_at = $2 WHERE table_name = $3",
		position, now.UTC(), table)
	if err != nil {
		return fmt.Errorf("failed to reset cursor of %s: %w", table, err)
	}
	return nil
}

// All returns every cursor, ordered by table.
func (s *CursorStore) All(ctx context.Context, q storage.Querier) ([]Cursor, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+cursorColumns+" FROM "+CursorsTable+" ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
