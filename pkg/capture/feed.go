package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/entity"
)

// RawChange is one journaled row mutation as read from a feed.
type RawChange struct {
	Position   int64
	Table      string
	EntityID   string
	Kind       entity.ChangeKind
	Actor      string
	Reason     string
	OccurredAt time.Time
	Row        entity.Row
	ChangeID   string
}

// SourceID returns the change id, defaulting to "table:position".
func (c RawChange) SourceID() string {
	if c.ChangeID != "" {
		return c.ChangeID
	}
	return c.Table + ":" + strconv.FormatInt(c.Position, 10)
}

// Feed is an append-only log of row mutations with a monotonic position.
type Feed interface {
	// Pending reports whether the table has changes after the position.
	Pending(ctx context.Context, table string, after int64) (bool, error)
	// Read returns up to limit changes after the position, in position order.
	Read(ctx context.Context, table string, after int64, limit int) ([]RawChange, error)
	// Head returns the highest position of the table, or 0.
	Head(ctx context.Context, table string) (int64, error)
}

// SQLFeed reads the entity_changes journal.
type SQLFeed struct {
	db *sql.DB
}

// NewSQLFeed creates a feed over the entity_changes journal
func NewSQLFeed(db *sql.DB) *SQLFeed {
	return &SQLFeed{db: db}
}

// Pending implements Feed.
func (f *SQLFeed) Pending(ctx context.Context, table string, after int64) (bool, error) {
	var n int
	err := f.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM (SELECT 1 FROM entity_changes WHERE table_name = $1 AND position > $2 LIMIT 1) pending",
		table, after).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending changes for %s: %w", table, err)
	}
	return n > 0, nil
}

// Read implements Feed.
func (f *SQLFeed) Read(ctx context.Context, table string, after int64, limit int) ([]RawChange, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT position, entity_id, kind, actor, reason, occurred_at, row_json
		FROM entity_changes
		WHERE table_name = $1 AND position > $2
		ORDER BY position
		LIMIT $3`, table, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes for %s: %w", table, err)
	}
	defer rows.Close()

	var out []RawChange
	for rows.Next() {
		c := RawChange{Table: table}
		var kind, rowJSON string
		var reason sql.NullString
		if err := rows.Scan(&c.Position, &c.EntityID, &kind, &c.Actor, &reason, &c.OccurredAt, &rowJSON); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Kind = entity.ChangeKind(kind)
		c.Reason = reason.String
		c.OccurredAt = c.OccurredAt.UTC()
		if err := json.Unmarshal([]byte(rowJSON), &c.Row); err != nil {
			return nil, fmt.Errorf("change %d of %s has a malformed row image: %w", c.Position, table, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Head implements Feed.
func (f *SQLFeed) Head(ctx context.Context, table string) (int64, error) {
	var head int64
	err := f.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position), 0) FROM entity_changes WHERE table_name = $1", table).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read head of %s: %w", table, err)
	}
	return head, nil
}

// MemoryFeed is an in-process feed for tests and local runs. Positions are
// shared across tables, like the journal's.
type MemoryFeed struct {
	mu      sync.RWMutex
	last    int64
	changes map[string][]RawChange
}

// NewMemoryFeed creates an empty feed
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{changes: make(map[string][]RawChange)}
}

// Append adds a change and returns its position.
func (f *MemoryFeed) Append(c RawChange) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last++
	c.Position = f.last
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now().UTC()
	}
	f.changes[c.Table] = append(f.changes[c.Table], c)
	return c.Position
}

// Pending implements Feed.
func (f *MemoryFeed) Pending(ctx context.Context, table string, after int64) (bool, error) {
	head, _ := f.Head(ctx, table)
	return head > after, nil
}

// Read implements Feed.
func (f *MemoryFeed) Read(ctx context.Context, table string, after int64, limit int) ([]RawChange, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	changes := f.changes[table]
	i := sort.Search(len(changes), func(i int) bool { return changes[i].Position > after })
	end := i + limit
	if end > len(changes) {
		end = len(changes)
	}
	out := make([]RawChange, 0, end-i)
	for _, c := range changes[i:end] {
		c.Row = c.Row.Clone()
		out = append(out, c)
	}
	return out, nil
}

// Head implements Feed.
func (f *MemoryFeed) Head(ctx context.Context, table string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	changes := f.changes[table]
	if len(changes) == 0 {
		return 0, nil
	}
	return changes[len(changes)-1].Position, nil
}
