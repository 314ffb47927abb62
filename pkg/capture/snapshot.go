package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// Snapshot is the last captured image of a row. It is the previous value
// that the next update is diffed against.
type Snapshot struct {
	Fields         entity.Row
	SourcePosition int64
}

// SnapshotStore persists row images in capture_snapshots.
type SnapshotStore struct{}

// NewSnapshotStore creates a snapshot store
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Load returns the snapshots of the given ids. Ids without a snapshot are
// absent from the result.
func (s *SnapshotStore) Load(ctx context.Context, q storage.Querier, table string, ids []string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, table)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx,
		"SELECT entity_id, fields_json, source_position FROM capture_snapshots WHERE table_name = $1 AND entity_id IN ("+
			storage.Placeholders(2, len(ids))+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, fields string
		var snap Snapshot
		if err := rows.Scan(&id, &fields, &snap.SourcePosition); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &snap.Fields); err != nil {
			return nil, fmt.Errorf("snapshot %s/%s is malformed: %w", table, id, err)
		}
		out[id] = snap
	}
	return out, rows.Err()
}

// After returns the ids whose snapshot was taken after position.
func (s *SnapshotStore) After(ctx context.Context, q storage.Querier, table string, position int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT entity_id FROM capture_snapshots WHERE table_name = $1 AND source_position > $2 ORDER BY entity_id",
		table, position)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveTx stores the image of a row.
func (s *SnapshotStore) SaveTx(ctx context.Context, tx *sql.Tx, table, id string, fields entity.Row, position int64, now time.Time) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO capture_snapshots (table_name, entity_id, fields_json, source_position, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, entity_id) DO UPDATE SET
			fields_json = excluded.fields_json,
			source_position = excluded.source_position,
			updated_at = excluded.updated_at`,
		table, id, string(data), position, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%s: %w", table, id, err)
	}
	return nil
}

// DeleteTx forgets the image of a row. Snapshots are capture state, not
// audit history; this is only used when a cursor reset rewinds them.
func (s *SnapshotStore) DeleteTx(ctx context.Context, tx *sql.Tx, table, id string) error {
	_, err := tx.ExecContext(ctx, "DELETE FROM capture_snapshots WHERE table_name = $1 AND entity_id = $2", table, id)
	if err != nil {
		return fmt.Errorf("failed to drop snapshot %s/%s: %w", table, id, err)
	}
	return nil
}
