package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ChangeKind is the kind of a journaled row mutation.
type ChangeKind string

const (
	KindInsert ChangeKind = "INSERT"
	KindUpdate ChangeKind = "UPDATE"
	KindDelete ChangeKind = "DELETE"
)

// Valid reports whether k is a known kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// JournalEntry is one row of entity_changes. Position is assigned by the
// store and increases monotonically across all tables.
type JournalEntry struct {
	Position   int64      `json:"position"`
	Table      string     `json:"table"`
	EntityID   string     `json:"entity_id"`
	Kind       ChangeKind `json:"kind"`
	Actor      string     `json:"actor"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
	Row        Row        `json:"row"`
}

// AppendJournalTx appends a row image to entity_changes inside tx.
func AppendJournalTx(ctx context.Context, tx *sql.Tx, e JournalEntry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown change kind %q", e.Kind)
	}
	rowJSON, err := json.Marshal(e.Row)
	if err != nil {
		return fmt.Errorf("failed to marshal row image: %w", err)
	}
	var reason interface{}
	if e.Reason != "" {
		reason = e.Reason
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_changes (table_name, entity_id, kind, actor, reason, occurred_at, row_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Table, e.EntityID, string(e.Kind), e.Actor, reason, e.OccurredAt.UTC(), string(rowJSON))
	if err != nil {
		return fmt.Errorf("failed to append to change journal: %w", err)
	}
	return nil
}
