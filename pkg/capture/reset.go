package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// ErrInvalidReset is returned for a reset without a reason or with a
// position outside the feed.
var ErrInvalidReset = errors.New("invalid cursor reset")

// ResetRequest asks for a table to be re-drained from a position.
type ResetRequest struct {
	Position int64  `json:"position"`
	Reason   string `json:"reason"`
}

// Reset moves the cursor of a table to any position between 0 and the feed
// head, for disaster recovery. Snapshots taken after the position are
// rebuilt from the feed so that the re-drain diffs against the values
// that were current at that position; replayed changes then dedup against
// the records already written.
//
// Only administrators may reset. The reset itself is recorded as a change
// on capture_cursors in the same transaction. The rebuild runs before the
// cursor is locked, so a drain that commits in between fails the reset with
// ErrConcurrentDrain instead of leaving snapshots from the old position.
func (p *Pipeline) Reset(ctx context.Context, actor principal.Principal, table string, req ResetRequest) (Cursor, error) {
	if err := actor.Validate(); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	if !p.config.AdminRoles.Contains(actor.Role) {
		return Cursor{}, fmt.Errorf("%w: cursor reset requires an administrative role", audit.ErrPermissionDenied)
	}
	t, ok := p.catalog.Table(table)
	if !ok {
		return Cursor{}, fmt.Errorf("table %q is not watched: %w", table, audit.ErrNotFound)
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return Cursor{}, fmt.Errorf("%w: a reason is required", ErrInvalidReset)
	}
	before, err := p.cursors.Get(ctx, p.db, table)
	if err != nil {
		return Cursor{}, err
	}
	head, err := p.feed.Head(ctx, table)
	if err != nil {
		return Cursor{}, err
	}
	if req.Position < 0 || req.Position > head {
		return Cursor{}, fmt.Errorf("%w: position %d outside 0..%d", ErrInvalidReset, req.Position, head)
	}

	stale, err := p.snapshots.After(ctx, p.db, table, req.Position)
	if err != nil {
		return Cursor{}, err
	}
	rebuilt, err := p.rebuild(ctx, t, stale, req.Position)
	if err != nil {
		return Cursor{}, err
	}

	now := p.config.Now().UTC()
	var result Cursor
	err = storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		prev, err := p.cursors.GetForUpdateTx(ctx, tx, table, now)
		if err != nil {
			return err
		}
		if prev.Position != before.Position {
			return fmt.Errorf("%w: %s at %d, expected %d", ErrConcurrentDrain, table, prev.Position, before.Position)
		}
		if err := p.cursors.SetTx(ctx, tx, table, req.Position, now); err != nil {
			return err
		}
		for _, id := range stale {
			snap, ok := rebuilt[id]
			if !ok {
				if err := p.snapshots.DeleteTx(ctx, tx, table, id); err != nil {
					return err
				}
				continue
			}
			if err := p.snapshots.SaveTx(ctx, tx, table, id, snap.Fields, snap.SourcePosition, now); err != nil {
				return err
			}
		}

		old := strconv.FormatInt(prev.Position, 10)
		next := strconv.FormatInt(req.Position, 10)
		_, err = p.writer.AppendTx(ctx, tx,
			audit.ChangeEvent{
				EntityTable:    CursorsTable,
				EntityID:       table,
				Operation:      audit.OpUpdate,
				FieldName:      "position",
				OldValue:       &old,
				NewValue:       &next,
				Actor:          actor.Actor,
				OccurredAt:     now,
				Reason:         req.Reason,
				SourceChangeID: "reset:" + uuid.New().String(),
			},
			audit.ActivityRecord{
				Actor:        actor.Actor,
				ActivityType: audit.ActivityEdit,
				EntityRef:    CursorsTable + "/" + table,
				Description:  fmt.Sprintf("reset cursor of %s from %d to %d: %s", table, prev.Position, req.Position, req.Reason),
				OccurredAt:   now,
				SessionID:    actor.SessionID,
			})
		if err != nil {
			return err
		}

		result = prev
		result.Position = req.Position
		result.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Cursor{}, err
	}

	p.config.Logger.WithFields(logrus.Fields{
		"actor":     actor.Actor,
		"table":     table,
		"position":  req.Position,
		"snapshots": len(stale),
		"reason":    req.Reason,
	}).Warn("Capture cursor reset")
	return result, nil
}

// rebuild replays the feed up to position and returns the last image of
// each of the given ids. Ids with no change at or before position are
// absent.
func (p *Pipeline) rebuild(ctx context.Context, t entity.Table, ids []string, position int64) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	after := int64(0)
	for after < position {
		changes, err := p.feed.Read(ctx, t.Name, after, p.config.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(changes) == 0 {
			break
		}
		for _, c := range changes {
			if c.Position > position {
				return out, nil
			}
			if want[c.EntityID] && c.Kind != entity.KindDelete {
				out[c.EntityID] = Snapshot{Fields: project(t, c.Row), SourcePosition: c.Position}
			}
			after = c.Position
		}
	}
	return out, nil
}
