package capture

import (
	"encoding/json"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
)

// RowField is the field name of a DELETE-ATTEMPT event, which concerns
// the whole row rather than one column.
const RowField = "*"

func valuePtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// project keeps the catalog columns of a row image.
func project(t entity.Table, row entity.Row) entity.Row {
	out := make(entity.Row, len(row))
	for _, c := range t.AllColumns() {
		if v := row[c]; v != "" {
			out[c] = v
		}
	}
	return out
}

// Diff turns one raw change into change events. prev is the snapshot the
// change is compared against and may be nil.
//
// An INSERT yields a CREATE per non-empty column. An UPDATE yields an
// UPDATE per column whose value differs from prev. A DELETE yields a single
// DELETE-ATTEMPT carrying the row image as the old value.
func Diff(t entity.Table, c RawChange, prev entity.Row) []audit.ChangeEvent {
	base := audit.ChangeEvent{
		EntityTable:    t.Name,
		EntityID:       c.EntityID,
		Actor:          c.Actor,
		OccurredAt:     c.OccurredAt,
		Reason:         c.Reason,
		SourceChangeID: c.SourceID(),
	}

	switch c.Kind {
	case entity.KindInsert:
		var events []audit.ChangeEvent
		for _, col := range t.AllColumns() {
			if v := c.Row[col]; v != "" {
				e := base
				e.Operation = audit.OpCreate
				e.FieldName = col
				e.NewValue = valuePtr(v)
				events = append(events, e)
			}
		}
		return events

	case entity.KindUpdate:
		var events []audit.ChangeEvent
		for _, col := range t.AllColumns() {
			old, next := prev[col], c.Row[col]
			if old == next {
				continue
			}
			e := base
			e.Operation = audit.OpUpdate
			e.FieldName = col
			e.OldValue = valuePtr(old)
			e.NewValue = valuePtr(next)
			events = append(events, e)
		}
		return events

	case entity.KindDelete:
		image := project(t, c.Row)
		if len(image) == 0 {
			image = prev
		}
		e := base
		e.Operation = audit.OpDeleteAttempt
		e.FieldName = RowField
		e.Severity = audit.SeverityCritical
		if data, err := json.Marshal(image); err == nil && len(image) > 0 {
			e.OldValue = valuePtr(string(data))
		}
		return []audit.ChangeEvent{e}
	}
	return nil
}
