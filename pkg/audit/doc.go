// Package audit is the append-only audit subsystem: the Change, Activity,
// Export and Validation logs and the writer that fills them.
//
// # Guarantees
//
// A batch passed to Append (or AppendTx) is written atomically. Each log has
// its own sequence that is strictly increasing and gap-free: numbers are
// taken from a counter row locked inside the writing transaction, so a
// rolled-back batch consumes nothing. Records are hash-chained
// (hash = sha256(prev_hash | seq | payload)) and the schema rejects UPDATE
// and DELETE on every log table. Corrections are new records.
//
// Change events carry a dedup key of (table, record id, column, source
// change id). Replaying an event that is already persisted is a no-op
// counted in AppendResult.Duplicates, never an error.
//
// # Usage
//
// Capture commits change events together with its cursor advance:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	res, err := writer.AppendTx(ctx, tx, events...)
//	// ... advance cursor in tx ...
//	tx.Commit()
//
// Egress goes through ReleaseExport so the ExportRecord exists before the
// artifact leaves the process:
//
//	audit.ReleaseExport(ctx, writer, p, audit.ExportRecord{...}, func() error {
//		return format.Write(w, records)
//	})
package audit
