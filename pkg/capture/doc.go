// Package capture turns mutations of the watched research tables into
// field-level change events.
//
// The entity collaborator appends every saved row image to an append-only
// journal with a monotonic position. The pipeline keeps one cursor per
// table and, on each drain, reads the changes past it and diffs each one
// against the last captured image of the row:
//
//   - INSERT: one CREATE event per non-empty column
//   - UPDATE: one UPDATE event per changed column
//   - DELETE: one DELETE-ATTEMPT event with CRITICAL severity; deletes are
//     forbidden, so the attempt itself is the fact being recorded
//
// Events, new snapshots and the cursor advance are committed in one
// transaction. A failed batch leaves the cursor where it was and is retried
// in full; the change log's dedup key (table, entity id, field, source
// change id) turns any replay into a no-op.
//
// # Usage Example
//
//	pipeline := capture.NewPipeline(db, catalog, capture.NewSQLFeed(db), writer, capture.Config{
//		Dialect: storage.DialectPostgres,
//		Logger:  logger,
//		Metrics: metrics,
//	})
//	res, err := pipeline.DrainAll(ctx, "observations")
package capture
