// Package store persists pipeline runs, stage-boundary checkpoints and the
// append-only execution history in SQLite.
//
// Schema changes ship as embedded SQL migrations. Writes retry briefly on
// SQLITE_BUSY so concurrent runs can append execution records to the same
// database.
package store
