// Package workitem models one spreadsheet row travelling through the pipeline.
//
// An Item carries immutable input fields set at ingestion and output fields
// filled in by successive stages. Outputs are append-only: Enrich refuses to
// overwrite a value a previous stage produced. Validate checks that an item
// routed to a stage carries every field and flag the earlier stages promise.
package workitem
