// Package services defines shared utilities consumed by the pipeline driver,
// the batch dispatcher and the stage adapters.
//
// Key responsibilities:
//   - Context helpers that stamp run identifiers, stage names, row indexes and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that classify failures as
//     transient, permanent, precondition or infrastructure.
//
// Use these helpers when wiring new stage adapters so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
