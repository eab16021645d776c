// Package history records and reads the execution history of pipeline runs.
//
// Recorder sits in front of the state store and moves large snapshots to
// the blob store before the record is appended. Service answers the two
// diagnostic questions operators ask after a run: what a stage returned, and
// where a given row stopped progressing.
package history
