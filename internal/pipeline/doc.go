// Package pipeline drives runs through the ordered stage sequence.
//
// A run starts as Pending(0) with the batch read from the row store. Each
// stage is dispatched over the surviving items; succeeded items advance and
// failed items move to the run's failure ledger without aborting the run.
// After every stage the driver persists a checkpoint of the surviving batch
// and ledger so an interrupted run resumes at the last completed stage
// boundary. Only the driver holding the run lease advances a run.
package pipeline
