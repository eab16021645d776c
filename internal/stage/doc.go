// Package stage defines the contract between the pipeline and its stage
// workers.
//
// A Worker receives a batch-shaped Input and answers with an Output or one of
// the typed failures: TransientError, PermanentError or PartialBatchFailure.
// Definition binds a worker to its stage name, the outputs it adds to each
// item, and the dispatch limits the batch dispatcher enforces. FromConfig
// assembles the canonical stage list from configuration.
package stage
