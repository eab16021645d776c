// Command videogen submits, resumes and inspects video generation runs.
//
// A run reads candidate rows from the configured spreadsheet and drives them
// through the configured stage workers, checkpointing between stages. The
// process exits non-zero unless the run succeeded for every row.
package main
