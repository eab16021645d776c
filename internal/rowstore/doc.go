// Package rowstore reads candidate videos from a spreadsheet and writes stage
// outputs and final status back to the source rows.
//
// The Google Sheets backend is used in production. Memory is an in-process
// backend for tests and dry runs.
package rowstore
