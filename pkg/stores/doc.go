// Package stores keeps the history of adapter batches in SQLite.
//
// A SQLiteStore implements engine.RunRecorder: every batch is inserted
// when the adapter starts and updated with its outcome and the per-task
// callback results when it finishes. Stored records are redacted, the
// same way run.json in the run directory is.
package stores
