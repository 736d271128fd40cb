// Package storage persists job definitions, schedules and run records.
//
// Three drivers are available:
//   - memory: process-local maps, for tests and one-shot runs
//   - file: JSON snapshot for definitions plus a JSONL run journal
//   - sqlite: a SQLite database file (modernc.org/sqlite, WAL mode)
//
// Failures that may clear on retry (closed store, busy database, I/O errors)
// wrap ErrUnavailable. Missing rows wrap ErrNotFound.
package storage
