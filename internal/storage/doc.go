// Package storage persists dispatch state: per-class progress records,
// sent-item ledgers, day-scoped delivery logs and the run audit trail.
//
// Drivers:
//   - file:   one JSON document per key, replaced via temp file + rename
//   - sqlite: embedded SQLite database (modernc.org/sqlite)
//   - redis:  shared Redis instance (one key per document)
package storage
