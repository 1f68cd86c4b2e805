// Package storage persists scheduled callouts and the ingest cursor.
//
// Drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite), the default
//   - "postgres": server database (github.com/lib/pq)
//   - "file": JSON snapshot plus an fsynced JSONL journal, no database needed
//   - "memory": process-local, non-durable; tests and dry runs only
//
// Every failure of the backing medium is reported as ErrUnavailable.
package storage
