package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clashcaller/internal/callout"
)

var (
	// ErrUnavailable wraps every error of the backing medium.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrInvalid marks a record the store refused: a constraint or data
	// error that retrying the same record cannot fix.
	ErrInvalid  = errors.New("record rejected by store")
	ErrNotFound = errors.New("callout not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a lib/pq connection string or URL
//   - "file": Path is the journal prefix (<path>.snapshot.json, <path>.journal.jsonl)
//   - "memory": no persistence
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is the durable record of callouts and ingest cursors.
//
// All state transitions are conditional on the row still being pending,
// so terminal rows are never rewritten and concurrent callers apply at most once.
type Store interface {
	// InsertIfAbsent stores d unless a pending or delivered callout with the
	// same SourceRef exists; in that case it returns inserted=false and the existing id.
	InsertIfAbsent(ctx context.Context, d callout.Draft, now time.Time) (inserted bool, id int64, err error)
	// DueCallouts returns pending callouts with FireAt <= now whose retry
	// backoff has elapsed, oldest FireAt first.
	DueCallouts(ctx context.Context, now time.Time, limit int) ([]callout.Callout, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error)
	// RecordAttempt books a failed attempt and schedules the next one. It only
	// applies when the row is pending and still has prevAttempts attempts.
	RecordAttempt(ctx context.Context, id int64, prevAttempts int, next time.Time, reason string, at time.Time) (bool, error)

	CurrentCursor(ctx context.Context, stream string) (callout.Cursor, error)
	AdvanceCursor(ctx context.Context, c callout.Cursor, at time.Time) error

	Get(ctx context.Context, id int64) (callout.Callout, error)
	CountByState(ctx context.Context) (map[callout.State]int, error)
	// PurgeTerminal deletes delivered and failed callouts last updated before the given time.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("storage: %s: %w: %w", op, ErrUnavailable, err)
}

func invalid(op string, err error) error {
	return fmt.Errorf("storage: %s: %w: %w", op, ErrInvalid, err)
}

var errNoSourceRef = errors.New("source ref is required")

// maxErrLen bounds last_error so a chatty transport cannot bloat rows.
const maxErrLen = 500

func clipErr(s string) string {
	if len(s) <= maxErrLen {
		return s
	}
	return s[:maxErrLen-3] + "..."
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
