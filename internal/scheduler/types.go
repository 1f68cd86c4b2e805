package scheduler

import (
	"context"
	"time"

	"clashcaller/internal/callout"
	"clashcaller/internal/dispatch"
	"clashcaller/internal/ingest"
	"clashcaller/internal/retry"
)

// Store is the subset of storage.Store the loop drives.
type Store interface {
	InsertIfAbsent(ctx context.Context, d callout.Draft, now time.Time) (bool, int64, error)
	DueCallouts(ctx context.Context, now time.Time, limit int) ([]callout.Callout, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error)
	RecordAttempt(ctx context.Context, id int64, prevAttempts int, next time.Time, reason string, at time.Time) (bool, error)
	CurrentCursor(ctx context.Context, stream string) (callout.Cursor, error)
	AdvanceCursor(ctx context.Context, c callout.Cursor, at time.Time) error
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

type Fetcher interface {
	FetchNewItems(ctx context.Context, cursor callout.Cursor) (ingest.Batch, error)
}

type Parser interface {
	Parse(item callout.RawItem) (callout.Draft, error)
	HintDraft(item callout.RawItem, pf *callout.ParseFailure) callout.Draft
}

type Deliverer interface {
	Deliver(ctx context.Context, c callout.Callout) dispatch.Outcome
}

// Clock supplies "now" to every cycle.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

type Config struct {
	// Stream names the cursor row of the inbound stream.
	Stream string
	// Interval is the pause between two cycles.
	Interval time.Duration
	// CycleTimeout bounds one cycle, including the drain on shutdown.
	CycleTimeout time.Duration
	// DueLimit caps the callouts dispatched per cycle.
	DueLimit int
	Workers  int
	// DeliveryRetryMax is the number of post attempts before a callout fails.
	DeliveryRetryMax int
	Retry            retry.Policy
	Breaker          retry.BreakerConfig
	ReplyOnMalformed bool

	// PurgeSchedule is a standard 5-field cron expression. Housekeeping is
	// off unless Retention > 0.
	PurgeSchedule string
	Retention     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "telegram"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
	if c.DueLimit <= 0 {
		c.DueLimit = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeliveryRetryMax <= 0 {
		c.DeliveryRetryMax = 5
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = 30 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Minute
	}
	if c.PurgeSchedule == "" {
		c.PurgeSchedule = "17 4 * * *"
	}
	return c
}

// CycleReport summarises one cycle.
type CycleReport struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	CursorFrom int64  `json:"cursor_from"`
	CursorTo   int64  `json:"cursor_to"`
	Fetched    int    `json:"fetched"`
	FetchError string `json:"fetch_error,omitempty"`
	Scheduled  int    `json:"scheduled"`
	Hints      int    `json:"hints"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	Rejected   int    `json:"rejected"`

	Due         int  `json:"due"`
	Delivered   int  `json:"delivered"`
	Retried     int  `json:"retried"`
	Failed      int  `json:"failed"`
	Deferred    int  `json:"deferred"`
	CircuitOpen bool `json:"circuit_open,omitempty"`

	Purged int64 `json:"purged,omitempty"`

	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r CycleReport) Took() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// CalloutEvent is the payload of callout.* events.
type CalloutEvent struct {
	ID          int64     `json:"id"`
	SourceRef   string    `json:"source_ref"`
	Kind        string    `json:"kind"`
	RequestedBy string    `json:"requested_by,omitempty"`
	FireAt      time.Time `json:"fire_at"`
	Attempts    int       `json:"attempts,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	Error       string    `json:"error,omitempty"`
}
