// Package ingest pulls bounded batches of new messages from the inbound stream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"clashcaller/internal/callout"
	"clashcaller/internal/retry"
	"clashcaller/internal/transport"
	logx "clashcaller/pkg/logx"
)

// Source is the platform side of the stream.
type Source interface {
	ListNewItems(ctx context.Context, cursor int64, pageSize int) (transport.Page, error)
}

type Config struct {
	PageSize int
	// MaxAttempts bounds fetch attempts per call (first try included).
	MaxAttempts int
	// Timeout bounds each attempt.
	Timeout time.Duration
	Retry   retry.Policy
}

// FetchError reports that every attempt failed. The batch returned with it is empty.
type FetchError struct {
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Batch is what one fetch hands to the scheduler loop.
type Batch struct {
	Items []callout.RawItem
	// Cursor is the position to persist once every item has been stored.
	Cursor callout.Cursor
}

type Ingestor struct {
	src     Source
	cfg     Config
	backoff *retry.Backoff
	log     logx.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(src Source, cfg Config, log logx.Logger) *Ingestor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{
		src:     src,
		cfg:     cfg,
		backoff: retry.NewBackoff(cfg.Retry),
		log:     log.With(logx.String("comp", "ingest")),
		sleep:   sleepCtx,
	}
}

// FetchNewItems returns items strictly after cursor, oldest first, at most PageSize.
//
// Transient failures are retried with backoff. When every attempt fails the
// returned batch is empty, its cursor equals the input and the error is a *FetchError.
// Cursor persistence is the caller's job.
func (in *Ingestor) FetchNewItems(ctx context.Context, cursor callout.Cursor) (Batch, error) {
	empty := Batch{Cursor: cursor}
	var lastErr error
	attempts := 0
	for attempts < in.cfg.MaxAttempts {
		attempts++
		actx, cancel := context.WithTimeout(ctx, in.cfg.Timeout)
		page, err := in.src.ListNewItems(actx, cursor.Position, in.cfg.PageSize)
		cancel()
		if err == nil {
			return in.batch(cursor, page), nil
		}
		lastErr = err
		if retry.IsNoRetry(err) || transport.Permanent(err) || ctx.Err() != nil {
			break
		}
		if attempts >= in.cfg.MaxAttempts {
			break
		}
		wait := in.backoff.DelayFor(attempts, err)
		in.log.Debug("fetch failed, retrying",
			logx.Int("attempt", attempts), logx.Duration("backoff", wait), logx.Err(err))
		if err := in.sleep(ctx, wait); err != nil {
			break
		}
	}
	return empty, &FetchError{Attempts: attempts, Err: lastErr}
}

func (in *Ingestor) batch(cursor callout.Cursor, page transport.Page) Batch {
	items := make([]callout.RawItem, 0, len(page.Items))
	next := cursor.Position
	for _, it := range page.Items {
		if it.Position <= cursor.Position {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	if len(items) > in.cfg.PageSize {
		items = items[:in.cfg.PageSize]
		// Items past the page were dropped; resume right after the last kept one.
		next = items[len(items)-1].Position
	} else if page.Next > next {
		next = page.Next
	}
	for _, it := range items {
		if it.Position > next {
			next = it.Position
		}
	}
	return Batch{Items: items, Cursor: callout.Cursor{Stream: cursor.Stream, Position: next}}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsFetchError reports whether err came from an exhausted fetch.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
