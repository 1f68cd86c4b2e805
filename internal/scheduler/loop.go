// Package scheduler runs the recurring ingest/dispatch cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"clashcaller/internal/callout"
	"clashcaller/internal/dispatch"
	"clashcaller/internal/eventbus"
	"clashcaller/internal/retry"
	"clashcaller/internal/storage"
	logx "clashcaller/pkg/logx"
)

type Deps struct {
	Store   Store
	Fetcher Fetcher
	Parser  Parser
	Deliver Deliverer
	Bus     eventbus.Bus
	Clock   Clock
}

type Loop struct {
	cfg     Config
	store   Store
	fetch   Fetcher
	parser  Parser
	deliver Deliverer
	bus     eventbus.Bus
	clock   Clock
	log     logx.Logger

	backoff *retry.Backoff
	breaker *retry.Breaker
	abort   *retry.Backoff

	purge     cron.Schedule
	nextPurge time.Time

	// unconfirmed holds ids that were posted but whose MarkDelivered did not land.
	umu         sync.Mutex
	unconfirmed map[int64]struct{}

	last   atomic.Pointer[CycleReport]
	aborts atomic.Int64
}

func New(cfg Config, deps Deps, log logx.Logger) (*Loop, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Parser == nil || deps.Deliver == nil {
		return nil, errors.New("scheduler: store, fetcher, parser and deliverer are required")
	}
	cfg = cfg.withDefaults()
	sched, err := cron.ParseStandard(cfg.PurgeSchedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: purge schedule %q: %w", cfg.PurgeSchedule, err)
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		cfg:         cfg,
		store:       deps.Store,
		fetch:       deps.Fetcher,
		parser:      deps.Parser,
		deliver:     deps.Deliver,
		bus:         deps.Bus,
		clock:       deps.Clock,
		log:         log.With(logx.String("comp", "scheduler")),
		backoff:     retry.NewBackoff(cfg.Retry),
		breaker:     retry.NewBreaker(cfg.Breaker),
		abort:       retry.NewBackoff(retry.Policy{Base: cfg.Interval, MaxDelay: 8 * cfg.Interval, Jitter: -1}),
		purge:       sched,
		unconfirmed: map[int64]struct{}{},
	}, nil
}

// Run drives cycles until ctx is canceled. A cycle in flight when ctx ends
// finishes on a detached context bounded by CycleTimeout.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("loop started",
		logx.Duration("interval", l.cfg.Interval),
		logx.Int("workers", l.cfg.Workers),
		logx.Int("due_limit", l.cfg.DueLimit))

	t := time.NewTimer(0)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			l.log.Info("loop stopped")
			return nil
		case <-t.C:
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CycleTimeout)
		_, err := l.RunCycle(cctx, l.clock.Now())
		cancel()

		wait := l.cfg.Interval
		if err != nil {
			failures++
			wait = l.abort.Delay(failures)
			l.log.Warn("cycle aborted, backing off",
				logx.Int("consecutive", failures), logx.Duration("backoff", wait), logx.Err(err))
		} else {
			failures = 0
		}
		t.Reset(wait)
	}
}

// RunCycle performs one ingest phase followed by one dispatch phase at now.
// It returns an error only when the store failed; the report is filled either way.
func (l *Loop) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	rep := CycleReport{ID: uuid.NewString(), StartedAt: now}
	log := l.log.With(logx.String("cycle", rep.ID))

	err := l.ingest(ctx, now, &rep, log)
	if err == nil {
		err = l.dispatch(ctx, now, &rep, log)
	}
	if err == nil {
		l.housekeeping(ctx, now, &rep, log)
	}
	rep.FinishedAt = l.clock.Now()

	if err != nil {
		rep.Aborted = true
		rep.Error = err.Error()
		l.aborts.Add(1)
		l.publish(eventbus.TypeCycleAborted, now, rep)
	} else {
		l.aborts.Store(0)
		l.publish(eventbus.TypeCycleCompleted, now, rep)
	}
	l.last.Store(&rep)

	if rep.Fetched > 0 || rep.Due > 0 || rep.Purged > 0 || err != nil {
		log.Info("cycle finished",
			logx.Int("fetched", rep.Fetched),
			logx.Int("scheduled", rep.Scheduled),
			logx.Int("hints", rep.Hints),
			logx.Int("duplicates", rep.Duplicates),
			logx.Int("rejected", rep.Rejected),
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("retried", rep.Retried),
			logx.Int("failed", rep.Failed),
			logx.Int64("cursor", rep.CursorTo),
			logx.Duration("took", rep.Took()),
			logx.Err(err))
	}
	return rep, err
}

// LastReport returns the most recent cycle report.
func (l *Loop) LastReport() (CycleReport, bool) {
	r := l.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// CycleTimeout bounds one cycle, including the drain on shutdown.
func (l *Loop) CycleTimeout() time.Duration { return l.cfg.CycleTimeout }

// ConsecutiveAborts is reset by every completed cycle.
func (l *Loop) ConsecutiveAborts() int64 { return l.aborts.Load() }

func (l *Loop) ingest(ctx context.Context, now time.Time, rep *CycleReport, log logx.Logger) error {
	cur, err := l.store.CurrentCursor(ctx, l.cfg.Stream)
	if err != nil {
		return err
	}
	rep.CursorFrom, rep.CursorTo = cur.Position, cur.Position

	batch, ferr := l.fetch.FetchNewItems(ctx, cur)
	if ferr != nil {
		rep.FetchError = ferr.Error()
		log.Warn("fetch failed, continuing with empty batch", logx.Err(ferr))
	}
	rep.Fetched = len(batch.Items)

	done := cur.Position
	for _, item := range batch.Items {
		if err := l.ingestItem(ctx, now, item, rep, log); err != nil {
			// Keep what was stored; the failed item is fetched again next cycle.
			if done > cur.Position {
				if aerr := l.store.AdvanceCursor(ctx, callout.Cursor{Stream: cur.Stream, Position: done}, now); aerr == nil {
					rep.CursorTo = done
				}
			}
			return err
		}
		done = item.Position
	}

	next := batch.Cursor
	if next.Stream == "" {
		next.Stream = cur.Stream
	}
	if next.Position != cur.Position {
		if err := l.store.AdvanceCursor(ctx, next, now); err != nil {
			return err
		}
		rep.CursorTo = next.Position
	}
	return nil
}

func (l *Loop) ingestItem(ctx context.Context, now time.Time, item callout.RawItem, rep *CycleReport, log logx.Logger) error {
	d, err := l.parser.Parse(item)
	if err != nil {
		pf, ok := callout.AsParseFailure(err)
		if !ok || pf.Silent() || !pf.Replyable() {
			rep.Skipped++
			return nil
		}
		if !l.cfg.ReplyOnMalformed {
			rep.Rejected++
			log.Debug("command rejected", logx.String("source", item.SourceRef), logx.String("reason", string(pf.Reason)))
			return nil
		}
		d = l.parser.HintDraft(item, pf)
	}

	inserted, id, err := l.store.InsertIfAbsent(ctx, d, now)
	if err != nil {
		if l.storeDown(ctx, err) {
			log.Warn("persist failed", logx.String("source", item.SourceRef), logx.Err(err))
			return err
		}
		// The store is up and refused this one record; skip it so the
		// cursor can move past it.
		rep.Rejected++
		log.Error("item not stored, skipping",
			logx.Int64("position", item.Position),
			logx.String("source", item.SourceRef),
			logx.Err(err))
		return nil
	}
	if !inserted {
		rep.Duplicates++
		return nil
	}

	typ := eventbus.TypeCalloutScheduled
	if d.Kind == callout.KindHint {
		rep.Hints++
		typ = eventbus.TypeHintScheduled
	} else {
		rep.Scheduled++
	}
	log.Info("callout scheduled",
		logx.Int64("id", id),
		logx.String("kind", string(d.Kind)),
		logx.String("source", d.SourceRef),
		logx.String("by", d.RequestedBy),
		logx.Time("fire_at", d.FireAt))
	l.publish(typ, now, CalloutEvent{
		ID: id, SourceRef: d.SourceRef, Kind: string(d.Kind), RequestedBy: d.RequestedBy, FireAt: d.FireAt,
	})
	return nil
}

// storeDown reports whether err means the medium itself is unreachable.
// An ErrUnavailable insert is double-checked with a ping.
func (l *Loop) storeDown(ctx context.Context, err error) bool {
	return errors.Is(err, storage.ErrUnavailable) && l.store.Ping(ctx) != nil
}

type tally struct {
	mu sync.Mutex

	delivered, retried, failed, deferred int
}

func (t *tally) add(f func(t *tally)) {
	t.mu.Lock()
	f(t)
	t.mu.Unlock()
}

func (l *Loop) dispatch(ctx context.Context, now time.Time, rep *CycleReport, log logx.Logger) error {
	if open, until := l.breaker.Open(now); open {
		rep.CircuitOpen = true
		log.Debug("delivery circuit open, skipping dispatch", logx.Time("until", until))
		return nil
	}

	due, err := l.store.DueCallouts(ctx, now, l.cfg.DueLimit)
	if err != nil {
		return err
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		stop atomic.Bool
		tl   tally
	)
	g.SetLimit(l.cfg.Workers)
	for _, c := range due {
		c := c
		g.Go(func() error {
			if stop.Load() {
				tl.add(func(t *tally) { t.deferred++ })
				return nil
			}
			return l.dispatchOne(ctx, now, c, &stop, &tl, log)
		})
	}
	err = g.Wait()

	rep.Delivered, rep.Retried, rep.Failed, rep.Deferred = tl.delivered, tl.retried, tl.failed, tl.deferred
	rep.CircuitOpen = rep.CircuitOpen || stop.Load()
	return err
}

func (l *Loop) dispatchOne(ctx context.Context, now time.Time, c callout.Callout, stop *atomic.Bool, tl *tally, log logx.Logger) error {
	log = log.With(logx.Int64("id", c.ID))

	if l.isUnconfirmed(c.ID) {
		if _, err := l.store.MarkDelivered(ctx, c.ID, now); err != nil {
			stop.Store(true)
			return err
		}
		l.confirm(c.ID)
		tl.add(func(t *tally) { t.delivered++ })
		log.Info("delivery confirmed after store recovery")
		l.publish(eventbus.TypeCalloutDelivered, now, eventFor(c))
		return nil
	}

	out := l.deliver.Deliver(ctx, c)
	switch out.Kind {
	case dispatch.Deferred:
		tl.add(func(t *tally) { t.deferred++ })
		return nil

	case dispatch.Success:
		l.breaker.Record(now, nil)
		ok, err := l.store.MarkDelivered(ctx, c.ID, now)
		if err != nil {
			l.remember(c.ID)
			stop.Store(true)
			log.Warn("posted but not recorded; will confirm next cycle", logx.Err(err))
			return err
		}
		if ok {
			tl.add(func(t *tally) { t.delivered++ })
			log.Info("callout delivered", logx.String("source", c.SourceRef), logx.Int("attempt", c.Attempts+1))
			l.publish(eventbus.TypeCalloutDelivered, now, eventFor(c))
		}
		return nil

	case dispatch.PermanentFailure:
		// A dead target says nothing about platform health.
		l.breaker.Record(now, nil)
		return l.fail(ctx, now, c, out.Err, tl, log)

	default:
		tripped := l.breaker.Record(now, out.Err)
		if tripped {
			stop.Store(true)
			_, until := l.breaker.Open(now)
			log.Warn("delivery circuit opened",
				logx.Int("failures", l.breaker.Failures()), logx.Time("until", until))
			l.publish(eventbus.TypeCircuitOpened, now, map[string]any{
				"failures": l.breaker.Failures(), "until": until,
			})
		}

		attempts := c.Attempts + 1
		if attempts >= l.cfg.DeliveryRetryMax {
			return l.fail(ctx, now, c, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, out.Err), tl, log)
		}
		next := now.Add(l.backoff.DelayFor(attempts, out.Err))
		if out.RetryAfter > 0 && next.Before(now.Add(out.RetryAfter)) {
			next = now.Add(out.RetryAfter)
		}
		ok, err := l.store.RecordAttempt(ctx, c.ID, c.Attempts, next, errString(out.Err), now)
		if err != nil {
			stop.Store(true)
			return err
		}
		if ok {
			tl.add(func(t *tally) { t.retried++ })
			log.Warn("delivery failed, will retry",
				logx.Int("attempt", attempts), logx.Time("next", next), logx.Err(out.Err))
			ev := eventFor(c)
			ev.Attempts, ev.NextAttempt, ev.Error = attempts, next, errString(out.Err)
			l.publish(eventbus.TypeCalloutRetry, now, ev)
		}
		return nil
	}
}

func (l *Loop) fail(ctx context.Context, now time.Time, c callout.Callout, cause error, tl *tally, log logx.Logger) error {
	reason := errString(cause)
	ok, err := l.store.MarkFailed(ctx, c.ID, reason, now)
	if err != nil {
		return err
	}
	if ok {
		tl.add(func(t *tally) { t.failed++ })
		log.Warn("callout failed", logx.String("source", c.SourceRef), logx.Err(cause))
		ev := eventFor(c)
		ev.Attempts, ev.Error = c.Attempts+1, reason
		l.publish(eventbus.TypeCalloutFailed, now, ev)
	}
	return nil
}

func (l *Loop) housekeeping(ctx context.Context, now time.Time, rep *CycleReport, log logx.Logger) {
	if l.cfg.Retention <= 0 {
		return
	}
	if l.nextPurge.IsZero() {
		l.nextPurge = l.purge.Next(now)
		return
	}
	if now.Before(l.nextPurge) {
		return
	}
	l.nextPurge = l.purge.Next(now)

	n, err := l.store.PurgeTerminal(ctx, now.Add(-l.cfg.Retention))
	if err != nil {
		log.Warn("purge failed", logx.Err(err))
		return
	}
	rep.Purged = n
	log.Info("terminal callouts purged", logx.Int64("rows", n), logx.Time("next", l.nextPurge))
}

func (l *Loop) isUnconfirmed(id int64) bool {
	l.umu.Lock()
	defer l.umu.Unlock()
	_, ok := l.unconfirmed[id]
	return ok
}

func (l *Loop) remember(id int64) {
	l.umu.Lock()
	l.unconfirmed[id] = struct{}{}
	l.umu.Unlock()
}

func (l *Loop) confirm(id int64) {
	l.umu.Lock()
	delete(l.unconfirmed, id)
	l.umu.Unlock()
}

func (l *Loop) publish(typ string, at time.Time, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

func eventFor(c callout.Callout) CalloutEvent {
	return CalloutEvent{
		ID:          c.ID,
		SourceRef:   c.SourceRef,
		Kind:        string(c.Kind),
		RequestedBy: c.RequestedBy,
		FireAt:      c.FireAt,
		Attempts:    c.Attempts,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
