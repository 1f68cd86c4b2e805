package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"clashcaller/internal/callout"
	"clashcaller/internal/dispatch"
	"clashcaller/internal/eventbus"
	"clashcaller/internal/ingest"
	"clashcaller/internal/retry"
	"clashcaller/internal/storage"
	logx "clashcaller/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type feed struct {
	mu           sync.Mutex
	items        []callout.RawItem
	ignoreCursor bool
}

func (f *feed) FetchNewItems(_ context.Context, cur callout.Cursor) (ingest.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := cur.Position
	var out []callout.RawItem
	for _, it := range f.items {
		if !f.ignoreCursor && it.Position <= cur.Position {
			continue
		}
		out = append(out, it)
		if it.Position > next {
			next = it.Position
		}
	}
	return ingest.Batch{Items: out, Cursor: callout.Cursor{Stream: cur.Stream, Position: next}}, nil
}

type recorder struct {
	mu    sync.Mutex
	calls []callout.Callout
	fn    func(c callout.Callout) dispatch.Outcome
}

func (r *recorder) Deliver(_ context.Context, c callout.Callout) dispatch.Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return dispatch.Outcome{Kind: dispatch.Success}
	}
	return fn(c)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// faultyStore injects storage outages in front of the memory store.
type faultyStore struct {
	*storage.Memory

	mu                sync.Mutex
	failInsert        map[string]bool
	failMarkDelivered int
	down              bool
}

func (s *faultyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return outage()
	}
	return s.Memory.Ping(ctx)
}

func outage() error { return fmt.Errorf("%w: disk gone", storage.ErrUnavailable) }

func (s *faultyStore) InsertIfAbsent(ctx context.Context, d callout.Draft, now time.Time) (bool, int64, error) {
	s.mu.Lock()
	fail := s.failInsert[d.SourceRef]
	s.mu.Unlock()
	if fail {
		return false, 0, outage()
	}
	return s.Memory.InsertIfAbsent(ctx, d, now)
}

func (s *faultyStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	if s.failMarkDelivered > 0 {
		s.failMarkDelivered--
		s.mu.Unlock()
		return false, outage()
	}
	s.mu.Unlock()
	return s.Memory.MarkDelivered(ctx, id, at)
}

func msg(pos int64, author, text string, at time.Time) callout.RawItem {
	return callout.RawItem{
		Position:  pos,
		SourceRef: fmt.Sprintf("telegram:-100:%d", pos),
		ChatID:    -100,
		Author:    author,
		Text:      text,
		PostedAt:  at,
	}
}

func newLoop(t *testing.T, cfg Config, st Store, f Fetcher, d Deliverer, bus eventbus.Bus) *Loop {
	t.Helper()
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = -1
	}
	l, err := New(cfg, Deps{
		Store:   st,
		Fetcher: f,
		Parser:  callout.NewParser(callout.ParserConfig{}),
		Deliver: d,
		Bus:     bus,
		Clock:   ClockFunc(func() time.Time { return t0 }),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func cycle(t *testing.T, l *Loop, now time.Time) CycleReport {
	t.Helper()
	rep, err := l.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("RunCycle(%s): %v", now.Format(time.RFC3339), err)
	}
	return rep
}

func TestCycleSchedulesAndDeliversOnTime(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 2 hours", t0)}}
	rec := &recorder{}
	l := newLoop(t, Config{}, st, f, rec, nil)

	rep := cycle(t, l, t0.Add(5*time.Second))
	if rep.Scheduled != 1 || rep.CursorTo != 1 || rep.Due != 0 {
		t.Fatalf("first cycle = %+v", rep)
	}
	c, err := st.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := t0.Add(2 * time.Hour); !c.FireAt.Equal(want) || c.RequestedBy != "@alice" {
		t.Fatalf("stored = %+v, want FireAt %s", c, want)
	}

	if rep := cycle(t, l, time.Date(2024, 1, 1, 1, 59, 0, 0, time.UTC)); rep.Due != 0 || rec.count() != 0 {
		t.Fatalf("dispatched before FireAt: %+v", rep)
	}

	at := time.Date(2024, 1, 1, 2, 0, 1, 0, time.UTC)
	if rep := cycle(t, l, at); rep.Delivered != 1 {
		t.Fatalf("due cycle = %+v", rep)
	}
	c, _ = st.Get(context.Background(), 1)
	if c.State != callout.StateDelivered || !c.UpdatedAt.Equal(at) {
		t.Fatalf("after delivery = %+v", c)
	}

	cycle(t, l, at.Add(time.Minute))
	if n := rec.count(); n != 1 {
		t.Fatalf("posts = %d, want exactly 1", n)
	}
}

func TestOverlappingIngestionDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(5, "@alice", "!remindme in 2 hours", t0)}, ignoreCursor: true}
	l := newLoop(t, Config{}, st, f, &recorder{}, nil)

	if rep := cycle(t, l, t0); rep.Scheduled != 1 {
		t.Fatalf("first = %+v", rep)
	}
	if rep := cycle(t, l, t0.Add(time.Second)); rep.Scheduled != 0 || rep.Duplicates != 1 {
		t.Fatalf("second = %+v", rep)
	}
	counts, err := st.CountByState(context.Background())
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[callout.StatePending] != 1 {
		t.Fatalf("pending = %d, want 1", counts[callout.StatePending])
	}
}

func TestMalformedCommandGetsOneHint(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{
		msg(1, "@bob", "!remindme sometime soon", t0),
		msg(2, "", "!remindme in 2 hours", t0),
		msg(3, "@bob", "gg everyone", t0),
	}, ignoreCursor: true}
	rec := &recorder{}
	l := newLoop(t, Config{ReplyOnMalformed: true}, st, f, rec, nil)

	rep := cycle(t, l, t0.Add(time.Second))
	if rep.Hints != 1 || rep.Skipped != 2 || rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rec.calls[0].Kind != callout.KindHint || !strings.HasPrefix(rec.calls[0].Payload, "@bob, I could not schedule that") {
		t.Fatalf("hint = %+v", rec.calls[0])
	}

	// The delivered hint keeps the slot, so re-reading the item does not answer again.
	rep = cycle(t, l, t0.Add(time.Minute))
	if rep.Hints != 0 || rep.Duplicates != 1 || rec.count() != 1 {
		t.Fatalf("second = %+v, posts = %d", rep, rec.count())
	}
}

func TestMalformedCommandRejectedWhenRepliesDisabled(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(1, "@bob", "!remindme in 0 minutes", t0)}}
	rec := &recorder{}
	l := newLoop(t, Config{}, st, f, rec, nil)

	rep := cycle(t, l, t0)
	if rep.Rejected != 1 || rep.CursorTo != 1 || rec.count() != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestTransientFailureBacksOffThenFails(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 1 minute", t0)}}
	rec := &recorder{fn: func(callout.Callout) dispatch.Outcome {
		return dispatch.Outcome{Kind: dispatch.TransientFailure, Err: errors.New("502 bad gateway")}
	}}
	l := newLoop(t, Config{DeliveryRetryMax: 2, Retry: retry.Policy{Base: time.Minute, MaxDelay: time.Hour}}, st, f, rec, nil)

	first := t0.Add(time.Minute)
	cycle(t, l, t0)
	if rep := cycle(t, l, first); rep.Retried != 1 {
		t.Fatalf("first attempt = %+v", rep)
	}
	c, _ := st.Get(context.Background(), 1)
	if c.State != callout.StatePending || c.Attempts != 1 || !c.NextAttemptAt.Equal(first.Add(time.Minute)) {
		t.Fatalf("after first attempt = %+v", c)
	}

	if rep := cycle(t, l, first.Add(30*time.Second)); rep.Due != 0 {
		t.Fatalf("retried before backoff elapsed: %+v", rep)
	}
	if rep := cycle(t, l, first.Add(time.Minute)); rep.Failed != 1 {
		t.Fatalf("second attempt = %+v", rep)
	}
	c, _ = st.Get(context.Background(), 1)
	if c.State != callout.StateFailed || !strings.Contains(c.LastError, "retry budget exhausted") {
		t.Fatalf("after budget = %+v", c)
	}
}

func TestRetryAfterHintPushesNextAttempt(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 1 minute", t0)}}
	rec := &recorder{fn: func(callout.Callout) dispatch.Outcome {
		return dispatch.Outcome{Kind: dispatch.TransientFailure, Err: errors.New("429"), RetryAfter: 10 * time.Minute}
	}}
	l := newLoop(t, Config{Retry: retry.Policy{Base: time.Second, MaxDelay: time.Minute}}, st, f, rec, nil)

	at := t0.Add(time.Minute)
	cycle(t, l, t0)
	cycle(t, l, at)
	c, _ := st.Get(context.Background(), 1)
	if !c.NextAttemptAt.Equal(at.Add(10 * time.Minute)) {
		t.Fatalf("NextAttemptAt = %s, want %s", c.NextAttemptAt, at.Add(10*time.Minute))
	}
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 1 minute", t0)}}
	rec := &recorder{fn: func(callout.Callout) dispatch.Outcome {
		return dispatch.Outcome{Kind: dispatch.PermanentFailure, Err: errors.New("message to be replied not found")}
	}}
	l := newLoop(t, Config{}, st, f, rec, bus)

	cycle(t, l, t0)
	if rep := cycle(t, l, t0.Add(time.Minute)); rep.Failed != 1 || rep.Retried != 0 {
		t.Fatalf("report = %+v", rep)
	}
	c, _ := st.Get(context.Background(), 1)
	if c.State != callout.StateFailed || c.Attempts != 1 {
		t.Fatalf("callout = %+v", c)
	}

	var failed int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeCalloutFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed events = %d", failed)
	}
}

func TestPersistFailureKeepsCursorBeforeFailedItem(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Memory: storage.NewMemory(), failInsert: map[string]bool{"telegram:-100:2": true}, down: true}
	f := &feed{items: []callout.RawItem{
		msg(1, "@alice", "!remindme in 1 hour", t0),
		msg(2, "@bob", "!remindme in 2 hours", t0),
		msg(3, "@carol", "!remindme in 3 hours", t0),
	}}
	l := newLoop(t, Config{}, st, f, &recorder{}, nil)

	rep, err := l.RunCycle(context.Background(), t0)
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !rep.Aborted || rep.CursorTo != 1 || rep.Scheduled != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if l.ConsecutiveAborts() != 1 {
		t.Fatalf("aborts = %d", l.ConsecutiveAborts())
	}

	st.mu.Lock()
	st.failInsert = nil
	st.down = false
	st.mu.Unlock()

	rep = cycle(t, l, t0.Add(time.Second))
	if rep.CursorFrom != 1 || rep.CursorTo != 3 || rep.Scheduled != 2 {
		t.Fatalf("recovery = %+v", rep)
	}
	if l.ConsecutiveAborts() != 0 {
		t.Fatalf("aborts not reset")
	}
}

func TestUnstorableItemDoesNotStallPipeline(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	if _, _, err := st.InsertIfAbsent(context.Background(), callout.Draft{
		SourceRef: "telegram:-100:0", Payload: "base 1", FireAt: t0.Add(-time.Minute), RequestedBy: "@dave",
	}, t0.Add(-time.Hour)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	bad := msg(1, "@alice", "!remindme in 1 hour", t0)
	bad.SourceRef = ""
	f := &feed{items: []callout.RawItem{bad, msg(2, "@bob", "!remindme in 2 hours", t0)}}
	d := &recorder{}
	l := newLoop(t, Config{}, st, f, d, nil)

	for i := 0; i < 3; i++ {
		rep := cycle(t, l, t0.Add(time.Duration(i)*time.Second))
		if i == 0 && (rep.Rejected != 1 || rep.Scheduled != 1 || rep.CursorTo != 2 || rep.Delivered != 1) {
			t.Fatalf("first cycle = %+v", rep)
		}
		if i > 0 && (rep.Fetched != 0 || rep.Aborted) {
			t.Fatalf("cycle %d = %+v", i, rep)
		}
	}
	if d.count() != 1 {
		t.Fatalf("posts = %d, want 1", d.count())
	}
}

func TestRefusedInsertOnLiveStoreIsSkipped(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Memory: storage.NewMemory(), failInsert: map[string]bool{"telegram:-100:1": true}}
	f := &feed{items: []callout.RawItem{
		msg(1, "@alice", "!remindme in 1 hour", t0),
		msg(2, "@bob", "!remindme in 2 hours", t0),
	}}
	l := newLoop(t, Config{}, st, f, &recorder{}, nil)

	rep := cycle(t, l, t0)
	if rep.Rejected != 1 || rep.Scheduled != 1 || rep.CursorTo != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPostedButUnrecordedIsNotPostedAgain(t *testing.T) {
	t.Parallel()
	st := &faultyStore{Memory: storage.NewMemory(), failMarkDelivered: 1}
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 1 minute", t0)}}
	rec := &recorder{}
	l := newLoop(t, Config{}, st, f, rec, nil)

	cycle(t, l, t0)
	at := t0.Add(time.Minute)
	if _, err := l.RunCycle(context.Background(), at); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	rep := cycle(t, l, at.Add(time.Second))
	if rep.Delivered != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("posts = %d, want 1", n)
	}
	c, _ := st.Get(context.Background(), 1)
	if c.State != callout.StateDelivered {
		t.Fatalf("state = %s", c.State)
	}
}

func TestCircuitBreakerStopsDispatch(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{
		msg(1, "@a", "!remindme in 1 minute", t0),
		msg(2, "@b", "!remindme in 2 minutes", t0),
		msg(3, "@c", "!remindme in 3 minutes", t0),
	}}
	rec := &recorder{fn: func(callout.Callout) dispatch.Outcome {
		return dispatch.Outcome{Kind: dispatch.TransientFailure, Err: errors.New("connection reset")}
	}}
	l := newLoop(t, Config{
		Workers: 1,
		Breaker: retry.BreakerConfig{Trip: 2, BaseDelay: time.Minute},
	}, st, f, rec, nil)

	cycle(t, l, t0)
	at := t0.Add(5 * time.Minute)
	rep := cycle(t, l, at)
	if !rep.CircuitOpen || rep.Retried != 2 || rep.Deferred != 1 || rec.count() != 2 {
		t.Fatalf("report = %+v, posts = %d", rep, rec.count())
	}
	c, _ := st.Get(context.Background(), 3)
	if c.Attempts != 0 || !c.NextAttemptAt.IsZero() {
		t.Fatalf("skipped callout touched: %+v", c)
	}

	rep = cycle(t, l, at.Add(10*time.Second))
	if !rep.CircuitOpen || rep.Due != 0 || rec.count() != 2 {
		t.Fatalf("while open = %+v", rep)
	}
}

func TestHousekeepingPurgesOnSchedule(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 1 minute", t0)}}
	l := newLoop(t, Config{Retention: time.Hour, PurgeSchedule: "0 * * * *"}, st, f, &recorder{}, nil)

	cycle(t, l, t0)
	if rep := cycle(t, l, t0.Add(2*time.Minute)); rep.Delivered != 1 {
		t.Fatalf("delivery = %+v", rep)
	}
	if rep := cycle(t, l, t0.Add(59*time.Minute)); rep.Purged != 0 {
		t.Fatalf("purged before schedule: %+v", rep)
	}
	if rep := cycle(t, l, t0.Add(3*time.Hour)); rep.Purged != 1 {
		t.Fatalf("purge = %+v", rep)
	}
	if _, err := st.Get(context.Background(), 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after purge: %v", err)
	}
}

type slowDeliverer struct {
	started chan struct{}
	ctxErr  chan error
}

func (d *slowDeliverer) Deliver(ctx context.Context, _ callout.Callout) dispatch.Outcome {
	close(d.started)
	time.Sleep(50 * time.Millisecond)
	d.ctxErr <- ctx.Err()
	return dispatch.Outcome{Kind: dispatch.Success}
}

func TestRunDrainsInFlightCycle(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	f := &feed{items: []callout.RawItem{msg(1, "@alice", "!remindme in 1 minute", t0.Add(-time.Hour))}}
	d := &slowDeliverer{started: make(chan struct{}), ctxErr: make(chan error, 1)}
	l := newLoop(t, Config{Interval: time.Hour}, st, f, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if err := <-d.ctxErr; err != nil {
		t.Fatalf("in-flight post saw %v", err)
	}
	c, _ := st.Get(context.Background(), 1)
	if c.State != callout.StateDelivered {
		t.Fatalf("state = %s, want delivered", c.State)
	}
	if rep, ok := l.LastReport(); !ok || rep.Delivered != 1 {
		t.Fatalf("LastReport = %+v, %v", rep, ok)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	_, err := New(Config{PurgeSchedule: "every tuesday"}, Deps{
		Store: storage.NewMemory(), Fetcher: &feed{}, Parser: callout.NewParser(callout.ParserConfig{}), Deliver: &recorder{},
	}, logx.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
}
