package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"clashcaller/internal/callout"
)

// Memory is a process-local Store. It follows the same conditional
// transition rules as the SQL drivers but loses everything on exit.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*callout.Callout
	live    map[string]int64 // source_ref -> id of the pending/delivered row
	cursors map[string]int64
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		rows:    map[int64]*callout.Callout{},
		live:    map[string]int64{},
		cursors: map[string]int64{},
	}
}

var errClosed = errors.New("store closed")

func (m *Memory) check(op string) error {
	if m.closed {
		return unavailable(op, errClosed)
	}
	return nil
}

func (m *Memory) InsertIfAbsent(_ context.Context, d callout.Draft, now time.Time) (bool, int64, error) {
	if strings.TrimSpace(d.SourceRef) == "" {
		return false, 0, invalid("insert callout", errNoSourceRef)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert callout"); err != nil {
		return false, 0, err
	}
	if id, ok := m.live[d.SourceRef]; ok {
		return false, id, nil
	}
	kind := d.Kind
	if kind == "" {
		kind = callout.KindReminder
	}
	m.nextID++
	now = fromMillis(toMillis(now))
	c := &callout.Callout{
		ID:          m.nextID,
		SourceRef:   d.SourceRef,
		Kind:        kind,
		Payload:     d.Payload,
		FireAt:      fromMillis(toMillis(d.FireAt)),
		RequestedBy: d.RequestedBy,
		State:       callout.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.rows[c.ID] = c
	m.live[c.SourceRef] = c.ID
	return true, c.ID, nil
}

func (m *Memory) DueCallouts(_ context.Context, now time.Time, limit int) ([]callout.Callout, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("due callouts"); err != nil {
		return nil, err
	}
	var out []callout.Callout
	for _, c := range m.rows {
		if c.Due(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) pending(id int64) *callout.Callout {
	c := m.rows[id]
	if c == nil || c.State != callout.StatePending {
		return nil
	}
	return c
}

func (m *Memory) MarkDelivered(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("mark delivered"); err != nil {
		return false, err
	}
	c := m.pending(id)
	if c == nil {
		return false, nil
	}
	c.State = callout.StateDelivered
	c.Attempts++
	c.NextAttemptAt = time.Time{}
	c.LastError = ""
	c.UpdatedAt = fromMillis(toMillis(at))
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, id int64, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("mark failed"); err != nil {
		return false, err
	}
	c := m.pending(id)
	if c == nil {
		return false, nil
	}
	c.State = callout.StateFailed
	c.Attempts++
	c.NextAttemptAt = time.Time{}
	c.LastError = clipErr(reason)
	c.UpdatedAt = fromMillis(toMillis(at))
	delete(m.live, c.SourceRef)
	return true, nil
}

func (m *Memory) RecordAttempt(_ context.Context, id int64, prevAttempts int, next time.Time, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("record attempt"); err != nil {
		return false, err
	}
	c := m.pending(id)
	if c == nil || c.Attempts != prevAttempts {
		return false, nil
	}
	c.Attempts = prevAttempts + 1
	c.NextAttemptAt = fromMillis(toMillis(next))
	c.LastError = clipErr(reason)
	c.UpdatedAt = fromMillis(toMillis(at))
	return true, nil
}

func (m *Memory) CurrentCursor(_ context.Context, stream string) (callout.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("read cursor"); err != nil {
		return callout.Cursor{}, err
	}
	return callout.Cursor{Stream: stream, Position: m.cursors[stream]}, nil
}

func (m *Memory) AdvanceCursor(_ context.Context, c callout.Cursor, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("advance cursor"); err != nil {
		return err
	}
	m.cursors[c.Stream] = c.Position
	return nil
}

func (m *Memory) Get(_ context.Context, id int64) (callout.Callout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get callout"); err != nil {
		return callout.Callout{}, err
	}
	c := m.rows[id]
	if c == nil {
		return callout.Callout{}, ErrNotFound
	}
	return *c, nil
}

func (m *Memory) CountByState(_ context.Context) (map[callout.State]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("count callouts"); err != nil {
		return nil, err
	}
	out := map[callout.State]int{}
	for _, c := range m.rows {
		out[c.State]++
	}
	return out, nil
}

func (m *Memory) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("purge"); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range m.rows {
		if c.State.Terminal() && c.UpdatedAt.Before(before) {
			if m.live[c.SourceRef] == id {
				delete(m.live, c.SourceRef)
			}
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}

// Close makes every later call fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
