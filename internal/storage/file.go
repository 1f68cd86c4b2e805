package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"clashcaller/internal/callout"
	logx "clashcaller/pkg/logx"
)

// compactEvery is the number of journal records between snapshots.
const compactEvery = 1000

// fileStore is a durable Store without a database.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only changes since the snapshot)
//
// Every change is applied to an in-memory index first, then appended to the
// journal and synced before the call returns. A failed journal write leaves
// the store unavailable until it is reopened.
type fileStore struct {
	log logx.Logger
	mem *Memory

	mu       sync.Mutex
	snapPath string
	journal  *os.File
	writes   int
	broken   error
}

type fileRow struct {
	ID            int64  `json:"id"`
	SourceRef     string `json:"source_ref"`
	Kind          string `json:"kind"`
	Payload       string `json:"payload,omitempty"`
	FireAt        int64  `json:"fire_at"`
	RequestedBy   string `json:"requested_by"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts,omitempty"`
	NextAttemptAt int64  `json:"next_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

type journalRecord struct {
	Op     string   `json:"op"` // row, cursor, purge
	Row    *fileRow `json:"row,omitempty"`
	Stream string   `json:"stream,omitempty"`
	Pos    int64    `json:"pos,omitempty"`
	Before int64    `json:"before,omitempty"`
}

type fileSnapshot struct {
	NextID  int64            `json:"next_id"`
	Rows    []fileRow        `json:"rows"`
	Cursors map[string]int64 `json:"cursors"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	replayed, skipped, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("journal had unreadable records", logx.Int("skipped", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, mem: mem, snapPath: snapPath, journal: jf}
	// Compacting also drops a torn tail so new records start on a fresh line.
	if replayed > 0 || skipped > 0 {
		s.mu.Lock()
		err = s.compactLocked()
		s.mu.Unlock()
		if err != nil {
			_ = jf.Close()
			return nil, err
		}
	}
	log.Info("file store opened", logx.String("prefix", prefix), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) usableLocked(op string) error {
	if s.journal == nil {
		return unavailable(op, errClosed)
	}
	if s.broken != nil {
		return unavailable(op, s.broken)
	}
	return nil
}

func (s *fileStore) usable(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked(op)
}

func (s *fileStore) InsertIfAbsent(ctx context.Context, d callout.Draft, now time.Time) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked("insert callout"); err != nil {
		return false, 0, err
	}
	inserted, id, err := s.mem.InsertIfAbsent(ctx, d, now)
	if err != nil || !inserted {
		return inserted, id, err
	}
	if err := s.appendRowLocked(ctx, "insert callout", id); err != nil {
		return false, 0, err
	}
	return true, id, nil
}

func (s *fileStore) transition(ctx context.Context, op string, id int64, apply func() (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(op); err != nil {
		return false, err
	}
	ok, err := apply()
	if err != nil || !ok {
		return ok, err
	}
	if err := s.appendRowLocked(ctx, op, id); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, "mark delivered", id, func() (bool, error) {
		return s.mem.MarkDelivered(ctx, id, at)
	})
}

func (s *fileStore) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	return s.transition(ctx, "mark failed", id, func() (bool, error) {
		return s.mem.MarkFailed(ctx, id, reason, at)
	})
}

func (s *fileStore) RecordAttempt(ctx context.Context, id int64, prevAttempts int, next time.Time, reason string, at time.Time) (bool, error) {
	return s.transition(ctx, "record attempt", id, func() (bool, error) {
		return s.mem.RecordAttempt(ctx, id, prevAttempts, next, reason, at)
	})
}

func (s *fileStore) AdvanceCursor(ctx context.Context, c callout.Cursor, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked("advance cursor"); err != nil {
		return err
	}
	if err := s.mem.AdvanceCursor(ctx, c, at); err != nil {
		return err
	}
	return s.appendLocked("advance cursor", journalRecord{Op: "cursor", Stream: c.Stream, Pos: c.Position})
}

func (s *fileStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked("purge"); err != nil {
		return 0, err
	}
	n, err := s.mem.PurgeTerminal(ctx, before)
	if err != nil || n == 0 {
		return n, err
	}
	return n, s.appendLocked("purge", journalRecord{Op: "purge", Before: toMillis(before)})
}

func (s *fileStore) DueCallouts(ctx context.Context, now time.Time, limit int) ([]callout.Callout, error) {
	if err := s.usable("due callouts"); err != nil {
		return nil, err
	}
	return s.mem.DueCallouts(ctx, now, limit)
}

func (s *fileStore) CurrentCursor(ctx context.Context, stream string) (callout.Cursor, error) {
	if err := s.usable("read cursor"); err != nil {
		return callout.Cursor{}, err
	}
	return s.mem.CurrentCursor(ctx, stream)
}

func (s *fileStore) Get(ctx context.Context, id int64) (callout.Callout, error) {
	if err := s.usable("get callout"); err != nil {
		return callout.Callout{}, err
	}
	return s.mem.Get(ctx, id)
}

func (s *fileStore) CountByState(ctx context.Context) (map[callout.State]int, error) {
	if err := s.usable("count callouts"); err != nil {
		return nil, err
	}
	return s.mem.CountByState(ctx)
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked("ping"); err != nil {
		return err
	}
	if _, err := s.journal.Stat(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close writes a final snapshot when the journal is healthy.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	var err error
	if s.broken == nil && s.writes > 0 {
		err = s.compactLocked()
	}
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	_ = s.mem.Close()
	return err
}

func (s *fileStore) appendRowLocked(ctx context.Context, op string, id int64) error {
	c, err := s.mem.Get(ctx, id)
	if err != nil {
		return err
	}
	row := toFileRow(c)
	return s.appendLocked(op, journalRecord{Op: "row", Row: &row})
}

func (s *fileStore) appendLocked(op string, rec journalRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return invalid(op, err)
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		s.broken = err
		return unavailable(op, err)
	}
	if err := s.journal.Sync(); err != nil {
		s.broken = err
		return unavailable(op, err)
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked replaces the snapshot with the current state and empties
// the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.mem.snapshot()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Rows {
		mem.restore(r.callout())
	}
	mem.mu.Lock()
	if snap.NextID > mem.nextID {
		mem.nextID = snap.NextID
	}
	for k, v := range snap.Cursors {
		mem.cursors[k] = v
	}
	mem.mu.Unlock()
	return nil
}

// replayJournal applies records in order. A torn trailing line from a crash
// is skipped and counted.
func replayJournal(path string, mem *Memory) (replayed, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		switch rec.Op {
		case "row":
			if rec.Row == nil {
				skipped++
				continue
			}
			mem.restore(rec.Row.callout())
		case "cursor":
			_ = mem.AdvanceCursor(ctx, callout.Cursor{Stream: rec.Stream, Position: rec.Pos}, time.Time{})
		case "purge":
			_, _ = mem.PurgeTerminal(ctx, fromMillis(rec.Before))
		default:
			skipped++
			continue
		}
		replayed++
	}
	return replayed, skipped, sc.Err()
}

// restore puts c back into the index as-is, keeping the live-slot map and
// the id sequence consistent.
func (m *Memory) restore(c callout.Callout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.rows[c.ID] = &cp
	if c.ID > m.nextID {
		m.nextID = c.ID
	}
	if c.State == callout.StateFailed {
		if m.live[c.SourceRef] == c.ID {
			delete(m.live, c.SourceRef)
		}
		return
	}
	m.live[c.SourceRef] = c.ID
}

func (m *Memory) snapshot() fileSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := fileSnapshot{NextID: m.nextID, Cursors: make(map[string]int64, len(m.cursors))}
	for _, c := range m.rows {
		snap.Rows = append(snap.Rows, toFileRow(*c))
	}
	sort.Slice(snap.Rows, func(i, j int) bool { return snap.Rows[i].ID < snap.Rows[j].ID })
	for k, v := range m.cursors {
		snap.Cursors[k] = v
	}
	return snap
}

func toFileRow(c callout.Callout) fileRow {
	return fileRow{
		ID:            c.ID,
		SourceRef:     c.SourceRef,
		Kind:          string(c.Kind),
		Payload:       c.Payload,
		FireAt:        toMillis(c.FireAt),
		RequestedBy:   c.RequestedBy,
		State:         string(c.State),
		Attempts:      c.Attempts,
		NextAttemptAt: toMillis(c.NextAttemptAt),
		LastError:     c.LastError,
		CreatedAt:     toMillis(c.CreatedAt),
		UpdatedAt:     toMillis(c.UpdatedAt),
	}
}

func (r fileRow) callout() callout.Callout {
	return callout.Callout{
		ID:            r.ID,
		SourceRef:     r.SourceRef,
		Kind:          callout.Kind(r.Kind),
		Payload:       r.Payload,
		FireAt:        fromMillis(r.FireAt),
		RequestedBy:   r.RequestedBy,
		State:         callout.State(r.State),
		Attempts:      r.Attempts,
		NextAttemptAt: fromMillis(r.NextAttemptAt),
		LastError:     r.LastError,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}
}
