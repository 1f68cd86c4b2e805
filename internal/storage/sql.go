package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"clashcaller/internal/callout"
	logx "clashcaller/pkg/logx"
)

// dialect captures what differs between the SQL drivers.
type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	migration   string
	// rejects reports driver errors caused by the record rather than the medium.
	rejects func(error) bool
}

var calloutColumns = []string{
	"id", "source_ref", "kind", "payload", "fire_at", "requested_by", "state",
	"attempts", "next_attempt_at", "last_error", "created_at", "updated_at",
}

var liveStates = []string{string(callout.StatePending), string(callout.StateDelivered)}

// sqlStore implements Store over database/sql for every SQL dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	sb  sq.StatementBuilderType
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{
		db:  db,
		d:   d,
		sb:  sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		log: log,
	}
}

// classify splits record errors from medium errors.
func (s *sqlStore) classify(op string, err error) error {
	if s.d.rejects != nil && s.d.rejects(err) {
		return invalid(op, err)
	}
	return unavailable(op, err)
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile(s.d.migration)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return unavailable("migrate", err)
	}
	s.log.Debug("schema ready", logx.String("dialect", s.d.name), logx.String("migration", s.d.migration))
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqlStore) InsertIfAbsent(ctx context.Context, d callout.Draft, now time.Time) (bool, int64, error) {
	if strings.TrimSpace(d.SourceRef) == "" {
		return false, 0, invalid("insert callout", errNoSourceRef)
	}
	kind := d.Kind
	if kind == "" {
		kind = callout.KindReminder
	}
	ms := toMillis(now)

	ins := s.sb.Insert("callouts").
		Columns("source_ref", "kind", "payload", "fire_at", "requested_by", "state",
			"attempts", "next_attempt_at", "last_error", "created_at", "updated_at").
		Values(d.SourceRef, string(kind), d.Payload, toMillis(d.FireAt), d.RequestedBy,
			string(callout.StatePending), 0, 0, "", ms, ms).
		Suffix("ON CONFLICT DO NOTHING RETURNING id")
	insQuery, insArgs, err := ins.ToSql()
	if err != nil {
		return false, 0, err
	}
	sel := s.sb.Select("id").From("callouts").
		Where(sq.Eq{"source_ref": d.SourceRef, "state": liveStates}).
		Limit(1)
	selQuery, selArgs, err := sel.ToSql()
	if err != nil {
		return false, 0, err
	}

	// The live row can turn terminal between the two statements; one more
	// round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, insQuery, insArgs...).Scan(&id)
		if err == nil {
			return true, id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, 0, s.classify("insert callout", err)
		}
		err = s.db.QueryRowContext(ctx, selQuery, selArgs...).Scan(&id)
		if err == nil {
			return false, id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, 0, unavailable("lookup callout", err)
		}
	}
	return false, 0, unavailable("insert callout", errors.New("conflicting row vanished twice"))
}

func (s *sqlStore) DueCallouts(ctx context.Context, now time.Time, limit int) ([]callout.Callout, error) {
	if limit <= 0 {
		limit = 100
	}
	ms := toMillis(now)
	q, args, err := s.sb.Select(calloutColumns...).From("callouts").
		Where(sq.Eq{"state": string(callout.StatePending)}).
		Where(sq.LtOrEq{"fire_at": ms}).
		Where(sq.LtOrEq{"next_attempt_at": ms}).
		OrderBy("fire_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("due callouts", err)
	}
	defer rows.Close()

	out := make([]callout.Callout, 0, limit)
	for rows.Next() {
		c, err := scanCallout(rows)
		if err != nil {
			return nil, unavailable("scan callout", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("due callouts", err)
	}
	return out, nil
}

func (s *sqlStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, "mark delivered", s.sb.Update("callouts").
		Set("state", string(callout.StateDelivered)).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("next_attempt_at", 0).
		Set("last_error", "").
		Set("updated_at", toMillis(at)).
		Where(sq.Eq{"id": id, "state": string(callout.StatePending)}))
}

func (s *sqlStore) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (bool, error) {
	return s.transition(ctx, "mark failed", s.sb.Update("callouts").
		Set("state", string(callout.StateFailed)).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("next_attempt_at", 0).
		Set("last_error", clipErr(reason)).
		Set("updated_at", toMillis(at)).
		Where(sq.Eq{"id": id, "state": string(callout.StatePending)}))
}

func (s *sqlStore) RecordAttempt(ctx context.Context, id int64, prevAttempts int, next time.Time, reason string, at time.Time) (bool, error) {
	return s.transition(ctx, "record attempt", s.sb.Update("callouts").
		Set("attempts", prevAttempts+1).
		Set("next_attempt_at", toMillis(next)).
		Set("last_error", clipErr(reason)).
		Set("updated_at", toMillis(at)).
		Where(sq.Eq{"id": id, "state": string(callout.StatePending), "attempts": prevAttempts}))
}

func (s *sqlStore) transition(ctx context.Context, op string, b sq.UpdateBuilder) (bool, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(op, err)
	}
	return n == 1, nil
}

func (s *sqlStore) CurrentCursor(ctx context.Context, stream string) (callout.Cursor, error) {
	q, args, err := s.sb.Select("position").From("ingest_cursor").
		Where(sq.Eq{"stream": stream}).ToSql()
	if err != nil {
		return callout.Cursor{}, err
	}
	c := callout.Cursor{Stream: stream}
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&c.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return callout.Cursor{}, unavailable("read cursor", err)
	}
	return c, nil
}

func (s *sqlStore) AdvanceCursor(ctx context.Context, c callout.Cursor, at time.Time) error {
	q, args, err := s.sb.Insert("ingest_cursor").
		Columns("stream", "position", "updated_at").
		Values(c.Stream, c.Position, toMillis(at)).
		Suffix("ON CONFLICT (stream) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return unavailable("advance cursor", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id int64) (callout.Callout, error) {
	q, args, err := s.sb.Select(calloutColumns...).From("callouts").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return callout.Callout{}, err
	}
	c, err := scanCallout(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return callout.Callout{}, ErrNotFound
	}
	if err != nil {
		return callout.Callout{}, unavailable("get callout", err)
	}
	return c, nil
}

func (s *sqlStore) CountByState(ctx context.Context) (map[callout.State]int, error) {
	q, args, err := s.sb.Select("state", "COUNT(*)").From("callouts").GroupBy("state").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("count callouts", err)
	}
	defer rows.Close()

	out := map[callout.State]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, unavailable("count callouts", err)
		}
		out[callout.State(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count callouts", err)
	}
	return out, nil
}

func (s *sqlStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	q, args, err := s.sb.Delete("callouts").
		Where(sq.Eq{"state": []string{string(callout.StateDelivered), string(callout.StateFailed)}}).
		Where(sq.Lt{"updated_at": toMillis(before)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, unavailable("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallout(r rowScanner) (callout.Callout, error) {
	var (
		c                            callout.Callout
		kind, state                  string
		fireAt, nextAt, created, upd int64
	)
	if err := r.Scan(&c.ID, &c.SourceRef, &kind, &c.Payload, &fireAt, &c.RequestedBy, &state,
		&c.Attempts, &nextAt, &c.LastError, &created, &upd); err != nil {
		return callout.Callout{}, err
	}
	c.Kind = callout.Kind(kind)
	c.State = callout.State(state)
	c.FireAt = fromMillis(fireAt)
	c.NextAttemptAt = fromMillis(nextAt)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(upd)
	return c, nil
}
