// Package postgres provides an EventStore backed by the sales_events table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.EventStore = (*Store)(nil)

const (
	defaultPageSize = 500

	uniqueViolation = "23505"
)

const (
	insertSQL = `
INSERT INTO sales_events (
    id,
    type,
    occurred_at,
    source,
    version,
    correlation_id,
    user_id,
    clinic_id,
    aggregate_id,
    aggregate_ids,
    data
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
RETURNING seq;
`

	selectSQL = `
SELECT
    seq,
    id,
    type,
    occurred_at,
    source,
    version,
    correlation_id,
    user_id,
    clinic_id,
    aggregate_id,
    data
FROM sales_events`
)

// Store persists events in Postgres. Single appends are one INSERT; batches
// run inside one transaction. The table rejects UPDATE and DELETE.
type Store struct {
	pool     *pgxpool.Pool
	pageSize int
	closed   atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets how many rows a query iterator fetches per round trip.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New constructs a Store on pool. The schema must already be migrated; see Migrate.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func insertArgs(e eventlog.Event) ([]any, error) {
	raw, err := eventlog.MarshalEvent(e)
	if err != nil {
		return nil, err
	}
	// Only the payload goes into data; the envelope has its own columns.
	var wire struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return []any{
		e.ID,
		e.Type.String(),
		e.Timestamp,
		e.Source,
		e.Version,
		e.CorrelationID,
		e.UserID,
		e.ClinicID,
		e.AggregateID(),
		e.AggregateIDs(),
		string(wire.Data),
	}, nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &eventlog.StoreWriteError{Op: op, Err: fmt.Errorf("%s: %w", pgErr.Detail, eventlog.ErrDuplicateEvent)}
	}
	return eventlog.WrapStoreWriteError(op, err)
}

func (s *Store) Append(ctx context.Context, event eventlog.Event) (eventlog.Record, error) {
	if err := event.Validate(); err != nil {
		return eventlog.Record{}, err
	}
	if s.closed.Load() {
		return eventlog.Record{}, &eventlog.StoreWriteError{Op: "append", Err: eventlog.ErrStoreClosed}
	}
	args, err := insertArgs(event)
	if err != nil {
		return eventlog.Record{}, &eventlog.StoreWriteError{Op: "append", Err: err}
	}

	var seq int64
	if err := s.pool.QueryRow(ctx, insertSQL, args...).Scan(&seq); err != nil {
		return eventlog.Record{}, mapWriteError("append", err)
	}
	return eventlog.Record{Sequence: uint64(seq), AggregateID: event.AggregateID(), Event: event}, nil
}

func (s *Store) AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := eventlog.ValidateBatch(events); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, &eventlog.StoreWriteError{Op: "append batch", Err: eventlog.ErrStoreClosed}
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		args, err := insertArgs(e)
		if err != nil {
			return nil, &eventlog.StoreWriteError{Op: "append batch", Err: err}
		}
		batch.Queue(insertSQL, args...)
	}

	records := make([]eventlog.Record, len(events))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i, e := range events {
			var seq int64
			if err := br.QueryRow().Scan(&seq); err != nil {
				_ = br.Close()
				return err
			}
			records[i] = eventlog.Record{Sequence: uint64(seq), AggregateID: e.AggregateID(), Event: e}
		}
		return br.Close()
	})
	if err != nil {
		return nil, mapWriteError("append batch", err)
	}
	return records, nil
}

// Query pages through matching rows ordered by (occurred_at, seq), fetching
// the next page only when the previous one is consumed.
func (s *Store) Query(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
	if s.closed.Load() {
		return nil, &eventlog.QueryError{Err: eventlog.ErrStoreClosed}
	}

	var (
		page      []*eventlog.Record
		exhausted bool
		last      *eventlog.Record
	)
	return eventlog.NewIteratorFunc(func(ctx context.Context) (*eventlog.Record, error) {
		if len(page) == 0 && !exhausted {
			var err error
			page, err = s.fetchPage(ctx, filter, last)
			if err != nil {
				return nil, eventlog.WrapQueryError(err)
			}
			exhausted = len(page) < s.pageSize
		}
		if len(page) == 0 {
			return nil, io.EOF
		}
		last, page = page[0], page[1:]
		return last, nil
	}), nil
}

func (s *Store) fetchPage(ctx context.Context, filter eventlog.Filter, after *eventlog.Record) ([]*eventlog.Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AggregateID != "" {
		where = append(where, "aggregate_ids @> ARRAY["+arg(filter.AggregateID)+"::text]")
	}
	if !filter.From.IsZero() {
		where = append(where, "occurred_at >= "+arg(filter.From))
	}
	if after != nil {
		where = append(where, fmt.Sprintf("(occurred_at, seq) > (%s, %s)",
			arg(after.Event.Timestamp), arg(int64(after.Sequence))))
	}

	var sb strings.Builder
	sb.WriteString(selectSQL)
	if len(where) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(where, "\n  AND "))
	}
	sb.WriteString("\nORDER BY occurred_at ASC, seq ASC\nLIMIT " + arg(s.pageSize))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*eventlog.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*eventlog.Record, error) {
	var (
		seq        int64
		eventType  string
		occurredAt time.Time
		data       []byte
		e          eventlog.Event
		aggregate  string
	)
	if err := row.Scan(
		&seq,
		&e.ID,
		&eventType,
		&occurredAt,
		&e.Source,
		&e.Version,
		&e.CorrelationID,
		&e.UserID,
		&e.ClinicID,
		&aggregate,
		&data,
	); err != nil {
		return nil, err
	}
	e.Type = eventlog.EventType(eventType)
	e.Timestamp = occurredAt.UTC()
	payload, err := eventlog.DecodePayload(e.Type, data)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	e.Data = payload
	return &eventlog.Record{Sequence: uint64(seq), AggregateID: aggregate, Event: e}, nil
}

// Close marks the store closed. The pool belongs to the caller.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
