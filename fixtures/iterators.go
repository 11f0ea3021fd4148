package fixtures

import (
	"context"
	"io"

	"github.com/clinicsales/eventlog"
)

// EmptyIterator returns an iterator that yields no records.
func EmptyIterator() *eventlog.Iterator[*eventlog.Record] {
	return eventlog.NewIteratorFunc(func(ctx context.Context) (*eventlog.Record, error) {
		return nil, io.EOF
	})
}

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *eventlog.Iterator[*eventlog.Record] {
	return eventlog.NewIteratorFunc(func(ctx context.Context) (*eventlog.Record, error) {
		return nil, err
	})
}

// FailAfterNIterator returns an iterator that yields n records, then fails.
func FailAfterNIterator(records []*eventlog.Record, n int, err error) *eventlog.Iterator[*eventlog.Record] {
	idx := 0
	return eventlog.NewIteratorFunc(func(ctx context.Context) (*eventlog.Record, error) {
		if idx >= n {
			return nil, err
		}
		if idx >= len(records) {
			return nil, io.EOF
		}
		r := records[idx]
		idx++
		return r, nil
	})
}

// Records wraps events into records with sequences starting at 1.
func Records(events ...eventlog.Event) []*eventlog.Record {
	out := make([]*eventlog.Record, len(events))
	for i, e := range events {
		out[i] = &eventlog.Record{Sequence: uint64(i + 1), AggregateID: e.AggregateID(), Event: e}
	}
	return out
}
