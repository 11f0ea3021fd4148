// Package memory provides an in-process EventStore for tests and single-node tools.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.EventStore = (*MemoryStore)(nil)

// MemoryStore keeps the log in a mutex-guarded slice with an id index and an
// aggregate index.
type MemoryStore struct {
	mu          sync.RWMutex
	global      []*eventlog.Record
	ids         map[string]struct{}
	byAggregate map[string][]*eventlog.Record
	seq         uint64
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:         make(map[string]struct{}),
		byAggregate: make(map[string][]*eventlog.Record),
	}
}

func (m *MemoryStore) Append(ctx context.Context, event eventlog.Event) (eventlog.Record, error) {
	records, err := m.append(ctx, "append", []eventlog.Event{event})
	if err != nil {
		return eventlog.Record{}, err
	}
	return records[0], nil
}

func (m *MemoryStore) AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	return m.append(ctx, "append batch", events)
}

// append validates the whole batch and checks every id before mutating
// anything, so a failure leaves the log untouched.
func (m *MemoryStore) append(ctx context.Context, op string, events []eventlog.Event) ([]eventlog.Record, error) {
	if err := eventlog.ValidateBatch(events); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &eventlog.StoreWriteError{Op: op, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &eventlog.StoreWriteError{Op: op, Err: eventlog.ErrStoreClosed}
	}
	for _, e := range events {
		if _, exists := m.ids[e.ID]; exists {
			return nil, &eventlog.StoreWriteError{Op: op, Err: fmt.Errorf("event %s: %w", e.ID, eventlog.ErrDuplicateEvent)}
		}
	}

	out := make([]eventlog.Record, len(events))
	for i, e := range events {
		m.seq++
		rec := &eventlog.Record{Sequence: m.seq, AggregateID: e.AggregateID(), Event: e}
		m.global = append(m.global, rec)
		m.ids[e.ID] = struct{}{}
		for _, id := range e.AggregateIDs() {
			m.byAggregate[id] = append(m.byAggregate[id], rec)
		}
		out[i] = *rec
	}
	return out, nil
}

// Query snapshots the matching records and iterates the snapshot lazily.
func (m *MemoryStore) Query(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, &eventlog.QueryError{Err: eventlog.ErrStoreClosed}
	}
	candidates := m.global
	if filter.AggregateID != "" {
		candidates = m.byAggregate[filter.AggregateID]
	}
	matched := make([]*eventlog.Record, 0, len(candidates))
	for _, rec := range candidates {
		if filter.Matches(rec.Event) {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	eventlog.SortRecords(matched)
	return eventlog.NewSliceIterator(matched), nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.global)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
