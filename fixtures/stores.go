package fixtures

import (
	"context"
	"sync"

	"github.com/clinicsales/eventlog"
)

var _ eventlog.EventStore = (*StoreSpy)(nil)

// StoreSpy is a configurable in-memory EventStore for testing.
// It tracks calls and allows injecting custom behavior or failures.
type StoreSpy struct {
	mu sync.Mutex

	// Function overrides for custom behavior
	AppendFn      func(ctx context.Context, event eventlog.Event) (eventlog.Record, error)
	AppendBatchFn func(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error)
	QueryFn       func(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error)

	// Call tracking
	AppendCalls      int
	AppendBatchCalls int
	QueryCalls       int
	CloseCalls       int

	// Captured arguments from last call
	LastFilter eventlog.Filter

	records []*eventlog.Record
	seq     uint64

	appendErr error
	queryErr  error
}

// NewStoreSpy creates a new StoreSpy with default behavior.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{}
}

// WithEvents pre-populates the store.
func (s *StoreSpy) WithEvents(events ...eventlog.Event) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.store(e)
	}
	return s
}

// FailOnAppend configures Append and AppendBatch to return err.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.appendErr = err
	return s
}

// FailOnQuery configures Query to return err.
func (s *StoreSpy) FailOnQuery(err error) *StoreSpy {
	s.queryErr = err
	return s
}

func (s *StoreSpy) store(e eventlog.Event) eventlog.Record {
	s.seq++
	r := &eventlog.Record{Sequence: s.seq, AggregateID: e.AggregateID(), Event: e}
	s.records = append(s.records, r)
	return *r
}

// Append implements EventStore.Append.
func (s *StoreSpy) Append(ctx context.Context, event eventlog.Event) (eventlog.Record, error) {
	s.mu.Lock()
	s.AppendCalls++
	s.mu.Unlock()

	if s.AppendFn != nil {
		return s.AppendFn(ctx, event)
	}
	if s.appendErr != nil {
		return eventlog.Record{}, &eventlog.StoreWriteError{Op: "append", Err: s.appendErr}
	}
	if err := event.Validate(); err != nil {
		return eventlog.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(event), nil
}

// AppendBatch implements EventStore.AppendBatch.
func (s *StoreSpy) AppendBatch(ctx context.Context, events []eventlog.Event) ([]eventlog.Record, error) {
	s.mu.Lock()
	s.AppendBatchCalls++
	s.mu.Unlock()

	if s.AppendBatchFn != nil {
		return s.AppendBatchFn(ctx, events)
	}
	if s.appendErr != nil {
		return nil, &eventlog.StoreWriteError{Op: "append batch", Err: s.appendErr}
	}
	if err := eventlog.ValidateBatch(events); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventlog.Record, len(events))
	for i, e := range events {
		out[i] = s.store(e)
	}
	return out, nil
}

// Query implements EventStore.Query.
func (s *StoreSpy) Query(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
	s.mu.Lock()
	s.QueryCalls++
	s.LastFilter = filter
	s.mu.Unlock()

	if s.QueryFn != nil {
		return s.QueryFn(ctx, filter)
	}
	if s.queryErr != nil {
		return nil, &eventlog.QueryError{Err: s.queryErr}
	}

	s.mu.Lock()
	var matched []*eventlog.Record
	for _, r := range s.records {
		if filter.Matches(r.Event) {
			matched = append(matched, r)
		}
	}
	s.mu.Unlock()

	eventlog.SortRecords(matched)
	return eventlog.NewSliceIterator(matched), nil
}

// Close implements EventStore.Close.
func (s *StoreSpy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// Events returns every stored event in append order.
func (s *StoreSpy) Events() []eventlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventlog.Event, len(s.records))
	for i, r := range s.records {
		out[i] = r.Event
	}
	return out
}

// Count returns the number of stored events.
func (s *StoreSpy) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
