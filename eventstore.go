package eventlog

import (
	"context"
	"slices"
	"time"
)

// EventStore is the append-only durable log of every Event.
//
// Implementations must guarantee:
//   - A successful Append or AppendBatch is durable; the caller treats the
//     return as the commit point.
//   - AppendBatch is atomic: all events are persisted or none are.
//   - Appends are atomic with respect to each other when called concurrently.
//   - Persisted events are never updated or deleted.
//   - Query yields events ascending by timestamp, ties broken by Sequence.
//
// Stores never retry; retry policy belongs to the caller.
type EventStore interface {
	// Append persists one event.
	//
	// Errors:
	//   - *ValidationError when the event is malformed; nothing is written.
	//   - *StoreWriteError on persistence failure, wrapping ErrDuplicateEvent
	//     when the id already exists.
	Append(ctx context.Context, event Event) (Record, error)

	// AppendBatch persists events atomically, in order. An invalid event fails
	// the whole batch with a *ValidationError before anything is written.
	AppendBatch(ctx context.Context, events []Event) ([]Record, error)

	// Query returns a lazy, finite iterator over the events matching filter.
	// Calling Query again restarts from the beginning. Failures surface as
	// *QueryError, either from Query or from the iterator's Err.
	Query(ctx context.Context, filter Filter) (*Iterator[*Record], error)

	// Close releases connections or file handles. Close is idempotent.
	Close() error
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	// AggregateID matches events whose payload references the id through
	// lead_id, proposal_id or activity_id.
	AggregateID string
	// From is an inclusive lower bound on Timestamp.
	From time.Time
}

// ByAggregateID returns a filter on one aggregate.
func ByAggregateID(id string) Filter {
	return Filter{AggregateID: id}
}

// ByMinTimestamp returns a filter on an inclusive lower time bound.
func ByMinTimestamp(from time.Time) Filter {
	return Filter{From: from}
}

// Matches reports whether e satisfies the filter.
func (f Filter) Matches(e Event) bool {
	if f.AggregateID != "" && !e.References(f.AggregateID) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	return true
}

// ValidateBatch validates every event and rejects duplicate ids within the
// batch. An empty batch is valid and persists nothing.
func ValidateBatch(events []Event) error {
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		if _, dup := seen[e.ID]; dup {
			return invalid(e, "id", "appears twice in batch")
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

// Less orders records for replay: timestamp first, then store sequence.
func (r *Record) Less(other *Record) bool {
	if !r.Event.Timestamp.Equal(other.Event.Timestamp) {
		return r.Event.Timestamp.Before(other.Event.Timestamp)
	}
	return r.Sequence < other.Sequence
}

// SortRecords orders records for replay in place.
func SortRecords(records []*Record) {
	slices.SortStableFunc(records, func(a, b *Record) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}
