package eventlog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/fixtures"
)

func TestIdempotent_DropsRedelivery(t *testing.T) {
	spy := fixtures.NewHandlerSpy()
	h := eventlog.Idempotent(spy, eventlog.NewMemorySeenSet(0))
	ev := fixtures.Lead(eventlog.LeadCreated, "L1")

	require.NoError(t, h.Handle(t.Context(), ev))
	require.NoError(t, h.Handle(t.Context(), ev))

	assert.Equal(t, 1, spy.EventCount())
}

func TestIdempotent_FailureAllowsRetry(t *testing.T) {
	spy := fixtures.NewHandlerSpy().FailOnHandle(errors.New("projection offline"))
	seen := eventlog.NewMemorySeenSet(0)
	h := eventlog.Idempotent(spy, seen)
	ev := fixtures.Lead(eventlog.LeadCreated, "L1")

	require.Error(t, h.Handle(t.Context(), ev))
	assert.Equal(t, 0, seen.Len())

	spy.Reset()
	require.NoError(t, h.Handle(t.Context(), ev))
	assert.Equal(t, 1, spy.EventCount())
	assert.Equal(t, 1, seen.Len())
}

func TestIdempotent_DelegatesCanHandle(t *testing.T) {
	spy := fixtures.NewHandlerSpy()
	spy.CanHandleFn = func(ev eventlog.Event) bool { return ev.Type.Kind() == eventlog.KindLead }
	h := eventlog.Idempotent(spy, eventlog.NewMemorySeenSet(0))

	assert.True(t, h.CanHandle(fixtures.Lead(eventlog.LeadCreated, "L1")))
	assert.False(t, h.CanHandle(fixtures.Activity(eventlog.ActivityCreated, "A1", "L1")))
}

func TestMemorySeenSet_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := eventlog.NewMemorySeenSet(2)

	for _, id := range []string{"a", "b", "c"} {
		first, err := s.MarkSeen(ctx, id)
		require.NoError(t, err)
		assert.True(t, first)
	}
	assert.Equal(t, 2, s.Len())

	first, _ := s.MarkSeen(ctx, "c")
	assert.False(t, first, "c is still remembered")

	first, _ = s.MarkSeen(ctx, "a")
	assert.True(t, first, "a was evicted")
}

func TestReplay(t *testing.T) {
	timeline := fixtures.LeadTimeline("L1", 3)
	other := fixtures.Activity(eventlog.ActivityCreated, "A1", "L2", fixtures.At(fixtures.BaseTime))
	store := fixtures.NewStoreSpy().WithEvents(append(timeline, other)...)

	var sequences []uint64
	spy := fixtures.NewHandlerSpy()
	spy.HandleFn = func(ctx context.Context, ev eventlog.Event) error {
		sequences = append(sequences, eventlog.SequenceFromContext(ctx))
		return nil
	}

	last, err := eventlog.Replay(t.Context(), store, eventlog.ByAggregateID("L1"), spy)

	require.NoError(t, err)
	assert.Equal(t, []string{timeline[0].ID, timeline[1].ID, timeline[2].ID}, spy.EventIDs())
	assert.Equal(t, []uint64{1, 2, 3}, sequences)
	require.NotNil(t, last)
	assert.Equal(t, timeline[2].ID, last.Event.ID)
}

func TestReplay_SkipsUnhandledAndStopsOnError(t *testing.T) {
	timeline := fixtures.LeadTimeline("L1", 3)
	store := fixtures.NewStoreSpy().WithEvents(timeline...)

	boom := errors.New("boom")
	spy := fixtures.NewHandlerSpy()
	spy.CanHandleFn = func(ev eventlog.Event) bool { return ev.ID != timeline[0].ID }
	spy.HandleFn = func(ctx context.Context, ev eventlog.Event) error {
		if ev.ID == timeline[2].ID {
			return boom
		}
		return nil
	}

	last, err := eventlog.Replay(t.Context(), store, eventlog.Filter{}, spy)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{timeline[1].ID, timeline[2].ID}, spy.EventIDs())
	assert.Equal(t, timeline[1].ID, last.Event.ID)
}

func TestReplay_IteratorFailure(t *testing.T) {
	store := fixtures.NewStoreSpy()
	store.QueryFn = func(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
		return fixtures.FailAfterNIterator(fixtures.Records(fixtures.LeadTimeline("L1", 2)...), 1, errors.New("cursor closed")), nil
	}

	last, err := eventlog.Replay(t.Context(), store, eventlog.Filter{}, fixtures.NewHandlerSpy())

	var qerr *eventlog.QueryError
	require.ErrorAs(t, err, &qerr)
	require.NotNil(t, last)
	assert.Equal(t, uint64(1), last.Sequence)
}
