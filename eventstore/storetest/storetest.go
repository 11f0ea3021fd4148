// Package storetest is the behavioral test suite every EventStore adapter runs.
//
// Subtests scope their data with fresh aggregate ids, so adapters may hand the
// same store to every subtest.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/fixtures"
)

// Factory returns the store under test.
type Factory func(t *testing.T) eventlog.EventStore

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store eventlog.EventStore)
	}{
		{"append then query from timestamp", testAppendThenQueryFrom},
		{"wire decoded event queried from its own timestamp", testWireDecodedTimestamp},
		{"sub-microsecond timestamp rejected", testSubMicrosecondRejected},
		{"append returns record", testAppendReturnsRecord},
		{"duplicate id", testDuplicateID},
		{"invalid event", testInvalidEvent},
		{"batch with invalid event persists nothing", testBatchInvalid},
		{"batch with duplicate id persists nothing", testBatchDuplicate},
		{"batch preserves order", testBatchOrder},
		{"empty batch", testEmptyBatch},
		{"query by aggregate", testQueryByAggregate},
		{"query combines filters", testQueryCombined},
		{"equal timestamps ordered by sequence", testTieBreak},
		{"query is restartable", testRestartable},
		{"payload round trip", testPayloadRoundTrip},
		{"concurrent appends", testConcurrentAppends},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func scope() string {
	return uuid.NewString()[:8]
}

func query(t *testing.T, store eventlog.EventStore, filter eventlog.Filter) []*eventlog.Record {
	t.Helper()
	iter, err := store.Query(t.Context(), filter)
	require.NoError(t, err)
	records, err := iter.All(t.Context())
	require.NoError(t, err)
	return records
}

func eventIDs(records []*eventlog.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Event.ID
	}
	return out
}

func testAppendThenQueryFrom(t *testing.T, store eventlog.EventStore) {
	ev := fixtures.Lead(eventlog.LeadCreated, "lead-"+scope(), eventlog.WithClinicID("C1"))

	_, err := store.Append(t.Context(), ev)
	require.NoError(t, err)

	count := 0
	for _, r := range query(t, store, eventlog.ByMinTimestamp(ev.Timestamp)) {
		if r.Event.ID == ev.ID {
			count++
			assert.True(t, ev.Timestamp.Equal(r.Event.Timestamp))
			assert.Equal(t, ev.ClinicID, r.Event.ClinicID)
		}
	}
	assert.Equal(t, 1, count)
}

func testWireDecodedTimestamp(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	raw := fmt.Sprintf(`{"id":%q,"type":"lead.created","timestamp":"2025-01-01T00:00:00.123456789Z",`+
		`"source":"importer","version":"1.0","data":{"lead_id":%q,"sales_user_id":"U1"}}`, uuid.NewString(), lead)
	ev, err := eventlog.UnmarshalEvent([]byte(raw))
	require.NoError(t, err)

	rec, err := store.Append(t.Context(), ev)
	require.NoError(t, err)
	assert.True(t, ev.Timestamp.Equal(rec.Event.Timestamp))

	records := query(t, store, eventlog.Filter{AggregateID: lead, From: ev.Timestamp})
	require.Len(t, records, 1)
	assert.Equal(t, ev.ID, records[0].Event.ID)
	assert.True(t, ev.Timestamp.Equal(records[0].Event.Timestamp))
}

func testSubMicrosecondRejected(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	ev := fixtures.Lead(eventlog.LeadCreated, lead)
	ev.Timestamp = ev.Timestamp.Add(time.Nanosecond)

	_, err := store.Append(t.Context(), ev)
	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)
	assert.Empty(t, query(t, store, eventlog.ByAggregateID(lead)))
}

func testAppendReturnsRecord(t *testing.T, store eventlog.EventStore) {
	first, err := store.Append(t.Context(), fixtures.Proposal(eventlog.ProposalCreated, "prop-"+scope(), "lead-"+scope()))
	require.NoError(t, err)
	second, err := store.Append(t.Context(), fixtures.Lead(eventlog.LeadCreated, "lead-"+scope()))
	require.NoError(t, err)

	assert.NotZero(t, first.Sequence)
	assert.Greater(t, second.Sequence, first.Sequence)
	assert.Equal(t, first.Event.AggregateID(), first.AggregateID)
}

func testDuplicateID(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	ev := fixtures.Lead(eventlog.LeadCreated, lead)

	_, err := store.Append(t.Context(), ev)
	require.NoError(t, err)

	_, err = store.Append(t.Context(), ev)

	var werr *eventlog.StoreWriteError
	require.ErrorAs(t, err, &werr)
	assert.ErrorIs(t, err, eventlog.ErrDuplicateEvent)
	assert.Len(t, query(t, store, eventlog.ByAggregateID(lead)), 1)
}

func testInvalidEvent(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	ev := fixtures.Lead(eventlog.LeadCreated, lead)
	ev.Type = eventlog.EventType(eventlog.ActivityCreated)

	_, err := store.Append(t.Context(), ev)

	var verr *eventlog.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, query(t, store, eventlog.ByAggregateID(lead)))
}

func testBatchInvalid(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	events := []eventlog.Event{
		fixtures.Proposal(eventlog.ProposalCreated, "prop-1-"+lead, lead),
		fixtures.Proposal(eventlog.ProposalCreated, "", lead),
		fixtures.Proposal(eventlog.ProposalCreated, "prop-3-"+lead, lead),
	}

	_, err := store.AppendBatch(t.Context(), events)

	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)
	assert.Empty(t, query(t, store, eventlog.ByAggregateID(lead)))
}

func testBatchDuplicate(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	existing := fixtures.Lead(eventlog.LeadCreated, lead)
	_, err := store.Append(t.Context(), existing)
	require.NoError(t, err)

	batch := []eventlog.Event{
		fixtures.Lead(eventlog.LeadUpdated, lead),
		existing,
		fixtures.Lead(eventlog.LeadAssigned, lead),
	}

	_, err = store.AppendBatch(t.Context(), batch)

	var werr *eventlog.StoreWriteError
	require.ErrorAs(t, err, &werr)
	assert.ErrorIs(t, err, eventlog.ErrDuplicateEvent)
	assert.Equal(t, []string{existing.ID}, eventIDs(query(t, store, eventlog.ByAggregateID(lead))))
}

func testBatchOrder(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	events := fixtures.LeadTimeline(lead, 4)

	records, err := store.AppendBatch(t.Context(), events)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i].Sequence, records[i-1].Sequence)
	}

	assert.Equal(t, []string{events[0].ID, events[1].ID, events[2].ID, events[3].ID},
		eventIDs(query(t, store, eventlog.ByAggregateID(lead))))
}

func testEmptyBatch(t *testing.T, store eventlog.EventStore) {
	records, err := store.AppendBatch(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testQueryByAggregate(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	proposal := "prop-" + scope()
	at := func(m int) eventlog.Option { return fixtures.At(fixtures.BaseTime.Add(time.Duration(m) * time.Minute)) }

	leadEv := fixtures.Lead(eventlog.LeadCreated, lead, at(0))
	proposalEv := fixtures.Proposal(eventlog.ProposalCreated, proposal, lead, at(2))
	activityEv := fixtures.Activity(eventlog.ActivityCreated, "act-"+scope(), lead, at(1))
	unrelated := fixtures.Lead(eventlog.LeadCreated, "lead-"+scope(), at(1))

	for _, ev := range []eventlog.Event{proposalEv, unrelated, activityEv, leadEv} {
		_, err := store.Append(t.Context(), ev)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{leadEv.ID, activityEv.ID, proposalEv.ID},
		eventIDs(query(t, store, eventlog.ByAggregateID(lead))))
	assert.Equal(t, []string{proposalEv.ID},
		eventIDs(query(t, store, eventlog.ByAggregateID(proposal))))
}

func testQueryCombined(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	events := fixtures.LeadTimeline(lead, 5)
	_, err := store.AppendBatch(t.Context(), events)
	require.NoError(t, err)

	got := query(t, store, eventlog.Filter{AggregateID: lead, From: events[2].Timestamp})

	assert.Equal(t, []string{events[2].ID, events[3].ID, events[4].ID}, eventIDs(got))
}

func testTieBreak(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	ts := fixtures.BaseTime.Add(time.Hour)
	var ids []string
	for i := range 3 {
		ev := fixtures.Lead(eventlog.LeadUpdated, lead, fixtures.At(ts), fixtures.WithID(fmt.Sprintf("%s-%d", lead, 2-i)))
		_, err := store.Append(t.Context(), ev)
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	got := query(t, store, eventlog.ByAggregateID(lead))
	assert.Equal(t, ids, eventIDs(got))
}

func testRestartable(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	_, err := store.AppendBatch(t.Context(), fixtures.LeadTimeline(lead, 3))
	require.NoError(t, err)

	first := eventIDs(query(t, store, eventlog.ByAggregateID(lead)))
	second := eventIDs(query(t, store, eventlog.ByAggregateID(lead)))

	assert.Len(t, first, 3)
	assert.Equal(t, first, second)
}

func testPayloadRoundTrip(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	ev := eventlog.NewProposalEvent(eventlog.ProposalStatusChanged, eventlog.ProposalData{
		ProposalID:     "prop-" + scope(),
		LeadID:         lead,
		SalesUserID:    "U1",
		PreviousStatus: "draft",
		NewStatus:      "sent",
		TotalValue:     decimal.RequireFromString("4999.99"),
		WinProbability: 55,
		Changes:        map[string]any{"status": "sent"},
	}, eventlog.WithUserID("U1"), eventlog.WithCorrelationID("corr-"+lead))

	_, err := store.Append(t.Context(), ev)
	require.NoError(t, err)

	got := query(t, store, eventlog.ByAggregateID(lead))
	require.Len(t, got, 1)
	stored := got[0].Event

	assert.Equal(t, ev.ID, stored.ID)
	assert.Equal(t, ev.Type, stored.Type)
	assert.True(t, ev.Timestamp.Equal(stored.Timestamp))
	assert.Equal(t, ev.CorrelationID, stored.CorrelationID)
	assert.Equal(t, ev.UserID, stored.UserID)

	want := ev.Data.(eventlog.ProposalData)
	data, ok := stored.Data.(eventlog.ProposalData)
	require.True(t, ok)
	assert.True(t, want.TotalValue.Equal(data.TotalValue))
	assert.Equal(t, want.NewStatus, data.NewStatus)
	assert.Equal(t, want.WinProbability, data.WinProbability)
	assert.Equal(t, want.Changes, data.Changes)
}

func testConcurrentAppends(t *testing.T, store eventlog.EventStore) {
	lead := "lead-" + scope()
	const workers, perWorker = 8, 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if _, err := store.Append(context.Background(), fixtures.Lead(eventlog.LeadUpdated, lead)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got := query(t, store, eventlog.ByAggregateID(lead))
	require.Len(t, got, workers*perWorker)
	seen := map[uint64]bool{}
	for _, r := range got {
		require.False(t, seen[r.Sequence], "sequence %d reused", r.Sequence)
		seen[r.Sequence] = true
	}
}

// ErrorIsStoreWrite reports whether err is a *StoreWriteError.
func ErrorIsStoreWrite(err error) bool {
	var werr *eventlog.StoreWriteError
	return errors.As(err, &werr)
}
