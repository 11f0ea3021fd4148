package eventlog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/fixtures"
)

func newPublisher(store eventlog.EventStore, transport eventlog.Transport, opts ...eventlog.PublisherOption) *eventlog.Publisher {
	opts = append([]eventlog.PublisherOption{
		eventlog.WithTransport(transport),
		eventlog.WithLogger(zap.NewNop()),
	}, opts...)
	return eventlog.NewPublisher(store, opts...)
}

func TestPublish_LeadCreatedScenario(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport)

	ev := eventlog.NewLeadEvent(eventlog.LeadCreated, eventlog.LeadData{
		LeadID:      "L1",
		SalesUserID: "U1",
	}, eventlog.WithClinicID("C1"))

	require.NoError(t, p.Publish(t.Context(), ev))

	stored := store.Events()
	require.Len(t, stored, 1)
	assert.Equal(t, ev.ID, stored[0].ID)

	assert.Equal(t, 2, transport.Calls())
	assert.Equal(t, []string{"clinic:C1", "sales-events"}, transport.Topics(ev.ID))

	got, err := p.GetEvents(t.Context(), "L1", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
}

func TestPublishBatch_InvalidEventRejectsWholeBatch(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport)

	events := []eventlog.Event{
		fixtures.Proposal(eventlog.ProposalCreated, "P1", "L1"),
		fixtures.Proposal(eventlog.ProposalCreated, "", "L1"),
		fixtures.Proposal(eventlog.ProposalCreated, "P3", "L1"),
	}

	err := p.PublishBatch(t.Context(), events)

	var verr *eventlog.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "data.proposal_id", verr.Field)
	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)
	assert.Equal(t, 0, store.Count())
	assert.Equal(t, 0, store.AppendBatchCalls)
	assert.Equal(t, 0, transport.Calls())
}

func TestPublish_StoreFailurePreventsFanout(t *testing.T) {
	store := fixtures.NewStoreSpy().FailOnAppend(errors.New("database unavailable"))
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport)

	err := p.Publish(t.Context(), fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithUserID("U1")))

	var werr *eventlog.StoreWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, 0, transport.Calls())
	assert.Equal(t, uint64(1), p.Stats().StoreErrors)
	assert.Equal(t, uint64(0), p.Stats().Appended)
}

func TestPublish_InvalidEventSkipsStore(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport)

	ev := fixtures.Lead(eventlog.LeadCreated, "L1")
	ev.Type = eventlog.EventType(eventlog.ProposalSent)

	err := p.Publish(t.Context(), ev)

	require.ErrorIs(t, err, eventlog.ErrInvalidEvent)
	assert.Equal(t, 0, store.AppendCalls)
	assert.Equal(t, 0, transport.Calls())
}

func TestPublish_PartialTransportFailureIsSwallowed(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*fixtures.TransportSpy)
	}{
		{
			name: "send error",
			configure: func(tr *fixtures.TransportSpy) {
				tr.FailOnTopic("clinic:C1", errors.New("broker down"))
			},
		},
		{
			name: "send panic",
			configure: func(tr *fixtures.TransportSpy) {
				tr.PanicOnTopic("clinic:C1")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := fixtures.NewStoreSpy()
			transport := fixtures.NewTransportSpy()
			tt.configure(transport)
			p := newPublisher(store, transport)

			ev := fixtures.Lead(eventlog.LeadAssigned, "L1", eventlog.WithClinicID("C1"), eventlog.WithUserID("U9"))

			require.NoError(t, p.Publish(t.Context(), ev))

			assert.Equal(t, 1, store.Count())
			assert.Equal(t, 3, transport.Calls())
			assert.Equal(t, []string{"sales-events", "user:U9"}, transport.Topics(ev.ID))

			stats := p.Stats()
			assert.Equal(t, uint64(2), stats.Sent)
			assert.Equal(t, uint64(1), stats.Dropped)
		})
	}
}

func TestPublishBatch_FanoutIsolatedPerEvent(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy().FailOnTopic("user:U2", errors.New("closed socket"))
	p := newPublisher(store, transport, eventlog.WithMaxWorkers(2))

	events := []eventlog.Event{
		fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithUserID("U1")),
		fixtures.Lead(eventlog.LeadCreated, "L2", eventlog.WithUserID("U2")),
		fixtures.Lead(eventlog.LeadCreated, "L3", eventlog.WithUserID("U3")),
	}

	require.NoError(t, p.PublishBatch(t.Context(), events))

	assert.Equal(t, 3, store.Count())
	assert.Equal(t, 1, store.AppendBatchCalls)
	assert.Equal(t, []string{"sales-events", "user:U1"}, transport.Topics(events[0].ID))
	assert.Equal(t, []string{"sales-events"}, transport.Topics(events[1].ID))
	assert.Equal(t, []string{"sales-events", "user:U3"}, transport.Topics(events[2].ID))
	assert.Equal(t, uint64(1), p.Stats().Dropped)
	assert.Equal(t, uint64(3), p.Stats().Appended)
}

func TestPublishBatch_Empty(t *testing.T) {
	store := fixtures.NewStoreSpy()
	p := newPublisher(store, fixtures.NewTransportSpy())

	require.NoError(t, p.PublishBatch(t.Context(), nil))
	assert.Equal(t, 0, store.AppendBatchCalls)
}

func TestPublish_FanoutTimeout(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	transport.SendFn = func(ctx context.Context, topic string, msg eventlog.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := newPublisher(store, transport, eventlog.WithFanoutTimeout(20*time.Millisecond))

	start := time.Now()
	require.NoError(t, p.Publish(t.Context(), fixtures.Lead(eventlog.LeadCreated, "L1")))

	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, p.Close(t.Context()))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestPublish_FanoutSurvivesCallerCancellation(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport)

	ctx, cancel := context.WithCancel(t.Context())
	transport.SendFn = func(sendCtx context.Context, topic string, msg eventlog.Message) error {
		cancel()
		return sendCtx.Err()
	}

	require.NoError(t, p.Publish(ctx, fixtures.Lead(eventlog.LeadCreated, "L1")))
	assert.Equal(t, uint64(1), p.Stats().Sent)
}

func TestPublish_DetachedFanout(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	release := make(chan struct{})
	transport.SendFn = func(ctx context.Context, topic string, msg eventlog.Message) error {
		<-release
		return nil
	}
	p := newPublisher(store, transport, eventlog.WithDetachedFanout())

	ev := fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithClinicID("C1"))
	require.NoError(t, p.Publish(t.Context(), ev))
	assert.Equal(t, 1, store.Count())
	assert.Equal(t, uint64(0), p.Stats().Sent)

	close(release)
	require.NoError(t, p.Close(t.Context()))
	assert.Equal(t, uint64(2), p.Stats().Sent)
}

func TestPublish_RejectedAfterClose(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport)
	require.NoError(t, p.Close(t.Context()))

	err := p.Publish(t.Context(), fixtures.Lead(eventlog.LeadCreated, "L1"))
	assert.ErrorIs(t, err, eventlog.ErrPublisherClosed)
	err = p.PublishBatch(t.Context(), []eventlog.Event{fixtures.Lead(eventlog.LeadCreated, "L2")})
	assert.ErrorIs(t, err, eventlog.ErrPublisherClosed)

	assert.Zero(t, store.Count())
	assert.Zero(t, transport.Calls())
}

func TestPublish_ConcurrentWithClose(t *testing.T) {
	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy()
	p := newPublisher(store, transport, eventlog.WithDetachedFanout())

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Publish(t.Context(), fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithClinicID("C1")))
			if err != nil {
				assert.ErrorIs(t, err, eventlog.ErrPublisherClosed)
			}
		}()
	}
	require.NoError(t, p.Close(t.Context()))
	wg.Wait()

	// Every persisted event was either sent or counted as dropped on both topics.
	stats := p.Stats()
	assert.Equal(t, uint64(2*store.Count()), stats.Sent+stats.Dropped)
}

func TestPublish_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	store := fixtures.NewStoreSpy()
	transport := fixtures.NewTransportSpy().FailOnTopic("sales-events", errors.New("boom"))
	p := newPublisher(store, transport, eventlog.WithMeterProvider(mp))

	require.NoError(t, p.Publish(t.Context(), fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithUserID("U1"))))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	assert.Equal(t, int64(1), sumCounter(rm, "eventlog.events.appended"))
	assert.Equal(t, int64(1), sumCounter(rm, "eventlog.fanout.sent"))
	assert.Equal(t, int64(1), sumCounter(rm, "eventlog.fanout.dropped"))
}

func TestGetEvents_QueryFailure(t *testing.T) {
	store := fixtures.NewStoreSpy()
	store.QueryFn = func(ctx context.Context, filter eventlog.Filter) (*eventlog.Iterator[*eventlog.Record], error) {
		return fixtures.FailingIterator(errors.New("cursor lost")), nil
	}
	p := newPublisher(store, fixtures.NewTransportSpy())

	_, err := p.GetEvents(t.Context(), "L1", time.Time{})

	var qerr *eventlog.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.EqualError(t, qerr.Err, "cursor lost")
}

func TestGetEvents_FiltersAndOrders(t *testing.T) {
	lead := fixtures.Lead(eventlog.LeadCreated, "lead-42", fixtures.At(fixtures.BaseTime.Add(2*time.Minute)))
	proposal := fixtures.Proposal(eventlog.ProposalCreated, "P1", "lead-42", fixtures.At(fixtures.BaseTime))
	activity := fixtures.Activity(eventlog.ActivityCreated, "A1", "lead-42", fixtures.At(fixtures.BaseTime.Add(time.Minute)))
	other := fixtures.Lead(eventlog.LeadCreated, "lead-7", fixtures.At(fixtures.BaseTime))

	store := fixtures.NewStoreSpy().WithEvents(lead, proposal, other, activity)
	p := newPublisher(store, fixtures.NewTransportSpy())

	got, err := p.GetEvents(t.Context(), "lead-42", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{proposal.ID, activity.ID, lead.ID}, ids(got))

	got, err = p.GetEvents(t.Context(), "lead-42", fixtures.BaseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{activity.ID, lead.ID}, ids(got))
}

func ids(events []eventlog.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func sumCounter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
