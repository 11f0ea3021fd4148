package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/fixtures"
	"github.com/clinicsales/eventlog/transport/memory"
)

func TestBroker_DeliversByTopic(t *testing.T) {
	broker := memory.NewBroker(8)
	defer broker.Close()

	clinic := fixtures.NewHandlerSpy()
	global := fixtures.NewHandlerSpy()
	require.NoError(t, broker.Subscribe(t.Context(), "clinic", "clinic:C1", clinic))
	require.NoError(t, broker.Subscribe(t.Context(), "global", eventlog.DefaultGlobalTopic, global))

	ev := fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithClinicID("C1"))
	require.NoError(t, broker.Send(t.Context(), "clinic:C1", eventlog.NewMessage(ev)))

	require.Eventually(t, func() bool { return clinic.EventCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, global.EventCount())
	assert.Equal(t, []string{ev.ID}, clinic.EventIDs())
}

func TestBroker_PublisherFanout(t *testing.T) {
	broker := memory.NewBroker(8)
	defer broker.Close()

	user := fixtures.NewHandlerSpy()
	require.NoError(t, broker.Subscribe(t.Context(), "user", "user:U9", user))

	pub := eventlog.NewPublisher(fixtures.NewStoreSpy(), eventlog.WithTransport(broker))
	ev := fixtures.Lead(eventlog.LeadAssigned, "L1", eventlog.WithUserID("U9"))
	require.NoError(t, pub.Publish(t.Context(), ev))

	require.Eventually(t, func() bool { return user.EventCount() == 1 }, time.Second, 5*time.Millisecond)
	got, _ := user.LastEvent()
	assert.Equal(t, ev.ID, got.ID)
}

func TestBroker_FullQueueDrops(t *testing.T) {
	broker := memory.NewBroker(1)
	defer broker.Close()

	release := make(chan struct{})
	slow := fixtures.NewHandlerSpy()
	slow.HandleFn = func(ctx context.Context, e eventlog.Event) error {
		<-release
		return nil
	}
	require.NoError(t, broker.Subscribe(t.Context(), "slow", "t", slow))

	msg := eventlog.NewMessage(fixtures.Lead(eventlog.LeadCreated, "L1"))
	// The first message is taken by the worker, the second fills the queue.
	require.NoError(t, broker.Send(t.Context(), "t", msg))
	require.Eventually(t, func() bool {
		return broker.Send(t.Context(), "t", msg) == nil
	}, time.Second, time.Millisecond)

	err := broker.Send(t.Context(), "t", msg)
	assert.ErrorIs(t, err, eventlog.ErrSubscriberBusy)
	close(release)
}

func TestBroker_HandlerErrorsReported(t *testing.T) {
	broker := memory.NewBroker(4)

	boom := errors.New("projection failed")
	h := fixtures.NewHandlerSpy().FailOnHandle(boom)
	require.NoError(t, broker.Subscribe(t.Context(), "projector", "t", h))
	require.NoError(t, broker.Send(t.Context(), "t", eventlog.NewMessage(fixtures.Lead(eventlog.LeadCreated, "L1"))))

	select {
	case err := <-broker.Errors():
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "projector")
	case <-time.After(time.Second):
		t.Fatal("expected handler error")
	}

	require.NoError(t, broker.Close())
	_, open := <-broker.Errors()
	assert.False(t, open)
}

func TestBroker_SubscribeRules(t *testing.T) {
	broker := memory.NewBroker(1)

	require.NoError(t, broker.Subscribe(t.Context(), "a", "t", fixtures.NewHandlerSpy()))
	assert.ErrorIs(t, broker.Subscribe(t.Context(), "a", "t", fixtures.NewHandlerSpy()), eventlog.ErrDuplicateHandler)
	assert.Error(t, broker.Subscribe(t.Context(), "b", "", fixtures.NewHandlerSpy()))
	assert.Error(t, broker.Subscribe(t.Context(), "c", "t", nil))

	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Subscribe(t.Context(), "d", "t", fixtures.NewHandlerSpy()), eventlog.ErrTransportClosed)
	assert.ErrorIs(t, broker.Send(t.Context(), "t", eventlog.Message{}), eventlog.ErrTransportClosed)
}

func TestBroker_ContextEndsSubscription(t *testing.T) {
	broker := memory.NewBroker(1)
	defer broker.Close()

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, broker.Subscribe(ctx, "short", "t", fixtures.NewHandlerSpy()))
	assert.Equal(t, 1, broker.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return broker.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, broker.Subscribe(t.Context(), "short", "t", fixtures.NewHandlerSpy()))
}
