package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/fixtures"
	wstransport "github.com/clinicsales/eventlog/transport/websocket"
)

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) eventlog.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var msg eventlog.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_DeliversSubscribedTopics(t *testing.T) {
	hub := wstransport.NewHub()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	t.Cleanup(func() { _ = hub.Close() })

	conn := dial(t, server, "topic=clinic:C1&topic=user:U1")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	other := fixtures.Lead(eventlog.LeadCreated, "L0", eventlog.WithClinicID("C2"))
	require.NoError(t, hub.Send(t.Context(), "clinic:C2", eventlog.NewMessage(other)))

	ev := fixtures.Lead(eventlog.LeadCreated, "L1", eventlog.WithClinicID("C1"))
	require.NoError(t, hub.Send(t.Context(), "clinic:C1", eventlog.NewMessage(ev)))

	msg := read(t, conn)
	assert.Equal(t, "lead.created", msg.EventName)
	assert.Equal(t, ev.ID, msg.Payload.ID)
	assert.Equal(t, "C1", msg.Payload.ClinicID)
}

func TestHub_PublisherFanout(t *testing.T) {
	hub := wstransport.NewHub()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	t.Cleanup(func() { _ = hub.Close() })

	conn := dial(t, server, "topic="+eventlog.DefaultGlobalTopic)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	pub := eventlog.NewPublisher(fixtures.NewStoreSpy(), eventlog.WithTransport(hub))
	ev := fixtures.Proposal(eventlog.ProposalAccepted, "P1", "L1")
	require.NoError(t, pub.Publish(t.Context(), ev))

	msg := read(t, conn)
	assert.Equal(t, ev.ID, msg.Payload.ID)
	assert.Equal(t, uint64(1), pub.Stats().Sent)
}

func TestHub_RequiresTopic(t *testing.T) {
	server := httptest.NewServer(wstransport.NewHub())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_ClientDisconnectRemoves(t *testing.T) {
	hub := wstransport.NewHub()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn := dial(t, server, "topic=t")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub := wstransport.NewHub()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	conn := dial(t, server, "topic=t")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.ErrorIs(t, hub.Send(t.Context(), "t", eventlog.Message{}), eventlog.ErrTransportClosed)
}
