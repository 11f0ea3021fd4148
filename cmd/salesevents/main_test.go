package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/config"
)

const wireEvents = `
{"id":"e-1","type":"lead.created","timestamp":"2024-01-15T10:00:00Z","source":"importer","version":"2.0","clinic_id":"C1","data":{"lead_id":"L1","sales_user_id":"U1"}}
{"id":"e-2","type":"proposal.created","timestamp":"2024-01-15T10:00:01Z","data":{"proposal_id":"P1","lead_id":"L1","sales_user_id":"U1","total_value":"12500.50","win_probability":40}}
{"type":"lead.created","data":{"lead_id":"L2","sales_user_id":"U2"}}
`

// useFileStore points every command at a fresh file store.
func useFileStore(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("EVENTLOG_STORE_DRIVER", "file")
	t.Setenv("EVENTLOG_STORE_FILE_DIR", t.TempDir())
	t.Setenv("EVENTLOG_LOGGER_LEVEL", "error")
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []eventlog.Event {
	t.Helper()
	var events []eventlog.Event
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		e, err := eventlog.UnmarshalEvent([]byte(line))
		require.NoError(t, err)
		events = append(events, e)
	}
	return events
}

func TestPublishThenQuery(t *testing.T) {
	useFileStore(t)

	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(wireEvents), 0o600))

	out, err := execute(t, "", "publish", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "published 3 of 3 events")

	out, err = execute(t, "", "events", "--aggregate", "L1")
	require.NoError(t, err)
	events := decodeLines(t, out)
	require.Len(t, events, 2)
	assert.Equal(t, "e-1", events[0].ID)
	assert.Equal(t, "importer", events[0].Source)
	assert.Equal(t, "e-2", events[1].ID)
	assert.Equal(t, eventlog.DefaultSource, events[1].Source)
	assert.Equal(t, eventlog.DefaultVersion, events[1].Version)
	assert.Equal(t, "12500.5", events[1].Data.(eventlog.ProposalData).TotalValue.String())

	out, err = execute(t, "", "events", "--from", "2024-01-15T10:00:01Z")
	require.NoError(t, err)
	events = decodeLines(t, out)
	require.Len(t, events, 2)
	assert.Equal(t, "e-2", events[0].ID)
	assert.Equal(t, "L2", events[1].AggregateID())
}

func TestPublish_BatchIsAtomic(t *testing.T) {
	useFileStore(t)

	in := `[
{"id":"ok","type":"lead.created","data":{"lead_id":"L1","sales_user_id":"U1"}},
{"id":"bad","type":"lead.created","data":{"lead_id":"L1"}}
]`
	out, err := execute(t, in, "publish", "--batch")
	var verr *eventlog.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bad", verr.EventID)
	assert.Contains(t, out, "published 0 of 2 events")

	out, err = execute(t, "", "events")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestPublish_StopsAtFirstInvalidEvent(t *testing.T) {
	useFileStore(t)

	in := `{"id":"a","type":"lead.created","data":{"lead_id":"L1","sales_user_id":"U1"}}
{"id":"b","type":"lead.created","data":{"lead_id":""}}
{"id":"c","type":"lead.created","data":{"lead_id":"L3","sales_user_id":"U1"}}`
	out, err := execute(t, in, "publish")
	require.ErrorIs(t, err, eventlog.ErrInvalidEvent)
	assert.Contains(t, out, "published 1 of 3 events")

	out, err = execute(t, "", "events")
	require.NoError(t, err)
	events := decodeLines(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].ID)
}

func TestEvents_BadFrom(t *testing.T) {
	useFileStore(t)
	_, err := execute(t, "", "events", "--from", "yesterday")
	assert.ErrorContains(t, err, "--from")
}

func TestMigrate_RequiresDSN(t *testing.T) {
	useFileStore(t)
	_, err := execute(t, "", "migrate")
	assert.ErrorContains(t, err, "no postgres dsn")
}

func TestPublish_WebsocketTransportNeedsServe(t *testing.T) {
	useFileStore(t)
	t.Setenv("EVENTLOG_TRANSPORT_DRIVER", "websocket")
	_, err := execute(t, wireEvents, "publish")
	assert.ErrorContains(t, err, "serve command")
}

func TestReadEvents(t *testing.T) {
	defaults := config.PublisherConfig{Source: "cli", Version: "9"}
	now := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	restore := eventlog.Now
	eventlog.Now = func() time.Time { return now }
	t.Cleanup(func() { eventlog.Now = restore })

	t.Run("stream", func(t *testing.T) {
		events, err := readEvents(strings.NewReader(wireEvents), defaults)
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, "importer", events[0].Source)
		assert.Equal(t, "2.0", events[0].Version)
		assert.Equal(t, "C1", events[0].ClinicID)

		third := events[2]
		assert.NotEmpty(t, third.ID)
		assert.Equal(t, now.Truncate(time.Microsecond), third.Timestamp)
		assert.Equal(t, "cli", third.Source)
		assert.Equal(t, "9", third.Version)
		assert.NoError(t, third.Validate())
	})

	t.Run("nanosecond timestamp truncated", func(t *testing.T) {
		events, err := readEvents(strings.NewReader(`{"id":"n","type":"lead.created","timestamp":"2025-01-01T00:00:00.123456789Z","data":{"lead_id":"L1","sales_user_id":"U1"}}`), defaults)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 123456000, time.UTC), events[0].Timestamp)
		assert.NoError(t, events[0].Validate())
	})

	t.Run("array", func(t *testing.T) {
		events, err := readEvents(strings.NewReader(`  [{"id":"x","type":"activity.created","data":{"activity_id":"A1","lead_id":"L1","sales_user_id":"U1","activity_type":"call"}}]`), defaults)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, eventlog.EventType(eventlog.ActivityCreated), events[0].Type)
	})

	t.Run("empty input", func(t *testing.T) {
		events, err := readEvents(strings.NewReader(" \n\t"), defaults)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := readEvents(strings.NewReader(`{"id":"x","type":"invoice.paid","data":{}}`), defaults)
		assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)
	})

	t.Run("wrong field type", func(t *testing.T) {
		_, err := readEvents(strings.NewReader(`{"id":12,"type":"lead.created"}`), defaults)
		assert.ErrorContains(t, err, "decode event 0")
	})
}
