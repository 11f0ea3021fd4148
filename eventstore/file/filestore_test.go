package file_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/eventstore/file"
	"github.com/clinicsales/eventlog/eventstore/storetest"
	"github.com/clinicsales/eventlog/fixtures"
)

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) eventlog.EventStore {
		store, err := file.NewFileStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestFileStore_ReopenRestoresLog(t *testing.T) {
	dir := t.TempDir()

	store, err := file.NewFileStore(dir)
	require.NoError(t, err)

	timeline := fixtures.LeadTimeline("L1", 3)
	_, err = store.AppendBatch(t.Context(), timeline[:2])
	require.NoError(t, err)
	_, err = store.Append(t.Context(), timeline[2])
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := file.NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	iter, err := reopened.Query(t.Context(), eventlog.ByAggregateID("L1"))
	require.NoError(t, err)
	records, err := iter.All(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, timeline[2].ID, records[2].Event.ID)
	assert.Equal(t, uint64(3), records[2].Sequence)

	next, err := reopened.Append(t.Context(), fixtures.Lead(eventlog.LeadConverted, "L1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Sequence)

	_, err = reopened.Append(t.Context(), timeline[0])
	assert.ErrorIs(t, err, eventlog.ErrDuplicateEvent)
}

func TestFileStore_DiscardsTornFrame(t *testing.T) {
	dir := t.TempDir()

	store, err := file.NewFileStore(dir)
	require.NoError(t, err)
	_, err = store.Append(t.Context(), fixtures.Lead(eventlog.LeadCreated, "L1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	f, err := os.OpenFile(store.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"records":[{"seq":2,"aggregate_id":"L1","eve`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := file.NewFileStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	iter, err := reopened.Query(t.Context(), eventlog.Filter{})
	require.NoError(t, err)
	records, err := iter.All(t.Context())
	require.NoError(t, err)
	assert.Len(t, records, 1)

	rec, err := reopened.Append(t.Context(), fixtures.Lead(eventlog.LeadUpdated, "L1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Sequence)
}

func TestFileStore_CorruptFrameFailsOpen(t *testing.T) {
	dir := t.TempDir()

	store, err := file.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, os.WriteFile(store.Path(), []byte("not json\n"), 0o644))

	_, err = file.NewFileStore(dir)
	require.Error(t, err)
}
