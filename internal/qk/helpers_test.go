package qk_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotekeeper/internal/database"
	"quotekeeper/internal/qk"
	"quotekeeper/internal/testutil"
)

const testTimeout = 2 * time.Second

type harness struct {
	local  *database.SQLiteStore
	remote *testutil.FlakyRemote
	clock  *testutil.StubClock
	mgr    *qk.DatabaseManager
}

// newHarness builds an OFFLINE manager over a fresh local store and a
// healthy in-memory remote.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		local:  testutil.NewTestLocalStore(t),
		remote: testutil.NewTestRemote(t),
		clock:  testutil.FixedClock(),
	}
	h.mgr = qk.NewDatabaseManager(h.local, h.remote, qk.NewNopLogger(), h.clock, testTimeout)
	return h
}

func (h *harness) scheduler() *qk.SyncScheduler {
	return qk.NewSyncScheduler(h.mgr, time.Hour, 0, qk.NewNopLogger(), h.clock, testutil.NewStubIDGenerator())
}

func payload(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// putRemote writes rec straight into the remote store, as another host would.
func (h *harness) putRemote(t *testing.T, rec *qk.Record) {
	t.Helper()
	rec = rec.Clone()
	rec.SyncState = qk.SyncSynced
	require.NoError(t, h.remote.Inner().PutRecord(context.Background(), rec))
}

func (h *harness) localRecord(t *testing.T, key string) *qk.Record {
	t.Helper()
	rec, err := h.local.GetRecord(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rec, "local record %s", key)
	return rec
}

func (h *harness) remoteRecord(t *testing.T, key string) *qk.Record {
	t.Helper()
	rec, err := h.remote.Inner().GetRecord(context.Background(), key)
	require.NoError(t, err)
	return rec
}
