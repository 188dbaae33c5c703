package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/logging"
	"github.com/dukapos/dukasync/internal/models"
	"github.com/dukapos/dukasync/internal/outbox"
	"github.com/dukapos/dukasync/internal/store"
)

func newConflictStore(t *testing.T) (*Conflicts, *outbox.Queue, *store.Store) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logging.Nop()
	q, err := outbox.New(db, log)
	require.NoError(t, err)
	st := store.New(db, q, log)
	return NewConflicts(db, q, st, log), q, st
}

func wireConflict(id string) WireConflict {
	return WireConflict{
		ConflictID:   id,
		EntityID:     "srv-p1",
		EntityType:   string(models.EntityTypeProduct),
		ConflictType: models.ConflictUpdate,
		LocalData:    json.RawMessage(`{"serverId":"srv-p1","name":"local name","price":100}`),
		ServerData:   json.RawMessage(`{"serverId":"srv-p1","name":"server name","price":150}`),
		Message:      "version mismatch",
		Timestamp:    time.Now().UTC(),
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	c, _, _ := newConflictStore(t)

	first, err := c.Record(wireConflict("cf-1"), "local-1")
	require.NoError(t, err)
	second, err := c.Record(wireConflict("cf-1"), "local-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	n, err := c.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResolveApplyLocalReenqueues(t *testing.T) {
	c, q, _ := newConflictStore(t)
	_, err := c.Record(wireConflict("cf-1"), "local-1")
	require.NoError(t, err)

	require.NoError(t, c.Resolve("cf-1", models.ResolveApplyLocal, nil, "manager"))

	ops, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, ops, 1, "resolution re-enters the outbox")
	assert.Equal(t, "cf-1", ops[0].ConflictID)
	assert.Equal(t, models.OperationUpdate, ops[0].OperationType)
	assert.Equal(t, "srv-p1", ops[0].EntityID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ops[0].EntityData, &payload))
	assert.Equal(t, "local name", payload["name"])

	rec, err := c.Get("cf-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, rec.Status)
	assert.Equal(t, "manager", rec.ResolvedBy)
}

func TestResolveApplyServerWritesStoreOnly(t *testing.T) {
	c, q, st := newConflictStore(t)
	_, err := c.Record(wireConflict("cf-1"), "local-1")
	require.NoError(t, err)

	require.NoError(t, c.Resolve("cf-1", models.ResolveApplyServer, nil, "manager"))

	// Nothing to push; the server already has its version.
	assert.Equal(t, 0, q.PendingCount())

	products, err := st.ListProducts()
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "server name", products[0].Name)
}

func TestResolveMergeRequiresPayload(t *testing.T) {
	c, q, _ := newConflictStore(t)
	_, err := c.Record(wireConflict("cf-1"), "local-1")
	require.NoError(t, err)

	err = c.Resolve("cf-1", models.ResolveMerge, nil, "manager")
	assert.ErrorIs(t, err, ErrMergeDataRequired)

	merged := json.RawMessage(`{"serverId":"srv-p1","name":"merged name","price":125}`)
	require.NoError(t, c.Resolve("cf-1", models.ResolveMerge, merged, "manager"))

	ops, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(ops[0].EntityData, &payload))
	assert.Equal(t, "merged name", payload["name"])
}

func TestResolveTwiceRejected(t *testing.T) {
	c, _, _ := newConflictStore(t)
	_, err := c.Record(wireConflict("cf-1"), "local-1")
	require.NoError(t, err)

	require.NoError(t, c.Resolve("cf-1", models.ResolveApplyLocal, nil, "manager"))
	err = c.Resolve("cf-1", models.ResolveApplyLocal, nil, "manager")
	assert.ErrorIs(t, err, ErrConflictResolved)
}

func TestResolveUnknownConflict(t *testing.T) {
	c, _, _ := newConflictStore(t)
	err := c.Resolve("cf-missing", models.ResolveApplyLocal, nil, "manager")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestResolveAllLastWriteWins(t *testing.T) {
	c, q, st := newConflictStore(t)

	// Server data newer than the conflict: server wins.
	newer := wireConflict("cf-server-wins")
	newer.Timestamp = time.Now().UTC().Add(-time.Hour)
	srvData := map[string]any{
		"serverId": "srv-p1", "name": "server name", "price": 150.0,
		"lastModified": time.Now().UTC().Format(time.RFC3339),
	}
	newer.ServerData, _ = json.Marshal(srvData)
	_, err := c.Record(newer, "local-1")
	require.NoError(t, err)

	// Conflict newer than server data: local wins.
	older := wireConflict("cf-local-wins")
	older.EntityID = "srv-p2"
	older.Timestamp = time.Now().UTC()
	oldSrv := map[string]any{
		"serverId": "srv-p2", "name": "stale server", "price": 90.0,
		"lastModified": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}
	older.ServerData, _ = json.Marshal(oldSrv)
	older.LocalData = json.RawMessage(`{"serverId":"srv-p2","name":"fresh local","price":110}`)
	_, err = c.Record(older, "local-2")
	require.NoError(t, err)

	resolved, err := c.ResolveAllLastWriteWins("auto")
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	// Server-wins landed in the store; local-wins went back to the queue.
	products, err := st.ListProducts()
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "server name", products[0].Name)
	assert.Equal(t, 1, q.PendingCount())

	n, err := c.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}
