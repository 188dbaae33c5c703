package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/dukasync/internal/models"
)

func deltaServer(t *testing.T, pages []DeltaResponse) (*httptest.Server, *[]string) {
	t.Helper()
	var watermarks []string
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync/delta", r.URL.Path)
		watermarks = append(watermarks, r.URL.Query().Get("lastSyncTimestamp"))
		page := pages[i]
		if i < len(pages)-1 {
			i++
		}
		json.NewEncoder(w).Encode(page)
	}))
	return srv, &watermarks
}

func productDelta(serverID, name string, price float64, version int64) ModifiedEntity {
	body, _ := json.Marshal(map[string]any{"serverId": serverID, "name": name, "price": price})
	return ModifiedEntity{
		EntityID:      serverID,
		EntityType:    string(models.EntityTypeProduct),
		EntityData:    body,
		LastModified:  time.Now().UTC(),
		Version:       version,
		OperationType: "update",
	}
}

func TestSyncDeltaAppliesAndAdvancesWatermark(t *testing.T) {
	next := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	srv, watermarks := deltaServer(t, []DeltaResponse{{
		ModifiedEntities:  []ModifiedEntity{productDelta("srv-p1", "Savon", 500, 1)},
		TotalModified:     1,
		ServerTimestamp:   next,
		NextSyncTimestamp: next,
	}})
	defer srv.Close()
	h := newHarness(t, srv.URL)

	res, err := h.engine.SyncDelta(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.False(t, res.HasMore)

	products, err := h.store.ListProducts()
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Savon", products[0].Name)

	meta, err := h.engine.Metadata()
	require.NoError(t, err)
	assert.True(t, meta.LastSyncTimestamp.Equal(next), "watermark advances after apply")

	// First pull starts from the epoch.
	require.Len(t, *watermarks, 1)
	first, err := time.Parse(time.RFC3339Nano, (*watermarks)[0])
	require.NoError(t, err)
	assert.True(t, first.IsZero() || first.Before(time.Date(1971, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSyncDeltaHasMorePagination(t *testing.T) {
	t1 := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC)
	srv, watermarks := deltaServer(t, []DeltaResponse{
		{
			ModifiedEntities:  []ModifiedEntity{productDelta("srv-a", "A", 100, 1)},
			HasMore:           true,
			NextSyncTimestamp: t1,
			ServerTimestamp:   t2,
		},
		{
			ModifiedEntities:  []ModifiedEntity{productDelta("srv-b", "B", 200, 1)},
			HasMore:           false,
			NextSyncTimestamp: t2,
			ServerTimestamp:   t2,
		},
	})
	defer srv.Close()
	h := newHarness(t, srv.URL)

	// The engine surfaces HasMore; the caller decides to pull again.
	res, err := h.engine.SyncDelta(context.Background(), Options{})
	require.NoError(t, err)
	require.True(t, res.HasMore)

	res, err = h.engine.SyncDelta(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, res.HasMore)

	products, err := h.store.ListProducts()
	require.NoError(t, err)
	assert.Len(t, products, 2)

	// Second pull resumes from the advanced watermark, not the epoch.
	require.Len(t, *watermarks, 2)
	second, err := time.Parse(time.RFC3339Nano, (*watermarks)[1])
	require.NoError(t, err)
	assert.True(t, second.Equal(t1))
}

func TestSyncDeltaDeletions(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv, _ := deltaServer(t, []DeltaResponse{
		{
			ModifiedEntities:  []ModifiedEntity{productDelta("srv-x", "X", 100, 1)},
			NextSyncTimestamp: now,
			ServerTimestamp:   now,
		},
		{
			DeletedEntities: []DeletedEntity{{
				EntityID: "srv-x", EntityType: string(models.EntityTypeProduct),
				DeletedAt: now.Add(time.Minute), Version: 2,
			}},
			TotalDeleted:      1,
			NextSyncTimestamp: now.Add(time.Minute),
			ServerTimestamp:   now.Add(time.Minute),
		},
	})
	defer srv.Close()
	h := newHarness(t, srv.URL)

	_, err := h.engine.SyncDelta(context.Background(), Options{})
	require.NoError(t, err)
	res, err := h.engine.SyncDelta(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	products, err := h.store.ListProducts()
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestSyncDeltaFailedApplyKeepsWatermark(t *testing.T) {
	next := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	bad := ModifiedEntity{
		EntityID:      "srv-w1",
		EntityType:    "warehouse", // not a device entity
		EntityData:    json.RawMessage(`{}`),
		LastModified:  next,
		Version:       1,
		OperationType: "create",
	}
	srv, _ := deltaServer(t, []DeltaResponse{{
		ModifiedEntities:  []ModifiedEntity{bad},
		NextSyncTimestamp: next,
		ServerTimestamp:   next,
	}})
	defer srv.Close()
	h := newHarness(t, srv.URL)

	_, err := h.engine.SyncDelta(context.Background(), Options{})
	require.Error(t, err)

	meta, err := h.engine.Metadata()
	require.NoError(t, err)
	assert.True(t, meta.LastSyncTimestamp.IsZero(), "failed apply must not advance the watermark")
	assert.Equal(t, "error", meta.LastSyncStatus)
}

func TestSyncDeltaEntityTypeFilterAndLimit(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		json.NewEncoder(w).Encode(DeltaResponse{
			NextSyncTimestamp: time.Now().UTC(),
			ServerTimestamp:   time.Now().UTC(),
		})
	}))
	defer srv.Close()
	h := newHarness(t, srv.URL)

	_, err := h.engine.SyncDelta(context.Background(), Options{
		EntityTypes: []models.EntityType{models.EntityTypeProduct, models.EntityTypeSale},
		Limit:       25,
	})
	require.NoError(t, err)
	assert.Contains(t, query, "entityTypes=product%2Csale")
	assert.Contains(t, query, "limit=25")
}

func TestSyncAllPushesBeforePull(t *testing.T) {
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Path)
		switch r.URL.Path {
		case "/sync/batch":
			var req BatchRequest
			json.NewDecoder(r.Body).Decode(&req)
			resp := BatchResponse{ServerTimestamp: time.Now().UTC()}
			for _, op := range req.Operations {
				resp.SuccessCount++
				resp.Results = append(resp.Results, OperationResult{
					LocalID: op.LocalID, Status: ResultSuccess, Timestamp: time.Now().UTC(),
				})
			}
			json.NewEncoder(w).Encode(resp)
		case "/sync/delta":
			json.NewEncoder(w).Encode(DeltaResponse{
				NextSyncTimestamp: time.Now().UTC(),
				ServerTimestamp:   time.Now().UTC(),
			})
		}
	}))
	defer srv.Close()
	h := newHarness(t, srv.URL)

	require.NoError(t, h.store.CreateProduct(&models.Product{Name: "both ways", Price: 1}))

	res, err := h.engine.SyncAll(context.Background(), Options{})
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	require.NotNil(t, res.Delta)
	assert.Equal(t, []string{"/sync/batch", "/sync/delta"}, order)
}

func TestForceSyncResetsWatermark(t *testing.T) {
	var paths []string
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/sync/force":
			w.WriteHeader(http.StatusOK)
		case "/sync/delta":
			assert.NotEmpty(t, r.URL.Query().Get("lastSyncTimestamp"))
			json.NewEncoder(w).Encode(DeltaResponse{NextSyncTimestamp: now, ServerTimestamp: now})
		default:
			json.NewEncoder(w).Encode(BatchResponse{ServerTimestamp: now})
		}
	}))
	defer srv.Close()
	h := newHarness(t, srv.URL)

	_, err := h.engine.ForceSync(context.Background(), Options{})
	require.NoError(t, err)
	assert.Contains(t, paths, "/sync/force")
	assert.Contains(t, paths, "/sync/delta")
}
