package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/dukasync/internal/config"
	"github.com/dukapos/dukasync/internal/database"
	"github.com/dukapos/dukasync/internal/logging"
	"github.com/dukapos/dukasync/internal/models"
	"github.com/dukapos/dukasync/internal/netgate"
	"github.com/dukapos/dukasync/internal/outbox"
	"github.com/dukapos/dukasync/internal/store"
	syncpkg "github.com/dukapos/dukasync/internal/sync"
)

type apiHarness struct {
	router    *mux.Router
	engine    *syncpkg.Engine
	queue     *outbox.Queue
	store     *store.Store
	conflicts *syncpkg.Conflicts
	gate      *netgate.Static
}

// fakeSyncServer answers batch pushes with success and delta pulls empty
func fakeSyncServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/batch":
			var req syncpkg.BatchRequest
			json.NewDecoder(r.Body).Decode(&req)
			resp := syncpkg.BatchResponse{ServerTimestamp: time.Now().UTC()}
			for _, op := range req.Operations {
				resp.SuccessCount++
				resp.Results = append(resp.Results, syncpkg.OperationResult{
					LocalID: op.LocalID, ServerID: "srv-1", Status: syncpkg.ResultSuccess,
					Timestamp: time.Now().UTC(),
				})
			}
			json.NewEncoder(w).Encode(resp)
		case "/sync/delta":
			json.NewEncoder(w).Encode(syncpkg.DeltaResponse{
				NextSyncTimestamp: time.Now().UTC(),
				ServerTimestamp:   time.Now().UTC(),
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := fakeSyncServer(t)
	t.Cleanup(srv.Close)

	log := logging.Nop()
	q, err := outbox.New(db, log)
	require.NoError(t, err)
	st := store.New(db, q, log)
	conflicts := syncpkg.NewConflicts(db, q, st, log)
	gate := netgate.NewStatic(true)
	client := syncpkg.NewClient(srv.URL, 5*time.Second, nil)

	engine, err := syncpkg.New(db, q, client, st, conflicts, gate, config.DefaultSyncConfig(), "device-test", "1.0.0", log)
	require.NoError(t, err)

	router := mux.NewRouter()
	New(engine, q, conflicts, nil, log).RegisterRoutes(router)

	return &apiHarness{router: router, engine: engine, queue: q, store: st, conflicts: conflicts, gate: gate}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.CreateProduct(&models.Product{Name: "Riz", Price: 25000}))

	rec := h.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State        string `json:"state"`
		PendingCount int    `json:"pendingCount"`
		Metadata     struct {
			DeviceID string `json:"deviceId"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idle", resp.State)
	assert.Equal(t, 1, resp.PendingCount)
	assert.Equal(t, "device-test", resp.Metadata.DeviceID)
}

func TestTriggerSync(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.CreateProduct(&models.Product{Name: "Sucre", Price: 1200}))

	rec := h.do(t, http.MethodPost, "/api/sync/trigger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.queue.PendingCount())
}

func TestTriggerSyncOffline(t *testing.T) {
	h := newAPIHarness(t)
	h.gate.Set(false)

	rec := h.do(t, http.MethodPost, "/api/sync/trigger", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetQueueStats(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.CreateProduct(&models.Product{Name: "Huile", Price: 3500}))

	rec := h.do(t, http.MethodGet, "/api/sync/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats outbox.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.ByEntityType["product"])
}

func TestConflictEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	_, err := h.conflicts.Record(syncpkg.WireConflict{
		ConflictID:   "cf-api-1",
		EntityID:     "srv-p1",
		EntityType:   string(models.EntityTypeProduct),
		ConflictType: models.ConflictUpdate,
		LocalData:    json.RawMessage(`{"serverId":"srv-p1","name":"local"}`),
		ServerData:   json.RawMessage(`{"serverId":"srv-p1","name":"server"}`),
		Message:      "version mismatch",
		Timestamp:    time.Now().UTC(),
	}, "local-1")
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/sync/conflicts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.ConflictRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = h.do(t, http.MethodPost, "/api/sync/conflicts/cf-api-1/resolve", resolveRequest{
		Strategy: models.ResolveApplyLocal,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Resolving again conflicts.
	rec = h.do(t, http.MethodPost, "/api/sync/conflicts/cf-api-1/resolve", resolveRequest{
		Strategy: models.ResolveApplyLocal,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/sync/conflicts/cf-missing/resolve", resolveRequest{
		Strategy: models.ResolveApplyLocal,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsWebsocket(t *testing.T) {
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sync/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, h.store.CreateProduct(&models.Product{Name: "Lait", Price: 800}))
	time.Sleep(50 * time.Millisecond) // let the listener attach
	go h.do(t, http.MethodPost, "/api/sync/trigger", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt syncpkg.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, syncpkg.EventSyncStarted, evt.Type)
}
