package netgate

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukapos/dukasync/internal/logging"
)

func TestProbeCheckOnlineOffline(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := NewProbe(srv.URL+"/health", time.Hour, time.Second, logging.Nop())
	assert.False(t, p.IsOnline(), "gate starts offline until the first check")

	assert.True(t, p.Check())
	assert.True(t, p.IsOnline())

	healthy.Store(false)
	assert.False(t, p.Check())
	assert.False(t, p.IsOnline())

	snap := p.Snapshot()
	assert.Equal(t, 1, snap.SuccessCount)
	assert.Equal(t, 1, snap.FailureCount)
	require.NotNil(t, snap.LastSuccess)
	require.NotNil(t, snap.LastFailure)
	assert.Greater(t, snap.AvgLatency, time.Duration(0))
}

func TestProbeUnreachableServer(t *testing.T) {
	p := NewProbe("http://127.0.0.1:1", time.Hour, time.Second, logging.Nop())
	assert.False(t, p.Check())
	assert.False(t, p.IsOnline())
	assert.Equal(t, 1, p.Snapshot().FailureCount)
}

func TestProbeListenersFireOnTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, time.Hour, time.Second, logging.Nop())

	var calls []bool
	remove := p.AddListener(func(online bool) { calls = append(calls, online) })

	p.Check() // offline -> online
	p.Check() // no transition
	require.Equal(t, []bool{true}, calls)

	remove()
	srv.Close()
	p.Check() // online -> offline, listener removed
	assert.Equal(t, []bool{true}, calls)
}

func TestStaticGate(t *testing.T) {
	g := NewStatic(false)
	assert.False(t, g.IsOnline())

	var got []bool
	remove := g.AddListener(func(online bool) { got = append(got, online) })

	g.Set(true)
	g.Set(true) // no transition
	g.Set(false)
	assert.True(t, len(got) == 2 && got[0] && !got[1])

	remove()
	g.Set(true)
	assert.Len(t, got, 2)
}
