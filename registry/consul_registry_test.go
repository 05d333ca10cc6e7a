package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent answers the handful of Consul agent endpoints the registry uses.
type fakeAgent struct {
	mu           sync.Mutex
	registered   map[string]map[string]any
	deregistered []string
	ttlUpdates   []string
	health       string // JSON body for /v1/health/service/
	index        string
	restarted    bool // forgets checks until the next register
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	f := &fakeAgent{registered: make(map[string]map[string]any), index: "42"}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/v1/agent/service/register":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.registered[body["ID"].(string)] = body
		f.restarted = false
	case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		f.deregistered = append(f.deregistered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	case strings.HasPrefix(r.URL.Path, "/v1/agent/check/update/"):
		if f.restarted {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, "Unknown check ID %q", strings.TrimPrefix(r.URL.Path, "/v1/agent/check/update/"))
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.ttlUpdates = append(f.ttlUpdates, strings.TrimPrefix(r.URL.Path, "/v1/agent/check/update/")+"="+body["Status"].(string))
	case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		w.Header().Set("X-Consul-Index", f.index)
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(f.health))
		return
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func TestConsulRegisterReportDeregister(t *testing.T) {
	agent, srv := newFakeAgent(t)
	reg, err := NewConsulRegistry(srv.URL, nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := reg.Register(ctx, Registration{
		ID:      "order-service-0",
		Service: "order-service",
		Host:    "10.0.0.1",
		Port:    7070,
		Meta:    map[string]string{"version": "1.0.0"},
		Check:   HealthCheck{TTL: 30 * time.Second, TCP: "10.0.0.1:7070", Interval: 10 * time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, "order-service-0", id)

	agent.mu.Lock()
	body := agent.registered["order-service-0"]
	agent.mu.Unlock()
	require.NotNil(t, body)
	assert.Equal(t, "order-service", body["Name"])
	assert.Len(t, body["Checks"], 2)

	require.NoError(t, reg.ReportHealth(ctx, id, HealthWarning, "slow"))
	require.NoError(t, reg.Deregister(ctx, id))
	// no TTL check left to update
	require.NoError(t, reg.ReportHealth(ctx, id, HealthPassing, ""))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, []string{"service:order-service-0:ttl=warning"}, agent.ttlUpdates)
	assert.Equal(t, []string{"order-service-0"}, agent.deregistered)
}

func TestConsulReportHealthAfterAgentRestart(t *testing.T) {
	agent, srv := newFakeAgent(t)
	reg, err := NewConsulRegistry(srv.URL, nil)
	require.NoError(t, err)
	ctx := context.Background()

	r := Registration{ID: "order-service-0", Service: "order-service", Host: "10.0.0.1", Port: 7070,
		Check: HealthCheck{TTL: 30 * time.Second}}
	id, err := reg.Register(ctx, r)
	require.NoError(t, err)

	agent.mu.Lock()
	agent.restarted = true
	agent.mu.Unlock()

	err = reg.ReportHealth(ctx, id, HealthPassing, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Register(ctx, r)
	require.NoError(t, err)
	require.NoError(t, reg.ReportHealth(ctx, id, HealthPassing, ""))
}

func TestConsulRegisterRejectsInvalid(t *testing.T) {
	_, srv := newFakeAgent(t)
	reg, err := NewConsulRegistry(srv.URL, nil)
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), Registration{Service: "order-service", Host: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrInvalidRegistration)
}

func TestConsulQueryAggregatesHealth(t *testing.T) {
	agent, srv := newFakeAgent(t)
	agent.health = `[
	  {"Node":{"Node":"n1","Address":"10.0.0.1"},
	   "Service":{"ID":"a","Service":"order-service","Address":"","Port":7070,"Meta":{"version":"1.0.0"}},
	   "Checks":[{"Status":"passing"},{"Status":"passing"}]},
	  {"Node":{"Node":"n2","Address":"10.0.0.2"},
	   "Service":{"ID":"b","Service":"order-service","Address":"10.0.0.2","Port":7070},
	   "Checks":[{"Status":"passing"},{"Status":"critical"}]},
	  {"Node":{"Node":"n3","Address":"10.0.0.3"},
	   "Service":{"ID":"c","Service":"order-service","Address":"10.0.0.3","Port":7070},
	   "Checks":[]}
	]`
	reg, err := NewConsulRegistry(srv.URL, nil)
	require.NoError(t, err)

	snap, err := reg.Query(context.Background(), "order-service", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.Version)
	require.Len(t, snap.Endpoints, 3)

	a, _ := snap.Lookup("10.0.0.1:7070")
	b, _ := snap.Lookup("10.0.0.2:7070")
	c, _ := snap.Lookup("10.0.0.3:7070")
	assert.Equal(t, HealthPassing, a.Health)
	assert.Equal(t, "1.0.0", a.Meta["version"])
	assert.Equal(t, HealthCritical, b.Health)
	assert.Equal(t, HealthUnknown, c.Health)

	passing := snap.Passing()
	require.Len(t, passing, 1)
	assert.Equal(t, "a", passing[0].ID)
}
