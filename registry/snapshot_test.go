package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewSnapshotDropsInvalidAndDuplicates(t *testing.T) {
	now := time.Now()
	snap := NewSnapshot("order-service", 7, []Endpoint{
		{ID: "c", Host: "10.0.0.3", Port: 7070, Health: HealthPassing},
		{ID: "a", Host: "10.0.0.1", Port: 7070, Health: HealthPassing},
		{ID: "neg", Host: "10.0.0.9", Port: -1, Health: HealthPassing},
		{ID: "big", Host: "10.0.0.9", Port: 70000, Health: HealthPassing},
		{ID: "nohost", Port: 7070, Health: HealthPassing},
		{ID: "ghost", Host: "10.0.0.1", Port: 7070, Health: HealthCritical, LastSeen: now},
		{ID: "b", Host: "10.0.0.2", Port: 7070},
	})

	assert.Equal(t, uint64(7), snap.Version)
	if assert.Len(t, snap.Endpoints, 3) {
		assert.Equal(t, "10.0.0.1:7070", snap.Endpoints[0].Addr())
		assert.Equal(t, "a", snap.Endpoints[0].ID, "healthiest duplicate wins")
		assert.Equal(t, "10.0.0.2:7070", snap.Endpoints[1].Addr())
		assert.Equal(t, HealthUnknown, snap.Endpoints[1].Health)
		assert.Equal(t, "order-service", snap.Endpoints[1].Service)
		assert.Equal(t, "10.0.0.3:7070", snap.Endpoints[2].Addr())
	}
}

func TestSnapshotPassingAndLookup(t *testing.T) {
	snap := NewSnapshot("order-service", 1, []Endpoint{
		{ID: "a", Host: "10.0.0.1", Port: 7070, Health: HealthPassing},
		{ID: "b", Host: "10.0.0.2", Port: 7070, Health: HealthCritical},
		{ID: "c", Host: "10.0.0.3", Port: 7070, Health: HealthWarning},
	})

	passing := snap.Passing()
	if assert.Len(t, passing, 1) {
		assert.Equal(t, "a", passing[0].ID)
	}

	ep, ok := snap.Lookup("10.0.0.2:7070")
	assert.True(t, ok)
	assert.Equal(t, HealthCritical, ep.Health)
	_, ok = snap.Lookup("10.0.0.4:7070")
	assert.False(t, ok)
}

func TestSameEndpoints(t *testing.T) {
	a := NewSnapshot("s", 1, []Endpoint{{ID: "a", Host: "h", Port: 1, Health: HealthPassing}})
	b := NewSnapshot("s", 2, []Endpoint{{ID: "a", Host: "h", Port: 1, Health: HealthPassing}})
	c := NewSnapshot("s", 3, []Endpoint{{ID: "a", Host: "h", Port: 1, Health: HealthCritical}})

	assert.True(t, a.SameEndpoints(b))
	assert.False(t, a.SameEndpoints(c))
	assert.False(t, a.SameEndpoints(nil))
}

func TestWorst(t *testing.T) {
	assert.Equal(t, HealthUnknown, Worst())
	assert.Equal(t, HealthPassing, Worst(HealthPassing, HealthPassing))
	assert.Equal(t, HealthWarning, Worst(HealthPassing, HealthWarning))
	assert.Equal(t, HealthCritical, Worst(HealthWarning, HealthCritical, HealthPassing))
	assert.Equal(t, HealthCritical, ParseHealth("maintenance"))
	assert.Equal(t, HealthPassing, ParseHealth("passing"))
}

func TestEndpointWeight(t *testing.T) {
	assert.Equal(t, 1, Endpoint{}.Weight())
	assert.Equal(t, 5, Endpoint{Meta: map[string]string{"weight": "5"}}.Weight())
	assert.Equal(t, 1, Endpoint{Meta: map[string]string{"weight": "-2"}}.Weight())
}

func TestOpen(t *testing.T) {
	reg, err := Open("memory", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.(*MemoryRegistry); !ok {
		t.Fatalf("expect *MemoryRegistry, got %T", reg)
	}
	if _, err := Open("zookeeper", "", nil, nil); err == nil {
		t.Fatal("expect error for unknown backend")
	}
}
