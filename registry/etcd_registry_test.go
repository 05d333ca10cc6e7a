package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Needs a running etcd; set ETCD_ENDPOINTS=127.0.0.1:2379 to run.
func TestEtcdRegisterQueryDeregister(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx := context.Background()

	id1, err := reg.Register(ctx, Registration{Service: "etcd-test", Host: "127.0.0.1", Port: 8001})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := reg.Register(ctx, Registration{Service: "etcd-test", Host: "127.0.0.1", Port: 8002})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(ctx, id2)

	snap, err := reg.Query(ctx, "etcd-test", QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Passing()) != 2 {
		t.Fatalf("expect 2 passing endpoints, got %d", len(snap.Passing()))
	}

	if err := reg.ReportHealth(ctx, id2, HealthCritical, "test"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deregister(ctx, id1); err != nil {
		t.Fatal(err)
	}

	// a blocking query from the old version returns once the changes land
	snap2, err := reg.Query(ctx, "etcd-test", QueryOptions{WaitIndex: snap.Version, WaitTime: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if len(snap2.Endpoints) != 1 || snap2.Endpoints[0].Health != HealthCritical {
		t.Fatalf("expect one critical endpoint, got %+v", snap2.Endpoints)
	}
}
