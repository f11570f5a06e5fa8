package routemap

import (
	"context"
	"testing"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/coordination"
)

func newTestMap(svc coordination.Service) *Map {
	return New(Config{Service: svc})
}

func TestMapAndGetMaps(t *testing.T) {
	svc := coordination.NewFake()
	m := newTestMap(svc)
	ctx := context.Background()

	ep, _ := core.NewEndPointAddress("orders")
	addr := core.NewTAddress("mqtt", "node-a")

	if err := m.Map(ctx, ep, addr); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := m.GetMaps(ctx, ep)
	if err != nil {
		t.Fatalf("GetMaps: %v", err)
	}
	if len(got) != 1 || got[0] != addr {
		t.Fatalf("GetMaps = %v, want [%v]", got, addr)
	}
}

func TestMapIdempotentForSameSession(t *testing.T) {
	svc := coordination.NewFake()
	m := newTestMap(svc)
	ctx := context.Background()
	ep, _ := core.NewEndPointAddress("orders")
	addr := core.NewTAddress("mqtt", "node-a")

	if err := m.Map(ctx, ep, addr); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := m.Map(ctx, ep, addr); err != nil {
		t.Fatalf("second Map: %v", err)
	}

	got, err := m.GetMaps(ctx, ep)
	if err != nil {
		t.Fatalf("GetMaps: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetMaps = %v, want exactly 1 entry", got)
	}
}

func TestUnmapMismatchedAddrIsNoOp(t *testing.T) {
	svc := coordination.NewFake()
	m := newTestMap(svc)
	ctx := context.Background()
	ep, _ := core.NewEndPointAddress("orders")
	addr := core.NewTAddress("mqtt", "node-a")
	other := core.NewTAddress("mqtt", "node-b")

	if err := m.Map(ctx, ep, addr); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Unmap(ctx, ep, other); err != nil {
		t.Fatalf("Unmap mismatched: %v", err)
	}

	got, err := m.GetMaps(ctx, ep)
	if err != nil {
		t.Fatalf("GetMaps: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Unmap with mismatched addr deleted the entry: %v", got)
	}
}

func TestUnmapDeletesMatchingAddr(t *testing.T) {
	svc := coordination.NewFake()
	m := newTestMap(svc)
	ctx := context.Background()
	ep, _ := core.NewEndPointAddress("orders")
	addr := core.NewTAddress("mqtt", "node-a")

	if err := m.Map(ctx, ep, addr); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Unmap(ctx, ep, addr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	got, err := m.GetMaps(ctx, ep)
	if err != nil {
		t.Fatalf("GetMaps: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetMaps after Unmap = %v, want empty", got)
	}
}

func TestUnmapAllRemovesEveryReplica(t *testing.T) {
	svc := coordination.NewFake()
	m := newTestMap(svc)
	ctx := context.Background()
	ep, _ := core.NewEndPointAddress("orders")

	if err := m.Map(ctx, ep, core.NewTAddress("mqtt", "node-a")); err != nil {
		t.Fatalf("Map: %v", err)
	}
	svc.NewSession()
	if err := m.Map(ctx, ep, core.NewTAddress("mqtt", "node-b")); err != nil {
		t.Fatalf("Map after session rollover: %v", err)
	}

	if err := m.UnmapAll(ctx, ep); err != nil {
		t.Fatalf("UnmapAll: %v", err)
	}

	got, err := m.GetMaps(ctx, ep)
	if err != nil {
		t.Fatalf("GetMaps: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetMaps after UnmapAll = %v, want empty", got)
	}
}

func TestGetMapsOnUnknownEndpointIsEmptyNotError(t *testing.T) {
	svc := coordination.NewFake()
	m := newTestMap(svc)
	ctx := context.Background()
	ep, _ := core.NewEndPointAddress("never-registered")

	got, err := m.GetMaps(ctx, ep)
	if err != nil {
		t.Fatalf("GetMaps: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetMaps = %v, want empty", got)
	}
}
