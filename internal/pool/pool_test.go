package pool

import (
	"testing"

	"github.com/opsgateway/bastiongate/internal/store"
)

type fakeRegistry struct {
	active map[string]bool
}

func (f *fakeRegistry) ActiveOnProxyIP(proxyIP string) bool { return f.active[proxyIP] }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	return s
}

func TestPool_BindAndResolve(t *testing.T) {
	s := newTestStore(t)
	backend := &store.Backend{ID: "b1", Name: "web-1", Address: "10.0.0.5", Port: 22, SSHEnabled: true}
	if err := s.Backends.Create(backend); err != nil {
		t.Fatalf("create backend: %v", err)
	}

	p, err := New(s.Allocations, s.Backends, &fakeRegistry{active: map[string]bool{}})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if _, ok := p.Resolve("198.51.100.1"); ok {
		t.Fatal("expected no route before bind")
	}

	if err := p.Bind("198.51.100.1", "b1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	route, ok := p.Resolve("198.51.100.1")
	if !ok {
		t.Fatal("expected route after bind")
	}
	if route.Backend.ID != "b1" {
		t.Errorf("expected backend b1, got %s", route.Backend.ID)
	}
	if len(route.Protocols) != 1 || route.Protocols[0] != store.ProtocolSSH {
		t.Errorf("expected [ssh], got %v", route.Protocols)
	}
}

func TestPool_BindRejectsDoubleAllocation(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"b1", "b2"} {
		if err := s.Backends.Create(&store.Backend{ID: id, Name: id, Address: "10.0.0.1", Port: 22, SSHEnabled: true}); err != nil {
			t.Fatalf("create backend %s: %v", id, err)
		}
	}

	p, err := New(s.Allocations, s.Backends, &fakeRegistry{active: map[string]bool{}})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if err := p.Bind("198.51.100.1", "b1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := p.Bind("198.51.100.1", "b2"); err == nil {
		t.Fatal("expected error rebinding an already-allocated proxy ip")
	}
}

func TestPool_ReleaseBlockedByActiveStay(t *testing.T) {
	s := newTestStore(t)
	if err := s.Backends.Create(&store.Backend{ID: "b1", Name: "web-1", Address: "10.0.0.5", Port: 22, SSHEnabled: true}); err != nil {
		t.Fatalf("create backend: %v", err)
	}

	registry := &fakeRegistry{active: map[string]bool{}}
	p, err := New(s.Allocations, s.Backends, registry)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Bind("198.51.100.1", "b1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	registry.active["198.51.100.1"] = true
	if err := p.Release("198.51.100.1"); err == nil {
		t.Fatal("expected release to fail while a stay is active")
	}

	registry.active["198.51.100.1"] = false
	if err := p.Release("198.51.100.1"); err != nil {
		t.Fatalf("release after stay closed: %v", err)
	}
	if _, ok := p.Resolve("198.51.100.1"); ok {
		t.Fatal("expected route to be gone after release")
	}
}

func TestPool_Snapshot(t *testing.T) {
	s := newTestStore(t)
	if err := s.Backends.Create(&store.Backend{ID: "b1", Name: "web-1", Address: "10.0.0.5", Port: 3389, RDPEnabled: true}); err != nil {
		t.Fatalf("create backend: %v", err)
	}

	p, err := New(s.Allocations, s.Backends, &fakeRegistry{active: map[string]bool{}})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Bind("198.51.100.2", "b1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 route, got %d", len(snap))
	}
	if _, ok := snap["198.51.100.2"]; !ok {
		t.Fatal("expected snapshot to contain bound proxy ip")
	}
}
