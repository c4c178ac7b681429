// Package pool is the Pool & Routing Table (spec.md §4.2): an in-memory,
// read-through cache over the Policy Store's Allocation table that
// exposes resolve in O(1) and invalidates atomically on bind/release.
package pool

import (
	"fmt"
	"sync"

	"github.com/opsgateway/bastiongate/internal/gwerr"
	"github.com/opsgateway/bastiongate/internal/store"
)

// Route is the resolved target of a proxy IP: a backend and the set of
// protocols it currently accepts.
type Route struct {
	Backend   store.Backend
	Protocols []store.Protocol
}

// activeStays reports, for a given proxy IP, whether any stay is
// currently live on it — the registry implements this; the pool only
// needs to ask.
type activeStays interface {
	ActiveOnProxyIP(proxyIP string) bool
}

// Pool caches the routing table in memory and serializes mutation
// against the backing store.
type Pool struct {
	mu        sync.RWMutex
	routes    map[string]Route // proxy_ip -> Route
	backends  *store.BackendRepo
	allocs    *store.AllocationRepo
	registry  activeStays
}

// New constructs a Pool and loads the current routing table from the
// store (spec.md §4.2: the routing table is the set of allocations with
// released_at = NULL).
func New(allocs *store.AllocationRepo, backends *store.BackendRepo, registry activeStays) (*Pool, error) {
	p := &Pool{
		routes:   make(map[string]Route),
		backends: backends,
		allocs:   allocs,
		registry: registry,
	}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) reload() error {
	active, err := p.allocs.ListActive()
	if err != nil {
		return fmt.Errorf("load routing table: %w", err)
	}
	routes := make(map[string]Route, len(active))
	for _, a := range active {
		b, err := p.backends.GetByID(a.BackendID)
		if err != nil {
			return fmt.Errorf("resolve backend %s for %s: %w", a.BackendID, a.ProxyIP, err)
		}
		routes[a.ProxyIP] = Route{Backend: *b, Protocols: protocolsOf(b)}
	}

	p.mu.Lock()
	p.routes = routes
	p.mu.Unlock()
	return nil
}

func protocolsOf(b *store.Backend) []store.Protocol {
	var protos []store.Protocol
	if b.SSHEnabled {
		protos = append(protos, store.ProtocolSSH)
	}
	if b.RDPEnabled {
		protos = append(protos, store.ProtocolRDP)
	}
	return protos
}

// Resolve returns the Route bound to proxyIP, in O(1).
func (p *Pool) Resolve(proxyIP string) (Route, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.routes[proxyIP]
	return r, ok
}

// Bind allocates proxyIP to backendID, persists it, and invalidates the
// cache atomically. Fails if an active stay already holds proxyIP, or if
// the store already has an active allocation for it.
func (p *Pool) Bind(proxyIP, backendID string) error {
	if p.registry != nil && p.registry.ActiveOnProxyIP(proxyIP) {
		return gwerr.New(gwerr.InvariantViolation, "proxy ip has an active stay, cannot rebind")
	}

	b, err := p.backends.GetByID(backendID)
	if err != nil {
		return gwerr.Wrap(gwerr.Config, "backend not found", err)
	}

	if _, err := p.allocs.Bind(proxyIP, backendID); err != nil {
		return gwerr.Wrap(gwerr.InvariantViolation, "bind proxy ip", err)
	}

	p.mu.Lock()
	p.routes[proxyIP] = Route{Backend: *b, Protocols: protocolsOf(b)}
	p.mu.Unlock()
	return nil
}

// Release frees proxyIP's allocation and invalidates the cache. A proxy
// IP may not be rebound while any stay is active on it (spec.md §4.2).
func (p *Pool) Release(proxyIP string) error {
	if p.registry != nil && p.registry.ActiveOnProxyIP(proxyIP) {
		return gwerr.New(gwerr.InvariantViolation, "proxy ip has an active stay, cannot release")
	}

	if err := p.allocs.Release(proxyIP); err != nil {
		return gwerr.Wrap(gwerr.InvariantViolation, "release proxy ip", err)
	}

	p.mu.Lock()
	delete(p.routes, proxyIP)
	p.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the full routing table.
func (p *Pool) Snapshot() map[string]Route {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Route, len(p.routes))
	for k, v := range p.routes {
		out[k] = v
	}
	return out
}
