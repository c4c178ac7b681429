package rdpfront

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/pool"
	"github.com/opsgateway/bastiongate/internal/registry"
	"github.com/opsgateway/bastiongate/internal/store"
)

type testEnv struct {
	frontend   *Frontend
	targetAddr string
	registry   *registry.Registry
}

func setupTestEnv(t *testing.T, admit bool) *testEnv {
	t.Helper()

	// The backend leg is TLS too (spec.md §6), so the test target needs
	// a cert of its own; the gateway's own leg doesn't verify it, the
	// same InsecureSkipVerify trust SetTarget uses against any backend.
	targetCert, err := loadOrCreateTLSCert(t.TempDir())
	if err != nil {
		t.Fatalf("generate target cert: %v", err)
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{targetCert}})
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		if string(buf) == "ping" {
			conn.Write([]byte("pong"))
		}
	}()
	targetAddr := listener.Addr().String()
	targetHost, targetPortStr, _ := net.SplitHostPort(targetAddr)
	targetPort := 0
	for _, c := range targetPortStr {
		targetPort = targetPort*10 + int(c-'0')
	}

	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}

	person := &store.Person{ID: "alice", Handle: "alice", Active: true}
	if err := s.Persons.Create(person); err != nil {
		t.Fatalf("create person: %v", err)
	}
	if err := s.SourceIPs.Create(&store.SourceIP{ID: "src-1", PersonID: "alice", CIDROrIP: "127.0.0.1", Active: true}); err != nil {
		t.Fatalf("create source ip: %v", err)
	}

	backend := &store.Backend{ID: "win-01", Name: "win-01", Address: targetHost, Port: targetPort, RDPEnabled: true, Active: true}
	if err := s.Backends.Create(backend); err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if err := s.Groups.CreateServerGroup(&store.ServerGroup{ID: "desktops", Name: "desktops"}); err != nil {
		t.Fatalf("create server group: %v", err)
	}
	if err := s.Groups.AddBackendToGroup("desktops", "win-01"); err != nil {
		t.Fatalf("add backend to group: %v", err)
	}

	if admit {
		ends := time.Now().Add(8 * time.Hour)
		policy := &store.Policy{
			ID:          "policy-1",
			SubjectKind: store.SubjectPerson,
			SubjectID:   "alice",
			ScopeKind:   store.ScopeServerGroup,
			ScopeID:     "desktops",
			Protocol:    store.ProtocolRDP,
			StartsAt:    time.Now().Add(-time.Hour),
			EndsAt:      &ends,
			Active:      true,
		}
		if err := s.Policies.Create(policy); err != nil {
			t.Fatalf("create policy: %v", err)
		}
	}

	reg := registry.New(s.Stays, s.Sessions)
	if _, err := s.Allocations.Bind("127.0.0.1", "win-01"); err != nil {
		t.Fatalf("bind allocation: %v", err)
	}
	pl, err := pool.New(s.Allocations, s.Backends, reg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	eng := engine.New(s.SourceIPs, s.Policies, s.Groups, s.Backends, pl)
	auditSink := audit.New(s.Audits)
	localLog := audit.NewLocalLog(1000)

	fe, err := New(Config{
		ProxyIPs: []string{"127.0.0.1"},
		Port:     freePort(t),
		DataDir:  t.TempDir(),
		Engine:   eng,
		Registry: reg,
		Audit:    auditSink,
		LocalLog: localLog,
	})
	if err != nil {
		t.Fatalf("new frontend: %v", err)
	}

	return &testEnv{frontend: fe, targetAddr: targetAddr, registry: reg}
}

// freePort reserves an ephemeral port on 127.0.0.1 and releases it, so
// the frontend (which treats Port 0 as its default, 3389) can be started
// on a port no other listener holds.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func (env *testEnv) startOn(t *testing.T) string {
	t.Helper()
	if err := env.frontend.Start(); err != nil {
		t.Fatalf("start frontend: %v", err)
	}
	t.Cleanup(func() { env.frontend.Close() })

	env.frontend.mu.Lock()
	ln := env.frontend.listeners[0]
	env.frontend.mu.Unlock()
	return ln.Addr().String()
}

func TestFrontend_RelaysAdmittedConnection(t *testing.T) {
	env := setupTestEnv(t, true)
	addr := env.startOn(t)

	dialer := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("unexpected response: %q", string(buf))
	}
}

func TestFrontend_ClosesInboundWithoutOutboundWhenDenied(t *testing.T) {
	env := setupTestEnv(t, false)
	addr := env.startOn(t)

	dialer := &net.Dialer{Timeout: 2 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected denied connection to close without data, got n=%d err=%v", n, err)
	}

	if active := env.registry.ActiveOnProxyIP("127.0.0.1"); active {
		t.Fatal("expected no live stay for a denied connection")
	}
}
