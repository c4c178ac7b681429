package sshfront

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/pool"
	"github.com/opsgateway/bastiongate/internal/registry"
	"github.com/opsgateway/bastiongate/internal/store"
)

// testEnv wires a Policy Store, Pool, Engine, Registry, and Audit Sink
// around one Policy admitting alice@127.0.0.1 into a backend that echoes
// "ping" with "pong" — the minimum slice of the gateway the front-end
// needs, built the way the teacher's server_test.go builds a bare Server.
type testEnv struct {
	frontend   *Frontend
	targetAddr string
}

func setupTestEnv(t *testing.T, sshLogins []string, allowPortForwarding bool) *testEnv {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
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
	targetPort, _ := strconv.Atoi(targetPortStr)

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

	backend := &store.Backend{ID: "db-01", Name: "db-01", Address: targetHost, Port: targetPort, SSHEnabled: true, Active: true}
	if err := s.Backends.Create(backend); err != nil {
		t.Fatalf("create backend: %v", err)
	}
	if err := s.Groups.CreateServerGroup(&store.ServerGroup{ID: "prod", Name: "prod"}); err != nil {
		t.Fatalf("create server group: %v", err)
	}
	if err := s.Groups.AddBackendToGroup("prod", "db-01"); err != nil {
		t.Fatalf("add backend to group: %v", err)
	}

	logins := make([]store.PolicySSHLogin, 0, len(sshLogins))
	for _, l := range sshLogins {
		logins = append(logins, store.PolicySSHLogin{Login: l})
	}
	ends := time.Now().Add(8 * time.Hour)
	policy := &store.Policy{
		ID:                  "policy-1",
		SubjectKind:         store.SubjectPerson,
		SubjectID:           "alice",
		ScopeKind:           store.ScopeServerGroup,
		ScopeID:             "prod",
		Protocol:            store.ProtocolSSH,
		AllowPortForwarding: allowPortForwarding,
		StartsAt:            time.Now().Add(-time.Hour),
		EndsAt:              &ends,
		Active:              true,
		SSHLogins:           logins,
	}
	if err := s.Policies.Create(policy); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	reg := registry.New(s.Stays, s.Sessions)
	if _, err := s.Allocations.Bind("127.0.0.1", "db-01"); err != nil {
		t.Fatalf("bind allocation: %v", err)
	}
	pl, err := pool.New(s.Allocations, s.Backends, reg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	eng := engine.New(s.SourceIPs, s.Policies, s.Groups, s.Backends, pl)
	auditSink := audit.New(s.Audits)
	localLog := audit.NewLocalLog(1000)

	tempDir := t.TempDir()
	fe, err := New(Config{
		ProxyIPs:    []string{"127.0.0.1"},
		Port:        freePort(t),
		HostKeyPath: filepath.Join(tempDir, "host_key"),
		DataDir:     tempDir,
		Engine:      eng,
		Registry:    reg,
		Audit:       auditSink,
		LocalLog:    localLog,
	})
	if err != nil {
		t.Fatalf("new frontend: %v", err)
	}

	return &testEnv{frontend: fe, targetAddr: targetAddr}
}

// freePort reserves an ephemeral port on 127.0.0.1 and releases it, so
// the frontend (which treats Port 0 as its default, 22) can be started
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

// startOn starts the frontend on the port setupTestEnv reserved with
// freePort and returns the listener's address for dialing.
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

func dialClient(t *testing.T, addr, user string) *ssh.Client {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	return client
}

func TestFrontend_AdmitsDirectTCPIPWithPortForwarding(t *testing.T) {
	env := setupTestEnv(t, nil, true)
	addr := env.startOn(t)

	client := dialClient(t, addr, "postgres")
	defer client.Close()

	conn, err := client.Dial("tcp", env.targetAddr)
	if err != nil {
		t.Fatalf("dial target through gateway: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("unexpected response: %q", string(buf))
	}
}

func TestFrontend_DeniesDirectTCPIPWithoutPortForwarding(t *testing.T) {
	env := setupTestEnv(t, nil, false)
	addr := env.startOn(t)

	client := dialClient(t, addr, "postgres")
	defer client.Close()

	if _, err := client.Dial("tcp", env.targetAddr); err == nil {
		t.Fatal("expected direct-tcpip to be refused when port forwarding is disallowed")
	}
}

func TestFrontend_DeniesWrongLogin(t *testing.T) {
	env := setupTestEnv(t, []string{"postgres"}, true)
	addr := env.startOn(t)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer client.Close()

	_, err = client.Dial("tcp", env.targetAddr)
	if err == nil {
		t.Fatal("expected direct-tcpip to be rejected for a login outside the policy's ssh_logins")
	}
	if !containsACCESSDenied(err.Error()) {
		t.Fatalf("expected ACCESS DENIED in rejection, got: %v", err)
	}
	if !strings.Contains(err.Error(), "127.0.0.1") {
		t.Fatalf("expected source IP in rejection, got: %v", err)
	}
	if n := len(err.Error()); n < minDenyBannerWidth {
		t.Fatalf("expected rejection message padded to at least %d columns, got %d: %v", minDenyBannerWidth, n, err)
	}
}

func containsACCESSDenied(s string) bool {
	for i := 0; i+len("ACCESS DENIED") <= len(s); i++ {
		if s[i:i+len("ACCESS DENIED")] == "ACCESS DENIED" {
			return true
		}
	}
	return false
}
