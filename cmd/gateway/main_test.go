package main

import (
	"path/filepath"
	"testing"

	"github.com/opsgateway/bastiongate/internal/config"
	"github.com/opsgateway/bastiongate/internal/gwerr"
	"github.com/opsgateway/bastiongate/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBURL = filepath.Join(cfg.DataDir, "gateway.db")
	return cfg
}

func seedBackend(t *testing.T, cfg config.Config) {
	t.Helper()
	s, err := store.Open(cfg.DBURL)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Backends.Create(&store.Backend{ID: "win-01", Name: "win-01", Address: "10.0.0.5", Port: 3389, RDPEnabled: true, Active: true}); err != nil {
		t.Fatalf("create backend: %v", err)
	}
}

func TestRunBindAndUnbind(t *testing.T) {
	cfg := testConfig(t)
	seedBackend(t, cfg)

	if code := runBind(cfg, []string{"10.1.1.1", "win-01"}); code != exitOK {
		t.Fatalf("bind: expected exit 0, got %d", code)
	}
	if code := runBind(cfg, []string{"10.1.1.1", "win-01"}); code != exitConflict {
		t.Fatalf("rebind same proxy ip: expected exit %d, got %d", exitConflict, code)
	}
	if code := runUnbind(cfg, []string{"10.1.1.1"}); code != exitOK {
		t.Fatalf("unbind: expected exit 0, got %d", code)
	}
}

func TestRunBindUsageError(t *testing.T) {
	cfg := testConfig(t)
	if code := runBind(cfg, []string{"only-one-arg"}); code != exitUsage {
		t.Fatalf("expected exit %d, got %d", exitUsage, code)
	}
}

func TestRunGrantAndRevoke(t *testing.T) {
	cfg := testConfig(t)
	seedBackend(t, cfg)

	code := runGrant(cfg, []string{"-person=alice", "-server=win-01", "-duration=2h"})
	if code != exitOK {
		t.Fatalf("grant: expected exit 0, got %d", code)
	}

	s, err := store.Open(cfg.DBURL)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	policies, err := s.Policies.ActiveAll()
	if err != nil {
		t.Fatalf("list policies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].SubjectID != "alice" || policies[0].ScopeID != "win-01" {
		t.Fatalf("unexpected policy: %+v", policies[0])
	}

	if code := runRevoke(cfg, []string{policies[0].ID}); code != exitOK {
		t.Fatalf("revoke: expected exit 0, got %d", code)
	}
	if code := runRevoke(cfg, []string{"no-such-policy"}); code != exitNotFound {
		t.Fatalf("revoke missing: expected exit %d, got %d", exitNotFound, code)
	}
}

func TestRunGrantRequiresSubjectAndScope(t *testing.T) {
	cfg := testConfig(t)
	if code := runGrant(cfg, []string{"-server=win-01"}); code != exitUsage {
		t.Fatalf("expected exit %d for missing subject, got %d", exitUsage, code)
	}
	if code := runGrant(cfg, []string{"-person=alice"}); code != exitUsage {
		t.Fatalf("expected exit %d for missing scope, got %d", exitUsage, code)
	}
}

func TestRunStaysFiltersActive(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg.DBURL)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Stays.Create(&store.Stay{ID: "stay-1", PersonID: "alice", PolicyID: "p1", BackendID: "win-01", Protocol: store.ProtocolRDP, SourceIP: "1.2.3.4", ProxyIP: "10.1.1.1"}); err != nil {
		t.Fatalf("create stay: %v", err)
	}

	if code := runStays(cfg, []string{"-active"}); code != exitOK {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestExitCodeForError(t *testing.T) {
	if got := exitCodeForError(gwerr.New(gwerr.InvariantViolation, "two allocations for one proxy ip")); got != exitConflict {
		t.Fatalf("expected exitConflict, got %d", got)
	}
	if got := exitCodeForError(gwerr.New(gwerr.Config, "backend not found")); got != exitNotFound {
		t.Fatalf("expected exitNotFound, got %d", got)
	}
}
