package registry

import (
	"testing"
	"time"

	"github.com/opsgateway/bastiongate/internal/store"
)

func newTestRegistry(t *testing.T, now func() time.Time) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	return NewWithClock(s.Stays, s.Sessions, now), s
}

func TestRegistry_OpenAndClose(t *testing.T) {
	r, _ := newTestRegistry(t, time.Now)

	stayID, sessionID, err := r.Open(Admission{
		PersonID: "alice", PolicyID: "pol-1", BackendID: "db-01",
		SourceIP: "100.64.0.20", ProxyIP: "10.0.160.129", Protocol: store.ProtocolSSH,
	}, store.SessionShell)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if stayID == "" || sessionID == "" {
		t.Fatal("expected non-empty stay and session ids")
	}
	if !r.ActiveOnProxyIP("10.0.160.129") {
		t.Fatal("expected proxy ip to be marked active")
	}

	if err := r.Close(stayID, store.TerminationClientClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.ActiveOnProxyIP("10.0.160.129") {
		t.Fatal("expected proxy ip to be inactive after close")
	}
}

func TestRegistry_RDPDedup(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	r, _ := newTestRegistry(t, clock)

	admission := Admission{
		PersonID: "bob", PolicyID: "pol-2", BackendID: "win-01",
		SourceIP: "100.64.0.39", ProxyIP: "10.0.160.130", Protocol: store.ProtocolRDP,
	}

	stayID1, _, err := r.Open(admission, store.SessionRDP)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}

	current = current.Add(3 * time.Second)
	stayID2, sess2, err := r.Open(admission, store.SessionRDP)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if stayID2 != stayID1 {
		t.Fatalf("expected dedup to reuse stay %s, got %s", stayID1, stayID2)
	}

	current = current.Add(2 * time.Second)
	stayID3, sess3, err := r.Open(admission, store.SessionRDP)
	if err != nil {
		t.Fatalf("open 3: %v", err)
	}
	if stayID3 != stayID1 {
		t.Fatal("expected third connection to dedup onto the same stay")
	}

	if err := r.CloseSession(stayID1, sess2); err != nil {
		t.Fatalf("close session 2: %v", err)
	}
	if err := r.CloseSession(stayID1, sess3); err != nil {
		t.Fatalf("close session 3: %v", err)
	}
	if !r.ActiveOnProxyIP("10.0.160.130") {
		t.Fatal("expected stay to remain active while session 1 is still live")
	}
}

// TestRegistry_RDPDedupRejoinsDuringGraceWindow exercises a reconnect
// that arrives long after the stay's initial 10s dedup burst, while the
// stay has no live sessions and is sitting in its grace window. It must
// still rejoin the same stay rather than opening a new one (spec.md
// §4.4): the grace window, not StartedAt age, governs dedup once the
// last session has closed.
func TestRegistry_RDPDedupRejoinsDuringGraceWindow(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	r, _ := newTestRegistry(t, clock)

	admission := Admission{
		PersonID: "bob", PolicyID: "pol-2", BackendID: "win-01",
		SourceIP: "100.64.0.39", ProxyIP: "10.0.160.130", Protocol: store.ProtocolRDP,
	}

	stayID1, sess1, err := r.Open(admission, store.SessionRDP)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}

	// Well past dedupWindow: a naive StartedAt-age check would refuse
	// to dedup this reconnect.
	current = current.Add(2 * time.Minute)

	if err := r.CloseSession(stayID1, sess1); err != nil {
		t.Fatalf("close session 1: %v", err)
	}
	if !r.ActiveOnProxyIP("10.0.160.130") {
		t.Fatal("expected stay to remain active during the grace window")
	}

	stayID2, _, err := r.Open(admission, store.SessionRDP)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if stayID2 != stayID1 {
		t.Fatalf("expected reconnect during the grace window to rejoin stay %s, got %s", stayID1, stayID2)
	}
}

func TestRegistry_SubscribeReceivesTermination(t *testing.T) {
	r, _ := newTestRegistry(t, time.Now)

	stayID, _, err := r.Open(Admission{
		PersonID: "alice", PolicyID: "pol-1", BackendID: "db-01",
		SourceIP: "100.64.0.20", ProxyIP: "10.0.160.129", Protocol: store.ProtocolSSH,
	}, store.SessionShell)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ch, err := r.Subscribe(stayID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	go func() {
		_ = r.Close(stayID, store.TerminationPolicyExpired)
	}()

	select {
	case sig := <-ch:
		if sig.Reason != store.TerminationPolicyExpired {
			t.Errorf("expected policy_expired, got %s", sig.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for termination signal")
	}
}

func TestRegistry_AddBytesAndAttachRecording(t *testing.T) {
	r, s := newTestRegistry(t, time.Now)

	stayID, _, err := r.Open(Admission{
		PersonID: "alice", PolicyID: "pol-1", BackendID: "db-01",
		SourceIP: "100.64.0.20", ProxyIP: "10.0.160.129", Protocol: store.ProtocolSSH,
	}, store.SessionShell)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := r.AddBytes(stayID, 100, 200); err != nil {
		t.Fatalf("add bytes: %v", err)
	}
	if err := r.AttachRecording(stayID, t.TempDir()+"/stay.jsonl"); err != nil {
		t.Fatalf("attach recording: %v", err)
	}

	stay, err := s.Stays.GetByID(stayID)
	if err != nil {
		t.Fatalf("get stay: %v", err)
	}
	if stay.BytesIn != 100 || stay.BytesOut != 200 {
		t.Errorf("expected bytes_in=100 bytes_out=200, got in=%d out=%d", stay.BytesIn, stay.BytesOut)
	}
	if stay.RecordingPath == "" {
		t.Error("expected recording path to be attached")
	}
}
