package audit

import (
	"testing"
	"time"

	"github.com/opsgateway/bastiongate/internal/store"
)

func newTestSink(t *testing.T) (*Sink, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewWithClock(s.Audits, func() time.Time { return now }), s
}

func TestSink_Decision(t *testing.T) {
	sink, s := newTestSink(t)

	if err := sink.Decision("alice", "100.64.0.20", "db-01", store.ProtocolSSH, false, "login_not_permitted", ""); err != nil {
		t.Fatalf("decision: %v", err)
	}

	rows, err := s.Audits.Range(0, time.Now().Add(time.Hour).Unix(), "", "")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	if rows[0].Admitted {
		t.Error("expected admitted=false")
	}
	if rows[0].Reason != "login_not_permitted" {
		t.Errorf("expected reason login_not_permitted, got %q", rows[0].Reason)
	}
}

func TestSink_StayOpenedAndClosed(t *testing.T) {
	sink, s := newTestSink(t)

	stay := store.Stay{ID: "stay-1", PersonID: "alice", BackendID: "db-01", Protocol: store.ProtocolSSH, SourceIP: "100.64.0.20"}
	if err := sink.StayOpened(stay); err != nil {
		t.Fatalf("stay opened: %v", err)
	}

	stay.TerminationReason = store.TerminationPolicyExpired
	if err := sink.StayClosed(stay); err != nil {
		t.Fatalf("stay closed: %v", err)
	}

	rows, err := s.Audits.ForStay("stay-1")
	if err != nil {
		t.Fatalf("for stay: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 audit rows for stay-1, got %d", len(rows))
	}
	if rows[0].Kind != "stay_opened" || rows[1].Kind != "stay_closed" {
		t.Fatalf("unexpected kinds: %q, %q", rows[0].Kind, rows[1].Kind)
	}
	if rows[1].Reason != string(store.TerminationPolicyExpired) {
		t.Errorf("expected reason policy_expired, got %q", rows[1].Reason)
	}
}

func TestLocalLog_RecordAndLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ll := NewLocalLogWithClock(2, func() time.Time { return now })

	ll.Record("stay-1", "byte_counter", "in=10 out=20")
	ll.Record("stay-1", "byte_counter", "in=30 out=40")
	ll.Record("stay-1", "byte_counter", "in=50 out=60")

	recent := ll.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected limit of 2 events, got %d", len(recent))
	}
	if recent[0].Detail != "in=30 out=40" || recent[1].Detail != "in=50 out=60" {
		t.Fatalf("unexpected event order: %+v", recent)
	}
}
