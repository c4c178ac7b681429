// Package audit is the Audit Sink (spec.md §4.9): one append-only row
// per admission decision, Stay close, Policy write, and Allocation
// change, written synchronously with the write that produced it, plus a
// best-effort local log for proxy events that must not block.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/opsgateway/bastiongate/internal/store"
)

// Sink is the DB-backed half of the Audit Sink: every call persists one
// row in its own write, after the decision or write it records; the row
// does not share that write's transaction.
type Sink struct {
	audits *store.AuditRepo
	now    func() time.Time
}

// New constructs a Sink.
func New(audits *store.AuditRepo) *Sink {
	return NewWithClock(audits, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(audits *store.AuditRepo, now func() time.Time) *Sink {
	if audits == nil {
		panic("audit: nil AuditRepo")
	}
	if now == nil {
		panic("audit: nil clock")
	}
	return &Sink{audits: audits, now: now}
}

func (s *Sink) write(a *store.Audit) error {
	a.ID = uuid.NewString()
	a.At = s.now()
	return s.audits.Create(a)
}

// Decision records one admission outcome, admitted or denied.
func (s *Sink) Decision(actor, sourceIP, backendID string, protocol store.Protocol, admitted bool, reason, detail string) error {
	return s.write(&store.Audit{
		Actor:     actor,
		Kind:      "decision",
		SourceIP:  sourceIP,
		BackendID: backendID,
		Protocol:  protocol,
		Admitted:  admitted,
		Reason:    reason,
		Detail:    detail,
	})
}

// StayOpened records the creation of a Stay.
func (s *Sink) StayOpened(stay store.Stay) error {
	return s.write(&store.Audit{
		Actor:     stay.PersonID,
		Kind:      "stay_opened",
		SourceIP:  stay.SourceIP,
		BackendID: stay.BackendID,
		Protocol:  stay.Protocol,
		Admitted:  true,
		Detail:    stay.ID,
	})
}

// StayClosed records the close of a Stay, with its termination reason.
func (s *Sink) StayClosed(stay store.Stay) error {
	reason := ""
	if stay.TerminationReason != "" {
		reason = string(stay.TerminationReason)
	}
	return s.write(&store.Audit{
		Actor:     stay.PersonID,
		Kind:      "stay_closed",
		SourceIP:  stay.SourceIP,
		BackendID: stay.BackendID,
		Protocol:  stay.Protocol,
		Admitted:  true,
		Reason:    reason,
		Detail:    stay.ID,
	})
}

// PolicyWrite records a Policy create or revoke.
func (s *Sink) PolicyWrite(actor, policyID, kind, detail string) error {
	return s.write(&store.Audit{
		Actor:    actor,
		Kind:     "policy_" + kind,
		Admitted: true,
		Detail:   policyID + ": " + detail,
	})
}

// AllocationChange records an Allocation bind or release.
func (s *Sink) AllocationChange(actor, proxyIP, backendID, kind string) error {
	return s.write(&store.Audit{
		Actor:     actor,
		Kind:      "allocation_" + kind,
		BackendID: backendID,
		Admitted:  true,
		Detail:    proxyIP,
	})
}
