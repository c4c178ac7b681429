// Package registry is the Session Registry (spec.md §4.4): the set of
// live Stays, RDP sub-connection dedup, byte counters, recording
// attachment, and termination signaling.
package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/store"
)

// dedupWindow and graceWindow both implement spec.md §4.4's "10s": a
// new RDP connection within this window of a stay's start reuses it,
// and after the last live session of an RDP stay closes, the stay
// itself stays open for this long in case a new connection arrives.
const dedupWindow = 10 * time.Second
const graceWindow = 10 * time.Second

// Admission is the subset of a Decision the registry needs to open a Stay.
type Admission struct {
	PersonID  string
	PolicyID  string
	BackendID string
	SourceIP  string
	ProxyIP   string
	Protocol  store.Protocol
}

// TerminationSignal is delivered on every subscribed channel whenever a
// Stay is closed, whatever caused the close.
type TerminationSignal struct {
	Reason store.TerminationReason
}

type liveStay struct {
	stay         store.Stay
	sessionCount int
	closeTimer   *time.Timer
	subs         []chan TerminationSignal
	closed       bool
}

// Registry tracks live Stays in memory, backed by the Policy Store for
// durability and queryability.
type Registry struct {
	mu    sync.Mutex
	live  map[string]*liveStay
	stays *store.StayRepo
	sess  *store.SessionRepo
	now   func() time.Time
	audit *audit.Sink
}

// New constructs a Session Registry.
func New(stays *store.StayRepo, sess *store.SessionRepo) *Registry {
	return NewWithClock(stays, sess, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(stays *store.StayRepo, sess *store.SessionRepo, now func() time.Time) *Registry {
	return &Registry{live: make(map[string]*liveStay), stays: stays, sess: sess, now: now}
}

// SetAudit wires the Audit Sink the Registry writes stay_opened/
// stay_closed rows to. Open and Close are safe to call before SetAudit;
// they simply skip the audit write until it is set.
func (r *Registry) SetAudit(sink *audit.Sink) {
	r.mu.Lock()
	r.audit = sink
	r.mu.Unlock()
}

// Open admits a new connection. For RDP, if an active stay exists with
// identical (person, backend, protocol=rdp, source_ip) started less than
// dedupWindow ago, it is reused (a new Session is added, no new Stay).
// Otherwise a fresh Stay and its first Session are created.
func (r *Registry) Open(a Admission, kind store.SessionKind) (stayID, sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Protocol == store.ProtocolRDP {
		if ls := r.findDedupCandidate(a); ls != nil {
			if ls.closeTimer != nil {
				ls.closeTimer.Stop()
				ls.closeTimer = nil
			}
			ls.sessionCount++
			sid, err := r.createSession(ls.stay.ID, kind)
			if err != nil {
				return "", "", err
			}
			return ls.stay.ID, sid, nil
		}
	}

	stay := &store.Stay{
		ID:        uuid.NewString(),
		PersonID:  a.PersonID,
		PolicyID:  a.PolicyID,
		BackendID: a.BackendID,
		Protocol:  a.Protocol,
		SourceIP:  a.SourceIP,
		ProxyIP:   a.ProxyIP,
		StartedAt: r.now(),
	}
	if err := r.stays.Create(stay); err != nil {
		return "", "", fmt.Errorf("open stay: %w", err)
	}

	ls := &liveStay{stay: *stay, sessionCount: 1}
	r.live[stay.ID] = ls

	if r.audit != nil {
		_ = r.audit.StayOpened(*stay)
	}

	sid, err := r.createSession(stay.ID, kind)
	if err != nil {
		return "", "", err
	}
	return stay.ID, sid, nil
}

// OpenSession adds a new Session to an already-open Stay — a second SSH
// channel on the same connection, for instance. It does not participate
// in RDP dedup, which only applies at Open.
func (r *Registry) OpenSession(stayID string, kind store.SessionKind) (string, error) {
	r.mu.Lock()
	ls, ok := r.live[stayID]
	if !ok || ls.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("no live stay %s", stayID)
	}
	ls.sessionCount++
	r.mu.Unlock()
	return r.createSession(stayID, kind)
}

// findDedupCandidate matches spec.md §4.4's two distinct 10s windows: a
// fresh stay (no closeTimer yet) only dedups within dedupWindow of its
// own start, the initial-burst case; but once its last session has
// closed and a closeTimer is pending, any matching reconnect rejoins
// regardless of how old the stay is — that pending timer, not
// StartedAt, is what "closing" means here.
func (r *Registry) findDedupCandidate(a Admission) *liveStay {
	for _, ls := range r.live {
		if ls.closed {
			continue
		}
		s := ls.stay
		if s.PersonID != a.PersonID || s.BackendID != a.BackendID ||
			s.Protocol != store.ProtocolRDP || s.SourceIP != a.SourceIP {
			continue
		}
		if ls.closeTimer != nil || r.now().Sub(s.StartedAt) < dedupWindow {
			return ls
		}
	}
	return nil
}

func (r *Registry) createSession(stayID string, kind store.SessionKind) (string, error) {
	session := &store.Session{
		ID:        uuid.NewString(),
		StayID:    stayID,
		StartedAt: r.now(),
		Kind:      kind,
	}
	if err := r.sess.Create(session); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	return session.ID, nil
}

// CloseSession ends one session (one channel, or one RDP sub-connection).
// For RDP stays, if this was the last live session, the stay is not
// closed immediately — a graceWindow timer is started, canceled by the
// next Open call that dedups onto this stay.
func (r *Registry) CloseSession(stayID, sessionID string) error {
	if err := r.sess.Close(sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.live[stayID]
	if !ok || ls.closed {
		return nil
	}
	ls.sessionCount--
	if ls.sessionCount > 0 || ls.stay.Protocol != store.ProtocolRDP {
		return nil
	}

	ls.closeTimer = time.AfterFunc(graceWindow, func() {
		_ = r.Close(stayID, store.TerminationClientClosed)
	})
	return nil
}

// Close ends a Stay for the given reason — peer close, local I/O error,
// or a termination signal (policy_expired, revoked). It is idempotent.
func (r *Registry) Close(stayID string, reason store.TerminationReason) error {
	r.mu.Lock()
	ls, ok := r.live[stayID]
	if !ok || ls.closed {
		r.mu.Unlock()
		return nil
	}
	ls.closed = true
	if ls.closeTimer != nil {
		ls.closeTimer.Stop()
	}
	subs := ls.subs
	recordingPath := ls.stay.RecordingPath
	sink := r.audit
	delete(r.live, stayID)
	r.mu.Unlock()

	var recordingBytes int64
	if recordingPath != "" {
		if info, err := os.Stat(recordingPath); err == nil {
			recordingBytes = info.Size()
		}
	}

	if err := r.stays.Close(stayID, reason, recordingBytes); err != nil {
		return fmt.Errorf("close stay: %w", err)
	}

	if sink != nil {
		if closed, err := r.stays.GetByID(stayID); err == nil {
			_ = sink.StayClosed(*closed)
		}
	}

	for _, ch := range subs {
		ch <- TerminationSignal{Reason: reason}
		close(ch)
	}
	return nil
}

// AddBytes folds a periodic byte-count delta into the stay record.
func (r *Registry) AddBytes(stayID string, deltaIn, deltaOut int64) error {
	return r.stays.AddBytes(stayID, deltaIn, deltaOut)
}

// AttachRecording records the recording file path the first time a byte
// is written to it.
func (r *Registry) AttachRecording(stayID, path string) error {
	if err := r.stays.AttachRecording(stayID, path); err != nil {
		return err
	}
	r.mu.Lock()
	if ls, ok := r.live[stayID]; ok && ls.stay.RecordingPath == "" {
		ls.stay.RecordingPath = path
	}
	r.mu.Unlock()
	return nil
}

// Subscribe returns a channel that receives the first termination signal
// for stayID. The channel is closed after delivering at most one value.
func (r *Registry) Subscribe(stayID string) (<-chan TerminationSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.live[stayID]
	if !ok || ls.closed {
		return nil, fmt.Errorf("no live stay %s", stayID)
	}
	ch := make(chan TerminationSignal, 1)
	ls.subs = append(ls.subs, ch)
	return ch, nil
}

// ActiveOnProxyIP reports whether any live stay is routed through
// proxyIP — the Pool consults this before allowing a rebind or release
// (spec.md §4.2).
func (r *Registry) ActiveOnProxyIP(proxyIP string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ls := range r.live {
		if !ls.closed && ls.stay.ProxyIP == proxyIP {
			return true
		}
	}
	return false
}

// ActiveAll returns a snapshot of every live stay, for the Expiry Ticker.
func (r *Registry) ActiveAll() []store.Stay {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Stay, 0, len(r.live))
	for _, ls := range r.live {
		if !ls.closed {
			out = append(out, ls.stay)
		}
	}
	return out
}
