// Package expiry is the Expiry Ticker (spec.md §4.5): a single logical
// timer that wakes the nearest policy expiry, re-evaluates every active
// stay, and surfaces 5-minute/1-minute advance warnings.
package expiry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/store"
)

const (
	warnAt5 = 5 * time.Minute
	warnAt1 = 1 * time.Minute
	// idleSleep bounds how long the ticker sleeps when no active stay has
	// a known expiry, so it still notices policy changes that arrive
	// without a Notify (defensive; Notify is the normal wake path).
	idleSleep = time.Hour
)

// Warning is an advance-expiry notice for one stay.
type Warning struct {
	StayID        string
	MinutesBefore int
}

// activeStays is the subset of the Session Registry the ticker needs.
type activeStays interface {
	ActiveAll() []store.Stay
	Close(stayID string, reason store.TerminationReason) error
}

// Ticker is the Expiry Ticker.
type Ticker struct {
	policies *store.PolicyRepo
	registry activeStays
	now      func() time.Time

	recompute chan struct{}

	mu      sync.Mutex
	warned5 map[string]bool
	warned1 map[string]bool
	warnSub map[string][]chan Warning
}

// New constructs an Expiry Ticker.
func New(policies *store.PolicyRepo, registry activeStays) *Ticker {
	return NewWithClock(policies, registry, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(policies *store.PolicyRepo, registry activeStays, now func() time.Time) *Ticker {
	return &Ticker{
		policies:  policies,
		registry:  registry,
		now:       now,
		recompute: make(chan struct{}, 1),
		warned5:   make(map[string]bool),
		warned1:   make(map[string]bool),
		warnSub:   make(map[string][]chan Warning),
	}
}

// Notify asks the ticker to recompute its wake instant immediately. No
// write path in the gateway calls it; without it, the ticker picks up
// Policy or Stay writes at its next scheduled wake.
func (t *Ticker) Notify() {
	select {
	case t.recompute <- struct{}{}:
	default:
	}
}

// SubscribeWarnings returns a channel that receives every advance
// warning fired for stayID, until the stay closes.
func (t *Ticker) SubscribeWarnings(stayID string) <-chan Warning {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Warning, 2)
	t.warnSub[stayID] = append(t.warnSub[stayID], ch)
	return ch
}

// Run blocks, waking at the nearest expiry-relevant instant, until ctx
// is canceled.
func (t *Ticker) Run(ctx context.Context) {
	for {
		sleep := t.nextWakeIn()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.recompute:
			timer.Stop()
			continue
		case <-timer.C:
		}
		t.wake()
	}
}

// nextWakeIn computes how long to sleep before the nearest expiry,
// warning, or idleSleep fallback.
func (t *Ticker) nextWakeIn() time.Duration {
	now := t.now()
	stays := t.registry.ActiveAll()

	var nearest *time.Time
	consider := func(at time.Time) {
		if nearest == nil || at.Before(*nearest) {
			nearest = &at
		}
	}

	t.mu.Lock()
	for _, s := range stays {
		policy, err := t.policies.GetByID(s.PolicyID)
		if err != nil || policy.EndsAt == nil {
			continue
		}
		consider(*policy.EndsAt)
		if !t.warned5[s.ID] {
			consider(policy.EndsAt.Add(-warnAt5))
		}
		if !t.warned1[s.ID] {
			consider(policy.EndsAt.Add(-warnAt1))
		}
	}
	t.mu.Unlock()

	if nearest == nil {
		return idleSleep
	}
	d := nearest.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// wake re-evaluates every active stay: fires due warnings, and
// terminates any stay whose policy no longer admits it.
func (t *Ticker) wake() {
	now := t.now()
	for _, s := range t.registry.ActiveAll() {
		policy, err := t.policies.GetByID(s.PolicyID)
		if err != nil {
			log.Printf("expiry: policy %s for stay %s not found, terminating: %v", s.PolicyID, s.ID, err)
			t.terminate(s.ID, store.TerminationPolicyExpired)
			continue
		}

		if !policy.Active {
			t.terminate(s.ID, store.TerminationRevoked)
			continue
		}

		if policy.EndsAt != nil {
			remaining := policy.EndsAt.Sub(now)
			if remaining <= 0 {
				t.terminate(s.ID, store.TerminationPolicyExpired)
				continue
			}
			t.maybeWarn(s.ID, remaining)
		}

		sched, err := engine.UnmarshalSchedule(policy.ScheduleJSON)
		if err != nil {
			continue
		}
		if sched != nil && !sched.Matches(now) {
			t.terminate(s.ID, store.TerminationPolicyExpired)
		}
	}
}

func (t *Ticker) maybeWarn(stayID string, remaining time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if remaining <= warnAt5 && !t.warned5[stayID] {
		t.warned5[stayID] = true
		t.fireWarning(stayID, 5)
	}
	if remaining <= warnAt1 && !t.warned1[stayID] {
		t.warned1[stayID] = true
		t.fireWarning(stayID, 1)
	}
}

func (t *Ticker) fireWarning(stayID string, minutes int) {
	for _, ch := range t.warnSub[stayID] {
		select {
		case ch <- Warning{StayID: stayID, MinutesBefore: minutes}:
		default:
		}
	}
}

func (t *Ticker) terminate(stayID string, reason store.TerminationReason) {
	if err := t.registry.Close(stayID, reason); err != nil {
		log.Printf("expiry: close stay %s: %v", stayID, err)
	}
	t.mu.Lock()
	delete(t.warned5, stayID)
	delete(t.warned1, stayID)
	for _, ch := range t.warnSub[stayID] {
		close(ch)
	}
	delete(t.warnSub, stayID)
	t.mu.Unlock()
}
