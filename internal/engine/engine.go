// Package engine is the Policy Engine (spec.md §4.3): decide(), and the
// validate_no_cycle/group_closure BFS primitives shared with group
// administration.
package engine

import (
	"net"
	"strings"
	"time"

	"github.com/opsgateway/bastiongate/internal/pool"
	"github.com/opsgateway/bastiongate/internal/store"
)

// DenyReason enumerates the Deny outcomes of decide, in the specificity
// order spec.md §4.3 step 8 names for picking among several failures.
type DenyReason string

const (
	DenyNoPersonForSourceIP DenyReason = "no_person_for_source_ip"
	DenyNoBackendForProxyIP DenyReason = "no_backend_for_proxy_ip"
	DenyNoMatchingPolicy    DenyReason = "no_matching_policy"
	DenyPolicyExpired       DenyReason = "policy_expired"
	DenyOutsideSchedule     DenyReason = "outside_schedule"
	DenyProtocolNotAllowed  DenyReason = "protocol_not_allowed"
	DenyLoginNotPermitted   DenyReason = "login_not_permitted"
	DenyBackendDisabled     DenyReason = "backend_disabled"
)

// specificity ranks deny reasons for step 8's "most specific reason
// observed among the failures" rule: no_matching_policy is least
// specific (the catch-all), login_not_permitted is most specific.
var specificity = map[DenyReason]int{
	DenyNoMatchingPolicy:   0,
	DenyPolicyExpired:      1,
	DenyOutsideSchedule:    2,
	DenyProtocolNotAllowed: 3,
	DenyLoginNotPermitted:  4,
}

// Decision is the result of decide(): either Admit is true, or Reason
// explains the denial.
type Decision struct {
	Admit               bool
	Backend             store.Backend
	PersonID            string
	PolicyID            string
	PolicyEndsAt        *time.Time
	AllowPortForwarding bool
	SSHLoginFilter      []string
	Reason              DenyReason
}

// routeResolver is the subset of the Pool the engine needs.
type routeResolver interface {
	Resolve(proxyIP string) (pool.Route, bool)
}

// Engine evaluates admission decisions against the Policy Store.
type Engine struct {
	sourceIPs *store.SourceIPRepo
	policies  *store.PolicyRepo
	groups    *store.GroupRepo
	backends  *store.BackendRepo
	pool      routeResolver
	now       func() time.Time
}

// New constructs a Policy Engine.
func New(sourceIPs *store.SourceIPRepo, policies *store.PolicyRepo, groups *store.GroupRepo, backends *store.BackendRepo, routes routeResolver) *Engine {
	return NewWithClock(sourceIPs, policies, groups, backends, routes, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(sourceIPs *store.SourceIPRepo, policies *store.PolicyRepo, groups *store.GroupRepo, backends *store.BackendRepo, routes routeResolver, now func() time.Time) *Engine {
	return &Engine{sourceIPs: sourceIPs, policies: policies, groups: groups, backends: backends, pool: routes, now: now}
}

// Decide implements spec.md §4.3's eight-step evaluation order.
func (e *Engine) Decide(srcIP, proxyIP string, protocol store.Protocol, login string) (Decision, error) {
	// Step 1: map src_ip to person.
	personID, err := e.resolvePerson(srcIP)
	if err != nil {
		return Decision{}, err
	}
	if personID == "" {
		return Decision{Reason: DenyNoPersonForSourceIP}, nil
	}

	// Step 2: map proxy_ip to backend via Pool.
	route, ok := e.pool.Resolve(proxyIP)
	if !ok {
		return Decision{Reason: DenyNoBackendForProxyIP}, nil
	}
	backend := route.Backend
	if !backend.Active {
		return Decision{Reason: DenyBackendDisabled}, nil
	}
	if !protocolEnabled(route.Protocols, protocol) {
		return Decision{Reason: DenyProtocolNotAllowed}, nil
	}

	// Step 3: person's transitive user-group set.
	directGroups, err := e.groups.GroupsForPerson(personID)
	if err != nil {
		return Decision{}, err
	}
	groupIDs, err := groupClosure(directGroups, e.groups.UserGroupParent)
	if err != nil {
		return Decision{}, err
	}

	// Step 4: backend's transitive server-group set.
	directServerGroups, err := e.backends.GroupsContaining(backend.ID)
	if err != nil {
		return Decision{}, err
	}
	serverGroupIDs, err := groupClosure(directServerGroups, e.groups.ServerGroupParent)
	if err != nil {
		return Decision{}, err
	}
	serverGroupSet := toSet(serverGroupIDs)

	// Step 5: enumerate candidate policies.
	candidates, err := e.policies.ActiveCandidates(personID, groupIDs)
	if err != nil {
		return Decision{}, err
	}

	now := e.now()
	var best DenyReason
	for _, p := range candidates {
		if !scopeIncludesBackend(p, backend.ID, serverGroupSet) {
			continue
		}
		if !protocolMatchesPolicy(p.Protocol, protocol) {
			best = worse(best, DenyProtocolNotAllowed)
			continue
		}

		// Step 6: active window + schedule.
		if !withinWindow(p, now) {
			best = worse(best, DenyPolicyExpired)
			continue
		}
		sched, err := UnmarshalSchedule(p.ScheduleJSON)
		if err != nil {
			return Decision{}, err
		}
		if !sched.Matches(now) {
			best = worse(best, DenyOutsideSchedule)
			continue
		}

		// Step 7: SSH login filter.
		logins := loginNames(p.SSHLogins)
		if login != "" && len(logins) > 0 && !containsString(logins, login) {
			best = worse(best, DenyLoginNotPermitted)
			continue
		}

		// Step 8: first surviving candidate admits.
		return Decision{
			Admit:               true,
			Backend:             backend,
			PersonID:            personID,
			PolicyID:            p.ID,
			PolicyEndsAt:        p.EndsAt,
			AllowPortForwarding: p.AllowPortForwarding,
			SSHLoginFilter:      logins,
		}, nil
	}

	if best == "" {
		best = DenyNoMatchingPolicy
	}
	return Decision{Reason: best}, nil
}

// resolvePerson implements step 1: exact match, else longest-prefix CIDR
// match, over active SourceIPs.
func (e *Engine) resolvePerson(srcIP string) (string, error) {
	ips, err := e.sourceIPs.ActiveAll()
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(srcIP)
	if ip == nil {
		return "", nil
	}

	// Exact match first.
	for _, si := range ips {
		if si.CIDROrIP == srcIP || (!strings.Contains(si.CIDROrIP, "/") && net.ParseIP(si.CIDROrIP) != nil && net.ParseIP(si.CIDROrIP).Equal(ip)) {
			return si.PersonID, nil
		}
	}

	// Longest-prefix CIDR match.
	bestPrefix := -1
	bestPerson := ""
	for _, si := range ips {
		if !strings.Contains(si.CIDROrIP, "/") {
			continue
		}
		_, network, err := net.ParseCIDR(si.CIDROrIP)
		if err != nil {
			continue
		}
		if !network.Contains(ip) {
			continue
		}
		ones, _ := network.Mask.Size()
		if ones > bestPrefix {
			bestPrefix = ones
			bestPerson = si.PersonID
		}
	}
	return bestPerson, nil
}

func protocolEnabled(enabled []store.Protocol, want store.Protocol) bool {
	for _, p := range enabled {
		if p == want {
			return true
		}
	}
	return false
}

func protocolMatchesPolicy(policyProto, want store.Protocol) bool {
	return policyProto == "" || policyProto == store.ProtocolAny || policyProto == want
}

func scopeIncludesBackend(p store.Policy, backendID string, serverGroupSet map[string]bool) bool {
	switch p.ScopeKind {
	case store.ScopeServerGroup:
		return serverGroupSet[p.ScopeID]
	case store.ScopeServer, store.ScopeService:
		return p.ScopeID == backendID
	default:
		return false
	}
}

func withinWindow(p store.Policy, now time.Time) bool {
	if now.Before(p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && !now.Before(*p.EndsAt) {
		return false
	}
	return true
}

func loginNames(logins []store.PolicySSHLogin) []string {
	out := make([]string, 0, len(logins))
	for _, l := range logins {
		out = append(out, l.Login)
	}
	return out
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

// worse returns whichever of a, b ranks higher in specificity (spec.md
// §4.3 step 8); an empty reason loses to any concrete one.
func worse(a, b DenyReason) DenyReason {
	if a == "" {
		return b
	}
	if specificity[b] > specificity[a] {
		return b
	}
	return a
}

// ValidateServerGroupNoCycle exposes the public validate_no_cycle operation for
// server groups.
func (e *Engine) ValidateServerGroupNoCycle(groupID string, newParentID *string) error {
	return validateNoCycle(groupID, newParentID, e.groups.ServerGroupParent)
}

// ValidateUserGroupNoCycle exposes validate_no_cycle for user groups.
func (e *Engine) ValidateUserGroupNoCycle(groupID string, newParentID *string) error {
	return validateNoCycle(groupID, newParentID, e.groups.UserGroupParent)
}

// ServerGroupClosure exposes the public group_closure operation for a
// single server group.
func (e *Engine) ServerGroupClosure(groupID string) ([]string, error) {
	return groupClosure([]string{groupID}, e.groups.ServerGroupParent)
}

// UserGroupClosure exposes group_closure for a single user group.
func (e *Engine) UserGroupClosure(groupID string) ([]string, error) {
	return groupClosure([]string{groupID}, e.groups.UserGroupParent)
}
