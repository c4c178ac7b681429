// Package store is the Policy Store: the gateway's relational model of
// persons, source IPs, backends, groups, policies, proxy-IP allocations,
// sessions, audit, and the transcode queue (spec.md §3, §4.1).
package store

import "time"

// Person is the subject of accountability. Never hard-deleted while any
// Stay or Policy references it — Active is set false instead.
type Person struct {
	ID          string `gorm:"primaryKey"`
	Handle      string `gorm:"uniqueIndex;not null"`
	DisplayName string
	Email       string
	Active      bool `gorm:"default:true"`
}

// SourceIP maps a CIDR or single IP to the person allowed to connect from
// it. Neither the schema nor SourceIPRepo.Create checks for another
// active SourceIP with the same address or an overlapping CIDR.
type SourceIP struct {
	ID         string `gorm:"primaryKey"`
	PersonID   string `gorm:"not null;index"`
	CIDROrIP   string `gorm:"not null"`
	Label      string
	Active     bool `gorm:"default:true"`
}

// Backend is the real target host a person is ultimately administering.
type Backend struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex;not null"`
	Address    string `gorm:"not null"`
	Port       int    `gorm:"not null"`
	SSHEnabled bool   `gorm:"default:true"`
	RDPEnabled bool   `gorm:"default:false"`
	Active     bool   `gorm:"default:true"`
}

// Allocation binds a proxy IP to a backend. Exactly one active (Released
// unset) allocation may exist per ProxyIP; the Pool's routing table is
// the set of allocations with ReleasedAt == nil.
type Allocation struct {
	ProxyIP    string `gorm:"primaryKey"`
	BackendID  string `gorm:"not null;index"`
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// ServerGroup is a node in the backend group tree (cycle-free, max depth
// 10, enforced by the Policy Engine's validate_no_cycle).
type ServerGroup struct {
	ID       string `gorm:"primaryKey"`
	Name     string `gorm:"not null"`
	ParentID *string `gorm:"index"`
}

// GroupMember is a many-to-many edge between a ServerGroup and a Backend.
type GroupMember struct {
	GroupID   string `gorm:"primaryKey"`
	BackendID string `gorm:"primaryKey"`
}

// UserGroup is a node in the person group tree, analogous to ServerGroup.
type UserGroup struct {
	ID       string  `gorm:"primaryKey"`
	Name     string  `gorm:"not null"`
	ParentID *string `gorm:"index"`
}

// UserGroupMember is a many-to-many edge between a UserGroup and a Person.
type UserGroupMember struct {
	GroupID  string `gorm:"primaryKey"`
	PersonID string `gorm:"primaryKey"`
}

// SubjectKind is the kind of entity a Policy's subject refers to.
type SubjectKind string

const (
	SubjectPerson    SubjectKind = "person"
	SubjectUserGroup SubjectKind = "user_group"
)

// ScopeKind is the kind of target a Policy's scope refers to.
type ScopeKind string

const (
	ScopeServerGroup ScopeKind = "server_group"
	ScopeServer      ScopeKind = "server"
	ScopeService     ScopeKind = "service"
)

// Protocol identifies which wire protocol a Policy, Stay, or Session uses.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
	ProtocolAny Protocol = "any"
)

// Policy is a time-bounded grant of access from a subject (person or user
// group) to a scope (server group, server, or service), optionally
// restricted by SSH login, source IP, and a weekly schedule window.
type Policy struct {
	ID                  string `gorm:"primaryKey"`
	SubjectKind         SubjectKind `gorm:"not null"`
	SubjectID           string      `gorm:"not null;index"`
	ScopeKind           ScopeKind   `gorm:"not null"`
	ScopeID             string      `gorm:"not null;index"`
	Protocol            Protocol
	AllowPortForwarding bool `gorm:"default:false"`
	SourceIPID          *string
	ScheduleJSON         string // serialized engine.Schedule, empty if unset
	StartsAt            time.Time `gorm:"not null"`
	EndsAt              *time.Time
	Active              bool      `gorm:"default:true;index"`
	CreatedAt           time.Time
	CreatedBy           string

	SSHLogins []PolicySSHLogin `gorm:"foreignKey:PolicyID"`
}

// PolicySSHLogin is one allowed backend login name for a Policy. An empty
// set (no rows) means "any login permitted by the backend."
type PolicySSHLogin struct {
	PolicyID string `gorm:"primaryKey"`
	Login    string `gorm:"primaryKey"`
}

// TerminationReason explains why a Stay ended.
type TerminationReason string

const (
	TerminationClientClosed  TerminationReason = "client_closed"
	TerminationServerClosed  TerminationReason = "server_closed"
	TerminationPolicyExpired TerminationReason = "policy_expired"
	TerminationRevoked       TerminationReason = "revoked"
	TerminationError         TerminationReason = "error"
)

// Stay is the authoritative record of one person inside one backend under
// one policy, possibly spanning multiple TCP connections (Sessions).
type Stay struct {
	ID                string   `gorm:"primaryKey"`
	PersonID          string   `gorm:"not null;index"`
	PolicyID          string   `gorm:"not null"`
	BackendID         string   `gorm:"not null"`
	Protocol          Protocol `gorm:"not null"`
	SourceIP          string   `gorm:"not null"`
	ProxyIP           string   `gorm:"not null"`
	StartedAt         time.Time `gorm:"not null;index"`
	EndsAt            *time.Time
	TerminationReason TerminationReason
	RecordingPath     string
	RecordingBytes    int64
	BytesIn           int64
	BytesOut          int64
}

// Active reports whether the stay has not yet closed.
func (s *Stay) Active() bool { return s.EndsAt == nil }

// SessionKind identifies the kind of TCP connection a Session represents.
type SessionKind string

const (
	SessionShell           SessionKind = "shell"
	SessionExec            SessionKind = "exec"
	SessionSFTP            SessionKind = "sftp"
	SessionDirectTCPIP     SessionKind = "direct_tcpip"
	SessionForwardedTCPIP  SessionKind = "forwarded_tcpip"
	SessionDynamic         SessionKind = "dynamic"
	SessionRDP             SessionKind = "rdp"
)

// Session is a single TCP connection inside a Stay.
type Session struct {
	ID        string      `gorm:"primaryKey"`
	StayID    string      `gorm:"not null;index"`
	StartedAt time.Time   `gorm:"not null"`
	EndedAt   *time.Time
	Kind      SessionKind `gorm:"not null"`
}

// Audit is one append-only record of an admission decision or lifecycle
// transition. Audit rows are never updated or deleted.
type Audit struct {
	ID        string `gorm:"primaryKey"`
	At        time.Time `gorm:"not null;index"`
	Actor     string
	Kind      string `gorm:"not null"`
	SourceIP  string
	BackendID string
	Protocol  Protocol
	Admitted  bool
	Reason    string
	Detail    string
}

// TranscodeStatus is the lifecycle state of a TranscodeJob.
type TranscodeStatus string

const (
	TranscodePending TranscodeStatus = "pending"
	TranscodeRunning TranscodeStatus = "running"
	TranscodeDone    TranscodeStatus = "done"
	TranscodeFailed  TranscodeStatus = "failed"
)

// TranscodeJob is a queued `.replay -> .mp4` conversion request.
type TranscodeJob struct {
	ID          string          `gorm:"primaryKey"`
	StayID      string          `gorm:"not null;index"`
	Status      TranscodeStatus `gorm:"not null;index"`
	Priority    int64           `gorm:"default:0;index"`
	Progress    int
	Total       int
	ETASeconds  int
	OutputPath  string
	Error       string
	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
}
