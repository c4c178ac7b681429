package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store bundles the database handle with one repository per aggregate
// (Policy, Stay, Allocation, Transcode, ...), the way ZIProxy's
// RepoManager groups one repo per model around a shared *gorm.DB.
type Store struct {
	DB *gorm.DB

	Persons     *PersonRepo
	SourceIPs   *SourceIPRepo
	Backends    *BackendRepo
	Allocations *AllocationRepo
	Groups      *GroupRepo
	Policies    *PolicyRepo
	Stays       *StayRepo
	Sessions    *SessionRepo
	Audits      *AuditRepo
	Transcodes  *TranscodeRepo
}

// Open opens the Policy Store at dbURL ("sqlite://<path>" or a bare
// filesystem path) and runs schema migration. The indices come from gorm
// tags on the models in models.go, and every one is single-column:
// allocation.proxy_ip (the primary key), stay.started_at, policy
// subject_id, scope_id and active, audit.at, and transcode status,
// priority and created_at. No composite index is declared.
func Open(dbURL string) (*Store, error) {
	path := strings.TrimPrefix(dbURL, "sqlite://")

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create db file: %w", err)
		}
		f.Close()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.AutoMigrate(
		&Person{},
		&SourceIP{},
		&Backend{},
		&Allocation{},
		&ServerGroup{},
		&GroupMember{},
		&UserGroup{},
		&UserGroupMember{},
		&Policy{},
		&PolicySSHLogin{},
		&Stay{},
		&Session{},
		&Audit{},
		&TranscodeJob{},
	); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}

	return &Store{
		DB:          db,
		Persons:     &PersonRepo{db: db},
		SourceIPs:   &SourceIPRepo{db: db},
		Backends:    &BackendRepo{db: db},
		Allocations: &AllocationRepo{db: db},
		Groups:      &GroupRepo{db: db},
		Policies:    &PolicyRepo{db: db},
		Stays:       &StayRepo{db: db},
		Sessions:    &SessionRepo{db: db},
		Audits:      &AuditRepo{db: db},
		Transcodes:  &TranscodeRepo{db: db},
	}, nil
}

// OpenMemory opens an in-memory Policy Store, for tests.
func OpenMemory() (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	if err := db.AutoMigrate(
		&Person{}, &SourceIP{}, &Backend{}, &Allocation{},
		&ServerGroup{}, &GroupMember{}, &UserGroup{}, &UserGroupMember{},
		&Policy{}, &PolicySSHLogin{}, &Stay{}, &Session{}, &Audit{}, &TranscodeJob{},
	); err != nil {
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}

	return &Store{
		DB:          db,
		Persons:     &PersonRepo{db: db},
		SourceIPs:   &SourceIPRepo{db: db},
		Backends:    &BackendRepo{db: db},
		Allocations: &AllocationRepo{db: db},
		Groups:      &GroupRepo{db: db},
		Policies:    &PolicyRepo{db: db},
		Stays:       &StayRepo{db: db},
		Sessions:    &SessionRepo{db: db},
		Audits:      &AuditRepo{db: db},
		Transcodes:  &TranscodeRepo{db: db},
	}, nil
}
