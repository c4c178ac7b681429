package store

import (
	"time"

	"gorm.io/gorm"
)

// StayRepo is the repository for Stay. All writes run in a transaction
// (spec.md §4.1); the required secondary index is stay(active,
// started_at), realized here as an index on started_at plus filtering
// on ends_at IS NULL for "active."
type StayRepo struct {
	db *gorm.DB
}

func (r *StayRepo) Create(s *Stay) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(s).Error
	})
}

func (r *StayRepo) GetByID(id string) (*Stay, error) {
	var s Stay
	if err := r.db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// Close records the end of a stay inside a single transaction (spec.md
// §8 invariant 4: every stay closes).
func (r *StayRepo) Close(id string, reason TerminationReason, recordingBytes int64) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		return tx.Model(&Stay{}).Where("id = ?", id).Updates(map[string]interface{}{
			"ends_at":            &now,
			"termination_reason": reason,
			"recording_bytes":    recordingBytes,
		}).Error
	})
}

// AddBytes folds periodic byte-count deltas into the stay record.
func (r *StayRepo) AddBytes(id string, deltaIn, deltaOut int64) error {
	return r.db.Model(&Stay{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"bytes_in":  gorm.Expr("bytes_in + ?", deltaIn),
			"bytes_out": gorm.Expr("bytes_out + ?", deltaOut),
		}).Error
}

// AttachRecording sets the recording path the first time a byte is
// written to it.
func (r *StayRepo) AttachRecording(id, path string) error {
	return r.db.Model(&Stay{}).Where("id = ? AND recording_path = ?", id, "").
		Update("recording_path", path).Error
}

// ActiveAll returns every stay with EndsAt == nil.
func (r *StayRepo) ActiveAll() ([]Stay, error) {
	var rows []Stay
	if err := r.db.Where("ends_at IS NULL").Order("started_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveFor returns active stays matching (person, backend, protocol,
// source IP). The Session Registry's RDP dedup does not use it; it
// searches its own in-memory stays.
func (r *StayRepo) ActiveFor(personID, backendID string, protocol Protocol, sourceIP string) ([]Stay, error) {
	var rows []Stay
	err := r.db.Where(
		"ends_at IS NULL AND person_id = ? AND backend_id = ? AND protocol = ? AND source_ip = ?",
		personID, backendID, protocol, sourceIP,
	).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// List returns stays, optionally filtered to only active ones, for the
// `stays [--active]` CLI verb (spec.md §6).
func (r *StayRepo) List(activeOnly bool) ([]Stay, error) {
	q := r.db.Model(&Stay{})
	if activeOnly {
		q = q.Where("ends_at IS NULL")
	}
	var rows []Stay
	if err := q.Order("started_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
