package store

import (
	"time"

	"gorm.io/gorm"
)

// SessionRepo is the repository for Session.
type SessionRepo struct {
	db *gorm.DB
}

func (r *SessionRepo) Create(s *Session) error {
	return r.db.Create(s).Error
}

func (r *SessionRepo) Close(id string) error {
	now := time.Now().UTC()
	return r.db.Model(&Session{}).Where("id = ?", id).Update("ended_at", &now).Error
}

func (r *SessionRepo) ActiveForStay(stayID string) ([]Session, error) {
	var rows []Session
	if err := r.db.Where("stay_id = ? AND ended_at IS NULL", stayID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *SessionRepo) ForStay(stayID string) ([]Session, error) {
	var rows []Session
	if err := r.db.Where("stay_id = ?", stayID).Order("started_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
