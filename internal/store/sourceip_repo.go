package store

import "gorm.io/gorm"

// SourceIPRepo is the repository for SourceIP.
type SourceIPRepo struct {
	db *gorm.DB
}

func (r *SourceIPRepo) Create(s *SourceIP) error {
	return r.db.Create(s).Error
}

func (r *SourceIPRepo) GetByID(id string) (*SourceIP, error) {
	var s SourceIP
	if err := r.db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveForPerson returns every active SourceIP belonging to a person.
func (r *SourceIPRepo) ActiveForPerson(personID string) ([]SourceIP, error) {
	var rows []SourceIP
	if err := r.db.Where("person_id = ? AND active = ?", personID, true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveAll returns every active SourceIP, for the Policy Engine's
// exact-then-longest-prefix lookup (spec.md §4.3 step 1).
func (r *SourceIPRepo) ActiveAll() ([]SourceIP, error) {
	var rows []SourceIP
	if err := r.db.Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *SourceIPRepo) Deactivate(id string) error {
	return r.db.Model(&SourceIP{}).Where("id = ?", id).Update("active", false).Error
}
