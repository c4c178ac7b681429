package store

import "gorm.io/gorm"

// PolicyRepo is the repository for Policy. All writes run in a
// transaction (spec.md §4.1); reads used by the Policy Engine must be
// serializable with any concurrent write, which a single sqlite
// connection with WAL-equivalent locking satisfies for this gateway's
// scale.
type PolicyRepo struct {
	db *gorm.DB
}

// Create inserts a policy along with its SSH login restrictions.
func (r *PolicyRepo) Create(p *Policy) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(p).Error
	})
}

func (r *PolicyRepo) GetByID(id string) (*Policy, error) {
	var p Policy
	if err := r.db.Preload("SSHLogins").First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Revoke deactivates a policy so it never again admits a connection and
// any active stays it covers become candidates for expiry.
func (r *PolicyRepo) Revoke(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Policy{}).Where("id = ?", id).Update("active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ActiveCandidates returns every active policy whose subject could be
// this person (directly or via the group IDs the caller has already
// resolved), ordered per spec.md §4.3: ends_at IS NULL first, then
// created_at ascending.
func (r *PolicyRepo) ActiveCandidates(personID string, groupIDs []string) ([]Policy, error) {
	subjects := append([]string{personID}, groupIDs...)

	var rows []Policy
	err := r.db.Preload("SSHLogins").
		Where("active = ? AND subject_id IN ?", true, subjects).
		Order("ends_at IS NULL DESC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveAll returns every active policy, ordered like ActiveCandidates.
func (r *PolicyRepo) ActiveAll() ([]Policy, error) {
	var rows []Policy
	err := r.db.Preload("SSHLogins").
		Where("active = ?", true).
		Order("ends_at IS NULL DESC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
