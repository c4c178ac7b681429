package store

import "gorm.io/gorm"

// BackendRepo is the repository for Backend.
type BackendRepo struct {
	db *gorm.DB
}

func (r *BackendRepo) Create(b *Backend) error {
	return r.db.Create(b).Error
}

func (r *BackendRepo) GetByID(id string) (*Backend, error) {
	var b Backend
	if err := r.db.First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BackendRepo) Update(b *Backend) error {
	return r.db.Save(b).Error
}

func (r *BackendRepo) List() ([]Backend, error) {
	var backends []Backend
	if err := r.db.Find(&backends).Error; err != nil {
		return nil, err
	}
	return backends, nil
}

// GroupsContaining returns every ServerGroup ID that directly contains
// this backend (the Policy Engine walks parents itself for the
// transitive closure).
func (r *BackendRepo) GroupsContaining(backendID string) ([]string, error) {
	var rows []GroupMember
	if err := r.db.Where("backend_id = ?", backendID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.GroupID)
	}
	return ids, nil
}
