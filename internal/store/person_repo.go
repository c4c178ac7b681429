package store

import "gorm.io/gorm"

// PersonRepo is the repository for Person.
type PersonRepo struct {
	db *gorm.DB
}

func (r *PersonRepo) Create(p *Person) error {
	return r.db.Create(p).Error
}

func (r *PersonRepo) GetByID(id string) (*Person, error) {
	var p Person
	if err := r.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PersonRepo) GetByHandle(handle string) (*Person, error) {
	var p Person
	if err := r.db.First(&p, "handle = ?", handle).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PersonRepo) Update(p *Person) error {
	return r.db.Save(p).Error
}

// Deactivate soft-deletes a person: Stays and Policies may still
// reference them (spec.md §3 — never hard-deleted while referenced).
func (r *PersonRepo) Deactivate(id string) error {
	return r.db.Model(&Person{}).Where("id = ?", id).Update("active", false).Error
}

func (r *PersonRepo) List() ([]Person, error) {
	var people []Person
	if err := r.db.Find(&people).Error; err != nil {
		return nil, err
	}
	return people, nil
}
