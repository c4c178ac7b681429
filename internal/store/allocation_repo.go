package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrAlreadyAllocated is returned by Bind when the proxy IP already has
// an active allocation (spec.md §8 invariant 1: unique active allocation).
var ErrAlreadyAllocated = errors.New("proxy ip already has an active allocation")

// AllocationRepo is the repository for Allocation. All writes run inside
// a transaction (spec.md §4.1).
type AllocationRepo struct {
	db *gorm.DB
}

// Bind creates a new active allocation for proxyIP, failing if one
// already exists and is active.
func (r *AllocationRepo) Bind(proxyIP, backendID string) (*Allocation, error) {
	var created *Allocation
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing Allocation
		err := tx.Where("proxy_ip = ? AND released_at IS NULL", proxyIP).First(&existing).Error
		if err == nil {
			return ErrAlreadyAllocated
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		alloc := &Allocation{
			ProxyIP:   proxyIP,
			BackendID: backendID,
			CreatedAt: time.Now().UTC(),
		}
		// ProxyIP is the primary key, so a released row for this IP is
		// reactivated in place rather than inserted alongside it.
		if err := tx.Save(alloc).Error; err != nil {
			return err
		}
		created = alloc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", proxyIP, err)
	}
	return created, nil
}

// Release marks the active allocation for proxyIP as released.
func (r *AllocationRepo) Release(proxyIP string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&Allocation{}).
			Where("proxy_ip = ? AND released_at IS NULL", proxyIP).
			Update("released_at", &now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("no active allocation for %s", proxyIP)
		}
		return nil
	})
}

// Resolve returns the active allocation for proxyIP, if any.
func (r *AllocationRepo) Resolve(proxyIP string) (*Allocation, error) {
	var a Allocation
	err := r.db.Where("proxy_ip = ? AND released_at IS NULL", proxyIP).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActive returns every allocation with no release timestamp — the
// full routing table (spec.md §4.2).
func (r *AllocationRepo) ListActive() ([]Allocation, error) {
	var rows []Allocation
	if err := r.db.Where("released_at IS NULL").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
