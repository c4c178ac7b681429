package store

import "gorm.io/gorm"

// AuditRepo is the repository for Audit. Rows are append-only — there is
// no Update or Delete (spec.md §4.9).
type AuditRepo struct {
	db *gorm.DB
}

func (r *AuditRepo) Create(a *Audit) error {
	return r.db.Create(a).Error
}

// Range returns audit rows between from and to (inclusive), optionally
// filtered by source IP or backend. There is no person filter: rows are
// not selected by Actor.
func (r *AuditRepo) Range(fromUnix, toUnix int64, sourceIP, backendID string) ([]Audit, error) {
	q := r.db.Model(&Audit{}).Where("CAST(strftime('%s', at) AS INTEGER) BETWEEN ? AND ?", fromUnix, toUnix)
	if sourceIP != "" {
		q = q.Where("source_ip = ?", sourceIP)
	}
	if backendID != "" {
		q = q.Where("backend_id = ?", backendID)
	}
	var rows []Audit
	if err := q.Order("at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ForStay returns every audit row whose Detail references a stay ID —
// used by tests verifying spec.md §8 invariant 5 (every stay has at
// least an admit and a close audit row).
func (r *AuditRepo) ForStay(stayID string) ([]Audit, error) {
	var rows []Audit
	if err := r.db.Where("detail LIKE ?", "%"+stayID+"%").Order("at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
