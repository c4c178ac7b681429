package store

import (
	"time"

	"github.com/opsgateway/bastiongate/internal/gwerr"
	"gorm.io/gorm"
)

// TranscodeRepo is the repository for TranscodeJob: a FIFO-plus-priority
// queue bounded by a running cap (W) and a pending cap (P), per spec.md
// §4.8 and the §8 invariant 9 caps.
type TranscodeRepo struct {
	db *gorm.DB
}

// Enqueue inserts a pending job, refusing if the pending cap P is
// already reached (spec.md §8 invariant 9).
func (r *TranscodeRepo) Enqueue(j *TranscodeJob, pendingCap int) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var pending int64
		if err := tx.Model(&TranscodeJob{}).Where("status = ?", TranscodePending).Count(&pending).Error; err != nil {
			return err
		}
		if int(pending) >= pendingCap {
			return gwerr.New(gwerr.ResourceExhausted, "transcode pending queue full")
		}
		return tx.Create(j).Error
	})
}

// Claim atomically picks the highest-priority, oldest pending job and
// marks it running, refusing if the running cap W is already reached.
func (r *TranscodeRepo) Claim(runningCap int) (*TranscodeJob, error) {
	var claimed *TranscodeJob
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&TranscodeJob{}).Where("status = ?", TranscodeRunning).Count(&running).Error; err != nil {
			return err
		}
		if int(running) >= runningCap {
			return gwerr.New(gwerr.ResourceExhausted, "transcode worker pool saturated")
		}

		var job TranscodeJob
		err := tx.Where("status = ?", TranscodePending).
			Order("priority DESC, created_at ASC").
			First(&job).Error
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&TranscodeJob{}).Where("id = ? AND status = ?", job.ID, TranscodePending).
			Updates(map[string]interface{}{"status": TranscodeRunning, "started_at": &now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		job.Status = TranscodeRunning
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat updates a running job's progress, total, and ETA.
func (r *TranscodeRepo) Heartbeat(id string, progress, total, etaSeconds int) error {
	return r.db.Model(&TranscodeJob{}).Where("id = ? AND status = ?", id, TranscodeRunning).
		Updates(map[string]interface{}{
			"progress":    progress,
			"total":       total,
			"eta_seconds": etaSeconds,
		}).Error
}

func (r *TranscodeRepo) Complete(id, outputPath string) error {
	now := time.Now().UTC()
	return r.db.Model(&TranscodeJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      TranscodeDone,
			"output_path": outputPath,
			"finished_at": &now,
		}).Error
}

func (r *TranscodeRepo) Fail(id, reason string) error {
	now := time.Now().UTC()
	return r.db.Model(&TranscodeJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      TranscodeFailed,
			"error":       reason,
			"finished_at": &now,
		}).Error
}

// Rush moves a pending job to the front of the queue by setting its
// priority above every other job's (spec.md §4.8 `rush()`).
func (r *TranscodeRepo) Rush(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var maxPriority int64
		if err := tx.Model(&TranscodeJob{}).Select("COALESCE(MAX(priority), 0)").Scan(&maxPriority).Error; err != nil {
			return err
		}
		res := tx.Model(&TranscodeJob{}).Where("id = ? AND status = ?", id, TranscodePending).
			Update("priority", maxPriority+1)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *TranscodeRepo) GetByID(id string) (*TranscodeJob, error) {
	var j TranscodeJob
	if err := r.db.First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *TranscodeRepo) ListByStatus(status TranscodeStatus) ([]TranscodeJob, error) {
	var rows []TranscodeJob
	err := r.db.Where("status = ?", status).Order("priority DESC, created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
