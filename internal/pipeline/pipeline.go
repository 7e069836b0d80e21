// Package pipeline implements the job state machine and completion chainer
// for the inspection analysis pipeline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lotview/inspectd/internal/audit"
	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StageInvoker dispatches work to an external stage executor. Implemented by
// executor.Client. Invocation is fire-and-forget: a nil return means the
// executor accepted the work, not that it finished.
type StageInvoker interface {
	Invoke(ctx context.Context, jobType, inspectionID string, completedSequence int) error
}

var (
	// ErrNotPending is returned when a claim loses the race for a job.
	ErrNotPending = errors.New("pipeline: job is not pending")
	// ErrNotProcessing is returned when a terminal write loses ownership,
	// e.g. after recovery reset the job under the writer.
	ErrNotProcessing = errors.New("pipeline: job is not processing")
	// ErrNoJobs is returned by ClaimNext when nothing is claimable.
	ErrNoJobs = errors.New("pipeline: no pending jobs")
)

// Submit creates the first chunk job for an inspection and hands it to the
// stage executor. The inspection must not have jobs yet.
func Submit(ctx context.Context, gdb *gorm.DB, invoker StageInvoker, inspectionID, firstChunkData string) (*models.Job, error) {
	var insp models.Inspection
	if err := gdb.First(&insp, "id = ?", inspectionID).Error; err != nil {
		return nil, fmt.Errorf("pipeline: load inspection %s: %w", inspectionID, err)
	}

	var count int64
	if err := gdb.Model(&models.Job{}).Where("inspection_id = ?", inspectionID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("pipeline: count jobs for %s: %w", inspectionID, err)
	}
	if count > 0 {
		return nil, fmt.Errorf("pipeline: inspection %s already submitted", inspectionID)
	}

	one := 1
	total := insp.TotalChunks
	job := models.Job{
		InspectionID:  inspectionID,
		JobType:       models.JobChunkedAnalysis,
		Status:        models.JobPending,
		SequenceOrder: 1,
		ChunkIndex:    &one,
		TotalChunks:   &total,
		ChunkData:     firstChunkData,
		MaxRetries:    models.DefaultMaxRetries,
	}
	if err := gdb.Create(&job).Error; err != nil {
		return nil, fmt.Errorf("pipeline: create first chunk for %s: %w", inspectionID, err)
	}

	if err := gdb.Model(&models.Inspection{}).Where("id = ?", inspectionID).
		Update("status", models.InspectionAnalyzing).Error; err != nil {
		return nil, fmt.Errorf("pipeline: mark inspection analyzing %s: %w", inspectionID, err)
	}

	// The created row is the durable record; an invocation failure here is
	// repaired by recovery, not rolled back.
	if err := invoker.Invoke(ctx, job.JobType, inspectionID, -1); err != nil {
		audit.Record(gdb, "pipeline", fmt.Sprintf("submit invocation failed: %v", err), inspectionID)
	}
	return &job, nil
}

// Claim transitions a specific job from pending to processing. Exactly one
// caller wins; losers get ErrNotPending.
func Claim(gdb *gorm.DB, jobID uint) (*models.Job, error) {
	now := time.Now()
	res := gdb.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobPending).
		Updates(map[string]interface{}{
			"status":     models.JobProcessing,
			"started_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("pipeline: claim job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotPending
	}

	var job models.Job
	if err := gdb.First(&job, jobID).Error; err != nil {
		return nil, fmt.Errorf("pipeline: load job %d: %w", jobID, err)
	}
	return &job, nil
}

// lockForUpdate applies a row lock on dialects that support it. SQLite (used
// in tests) serializes writers itself and rejects FOR UPDATE syntax; the
// conditional updates stay the correctness arbiter either way.
func lockForUpdate(tx *gorm.DB, options string) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: options})
}

// ClaimNext atomically finds the oldest pending job (optionally restricted to
// one job type) and claims it. It uses SELECT ... FOR UPDATE SKIP LOCKED so
// racing workers cannot both win the same row.
func ClaimNext(gdb *gorm.DB, jobType string) (*models.Job, error) {
	var claimed models.Job

	err := gdb.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", models.JobPending)
		if jobType != "" {
			q = q.Where("job_type = ?", jobType)
		}
		result := lockForUpdate(q, "SKIP LOCKED").
			Order("created_at ASC, sequence_order ASC").
			Limit(1).
			Find(&claimed)
		if result.Error != nil {
			return fmt.Errorf("pipeline: find pending job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNoJobs
		}

		now := time.Now()
		if err := tx.Model(&models.Job{}).Where("id = ?", claimed.ID).Updates(map[string]interface{}{
			"status":     models.JobProcessing,
			"started_at": now,
		}).Error; err != nil {
			return fmt.Errorf("pipeline: claim job %d: %w", claimed.ID, err)
		}
		claimed.Status = models.JobProcessing
		claimed.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// Fail transitions a job from processing to failed, recording the error for
// the recovery sweep. Only the owner in processing may write this.
func Fail(gdb *gorm.DB, jobID uint, message string) error {
	res := gdb.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(map[string]interface{}{
			"status":        models.JobFailed,
			"error_message": message,
		})
	if res.Error != nil {
		return fmt.Errorf("pipeline: fail job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}
