// Package recovery re-submits pipeline jobs that stalled past the deadline.
// It is a pure liveness mechanism: it never fabricates results, it only
// resets row state and re-invokes executors that are safe to re-run.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/lotview/inspectd/internal/audit"
	"github.com/lotview/inspectd/internal/models"
	"github.com/lotview/inspectd/internal/pipeline"
	"gorm.io/gorm"
)

// DefaultDeadline is the age past which a non-terminal job counts as stuck.
const DefaultDeadline = 5 * time.Minute

// Config holds sweep thresholds.
type Config struct {
	Deadline       time.Duration
	RetryableTypes []string
}

// Notifier delivers operational alerts. Implementations must be safe to call
// concurrently; a nil Notifier disables alerting.
type Notifier interface {
	Alert(ctx context.Context, message string) error
}

// Stats summarizes one sweep cycle.
type Stats struct {
	Examined    int
	Reset       int
	Reinvoked   int
	Exhausted   int
	Abandoned   int
	BlocksSwept int64
}

// Sweep finds stuck jobs and re-submits them, oldest first, bounded by each
// job's retry ceiling. Safe to invoke concurrently or more often than
// scheduled: the conditional reset update makes every candidate a
// single-winner race.
func Sweep(ctx context.Context, gdb *gorm.DB, invoker pipeline.StageInvoker, notifier Notifier, cfg Config) (*Stats, error) {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	cutoff := time.Now().Add(-cfg.Deadline)
	stats := &Stats{}

	var stuck []models.Job
	if err := gdb.Where("status IN ? AND started_at < ? AND retry_count < max_retries AND job_type IN ?",
		[]string{models.JobProcessing, models.JobFailed}, cutoff, cfg.RetryableTypes).
		Order("created_at ASC, sequence_order ASC").
		Find(&stuck).Error; err != nil {
		return nil, fmt.Errorf("recovery: find stuck jobs: %w", err)
	}

	for _, job := range stuck {
		stats.Examined++
		audit.Record(gdb, "recovery",
			fmt.Sprintf("detected stuck job %d (%s, status %s, retry %d)", job.ID, job.JobType, job.Status, job.RetryCount),
			job.InspectionID)

		lastGood, err := lastGoodSequence(gdb, job.InspectionID, job.SequenceOrder)
		if err != nil {
			audit.Record(gdb, "recovery", fmt.Sprintf("job %d: %v", job.ID, err), job.InspectionID)
			continue
		}

		// Single conditional update: reset to pending, bump retry_count,
		// clear the stamps. A racing sweep or a late terminal write makes
		// RowsAffected 0 and we move on.
		res := gdb.Model(&models.Job{}).
			Where("id = ? AND status IN ? AND retry_count < max_retries",
				job.ID, []string{models.JobProcessing, models.JobFailed}).
			Updates(map[string]interface{}{
				"status":        models.JobPending,
				"retry_count":   gorm.Expr("retry_count + 1"),
				"started_at":    nil,
				"error_message": "",
			})
		if res.Error != nil {
			audit.Record(gdb, "recovery", fmt.Sprintf("reset job %d failed: %v", job.ID, res.Error), job.InspectionID)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		stats.Reset++

		// Re-trigger failure is recorded but never blocks the rest of the
		// sweep; the next cycle retries again.
		if err := invoker.Invoke(ctx, job.JobType, job.InspectionID, lastGood); err != nil {
			audit.Record(gdb, "recovery",
				fmt.Sprintf("re-invoke %s for job %d failed: %v", job.JobType, job.ID, err),
				job.InspectionID)
			continue
		}
		stats.Reinvoked++
		audit.Record(gdb, "recovery",
			fmt.Sprintf("re-invoked %s for job %d after sequence %d", job.JobType, job.ID, lastGood),
			job.InspectionID)
	}

	if err := reinvokeNeverStarted(ctx, gdb, invoker, cutoff, cfg, stats); err != nil {
		return stats, err
	}
	if err := abandonExhausted(ctx, gdb, notifier, cutoff, stats); err != nil {
		return stats, err
	}

	swept, err := sweepExpiredBlocks(gdb)
	if err != nil {
		audit.Record(gdb, "recovery", fmt.Sprintf("block sweep failed: %v", err), "")
	}
	stats.BlocksSwept = swept

	return stats, nil
}

// lastGoodSequence returns the highest completed sequence for the inspection
// strictly below the stuck sequence, or 0 when no prior work completed.
func lastGoodSequence(gdb *gorm.DB, inspectionID string, below int) (int, error) {
	var seq *int
	err := gdb.Model(&models.Job{}).
		Where("inspection_id = ? AND status = ? AND sequence_order < ?",
			inspectionID, models.JobCompleted, below).
		Select("MAX(sequence_order)").
		Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("last good sequence: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// reinvokeNeverStarted re-submits pending jobs whose executor invocation was
// lost before any worker claimed them. Row state is untouched; the executor
// is simply asked again.
func reinvokeNeverStarted(ctx context.Context, gdb *gorm.DB, invoker pipeline.StageInvoker, cutoff time.Time, cfg Config, stats *Stats) error {
	var orphaned []models.Job
	if err := gdb.Where("status = ? AND started_at IS NULL AND created_at < ? AND job_type IN ?",
		models.JobPending, cutoff, cfg.RetryableTypes).
		Order("created_at ASC").
		Find(&orphaned).Error; err != nil {
		return fmt.Errorf("recovery: find orphaned pending jobs: %w", err)
	}

	for _, job := range orphaned {
		lastGood, err := lastGoodSequence(gdb, job.InspectionID, job.SequenceOrder)
		if err != nil {
			audit.Record(gdb, "recovery", fmt.Sprintf("job %d: %v", job.ID, err), job.InspectionID)
			continue
		}
		if err := invoker.Invoke(ctx, job.JobType, job.InspectionID, lastGood); err != nil {
			audit.Record(gdb, "recovery",
				fmt.Sprintf("re-invoke pending %s for job %d failed: %v", job.JobType, job.ID, err),
				job.InspectionID)
			continue
		}
		stats.Reinvoked++
		audit.Record(gdb, "recovery",
			fmt.Sprintf("re-invoked never-started job %d", job.ID), job.InspectionID)
	}
	return nil
}

// abandonExhausted surfaces jobs that failed at the retry ceiling as terminal
// inspection errors. The jobs themselves are left untouched.
func abandonExhausted(ctx context.Context, gdb *gorm.DB, notifier Notifier, cutoff time.Time, stats *Stats) error {
	var exhausted []models.Job
	if err := gdb.Where("status = ? AND retry_count >= max_retries", models.JobFailed).
		Find(&exhausted).Error; err != nil {
		return fmt.Errorf("recovery: find exhausted jobs: %w", err)
	}

	for _, job := range exhausted {
		stats.Exhausted++

		res := gdb.Model(&models.Inspection{}).
			Where("id = ? AND status NOT IN ?", job.InspectionID,
				[]string{models.InspectionCompleted, models.InspectionFailed}).
			Updates(map[string]interface{}{
				"status":        models.InspectionFailed,
				"error_message": fmt.Sprintf("job %d (%s) exhausted retries: %s", job.ID, job.JobType, job.ErrorMessage),
			})
		if res.Error != nil {
			audit.Record(gdb, "recovery", fmt.Sprintf("abandon inspection failed: %v", res.Error), job.InspectionID)
			continue
		}
		if res.RowsAffected == 0 {
			continue
		}
		stats.Abandoned++
		audit.Record(gdb, "recovery",
			fmt.Sprintf("inspection abandoned: job %d (%s) at retry ceiling", job.ID, job.JobType),
			job.InspectionID)

		if notifier != nil {
			msg := fmt.Sprintf("inspectd: inspection %s abandoned, job %d (%s) exhausted %d retries",
				job.InspectionID, job.ID, job.JobType, job.RetryCount)
			if err := notifier.Alert(ctx, msg); err != nil {
				audit.Record(gdb, "recovery", fmt.Sprintf("alert failed: %v", err), job.InspectionID)
			}
		}
	}
	return nil
}
