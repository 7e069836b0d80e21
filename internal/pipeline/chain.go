package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lotview/inspectd/internal/audit"
	"github.com/lotview/inspectd/internal/ledger"
	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
)

// stageOrder is the fixed pipeline stage sequence. Chunks repeat within the
// first stage; after the last stage the chainer fires final-report generation.
var stageOrder = []string{
	models.JobChunkedAnalysis,
	models.JobFairMarketValue,
	models.JobCostForecast,
	models.JobExpertAdvice,
}

// nextStage returns the stage after jobType, or ok=false for the last stage.
func nextStage(jobType string) (string, bool) {
	for i, s := range stageOrder {
		if s == jobType && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Chainer reacts to jobs transitioning into completed and enqueues the next
// unit of work. It is safe under concurrent invocation: the completed CAS and
// the report-delivered flag are the arbiters, not in-process state.
type Chainer struct {
	DB      *gorm.DB
	Invoker StageInvoker
}

// Complete transitions a job from processing to completed and runs the chain
// decision. The conditional update guarantees the chain fires once per
// genuine transition: a second writer gets ErrNotProcessing.
func (c *Chainer) Complete(ctx context.Context, jobID uint, result string) error {
	now := time.Now()
	res := c.DB.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(map[string]interface{}{
			"status":        models.JobCompleted,
			"chunk_result":  result,
			"completed_at":  now,
			"error_message": "",
		})
	if res.Error != nil {
		return fmt.Errorf("pipeline: complete job %d: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}

	var job models.Job
	if err := c.DB.First(&job, jobID).Error; err != nil {
		return fmt.Errorf("pipeline: load job %d: %w", jobID, err)
	}
	return c.chain(ctx, &job)
}

// chain decides what follows a completed job: the next chunk, the next stage,
// or final-report generation. Executor invocation failures are audited against
// the triggering job and never undo its committed completion.
func (c *Chainer) chain(ctx context.Context, job *models.Job) error {
	switch {
	case job.Chunked() && !job.LastChunk():
		nextIdx := *job.ChunkIndex + 1
		next := models.Job{
			InspectionID:  job.InspectionID,
			JobType:       models.JobChunkedAnalysis,
			Status:        models.JobPending,
			SequenceOrder: job.SequenceOrder + 1,
			ChunkIndex:    &nextIdx,
			TotalChunks:   job.TotalChunks,
			ChunkData:     job.ChunkResult,
			MaxRetries:    job.MaxRetries,
		}
		return c.enqueue(ctx, job, &next)

	case job.JobType == models.JobFinalReport:
		return c.finishReport(ctx, job)

	default:
		stage, ok := nextStage(job.JobType)
		if !ok {
			return c.fireFinalReport(ctx, job)
		}
		next := models.Job{
			InspectionID:  job.InspectionID,
			JobType:       stage,
			Status:        models.JobPending,
			SequenceOrder: job.SequenceOrder + 1,
			ChunkData:     job.ChunkResult,
			MaxRetries:    job.MaxRetries,
		}
		return c.enqueue(ctx, job, &next)
	}
}

// enqueue creates the downstream job row and invokes its executor. A sequence
// collision means a sibling already chained; that is a no-op, not an error.
func (c *Chainer) enqueue(ctx context.Context, trigger, next *models.Job) error {
	var existing int64
	if err := c.DB.Model(&models.Job{}).
		Where("inspection_id = ? AND sequence_order = ?", next.InspectionID, next.SequenceOrder).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("pipeline: check next sequence: %w", err)
	}
	if existing > 0 {
		audit.Record(c.DB, "chainer",
			fmt.Sprintf("sequence %d already enqueued, skipping", next.SequenceOrder),
			trigger.InspectionID)
		return nil
	}

	if err := c.DB.Create(next).Error; err != nil {
		// Unique (inspection, sequence) index: a racing chainer won.
		audit.Record(c.DB, "chainer",
			fmt.Sprintf("enqueue sequence %d lost race: %v", next.SequenceOrder, err),
			trigger.InspectionID)
		return nil
	}
	audit.Record(c.DB, "chainer",
		fmt.Sprintf("job %d completed, enqueued %s sequence %d", trigger.ID, next.JobType, next.SequenceOrder),
		trigger.InspectionID)

	if err := c.Invoker.Invoke(ctx, next.JobType, next.InspectionID, trigger.SequenceOrder); err != nil {
		audit.Record(c.DB, "chainer",
			fmt.Sprintf("invoke %s after job %d failed: %v", next.JobType, trigger.ID, err),
			trigger.InspectionID)
	}
	return nil
}

// fireFinalReport enqueues the final-report stage exactly once per
// inspection. The report_delivered flag is the one-shot guard: of two sibling
// completions racing here, only the one that flips the flag proceeds.
func (c *Chainer) fireFinalReport(ctx context.Context, job *models.Job) error {
	res := c.DB.Model(&models.Inspection{}).
		Where("id = ? AND report_delivered = ?", job.InspectionID, false).
		Update("report_delivered", true)
	if res.Error != nil {
		return fmt.Errorf("pipeline: flip report flag for %s: %w", job.InspectionID, res.Error)
	}
	if res.RowsAffected == 0 {
		audit.Record(c.DB, "chainer", "final report already fired", job.InspectionID)
		return nil
	}

	next := models.Job{
		InspectionID:  job.InspectionID,
		JobType:       models.JobFinalReport,
		Status:        models.JobPending,
		SequenceOrder: job.SequenceOrder + 1,
		ChunkData:     job.ChunkResult,
		MaxRetries:    job.MaxRetries,
	}
	return c.enqueue(ctx, job, &next)
}

// finishReport runs after the final-report job completes: bill one report
// credit against the user's entitlements and mark the inspection complete.
func (c *Chainer) finishReport(ctx context.Context, job *models.Job) error {
	var insp models.Inspection
	if err := c.DB.First(&insp, "id = ?", job.InspectionID).Error; err != nil {
		return fmt.Errorf("pipeline: load inspection %s: %w", job.InspectionID, err)
	}

	result, err := ledger.Resolve(c.DB, ledger.Request{
		UserID:          insp.UserID,
		InspectionID:    insp.ID,
		ReportID:        insp.ReportID,
		HadHistory:      insp.HadHistory,
		TrackUsage:      true,
		AllowBlockUsage: true,
	})
	if err != nil {
		audit.Record(c.DB, "ledger",
			fmt.Sprintf("billing report %s failed: %v", insp.ReportID, err), insp.ID)
		c.DB.Model(&models.Inspection{}).Where("id = ?", insp.ID).Updates(map[string]interface{}{
			"status":        models.InspectionFailed,
			"error_message": err.Error(),
		})
		return nil
	}
	if result.Duplicate {
		audit.Record(c.DB, "ledger", "report "+insp.ReportID+" already billed", insp.ID)
	}

	now := time.Now()
	if err := c.DB.Model(&models.Inspection{}).Where("id = ?", insp.ID).Updates(map[string]interface{}{
		"status":        models.InspectionCompleted,
		"completed_at":  now,
		"error_message": "",
	}).Error; err != nil {
		return fmt.Errorf("pipeline: mark inspection completed %s: %w", insp.ID, err)
	}
	audit.Record(c.DB, "chainer",
		"inspection completed, billed via "+result.UsageType+", remaining "+strconv.Itoa(result.TotalRemaining),
		insp.ID)
	return nil
}
