// Package agents tracks individual agent attempts within a workflow run.
// Attempt rows are append-only: a retry inserts a new row rather than
// mutating the failed one, so the full attempt history survives.
package agents

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNotRetryable is returned when an execution is not in a retryable
	// state or its attempts are exhausted.
	ErrNotRetryable = errors.New("agents: execution is not retryable")
	// ErrTerminal is returned when a transition targets an already-terminal row.
	ErrTerminal = errors.New("agents: execution already terminal")
)

// Spec names one agent to run within a workflow.
type Spec struct {
	Name       string
	Type       string
	MaxRetries int
}

// StartRun creates first-attempt rows for every agent of one workflow run and
// returns the run ID correlating them.
func StartRun(gdb *gorm.DB, inspectionID string, specs []Spec) (string, error) {
	if inspectionID == "" {
		return "", fmt.Errorf("agents: inspectionID is required")
	}
	if len(specs) == 0 {
		return "", fmt.Errorf("agents: at least one agent is required")
	}

	runID := uuid.NewString()
	rows := make([]models.AgentExecution, 0, len(specs))
	for _, s := range specs {
		maxRetries := s.MaxRetries
		if maxRetries <= 0 {
			maxRetries = models.DefaultMaxRetries
		}
		rows = append(rows, models.AgentExecution{
			InspectionID:  inspectionID,
			WorkflowRunID: runID,
			AgentName:     s.Name,
			AgentType:     s.Type,
			Status:        models.AgentPending,
			AttemptNumber: 1,
			MaxRetries:    maxRetries,
		})
	}
	if err := gdb.Create(&rows).Error; err != nil {
		return "", fmt.Errorf("agents: start run for %s: %w", inspectionID, err)
	}
	return runID, nil
}

// Start transitions an execution from pending to running, stamping
// started_at if absent.
func Start(gdb *gorm.DB, execID uint) error {
	now := time.Now()
	res := gdb.Model(&models.AgentExecution{}).
		Where("id = ? AND status = ?", execID, models.AgentPending).
		Updates(map[string]interface{}{
			"status":     models.AgentRunning,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
		})
	if res.Error != nil {
		return fmt.Errorf("agents: start execution %d: %w", execID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

// Finish writes a terminal status, stamping completed_at if absent and
// deriving duration_ms from the start stamp. The row is immutable afterwards.
func Finish(gdb *gorm.DB, execID uint, status, resultData, errMsg, errCode string) error {
	switch status {
	case models.AgentCompleted, models.AgentFailed, models.AgentTimeout,
		models.AgentSkipped, models.AgentCancelled:
	default:
		return fmt.Errorf("agents: %q is not a terminal status", status)
	}

	return gdb.Transaction(func(tx *gorm.DB) error {
		var exec models.AgentExecution
		if err := tx.First(&exec, execID).Error; err != nil {
			return fmt.Errorf("agents: load execution %d: %w", execID, err)
		}
		if exec.Terminal() {
			return ErrTerminal
		}

		now := time.Now()
		completedAt := now
		if exec.CompletedAt != nil {
			completedAt = *exec.CompletedAt
		}
		updates := map[string]interface{}{
			"status":        status,
			"completed_at":  completedAt,
			"result_data":   resultData,
			"error_message": errMsg,
			"error_code":    errCode,
		}
		if exec.StartedAt != nil {
			updates["duration_ms"] = completedAt.Sub(*exec.StartedAt).Milliseconds()
		}

		res := tx.Model(&models.AgentExecution{}).
			Where("id = ? AND status IN ?", execID,
				[]string{models.AgentPending, models.AgentRunning}).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("agents: finish execution %d: %w", execID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrTerminal
		}
		return nil
	})
}

// Retry inserts a fresh attempt row for a failed or timed-out execution.
// The old row is untouched; the unique attempt index rejects double retries.
func Retry(gdb *gorm.DB, execID uint) (*models.AgentExecution, error) {
	var prior models.AgentExecution
	if err := gdb.First(&prior, execID).Error; err != nil {
		return nil, fmt.Errorf("agents: load execution %d: %w", execID, err)
	}
	if prior.Status != models.AgentFailed && prior.Status != models.AgentTimeout {
		return nil, ErrNotRetryable
	}
	if prior.AttemptNumber >= prior.MaxRetries {
		return nil, ErrNotRetryable
	}

	next := models.AgentExecution{
		InspectionID:  prior.InspectionID,
		WorkflowRunID: prior.WorkflowRunID,
		AgentName:     prior.AgentName,
		AgentType:     prior.AgentType,
		Status:        models.AgentPending,
		AttemptNumber: prior.AttemptNumber + 1,
		MaxRetries:    prior.MaxRetries,
	}
	if err := gdb.Create(&next).Error; err != nil {
		return nil, fmt.Errorf("agents: retry execution %d: %w", execID, err)
	}
	return &next, nil
}

// LatestAttempts returns the highest-numbered attempt per agent for one
// workflow run, keyed by agent name.
func LatestAttempts(gdb *gorm.DB, inspectionID, runID string) (map[string]models.AgentExecution, error) {
	var rows []models.AgentExecution
	if err := gdb.Where("inspection_id = ? AND workflow_run_id = ?", inspectionID, runID).
		Order("attempt_number ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("agents: list attempts for run %s: %w", runID, err)
	}

	latest := make(map[string]models.AgentExecution, len(rows))
	for _, row := range rows {
		latest[row.AgentName] = row
	}
	return latest, nil
}

// RunComplete reports whether every agent's latest attempt finished
// successfully (completed or skipped).
func RunComplete(gdb *gorm.DB, inspectionID, runID string) (bool, error) {
	latest, err := LatestAttempts(gdb, inspectionID, runID)
	if err != nil {
		return false, err
	}
	if len(latest) == 0 {
		return false, nil
	}
	for _, exec := range latest {
		if exec.Status != models.AgentCompleted && exec.Status != models.AgentSkipped {
			return false, nil
		}
	}
	return true, nil
}
