package models

import "time"

// Agent execution statuses.
const (
	AgentPending   = "pending"
	AgentRunning   = "running"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
	AgentTimeout   = "timeout"
	AgentSkipped   = "skipped"
	AgentCancelled = "cancelled"
)

// AgentExecution records one attempt of one named agent within one workflow
// run. Rows are immutable once a terminal status is written; a retry inserts
// a new row with attempt_number+1, preserving the full attempt history.
type AgentExecution struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	InspectionID  string `gorm:"size:36;not null;uniqueIndex:idx_agent_attempt"`
	WorkflowRunID string `gorm:"size:36;not null;uniqueIndex:idx_agent_attempt"`
	AgentName     string `gorm:"size:64;not null;uniqueIndex:idx_agent_attempt"`
	AgentType     string `gorm:"size:32"`
	Status        string `gorm:"size:16;default:pending;index"`
	AttemptNumber int    `gorm:"default:1;uniqueIndex:idx_agent_attempt"`
	MaxRetries    int    `gorm:"default:3"`
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	ResultData    string `gorm:"type:text"`
	ErrorMessage  string `gorm:"type:text"`
	ErrorCode     string `gorm:"size:64"`
	CreatedAt     time.Time
}

// Terminal reports whether status is one no further transition may leave.
func (e *AgentExecution) Terminal() bool {
	switch e.Status {
	case AgentCompleted, AgentFailed, AgentTimeout, AgentSkipped, AgentCancelled:
		return true
	}
	return false
}
