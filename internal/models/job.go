package models

import "time"

// Job types, in pipeline stage order.
const (
	JobChunkedAnalysis = "chunked_analysis"
	JobFairMarketValue = "fair_market_value"
	JobCostForecast    = "cost_forecast"
	JobExpertAdvice    = "expert_advice"
	JobFinalReport     = "final_report"
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// DefaultMaxRetries is the per-job retry ceiling applied by recovery.
const DefaultMaxRetries = 3

// Job is one unit of pipeline work: a chunk of an inspection's analysis or a
// terminal stage. Jobs are mutated only by the stage that owns them and by
// recovery; they are never deleted except with their parent inspection.
type Job struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	InspectionID string `gorm:"size:36;not null;uniqueIndex:idx_jobs_inspection_sequence"`
	JobType      string `gorm:"size:32;not null;index"`
	Status       string `gorm:"size:16;default:pending;index"`
	// SequenceOrder is strictly increasing per inspection. Recovery uses it
	// to find the last good position.
	SequenceOrder int    `gorm:"not null;uniqueIndex:idx_jobs_inspection_sequence"`
	ChunkIndex    *int   `gorm:""`
	TotalChunks   *int   `gorm:""`
	ChunkData     string `gorm:"type:text"`
	ChunkResult   string `gorm:"type:text"`
	RetryCount    int    `gorm:"default:0"`
	MaxRetries    int    `gorm:"default:3"`
	ErrorMessage  string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Chunked reports whether this job is one chunk of a chunked analysis.
func (j *Job) Chunked() bool {
	return j.JobType == JobChunkedAnalysis && j.ChunkIndex != nil && j.TotalChunks != nil
}

// LastChunk reports whether this job is the final chunk of its analysis.
func (j *Job) LastChunk() bool {
	return j.Chunked() && *j.ChunkIndex >= *j.TotalChunks
}
