package models

import "time"

// Inspection statuses.
const (
	InspectionPending   = "pending"
	InspectionAnalyzing = "analyzing"
	InspectionCompleted = "completed"
	InspectionFailed    = "failed"
)

// Inspection is one submitted vehicle inspection whose analysis runs as a
// chain of jobs.
type Inspection struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      string `gorm:"size:36;not null;index"`
	VehicleVIN  string `gorm:"size:17"`
	Status      string `gorm:"size:16;default:pending;index"`
	TotalChunks int    `gorm:"default:1"`
	HadHistory  bool   `gorm:"default:false"`
	// ReportID identifies the billable report produced for this inspection.
	// It is also the idempotency key for the usage ledger.
	ReportID string `gorm:"size:36;not null"`
	// ReportDelivered is the one-shot guard for final-report generation.
	ReportDelivered bool   `gorm:"default:false"`
	ErrorMessage    string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time

	Jobs []Job `gorm:"foreignKey:InspectionID;constraint:OnDelete:CASCADE"`
}
