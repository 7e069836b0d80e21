package db

import (
	"fmt"

	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Inspection{},
		&models.Job{},
		&models.AgentExecution{},
		&models.Plan{},
		&models.Subscription{},
		&models.SubscriptionUsageSummary{},
		&models.ReportBlock{},
		&models.ReportUsage{},
		&models.AuditLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
