// Package audit provides the append-only operational log.
package audit

import (
	"fmt"
	"time"

	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
)

// Record appends one audit entry. Callers treat this as best-effort: the
// returned error is informational and must never abort the primary operation.
func Record(gdb *gorm.DB, component, message, relatedID string) error {
	entry := models.AuditLog{
		SourceComponent: component,
		Message:         message,
		RelatedID:       relatedID,
		CreatedAt:       time.Now(),
	}
	if err := gdb.Create(&entry).Error; err != nil {
		return fmt.Errorf("audit: record %s: %w", component, err)
	}
	return nil
}

// Recent returns the newest entries for a component, newest first.
func Recent(gdb *gorm.DB, component string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.AuditLog
	q := gdb.Order("id DESC").Limit(limit)
	if component != "" {
		q = q.Where("source_component = ?", component)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: recent %s: %w", component, err)
	}
	return entries, nil
}
