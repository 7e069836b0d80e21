package models

import "time"

// AuditLog is an append-only operational record of chainer decisions,
// recovery actions and ledger failures.
type AuditLog struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	SourceComponent string `gorm:"size:64;not null;index"`
	Message         string `gorm:"type:text"`
	RelatedID       string `gorm:"size:64;index"`
	CreatedAt       time.Time
}
