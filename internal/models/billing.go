package models

import "time"

// Subscription statuses that count as active for entitlement checks.
const (
	SubActive   = "active"
	SubPastDue  = "past_due"
	SubTrialing = "trialing"
	SubCanceled = "canceled"
)

// Usage ledger source types.
const (
	UsageSubscriptionIncluded = "subscription_included"
	UsageBlock                = "block"
	UsagePayPerReport         = "pay_per_report"
	UsageFreeTrial            = "free_trial"
)

// Plan defines the included-reports quota for a subscription tier.
type Plan struct {
	ID              string `gorm:"primaryKey;size:36"`
	Name            string `gorm:"size:64;not null"`
	IncludedReports int    `gorm:"default:0"`
	CreatedAt       time.Time
}

// Subscription is a user's billing subscription. ParentSubscriptionID points
// at a predecessor whose unspent quota carries over and must be consumed
// before this subscription's own.
type Subscription struct {
	ID                   string `gorm:"primaryKey;size:36"`
	UserID               string `gorm:"size:36;not null;index"`
	PlanID               string `gorm:"size:36;not null"`
	Status               string `gorm:"size:16;default:active;index"`
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	ParentSubscriptionID *string `gorm:"size:36"`
	CreatedAt            time.Time
	UpdatedAt            time.Time

	Plan Plan `gorm:"foreignKey:PlanID"`
}

// SubscriptionUsageSummary aggregates reports used for exactly one
// (subscription, billing period) pair.
type SubscriptionUsageSummary struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	SubscriptionID  string    `gorm:"size:36;not null;uniqueIndex:idx_usage_sub_period"`
	PeriodStart     time.Time `gorm:"uniqueIndex:idx_usage_sub_period"`
	PeriodEnd       time.Time
	ReportsIncluded int `gorm:"default:0"`
	ReportsUsed     int `gorm:"default:0"`
	UpdatedAt       time.Time
}

// ReportsRemaining is included minus used, never negative.
func (s *SubscriptionUsageSummary) ReportsRemaining() int {
	if r := s.ReportsIncluded - s.ReportsUsed; r > 0 {
		return r
	}
	return 0
}

// ReportBlock is a purchased pool of report credits. Consumed FIFO by expiry
// date; deactivates when exhausted or expired.
type ReportBlock struct {
	ID           string `gorm:"primaryKey;size:36"`
	UserID       string `gorm:"size:36;not null;index"`
	ReportsTotal int    `gorm:"not null"`
	ReportsUsed  int    `gorm:"default:0"`
	ExpiryDate   time.Time
	IsActive     bool `gorm:"default:true;index"`
	WithHistory  bool `gorm:"default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining is total minus used, never negative.
func (b *ReportBlock) Remaining() int {
	if r := b.ReportsTotal - b.ReportsUsed; r > 0 {
		return r
	}
	return 0
}

// ReportUsage is one immutable ledger entry per billed report. The unique
// index on ReportID is the authoritative idempotency guard.
type ReportUsage struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	ReportID       string  `gorm:"size:36;not null;uniqueIndex"`
	UserID         string  `gorm:"size:36;not null;index"`
	InspectionID   string  `gorm:"size:36"`
	UsageType      string  `gorm:"size:32;not null"`
	SubscriptionID *string `gorm:"size:36"`
	BlockID        *string `gorm:"size:36"`
	HadHistory     bool    `gorm:"default:false"`
	CreatedAt      time.Time
}
