package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// activeStatuses are the subscription statuses that grant entitlements.
var activeStatuses = []string{models.SubActive, models.SubPastDue, models.SubTrialing}

// lockForUpdate applies a row lock on dialects that support it. SQLite (used
// in tests) serializes writers itself and rejects FOR UPDATE syntax; the
// conditional increments stay the correctness arbiter either way.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// entitlements is a point-in-time snapshot of every source the user could
// fund a report from.
type entitlements struct {
	Subscription  *models.Subscription
	Summary       *models.SubscriptionUsageSummary
	PlanIncluded  int
	Parent        *models.Subscription
	ParentSummary *models.SubscriptionUsageSummary
	ParentIncl    int
	Blocks        []models.ReportBlock
}

// available holds per-source remaining counts for one request's constraints.
type available struct {
	Carryover int
	Current   int
	Blocks    int
	Total     int
}

func (a available) result() *Result {
	return &Result{
		CarryoverRemaining:    a.Carryover,
		SubscriptionRemaining: a.Current,
		BlockRemaining:        a.Blocks,
		TotalRemaining:        a.Total,
	}
}

// loadEntitlements gathers the user's active subscription and plan quota, the
// current-period usage summary, the parent subscription's summary (the
// carryover pool), and all live report blocks.
func loadEntitlements(gdb *gorm.DB, userID string) (*entitlements, error) {
	ent := &entitlements{}

	var sub models.Subscription
	err := gdb.Preload("Plan").
		Where("user_id = ? AND status IN ?", userID, activeStatuses).
		Order("created_at DESC").
		First(&sub).Error
	switch {
	case err == nil:
		ent.Subscription = &sub
		ent.PlanIncluded = sub.Plan.IncludedReports
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No subscription; blocks may still fund reports.
	default:
		return nil, fmt.Errorf("ledger: load subscription for %s: %w", userID, err)
	}

	if ent.Subscription != nil {
		summary, err := latestSummary(gdb, ent.Subscription.ID)
		if err != nil {
			return nil, err
		}
		ent.Summary = summary

		if ent.Subscription.ParentSubscriptionID != nil {
			var parent models.Subscription
			err := gdb.Preload("Plan").
				First(&parent, "id = ?", *ent.Subscription.ParentSubscriptionID).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("ledger: load parent subscription: %w", err)
			}
			if err == nil {
				ent.Parent = &parent
				ent.ParentIncl = parent.Plan.IncludedReports
				ent.ParentSummary, err = latestSummary(gdb, parent.ID)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if err := gdb.Where("user_id = ? AND is_active = ? AND expiry_date > ? AND reports_used < reports_total",
		userID, true, time.Now()).
		Order("expiry_date ASC").
		Find(&ent.Blocks).Error; err != nil {
		return nil, fmt.Errorf("ledger: load blocks for %s: %w", userID, err)
	}

	return ent, nil
}

// latestSummary returns the newest usage summary for a subscription, or nil.
func latestSummary(gdb *gorm.DB, subscriptionID string) (*models.SubscriptionUsageSummary, error) {
	var s models.SubscriptionUsageSummary
	err := gdb.Where("subscription_id = ?", subscriptionID).
		Order("period_start DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load summary for %s: %w", subscriptionID, err)
	}
	return &s, nil
}

// availability computes per-source remaining counts. Block capacity honors
// the request's history constraint: a history report can only be funded by a
// with-history block.
func availability(ent *entitlements, allowBlocks, hadHistory bool) available {
	var a available

	if ent.Parent != nil {
		incl, used := ent.ParentIncl, 0
		if ent.ParentSummary != nil {
			incl, used = ent.ParentSummary.ReportsIncluded, ent.ParentSummary.ReportsUsed
		}
		if r := incl - used; r > 0 {
			a.Carryover = r
		}
	}

	if ent.Subscription != nil {
		incl, used := ent.PlanIncluded, 0
		if ent.Summary != nil {
			incl, used = ent.Summary.ReportsIncluded, ent.Summary.ReportsUsed
		}
		if r := incl - used; r > 0 {
			a.Current = r
		}
	}

	if allowBlocks {
		for _, b := range ent.Blocks {
			if hadHistory && !b.WithHistory {
				continue
			}
			a.Blocks += b.Remaining()
		}
	}

	a.Total = a.Carryover + a.Current + a.Blocks
	return a
}

// deduction identifies the source a consume was charged to.
type deduction struct {
	usageType      string
	subscriptionID *string
	blockID        *string
}

// applyDeduction charges one report to the first source with capacity, in
// priority order: carryover, current quota, blocks FIFO by expiry. Each
// candidate row is locked and decremented with a conditional update so the
// capacity check and the write cannot straddle a racing consume.
func applyDeduction(tx *gorm.DB, ent *entitlements, req Request) (*deduction, error) {
	if ent.Parent != nil {
		ok, err := consumeSummary(tx, ent.Parent, ent.ParentIncl)
		if err != nil {
			return nil, err
		}
		if ok {
			id := ent.Parent.ID
			return &deduction{usageType: models.UsageSubscriptionIncluded, subscriptionID: &id}, nil
		}
	}

	if ent.Subscription != nil {
		ok, err := consumeSummary(tx, ent.Subscription, ent.PlanIncluded)
		if err != nil {
			return nil, err
		}
		if ok {
			id := ent.Subscription.ID
			return &deduction{usageType: models.UsageSubscriptionIncluded, subscriptionID: &id}, nil
		}
	}

	if req.AllowBlockUsage {
		blockID, err := consumeBlock(tx, req.UserID, req.HadHistory)
		if err != nil {
			return nil, err
		}
		if blockID != nil {
			return &deduction{usageType: models.UsageBlock, blockID: blockID}, nil
		}
	}

	return nil, ErrInsufficient
}

// consumeSummary decrements one report from a subscription's current summary,
// creating the summary row on first use of the period. Returns false when the
// quota is already spent.
func consumeSummary(tx *gorm.DB, sub *models.Subscription, planIncluded int) (bool, error) {
	summary := models.SubscriptionUsageSummary{
		SubscriptionID:  sub.ID,
		PeriodStart:     sub.CurrentPeriodStart,
		PeriodEnd:       sub.CurrentPeriodEnd,
		ReportsIncluded: planIncluded,
	}
	if err := lockForUpdate(tx.Where("subscription_id = ? AND period_start = ?", sub.ID, sub.CurrentPeriodStart)).
		FirstOrCreate(&summary).Error; err != nil {
		return false, fmt.Errorf("ledger: lock summary for %s: %w", sub.ID, err)
	}

	// Conditional increment: reports_used may never exceed reports_included.
	res := tx.Model(&models.SubscriptionUsageSummary{}).
		Where("id = ? AND reports_used < reports_included", summary.ID).
		Update("reports_used", gorm.Expr("reports_used + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("ledger: consume summary %d: %w", summary.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// consumeBlock decrements the live block with the oldest expiry, restricted
// to with-history blocks when the report had history. Returns nil when no
// block qualifies. A block that becomes exhausted is deactivated in the same
// transaction.
func consumeBlock(tx *gorm.DB, userID string, hadHistory bool) (*string, error) {
	q := tx.Where("user_id = ? AND is_active = ? AND expiry_date > ? AND reports_used < reports_total",
		userID, true, time.Now())
	if hadHistory {
		q = q.Where("with_history = ?", true)
	}

	var block models.ReportBlock
	result := lockForUpdate(q).
		Order("expiry_date ASC").
		Limit(1).
		Find(&block)
	if result.Error != nil {
		return nil, fmt.Errorf("ledger: find block for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	res := tx.Model(&models.ReportBlock{}).
		Where("id = ? AND reports_used < reports_total", block.ID).
		Update("reports_used", gorm.Expr("reports_used + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("ledger: consume block %s: %w", block.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	// Deactivate on exhaustion.
	if err := tx.Model(&models.ReportBlock{}).
		Where("id = ? AND reports_used >= reports_total", block.ID).
		Update("is_active", false).Error; err != nil {
		return nil, fmt.Errorf("ledger: deactivate block %s: %w", block.ID, err)
	}

	return &block.ID, nil
}

// DeactivateExpiredBlocks clears is_active on blocks past their expiry date.
// Invoked by the recovery daemon alongside the stuck-job sweep.
func DeactivateExpiredBlocks(gdb *gorm.DB) (int64, error) {
	res := gdb.Model(&models.ReportBlock{}).
		Where("is_active = ? AND expiry_date <= ?", true, time.Now()).
		Update("is_active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: deactivate expired blocks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
