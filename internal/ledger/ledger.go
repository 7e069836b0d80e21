// Package ledger implements the usage ledger and entitlement resolver. One
// billed report consumes exactly one credit from the first source with
// capacity: parent-subscription carryover, then the current subscription's
// quota, then purchased report blocks oldest-expiry first. The unique index
// on report_usage.report_id is the authoritative idempotency guard.
package ledger

import (
	"errors"
	"fmt"

	"github.com/lotview/inspectd/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrNoSubscription is returned when RequireSubscription is set and the
	// user has no active subscription.
	ErrNoSubscription = errors.New("ledger: no active subscription")
	// ErrLimitReached is returned by the pre-flight limit check when no
	// source has capacity.
	ErrLimitReached = errors.New("ledger: report limit reached")
	// ErrInsufficient is returned when a tracked consume finds every source
	// drained. Reachable only when the limit check was skipped or a race
	// occurred between check and consume.
	ErrInsufficient = errors.New("ledger: insufficient reports")
)

// Request describes one entitlement resolution.
type Request struct {
	UserID              string
	InspectionID        string
	ReportID            string
	HadHistory          bool
	RequireSubscription bool
	CheckLimit          bool
	TrackUsage          bool
	AllowBlockUsage     bool
}

// Result reports availability across all sources and, for tracked requests,
// which source funded the report.
type Result struct {
	CarryoverRemaining    int
	SubscriptionRemaining int
	BlockRemaining        int
	TotalRemaining        int
	Consumed              bool
	Duplicate             bool
	UsageType             string
}

// Resolve answers "can this user consume one report?" and, when TrackUsage is
// set, atomically deducts from the correct source and appends one ledger row.
func Resolve(gdb *gorm.DB, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("ledger: userID is required")
	}

	ent, err := loadEntitlements(gdb, req.UserID)
	if err != nil {
		return nil, err
	}

	if req.RequireSubscription && ent.Subscription == nil {
		return nil, ErrNoSubscription
	}

	avail := availability(ent, req.AllowBlockUsage, req.HadHistory)
	if req.CheckLimit && avail.Total == 0 {
		return nil, ErrLimitReached
	}

	if !req.TrackUsage {
		// Pure pre-flight: availability figures only, no side effects.
		return avail.result(), nil
	}

	if req.ReportID == "" {
		return nil, fmt.Errorf("ledger: reportID is required to track usage")
	}

	// Idempotency pre-check. The unique index below remains the final net
	// against check-then-insert races.
	var prior models.ReportUsage
	err = gdb.First(&prior, "report_id = ?", req.ReportID).Error
	if err == nil {
		r := avail.result()
		r.Duplicate = true
		r.UsageType = prior.UsageType
		return r, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ledger: check prior usage %s: %w", req.ReportID, err)
	}

	usageType := ""
	txErr := gdb.Transaction(func(tx *gorm.DB) error {
		src, err := applyDeduction(tx, ent, req)
		if err != nil {
			return err
		}
		usageType = src.usageType

		usage := models.ReportUsage{
			ReportID:       req.ReportID,
			UserID:         req.UserID,
			InspectionID:   req.InspectionID,
			UsageType:      src.usageType,
			SubscriptionID: src.subscriptionID,
			BlockID:        src.blockID,
			HadHistory:     req.HadHistory,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return fmt.Errorf("ledger: record usage %s: %w", req.ReportID, err)
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrInsufficient) {
			return nil, ErrInsufficient
		}
		// A unique-index violation on report_id means a racing consume won
		// after the pre-check; the deduction above rolled back with it.
		var raced models.ReportUsage
		if gdb.First(&raced, "report_id = ?", req.ReportID).Error == nil {
			r := avail.result()
			r.Duplicate = true
			r.UsageType = raced.UsageType
			return r, nil
		}
		return nil, txErr
	}

	// Recompute remaining totals after the deduction.
	after, err := loadEntitlements(gdb, req.UserID)
	if err != nil {
		return nil, err
	}
	r := availability(after, req.AllowBlockUsage, req.HadHistory).result()
	r.Consumed = true
	r.UsageType = usageType
	return r, nil
}
