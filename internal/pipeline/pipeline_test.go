package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/lotview/inspectd/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB creates an in-memory SQLite database with all required tables.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Inspection{},
		&models.Job{},
		&models.AuditLog{},
		&models.Plan{},
		&models.Subscription{},
		&models.SubscriptionUsageSummary{},
		&models.ReportBlock{},
		&models.ReportUsage{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// invocation records one executor call made by the code under test.
type invocation struct {
	JobType      string
	InspectionID string
	Sequence     int
}

// mockInvoker is a test double for StageInvoker.
type mockInvoker struct {
	calls []invocation
	err   error
}

func (m *mockInvoker) Invoke(ctx context.Context, jobType, inspectionID string, completedSequence int) error {
	m.calls = append(m.calls, invocation{jobType, inspectionID, completedSequence})
	return m.err
}

func seedInspection(t *testing.T, db *gorm.DB, totalChunks int) *models.Inspection {
	t.Helper()
	insp := &models.Inspection{
		ID:          "insp-1",
		UserID:      "user-1",
		VehicleVIN:  "1HGCM82633A004352",
		Status:      models.InspectionPending,
		TotalChunks: totalChunks,
		ReportID:    "report-1",
	}
	if err := db.Create(insp).Error; err != nil {
		t.Fatalf("seed inspection: %v", err)
	}
	return insp
}

func TestSubmit_CreatesFirstChunk(t *testing.T) {
	db := testDB(t)
	inv := &mockInvoker{}
	insp := seedInspection(t, db, 3)

	job, err := Submit(context.Background(), db, inv, insp.ID, "images 1-10")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.SequenceOrder != 1 {
		t.Errorf("sequence = %d, want 1", job.SequenceOrder)
	}
	if job.ChunkIndex == nil || *job.ChunkIndex != 1 {
		t.Errorf("chunk index = %v, want 1", job.ChunkIndex)
	}
	if job.TotalChunks == nil || *job.TotalChunks != 3 {
		t.Errorf("total chunks = %v, want 3", job.TotalChunks)
	}
	if job.Status != models.JobPending {
		t.Errorf("status = %s, want pending", job.Status)
	}

	var reloaded models.Inspection
	db.First(&reloaded, "id = ?", insp.ID)
	if reloaded.Status != models.InspectionAnalyzing {
		t.Errorf("inspection status = %s, want analyzing", reloaded.Status)
	}

	if len(inv.calls) != 1 {
		t.Fatalf("invoker calls = %d, want 1", len(inv.calls))
	}
	if inv.calls[0].JobType != models.JobChunkedAnalysis || inv.calls[0].Sequence != -1 {
		t.Errorf("invocation = %+v", inv.calls[0])
	}
}

func TestSubmit_AlreadySubmitted(t *testing.T) {
	db := testDB(t)
	inv := &mockInvoker{}
	insp := seedInspection(t, db, 2)

	if _, err := Submit(context.Background(), db, inv, insp.ID, "a"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := Submit(context.Background(), db, inv, insp.ID, "a"); err == nil {
		t.Fatal("expected error for duplicate submit")
	}
}

func TestSubmit_InvocationFailureKeepsJob(t *testing.T) {
	db := testDB(t)
	inv := &mockInvoker{err: errors.New("endpoint down")}
	insp := seedInspection(t, db, 1)

	job, err := Submit(context.Background(), db, inv, insp.ID, "a")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobPending {
		t.Errorf("status = %s, want pending", job.Status)
	}

	var audits int64
	db.Model(&models.AuditLog{}).Where("source_component = ?", "pipeline").Count(&audits)
	if audits == 0 {
		t.Error("expected audit record for failed invocation")
	}
}

func TestClaim_OnlyOneWinner(t *testing.T) {
	db := testDB(t)
	inv := &mockInvoker{}
	insp := seedInspection(t, db, 1)
	job, _ := Submit(context.Background(), db, inv, insp.ID, "a")

	claimed, err := Claim(db, job.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != models.JobProcessing {
		t.Errorf("status = %s, want processing", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Error("started_at not stamped")
	}

	if _, err := Claim(db, job.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("second claim err = %v, want ErrNotPending", err)
	}
}

func TestClaimNext_NoJobs(t *testing.T) {
	db := testDB(t)
	if _, err := ClaimNext(db, ""); !errors.Is(err, ErrNoJobs) {
		t.Errorf("err = %v, want ErrNoJobs", err)
	}
}

func TestClaimNext_ByType(t *testing.T) {
	db := testDB(t)
	inv := &mockInvoker{}
	insp := seedInspection(t, db, 1)
	Submit(context.Background(), db, inv, insp.ID, "a")

	if _, err := ClaimNext(db, models.JobFinalReport); !errors.Is(err, ErrNoJobs) {
		t.Errorf("err = %v, want ErrNoJobs for other type", err)
	}
	job, err := ClaimNext(db, models.JobChunkedAnalysis)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job.Status != models.JobProcessing {
		t.Errorf("status = %s, want processing", job.Status)
	}
}

func TestFail_RequiresProcessing(t *testing.T) {
	db := testDB(t)
	inv := &mockInvoker{}
	insp := seedInspection(t, db, 1)
	job, _ := Submit(context.Background(), db, inv, insp.ID, "a")

	if err := Fail(db, job.ID, "boom"); !errors.Is(err, ErrNotProcessing) {
		t.Errorf("fail pending err = %v, want ErrNotProcessing", err)
	}

	Claim(db, job.ID)
	if err := Fail(db, job.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var reloaded models.Job
	db.First(&reloaded, job.ID)
	if reloaded.Status != models.JobFailed || reloaded.ErrorMessage != "boom" {
		t.Errorf("job = %s %q", reloaded.Status, reloaded.ErrorMessage)
	}
}
