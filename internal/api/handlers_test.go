package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lotview/inspectd/internal/models"
	"github.com/lotview/inspectd/internal/pipeline"
	"github.com/lotview/inspectd/internal/recovery"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type invocation struct {
	JobType      string
	InspectionID string
	Sequence     int
}

type mockInvoker struct {
	calls []invocation
	err   error
}

func (m *mockInvoker) Invoke(_ context.Context, jobType, inspectionID string, completedSequence int) error {
	m.calls = append(m.calls, invocation{jobType, inspectionID, completedSequence})
	return m.err
}

type mockNotifier struct {
	alerts []string
}

func (m *mockNotifier) Alert(_ context.Context, message string) error {
	m.alerts = append(m.alerts, message)
	return nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Inspection{}, &models.Job{}, &models.AgentExecution{},
		&models.Plan{}, &models.Subscription{}, &models.SubscriptionUsageSummary{},
		&models.ReportBlock{}, &models.ReportUsage{}, &models.AuditLog{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testRouter(t *testing.T) (*gin.Engine, *gorm.DB, *mockInvoker) {
	t.Helper()
	db := testDB(t)
	inv := &mockInvoker{}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, &handlers{
		db:       db,
		chainer:  &pipeline.Chainer{DB: db, Invoker: inv},
		invoker:  inv,
		notifier: &mockNotifier{},
		recovery: recovery.Config{
			Deadline: 5 * time.Minute,
			RetryableTypes: []string{
				models.JobChunkedAnalysis, models.JobFairMarketValue,
				models.JobCostForecast, models.JobExpertAdvice,
			},
		},
	})
	return router, db, inv
}

// seedSubscription gives a user an active subscription with the given quota.
func seedSubscription(t *testing.T, db *gorm.DB, userID string, included int) {
	t.Helper()
	planID := fmt.Sprintf("plan-%s", userID)
	if err := db.Create(&models.Plan{ID: planID, Name: "pro", IncludedReports: included}).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	if err := db.Create(&models.Subscription{
		ID:                 fmt.Sprintf("sub-%s", userID),
		UserID:             userID,
		PlanID:             planID,
		Status:             models.SubActive,
		CurrentPeriodStart: time.Now().Add(-24 * time.Hour),
		CurrentPeriodEnd:   time.Now().Add(24 * time.Hour),
	}).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if w.Body.Len() > 0 {
		json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func TestHealthz(t *testing.T) {
	router, _, _ := testRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", w.Code, body)
	}
}

func TestCreateInspection(t *testing.T) {
	router, db, inv := testRouter(t)
	seedSubscription(t, db, "user-1", 5)

	w, body := doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{
		"user_id":          "user-1",
		"vehicle_vin":      "1HGCM82633A004352",
		"total_chunks":     2,
		"first_chunk_data": "photo-batch-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body %v", w.Code, body)
	}
	inspID, _ := body["inspection_id"].(string)
	if inspID == "" || body["report_id"] == "" || body["job_id"] == nil {
		t.Fatalf("body = %v", body)
	}

	var insp models.Inspection
	if err := db.First(&insp, "id = ?", inspID).Error; err != nil {
		t.Fatalf("load inspection: %v", err)
	}
	if insp.Status != models.InspectionAnalyzing || insp.TotalChunks != 2 {
		t.Errorf("inspection = %s chunks %d", insp.Status, insp.TotalChunks)
	}

	var job models.Job
	db.First(&job, "inspection_id = ?", inspID)
	if job.JobType != models.JobChunkedAnalysis || job.SequenceOrder != 1 || job.ChunkData != "photo-batch-1" {
		t.Errorf("first job = %+v", job)
	}

	if len(inv.calls) != 1 || inv.calls[0].JobType != models.JobChunkedAnalysis || inv.calls[0].Sequence != -1 {
		t.Errorf("invocations = %v", inv.calls)
	}
}

func TestCreateInspection_NoCapacity(t *testing.T) {
	router, _, _ := testRouter(t)

	w, body := doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{
		"user_id": "user-broke",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d body %v", w.Code, body)
	}
	if body["code"] != CodeLimitReached {
		t.Errorf("code = %v", body["code"])
	}
}

func TestCreateInspection_MissingUserID(t *testing.T) {
	router, _, _ := testRouter(t)
	w, _ := doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{"vehicle_vin": "VIN"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestGetInspection(t *testing.T) {
	router, db, _ := testRouter(t)
	seedSubscription(t, db, "user-1", 5)

	_, created := doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{"user_id": "user-1"})
	inspID := created["inspection_id"].(string)

	w, body := doJSON(t, router, http.MethodGet, "/v1/inspections/"+inspID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	jobs, _ := body["Jobs"].([]interface{})
	if len(jobs) != 1 {
		t.Errorf("jobs = %v", body["Jobs"])
	}

	w, _ = doJSON(t, router, http.MethodGet, "/v1/inspections/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing inspection status = %d", w.Code)
	}
}

func TestClaimCompleteFlow(t *testing.T) {
	router, db, _ := testRouter(t)
	seedSubscription(t, db, "user-1", 5)
	doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{"user_id": "user-1"})

	w, claimed := doJSON(t, router, http.MethodPost, "/v1/jobs/claim", gin.H{"job_type": models.JobChunkedAnalysis})
	if w.Code != http.StatusOK {
		t.Fatalf("claim status = %d %v", w.Code, claimed)
	}
	jobID := int(claimed["ID"].(float64))

	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/complete", jobID), gin.H{"result": "chunk findings"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d", w.Code)
	}

	// Completing twice conflicts; the chain already advanced.
	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/complete", jobID), gin.H{"result": "late"})
	if w.Code != http.StatusConflict {
		t.Errorf("second complete status = %d", w.Code)
	}

	var next models.Job
	if err := db.First(&next, "job_type = ?", models.JobFairMarketValue).Error; err != nil {
		t.Errorf("next stage job: %v", err)
	}
}

func TestClaim_NoJobs(t *testing.T) {
	router, _, _ := testRouter(t)
	w, _ := doJSON(t, router, http.MethodPost, "/v1/jobs/claim", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestFailJob(t *testing.T) {
	router, db, _ := testRouter(t)
	seedSubscription(t, db, "user-1", 5)
	doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{"user_id": "user-1"})

	_, claimed := doJSON(t, router, http.MethodPost, "/v1/jobs/claim", gin.H{"job_type": models.JobChunkedAnalysis})
	jobID := int(claimed["ID"].(float64))

	w, _ := doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/fail", jobID), gin.H{"error": "vision model timeout"})
	if w.Code != http.StatusOK {
		t.Fatalf("fail status = %d", w.Code)
	}

	var job models.Job
	db.First(&job, jobID)
	if job.Status != models.JobFailed || job.ErrorMessage != "vision model timeout" {
		t.Errorf("job = %s %q", job.Status, job.ErrorMessage)
	}

	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/jobs/%d/fail", jobID), gin.H{"error": "again"})
	if w.Code != http.StatusConflict {
		t.Errorf("second fail status = %d", w.Code)
	}
}

func TestJobEndpoints_InvalidID(t *testing.T) {
	router, _, _ := testRouter(t)
	for _, path := range []string{"/v1/jobs/abc/complete", "/v1/jobs/abc/fail", "/v1/agent-executions/abc/start"} {
		w, _ := doJSON(t, router, http.MethodPost, path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
}

func TestCheckEntitlements_Preflight(t *testing.T) {
	router, db, _ := testRouter(t)
	seedSubscription(t, db, "user-1", 5)
	db.Create(&models.ReportBlock{
		ID: "blk-1", UserID: "user-1", ReportsTotal: 3, IsActive: true,
		ExpiryDate: time.Now().Add(30 * 24 * time.Hour),
	})

	w, body := doJSON(t, router, http.MethodPost, "/v1/entitlements/check", gin.H{
		"user_id": "user-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %v", w.Code, body)
	}
	if body["remaining_reports"] != float64(8) {
		t.Errorf("remaining = %v", body["remaining_reports"])
	}
	sources := body["sources"].(map[string]interface{})
	if sources["subscription"] != float64(5) || sources["blocks"] != float64(3) {
		t.Errorf("sources = %v", sources)
	}
	if body["consumed"] != false {
		t.Error("pre-flight must not consume")
	}
}

func TestCheckEntitlements_RequireSubscription(t *testing.T) {
	router, _, _ := testRouter(t)
	w, body := doJSON(t, router, http.MethodPost, "/v1/entitlements/check", gin.H{
		"user_id":              "user-unsubbed",
		"require_subscription": true,
	})
	if w.Code != http.StatusPaymentRequired || body["code"] != CodeNoSubscription {
		t.Errorf("status = %d code = %v", w.Code, body["code"])
	}
}

func TestCheckEntitlements_BlocksExcluded(t *testing.T) {
	router, db, _ := testRouter(t)
	db.Create(&models.ReportBlock{
		ID: "blk-1", UserID: "user-1", ReportsTotal: 3, IsActive: true,
		ExpiryDate: time.Now().Add(30 * 24 * time.Hour),
	})

	allow := false
	w, body := doJSON(t, router, http.MethodPost, "/v1/entitlements/check", gin.H{
		"user_id":           "user-1",
		"check_usage_limit": true,
		"allow_block_usage": allow,
	})
	if w.Code != http.StatusPaymentRequired || body["code"] != CodeLimitReached {
		t.Errorf("status = %d code = %v", w.Code, body["code"])
	}
}

func TestCheckEntitlements_TrackAndDuplicate(t *testing.T) {
	router, db, _ := testRouter(t)
	seedSubscription(t, db, "user-1", 2)

	req := gin.H{
		"user_id":       "user-1",
		"track_usage":   true,
		"inspection_id": "insp-1",
		"report_id":     "rep-1",
	}

	w, body := doJSON(t, router, http.MethodPost, "/v1/entitlements/check", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %v", w.Code, body)
	}
	if body["consumed"] != true || body["duplicate"] != false {
		t.Errorf("first call = %v", body)
	}
	if body["usage_type"] != models.UsageSubscriptionIncluded {
		t.Errorf("usage_type = %v", body["usage_type"])
	}
	if body["remaining_reports"] != float64(1) {
		t.Errorf("remaining = %v", body["remaining_reports"])
	}

	// Same report again: success shape, no second deduction.
	w, body = doJSON(t, router, http.MethodPost, "/v1/entitlements/check", req)
	if w.Code != http.StatusOK || body["duplicate"] != true || body["consumed"] != false {
		t.Errorf("duplicate call = %d %v", w.Code, body)
	}

	var rows int64
	db.Model(&models.ReportUsage{}).Count(&rows)
	if rows != 1 {
		t.Errorf("usage rows = %d, want 1", rows)
	}
}

func TestAgentRunLifecycle(t *testing.T) {
	router, db, _ := testRouter(t)
	seedSubscription(t, db, "user-1", 5)
	_, created := doJSON(t, router, http.MethodPost, "/v1/inspections", gin.H{"user_id": "user-1"})
	inspID := created["inspection_id"].(string)

	w, body := doJSON(t, router, http.MethodPost, "/v1/inspections/"+inspID+"/agent-runs", gin.H{
		"agents": []gin.H{
			{"name": "damage-assessor", "type": "vision"},
		},
	})
	if w.Code != http.StatusCreated || body["workflow_run_id"] == "" {
		t.Fatalf("start run = %d %v", w.Code, body)
	}

	var exec models.AgentExecution
	db.First(&exec, "inspection_id = ?", inspID)

	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/agent-executions/%d/start", exec.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}
	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/agent-executions/%d/start", exec.ID), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double start status = %d", w.Code)
	}

	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/agent-executions/%d/finish", exec.ID), gin.H{
		"status": models.AgentFailed, "error": "boom",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("finish status = %d", w.Code)
	}

	w, body = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/agent-executions/%d/retry", exec.ID), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("retry status = %d %v", w.Code, body)
	}
	if body["attempt_number"] != float64(2) {
		t.Errorf("attempt = %v", body["attempt_number"])
	}

	// The retried attempt at the ceiling is not retryable again until it fails.
	retryID := int(body["execution_id"].(float64))
	w, _ = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/agent-executions/%d/retry", retryID), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("retry of pending status = %d", w.Code)
	}
}

func TestRunRecovery(t *testing.T) {
	router, db, _ := testRouter(t)

	started := time.Now().Add(-30 * time.Minute)
	db.Create(&models.Inspection{ID: "insp-stuck", UserID: "user-1", Status: models.InspectionAnalyzing, ReportID: "rep-stuck"})
	db.Create(&models.Job{
		InspectionID:  "insp-stuck",
		JobType:       models.JobCostForecast,
		Status:        models.JobProcessing,
		SequenceOrder: 4,
		MaxRetries:    models.DefaultMaxRetries,
		StartedAt:     &started,
	})

	w, body := doJSON(t, router, http.MethodPost, "/v1/recovery/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %v", w.Code, body)
	}
	if body["Reset"] != float64(1) {
		t.Errorf("stats = %v", body)
	}

	var job models.Job
	db.First(&job, "inspection_id = ?", "insp-stuck")
	if job.Status != models.JobPending || job.RetryCount != 1 {
		t.Errorf("job = %s retry %d", job.Status, job.RetryCount)
	}
}
