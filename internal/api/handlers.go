package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lotview/inspectd/internal/agents"
	"github.com/lotview/inspectd/internal/ledger"
	"github.com/lotview/inspectd/internal/models"
	"github.com/lotview/inspectd/internal/pipeline"
	"github.com/lotview/inspectd/internal/recovery"
	"gorm.io/gorm"
)

// handlers carries the shared dependencies for all endpoints.
type handlers struct {
	db       *gorm.DB
	chainer  *pipeline.Chainer
	invoker  pipeline.StageInvoker
	notifier recovery.Notifier
	recovery recovery.Config
}

// Entitlement failure codes surfaced to callers.
const (
	CodeNoSubscription = "NO_SUBSCRIPTION"
	CodeLimitReached   = "LIMIT_REACHED"
	CodeInsufficient   = "INSUFFICIENT_REPORTS"
)

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createInspectionRequest struct {
	UserID         string `json:"user_id" binding:"required"`
	VehicleVIN     string `json:"vehicle_vin"`
	TotalChunks    int    `json:"total_chunks"`
	HadHistory     bool   `json:"had_history"`
	FirstChunkData string `json:"first_chunk_data"`
}

func (h *handlers) createInspection(c *gin.Context) {
	var req createInspectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TotalChunks <= 0 {
		req.TotalChunks = 1
	}

	// Pre-flight: reject before creating anything when the user has no
	// capacity left.
	_, err := ledger.Resolve(h.db, ledger.Request{
		UserID:              req.UserID,
		HadHistory:          req.HadHistory,
		RequireSubscription: false,
		CheckLimit:          true,
		AllowBlockUsage:     true,
	})
	if err != nil {
		status, code := entitlementError(err)
		c.JSON(status, gin.H{"success": false, "code": code, "error": err.Error()})
		return
	}

	insp := models.Inspection{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		VehicleVIN:  req.VehicleVIN,
		Status:      models.InspectionPending,
		TotalChunks: req.TotalChunks,
		HadHistory:  req.HadHistory,
		ReportID:    uuid.NewString(),
	}
	if err := h.db.Create(&insp).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job, err := pipeline.Submit(c.Request.Context(), h.db, h.invoker, insp.ID, req.FirstChunkData)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"inspection_id": insp.ID, "report_id": insp.ReportID, "job_id": job.ID})
}

func (h *handlers) getInspection(c *gin.Context) {
	var insp models.Inspection
	if err := h.db.Preload("Jobs", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_order ASC")
	}).First(&insp, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "inspection not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, insp)
}

type claimRequest struct {
	JobType string `json:"job_type"`
}

func (h *handlers) claimJob(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := pipeline.ClaimNext(h.db, req.JobType)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoJobs) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending jobs"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

type completeRequest struct {
	Result string `json:"result"`
}

func (h *handlers) completeJob(c *gin.Context) {
	id, err := jobID(c)
	if err != nil {
		return
	}
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.chainer.Complete(c.Request.Context(), id, req.Result); err != nil {
		if errors.Is(err, pipeline.ErrNotProcessing) {
			c.JSON(http.StatusConflict, gin.H{"error": "job is not processing"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

type failRequest struct {
	Error string `json:"error"`
}

func (h *handlers) failJob(c *gin.Context) {
	id, err := jobID(c)
	if err != nil {
		return
	}
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := pipeline.Fail(h.db, id, req.Error); err != nil {
		if errors.Is(err, pipeline.ErrNotProcessing) {
			c.JSON(http.StatusConflict, gin.H{"error": "job is not processing"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

type agentRunRequest struct {
	Agents []struct {
		Name       string `json:"name" binding:"required"`
		Type       string `json:"type"`
		MaxRetries int    `json:"max_retries"`
	} `json:"agents" binding:"required"`
}

func (h *handlers) startAgentRun(c *gin.Context) {
	var req agentRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specs := make([]agents.Spec, 0, len(req.Agents))
	for _, a := range req.Agents {
		specs = append(specs, agents.Spec{Name: a.Name, Type: a.Type, MaxRetries: a.MaxRetries})
	}
	runID, err := agents.StartRun(h.db, c.Param("id"), specs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workflow_run_id": runID})
}

func (h *handlers) startAgent(c *gin.Context) {
	id, err := jobID(c)
	if err != nil {
		return
	}
	if err := agents.Start(h.db, id); err != nil {
		if errors.Is(err, agents.ErrTerminal) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.AgentRunning})
}

type finishAgentRequest struct {
	Status     string `json:"status" binding:"required"`
	ResultData string `json:"result_data"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
}

func (h *handlers) finishAgent(c *gin.Context) {
	id, err := jobID(c)
	if err != nil {
		return
	}
	var req finishAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := agents.Finish(h.db, id, req.Status, req.ResultData, req.Error, req.ErrorCode); err != nil {
		if errors.Is(err, agents.ErrTerminal) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (h *handlers) retryAgent(c *gin.Context) {
	id, err := jobID(c)
	if err != nil {
		return
	}
	next, err := agents.Retry(h.db, id)
	if err != nil {
		if errors.Is(err, agents.ErrNotRetryable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"execution_id": next.ID, "attempt_number": next.AttemptNumber})
}

type entitlementRequest struct {
	UserID              string `json:"user_id" binding:"required"`
	RequireSubscription bool   `json:"require_subscription"`
	CheckUsageLimit     bool   `json:"check_usage_limit"`
	TrackUsage          bool   `json:"track_usage"`
	InspectionID        string `json:"inspection_id"`
	ReportID            string `json:"report_id"`
	HadHistory          bool   `json:"had_history"`
	AllowBlockUsage     *bool  `json:"allow_block_usage"`
}

func (h *handlers) checkEntitlements(c *gin.Context) {
	var req entitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	allowBlocks := true
	if req.AllowBlockUsage != nil {
		allowBlocks = *req.AllowBlockUsage
	}

	result, err := ledger.Resolve(h.db, ledger.Request{
		UserID:              req.UserID,
		InspectionID:        req.InspectionID,
		ReportID:            req.ReportID,
		HadHistory:          req.HadHistory,
		RequireSubscription: req.RequireSubscription,
		CheckLimit:          req.CheckUsageLimit,
		TrackUsage:          req.TrackUsage,
		AllowBlockUsage:     allowBlocks,
	})
	if err != nil {
		status, code := entitlementError(err)
		c.JSON(status, gin.H{"success": false, "code": code, "remaining_reports": 0, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"remaining_reports": result.TotalRemaining,
		"usage_type":        result.UsageType,
		"consumed":          result.Consumed,
		"duplicate":         result.Duplicate,
		"sources": gin.H{
			"carryover":    result.CarryoverRemaining,
			"subscription": result.SubscriptionRemaining,
			"blocks":       result.BlockRemaining,
		},
	})
}

func (h *handlers) runRecovery(c *gin.Context) {
	stats, err := recovery.Sweep(c.Request.Context(), h.db, h.invoker, h.notifier, h.recovery)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// entitlementError maps ledger sentinels to HTTP status + error code.
func entitlementError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNoSubscription):
		return http.StatusPaymentRequired, CodeNoSubscription
	case errors.Is(err, ledger.ErrLimitReached):
		return http.StatusPaymentRequired, CodeLimitReached
	case errors.Is(err, ledger.ErrInsufficient):
		return http.StatusPaymentRequired, CodeInsufficient
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// jobID parses the :id path parameter, writing the error response itself.
func jobID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, err
	}
	return uint(id), nil
}
