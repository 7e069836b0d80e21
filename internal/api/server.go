// Package api exposes the orchestrator over HTTP: stage callbacks, the
// entitlement RPC, and the external recovery trigger.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lotview/inspectd/internal/pipeline"
	"github.com/lotview/inspectd/internal/recovery"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB       *gorm.DB
	Invoker  pipeline.StageInvoker
	Notifier recovery.Notifier
	Recovery recovery.Config
	Port     int
	Out      io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Invoker == nil {
		return fmt.Errorf("api: invoker is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, &handlers{
		db:       opts.DB,
		chainer:  &pipeline.Chainer{DB: opts.DB, Invoker: opts.Invoker},
		invoker:  opts.Invoker,
		notifier: opts.Notifier,
		recovery: opts.Recovery,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// registerRoutes wires all endpoints onto the router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	v1 := router.Group("/v1")
	{
		v1.POST("/inspections", h.createInspection)
		v1.GET("/inspections/:id", h.getInspection)
		v1.POST("/inspections/:id/agent-runs", h.startAgentRun)

		v1.POST("/jobs/claim", h.claimJob)
		v1.POST("/jobs/:id/complete", h.completeJob)
		v1.POST("/jobs/:id/fail", h.failJob)

		v1.POST("/agent-executions/:id/start", h.startAgent)
		v1.POST("/agent-executions/:id/finish", h.finishAgent)
		v1.POST("/agent-executions/:id/retry", h.retryAgent)

		v1.POST("/entitlements/check", h.checkEntitlements)
		v1.POST("/recovery/run", h.runRecovery)
	}
}
