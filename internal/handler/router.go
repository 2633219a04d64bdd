// Package handler exposes the caseflow services over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"caseflow/internal/idempotency"
	"caseflow/internal/metrics"
	"caseflow/internal/service"
	"caseflow/internal/webhook"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds everything the HTTP routes call into.
type Handler struct {
	Cases       *service.CaseService
	Documents   *service.DocumentService
	Jobs        *service.JobService
	Leases      *service.LeaseService
	Webhooks    *webhook.Dispatcher
	Sink        *webhook.Sink
	Idempotency *idempotency.Store
	Metrics     *metrics.Metrics
	Store       Pinger
	Logger      *slog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Sink == nil {
		h.Sink = webhook.NewSink(0)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Logger), cors())

	v1 := r.Group("/v1")
	{
		v1.POST("/cases", h.CreateCase)
		v1.GET("/cases", h.ListCases)
		v1.GET("/cases/ready-for-extraction", h.PeekReady)
		v1.PATCH("/cases/extraction-status/bulk", h.BulkReport)
		v1.GET("/cases/:id", h.GetCase)
		v1.PATCH("/cases/:id", h.UpdateCase)
		v1.POST("/cases/:id/documents", h.AddDocument)
		v1.GET("/cases/:id/documents", h.ListDocuments)
		v1.PATCH("/cases/:id/extraction-status", h.Report)
		v1.PATCH("/cases/:id/lease/extend", h.ExtendLease)
		v1.PATCH("/cases/:id/lease/release", h.ReleaseLease)
		v1.PATCH("/cases/:id/reopen", h.ReopenCase)

		v1.POST("/extraction/claim", h.Claim)

		v1.POST("/jobs", h.CreateJob)
		v1.GET("/jobs", h.ListJobs)
		v1.GET("/jobs/:id", h.GetJob)
		v1.POST("/jobs/:id/start", h.StartJob)
		v1.POST("/jobs/:id/results", h.RecordResult)
		v1.PATCH("/jobs/:id/cancel", h.CancelJob)

		v1.POST("/webhooks", h.RegisterWebhook)
		v1.GET("/webhooks", h.ListWebhooks)
		v1.GET("/webhooks/deliveries", h.ListDeliveries)
		v1.POST("/webhooks/test", h.ReceiveTestWebhook)
		v1.GET("/webhooks/history", h.TestWebhookHistory)
		v1.DELETE("/webhooks/:id", h.DeleteWebhook)

		v1.GET("/health", h.Health)
		v1.GET("/metrics", h.GetMetrics)
	}
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
	}
	return r
}

// cors sets permissive CORS headers and answers preflight requests.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+idempotencyHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
