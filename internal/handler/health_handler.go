package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health handles GET /v1/health
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			h.Logger.Error("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
			return
		}
	}

	stats, err := h.Cases.Stats(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"time":          time.Now().UTC(),
		"total_cases":   stats.TotalCases,
		"total_jobs":    stats.TotalJobs,
		"active_leases": stats.ActiveLeases,
	})
}

// GetMetrics handles GET /v1/metrics with store counts and process counters.
func (h *Handler) GetMetrics(c *gin.Context) {
	stats, err := h.Cases.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"stats": stats}
	if h.Metrics != nil {
		resp["counters"] = h.Metrics.GetSnapshot()
	}
	c.JSON(http.StatusOK, resp)
}
