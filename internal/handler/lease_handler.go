package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"caseflow/internal/service"
)

type claimRequest struct {
	Limit                int `json:"limit"`
	LeaseDurationSeconds int `json:"lease_duration_seconds"`
}

type extendRequest struct {
	LeaseToken      string `json:"lease_token"`
	DurationSeconds int    `json:"duration_seconds"`
}

type releaseRequest struct {
	LeaseToken string `json:"lease_token"`
}

type bulkReportRequest struct {
	Updates []service.ReportInput `json:"updates"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// PeekReady handles GET /v1/cases/ready-for-extraction?limit=
func (h *Handler) PeekReady(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	cases, err := h.Leases.Peek(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases})
}

// Claim handles POST /v1/extraction/claim
func (h *Handler) Claim(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req claimRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		claim, err := h.Leases.Claim(ctx, req.Limit, seconds(req.LeaseDurationSeconds))
		return http.StatusOK, claim, err
	})
}

// Report handles PATCH /v1/cases/:id/extraction-status
func (h *Handler) Report(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var in service.ReportInput
		if err := decode(body, &in); err != nil {
			return 0, nil, err
		}
		in.CaseID = id
		cs, err := h.Leases.Report(ctx, in)
		return http.StatusOK, cs, err
	})
}

// BulkReport handles PATCH /v1/cases/extraction-status/bulk. Items succeed
// or fail independently; the response lists one result per update.
func (h *Handler) BulkReport(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req bulkReportRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		results, err := h.Leases.BulkReport(ctx, req.Updates)
		return http.StatusOK, gin.H{"results": results}, err
	})
}

func (h *Handler) ExtendLease(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req extendRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		cs, err := h.Leases.Extend(ctx, id, req.LeaseToken, seconds(req.DurationSeconds))
		return http.StatusOK, cs, err
	})
}

func (h *Handler) ReleaseLease(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req releaseRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		cs, err := h.Leases.Release(ctx, id, req.LeaseToken)
		return http.StatusOK, cs, err
	})
}
