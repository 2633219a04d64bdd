package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"caseflow/internal/models"
	"caseflow/internal/service"
)

// jobView adds the derived progress to a job.
type jobView struct {
	*models.Job
	Progress float64 `json:"progress"`
}

func viewJob(j *models.Job) *jobView {
	if j == nil {
		return nil
	}
	return &jobView{Job: j, Progress: j.Progress()}
}

type resultRequest struct {
	CaseID string         `json:"case_id"`
	Status models.Outcome `json:"status"`
	Detail string         `json:"detail"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var in service.CreateJobInput
		if err := decode(body, &in); err != nil {
			return 0, nil, err
		}
		job, err := h.Jobs.Create(ctx, in)
		return http.StatusCreated, viewJob(job), err
	})
}

// GetJob handles GET /v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewJob(job))
}

// ListJobs handles GET /v1/jobs?status=&limit=&cursor=
func (h *Handler) ListJobs(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := h.Jobs.List(c.Request.Context(), models.JobStatus(c.Query("status")), limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err)
		return
	}

	out := service.Page[*jobView]{Items: make([]*jobView, 0, len(page.Items)), NextCursor: page.NextCursor}
	for _, j := range page.Items {
		out.Items = append(out.Items, viewJob(j))
	}
	c.JSON(http.StatusOK, out)
}

// StartJob handles POST /v1/jobs/:id/start
func (h *Handler) StartJob(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, _ []byte) (int, any, error) {
		job, err := h.Jobs.Start(ctx, id)
		return http.StatusOK, viewJob(job), err
	})
}

// RecordResult handles POST /v1/jobs/:id/results, the per-case OCR callback.
func (h *Handler) RecordResult(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req resultRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		job, err := h.Jobs.RecordResult(ctx, id, req.CaseID, req.Status, req.Detail)
		return http.StatusOK, viewJob(job), err
	})
}

// CancelJob handles PATCH /v1/jobs/:id/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, _ []byte) (int, any, error) {
		job, err := h.Jobs.Cancel(ctx, id)
		return http.StatusOK, viewJob(job), err
	})
}
