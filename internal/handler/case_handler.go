package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"caseflow/internal/models"
	"caseflow/internal/service"
)

// CreateCase handles POST /v1/cases
func (h *Handler) CreateCase(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var in service.CreateCaseInput
		if err := decode(body, &in); err != nil {
			return 0, nil, err
		}
		cs, err := h.Cases.Create(ctx, in)
		return http.StatusCreated, cs, err
	})
}

// GetCase handles GET /v1/cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	cs, err := h.Cases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

// ListCases handles GET /v1/cases?status=&limit=&cursor=
func (h *Handler) ListCases(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	page, err := h.Cases.List(c.Request.Context(), models.CaseStatus(c.Query("status")), limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) UpdateCase(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var patch service.CasePatch
		if err := decode(body, &patch); err != nil {
			return 0, nil, err
		}
		cs, err := h.Cases.Update(ctx, id, patch)
		return http.StatusOK, cs, err
	})
}

func (h *Handler) ReopenCase(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, _ []byte) (int, any, error) {
		cs, err := h.Cases.Reopen(ctx, id)
		return http.StatusOK, cs, err
	})
}

// AddDocument handles POST /v1/cases/:id/documents
func (h *Handler) AddDocument(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var in service.AddDocumentInput
		if err := decode(body, &in); err != nil {
			return 0, nil, err
		}
		doc, err := h.Documents.Add(ctx, id, in)
		return http.StatusCreated, doc, err
	})
}

func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.Documents.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}
