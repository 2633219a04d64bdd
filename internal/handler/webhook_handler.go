package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"caseflow/internal/errs"
	"caseflow/internal/models"
)

type registerWebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
}

// RegisterWebhook handles POST /v1/webhooks
func (h *Handler) RegisterWebhook(c *gin.Context) {
	h.mutate(c, func(ctx context.Context, body []byte) (int, any, error) {
		var req registerWebhookRequest
		if err := decode(body, &req); err != nil {
			return 0, nil, err
		}
		l, err := h.Webhooks.RegisterListener(ctx, req.URL, req.EventTypes)
		return http.StatusCreated, l, err
	})
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	listeners, err := h.Webhooks.ListListeners(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listeners": listeners})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	id := c.Param("id")
	h.mutate(c, func(ctx context.Context, _ []byte) (int, any, error) {
		if err := h.Webhooks.DeleteListener(ctx, id); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, gin.H{"deleted": id}, nil
	})
}

// ListDeliveries handles GET /v1/webhooks/deliveries?status=&limit=
func (h *Handler) ListDeliveries(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	deliveries, err := h.Webhooks.History(c.Request.Context(), models.DeliveryStatus(c.Query("status")), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if deliveries == nil {
		deliveries = []*models.Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

// ReceiveTestWebhook handles POST /v1/webhooks/test. It records whatever a
// listener pointed at this server receives.
func (h *Handler) ReceiveTestWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.fail(c, errs.Validation("failed to read request body: %v", err))
		return
	}
	rec := h.Sink.Record(body, time.Now())
	c.JSON(http.StatusOK, gin.H{"received_at": rec.ReceivedAt, "event_type": rec.EventType})
}

func (h *Handler) TestWebhookHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": h.Sink.History(limit)})
}
