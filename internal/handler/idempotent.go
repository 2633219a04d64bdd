package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"caseflow/internal/errs"
	"caseflow/internal/idempotency"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	maxBodyBytes = 8 << 20
)

// mutation runs a state change and returns the status and value to encode.
type mutation func(ctx context.Context, body []byte) (int, any, error)

// mutate executes op at most once per Idempotency-Key. Repeats of the same
// request receive the stored response; a different request under the same
// key is rejected.
func (h *Handler) mutate(c *gin.Context, op mutation) {
	key := c.GetHeader(idempotencyHeader)
	if key == "" {
		h.fail(c, errs.Validation("%s header is required", idempotencyHeader))
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.fail(c, errs.Validation("failed to read request body: %v", err))
		return
	}

	fingerprint := idempotency.Fingerprint(
		[]byte(c.Request.Method),
		[]byte(c.Request.URL.RequestURI()),
		body,
	)
	res, replayed, err := h.Idempotency.ExecuteOnce(c.Request.Context(), key, fingerprint, func(ctx context.Context) (idempotency.Result, error) {
		status, value, err := op(ctx, body)
		if err != nil {
			return idempotency.Result{}, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return idempotency.Result{}, errs.Internal(err, "encode response")
		}
		return idempotency.Result{StatusCode: status, Body: encoded}, nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	if replayed {
		c.Header(replayedHeader, "true")
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, "application/json; charset=utf-8", res.Body)
}
