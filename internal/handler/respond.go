package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"caseflow/internal/errs"
)

type errorBody struct {
	Kind      errs.Kind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error errorBody `json:"error"`
}

var statusByKind = map[errs.Kind]int{
	errs.KindValidation:          http.StatusBadRequest,
	errs.KindNotFound:            http.StatusNotFound,
	errs.KindIdempotencyConflict: http.StatusConflict,
	errs.KindLeaseNotHeld:        http.StatusConflict,
	errs.KindLeaseTokenMismatch:  http.StatusConflict,
	errs.KindLeaseExpired:        http.StatusGone,
	errs.KindInvalidCursor:       http.StatusBadRequest,
	errs.KindInternal:            http.StatusInternalServerError,
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	if code, ok := statusByKind[errs.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func newErrorResponse(err error) ErrorResponse {
	kind := errs.KindOf(err)
	msg := errs.Message(err)
	if kind == errs.KindInternal {
		msg = "internal failure"
	}
	return ErrorResponse{Error: errorBody{Kind: kind, Message: msg, Retryable: errs.Retryable(err)}}
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errs.KindOf(err) == errs.KindInternal {
		h.Logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(StatusFor(err), newErrorResponse(err))
}

// decode unmarshals a request body. An empty body leaves v untouched.
func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("%s must be an integer", name)
	}
	return n, nil
}
