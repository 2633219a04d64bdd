// Package ocr drives the external OCR engine for dispatched jobs.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/models"
)

// Request asks the engine to process one document.
type Request struct {
	JobID                      string `json:"job_id"`
	CaseID                     string `json:"case_id"`
	DocumentID                 string `json:"document_id"`
	Filename                   string `json:"filename"`
	URL                        string `json:"url,omitempty"`
	BlobRef                    string `json:"blob_ref,omitempty"`
	Language                   string `json:"language"`
	EnableHandwritingDetection bool   `json:"enable_handwriting_detection"`
}

func newRequest(job *models.Job, doc *models.Document) Request {
	return Request{
		JobID:                      job.ID,
		CaseID:                     doc.CaseID,
		DocumentID:                 doc.ID,
		Filename:                   doc.Filename,
		URL:                        doc.URL,
		BlobRef:                    doc.BlobRef,
		Language:                   job.Language,
		EnableHandwritingDetection: job.Flags.EnableHandwritingDetection,
	}
}

// Engine processes documents. A returned error fails the document.
type Engine interface {
	Process(ctx context.Context, req Request) error
}

// HTTPEngine posts each document to an OCR service.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

func NewHTTPEngine(endpoint string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) Process(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode OCR request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build OCR request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("OCR engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
