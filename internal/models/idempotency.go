package models

import "time"

type IdempotencyState string

const (
	IdempotencyPending   IdempotencyState = "pending"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyRecord maps a client key to the response it produced.
type IdempotencyRecord struct {
	Key         string           `json:"key"`
	Fingerprint string           `json:"fingerprint"`
	State       IdempotencyState `json:"state"`
	StatusCode  int              `json:"status_code"`
	Body        []byte           `json:"body"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
}

// Stats summarizes the store for health and metrics endpoints.
type Stats struct {
	TotalCases         int            `json:"total_cases"`
	TotalDocuments     int            `json:"total_documents"`
	TotalJobs          int            `json:"total_jobs"`
	ActiveLeases       int            `json:"active_leases"`
	CaseStatuses       map[string]int `json:"case_statuses"`
	ExtractionStatuses map[string]int `json:"extraction_statuses"`
	JobStatuses        map[string]int `json:"job_statuses"`
	PendingDeliveries  int            `json:"pending_deliveries"`
	FailedDeliveries   int            `json:"failed_deliveries"`
}
