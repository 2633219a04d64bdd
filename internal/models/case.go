package models

import (
	"fmt"
	"time"
)

// CaseStatus represents the lifecycle state of a case
type CaseStatus string

const (
	CaseCreated              CaseStatus = "created"
	CaseProcessing           CaseStatus = "processing"
	CaseReadyForExtraction   CaseStatus = "ready_for_extraction"
	CaseExtractionInProgress CaseStatus = "extraction_in_progress"
	CaseCompleted            CaseStatus = "completed"
	CaseFailed               CaseStatus = "failed"
)

var caseStatuses = []CaseStatus{
	CaseCreated, CaseProcessing, CaseReadyForExtraction,
	CaseExtractionInProgress, CaseCompleted, CaseFailed,
}

// CaseStatuses lists every case status in lifecycle order.
func CaseStatuses() []CaseStatus {
	return append([]CaseStatus(nil), caseStatuses...)
}

func (s CaseStatus) Valid() bool {
	for _, v := range caseStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s CaseStatus) Terminal() bool {
	return s == CaseCompleted || s == CaseFailed
}

// ExtractionStatus tracks the downstream extraction step independently of
// the case status.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionInProgress ExtractionStatus = "in_progress"
	ExtractionSucceeded  ExtractionStatus = "succeeded"
	ExtractionFailed     ExtractionStatus = "failed"
	ExtractionStale      ExtractionStatus = "stale"
)

var extractionStatuses = []ExtractionStatus{
	ExtractionPending, ExtractionInProgress, ExtractionSucceeded, ExtractionFailed, ExtractionStale,
}

func ExtractionStatuses() []ExtractionStatus {
	return append([]ExtractionStatus(nil), extractionStatuses...)
}

// Outcome is the terminal result reported for an OCR or extraction step.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Case groups documents that travel through OCR and extraction together.
type Case struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      *string           `json:"description,omitempty"`
	Metadata         map[string]string `json:"metadata"`
	Priority         int               `json:"priority"`
	Status           CaseStatus        `json:"status"`
	ExtractionStatus ExtractionStatus  `json:"extraction_status"`
	LeaseToken       string            `json:"-"`
	LeaseAcquiredAt  *time.Time        `json:"lease_acquired_at,omitempty"`
	LeaseExpiresAt   *time.Time        `json:"lease_expires_at,omitempty"`
	LastLeaseToken   string            `json:"-"`
	ReadySince       *time.Time        `json:"ready_since,omitempty"`
	ErrorMessage     *string           `json:"error_message,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Version          int64             `json:"version"`

	Documents []*Document `json:"documents,omitempty"`
}

// TransitionError is returned when a state change is not allowed from the
// current state.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (c *Case) invalid(to CaseStatus) error {
	return &TransitionError{Entity: "case", From: string(c.Status), To: string(to)}
}

// NewCase builds a case in the created state.
func NewCase(id, name string, description *string, metadata map[string]string, priority int, now time.Time) *Case {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Case{
		ID:               id,
		Name:             name,
		Description:      description,
		Metadata:         metadata,
		Priority:         priority,
		Status:           CaseCreated,
		ExtractionStatus: ExtractionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// HasLease reports whether a lease is held and unexpired at now.
func (c *Case) HasLease(now time.Time) bool {
	return c.Status == CaseExtractionInProgress && c.LeaseExpiresAt != nil && !now.After(*c.LeaseExpiresAt)
}

// LeaseExpired reports whether the case holds a lease that ran out before now.
func (c *Case) LeaseExpired(now time.Time) bool {
	return c.Status == CaseExtractionInProgress && c.LeaseExpiresAt != nil && now.After(*c.LeaseExpiresAt)
}

// StartProcessing moves a created case into OCR processing.
func (c *Case) StartProcessing(now time.Time) error {
	if c.Status != CaseCreated {
		return c.invalid(CaseProcessing)
	}
	c.Status = CaseProcessing
	c.UpdatedAt = now
	return nil
}

// ResetToCreated undoes StartProcessing for a cancelled job.
func (c *Case) ResetToCreated(now time.Time) error {
	if c.Status != CaseProcessing {
		return c.invalid(CaseCreated)
	}
	c.Status = CaseCreated
	c.UpdatedAt = now
	return nil
}

// MarkReady records a successful OCR step.
func (c *Case) MarkReady(now time.Time) error {
	if c.Status != CaseProcessing {
		return c.invalid(CaseReadyForExtraction)
	}
	c.Status = CaseReadyForExtraction
	c.ExtractionStatus = ExtractionPending
	c.ReadySince = &now
	c.ErrorMessage = nil
	c.UpdatedAt = now
	return nil
}

// MarkOCRFailed records a failed OCR step. The case becomes terminal.
func (c *Case) MarkOCRFailed(detail string, now time.Time) error {
	if c.Status != CaseProcessing {
		return c.invalid(CaseFailed)
	}
	c.Status = CaseFailed
	if detail != "" {
		c.ErrorMessage = &detail
	}
	c.UpdatedAt = now
	return nil
}

// AcquireLease moves a ready case into extraction under the given token.
func (c *Case) AcquireLease(token string, now, expiresAt time.Time) error {
	if c.Status != CaseReadyForExtraction {
		return c.invalid(CaseExtractionInProgress)
	}
	c.Status = CaseExtractionInProgress
	c.ExtractionStatus = ExtractionInProgress
	c.LeaseToken = token
	c.LeaseAcquiredAt = &now
	c.LeaseExpiresAt = &expiresAt
	c.UpdatedAt = now
	return nil
}

// ExtendLease sets a new expiry for a held lease.
func (c *Case) ExtendLease(expiresAt, now time.Time) error {
	if c.Status != CaseExtractionInProgress {
		return c.invalid(CaseExtractionInProgress)
	}
	c.LeaseExpiresAt = &expiresAt
	c.UpdatedAt = now
	return nil
}

// CompleteExtraction applies a terminal extraction outcome and clears the
// lease. Reported metadata is merged over the existing metadata.
func (c *Case) CompleteExtraction(outcome Outcome, metadata map[string]string, errorMessage string, now time.Time) error {
	to := CaseCompleted
	if outcome == OutcomeFailed {
		to = CaseFailed
	}
	if c.Status != CaseExtractionInProgress {
		return c.invalid(to)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		c.Metadata[k] = v
	}
	c.Status = to
	c.ExtractionStatus = ExtractionStatus(outcome)
	c.LastLeaseToken = c.LeaseToken
	if outcome == OutcomeFailed && errorMessage != "" {
		c.ErrorMessage = &errorMessage
	}
	c.clearLease()
	c.UpdatedAt = now
	return nil
}

// ReleaseLease gives a held lease back without a terminal outcome.
func (c *Case) ReleaseLease(now time.Time) error {
	return c.demote(ExtractionPending, now)
}

// ExpireLease demotes a case whose lease ran out.
func (c *Case) ExpireLease(now time.Time) error {
	return c.demote(ExtractionStale, now)
}

func (c *Case) demote(extraction ExtractionStatus, now time.Time) error {
	if c.Status != CaseExtractionInProgress {
		return c.invalid(CaseReadyForExtraction)
	}
	c.Status = CaseReadyForExtraction
	c.ExtractionStatus = extraction
	c.ReadySince = &now
	c.clearLease()
	c.UpdatedAt = now
	return nil
}

// Reopen returns a finished extraction to the ready pool. Cases that failed
// OCR have nothing to extract and cannot be reopened.
func (c *Case) Reopen(now time.Time) error {
	switch {
	case c.Status == CaseCompleted:
	case c.Status == CaseFailed && c.ExtractionStatus == ExtractionFailed:
	default:
		return c.invalid(CaseReadyForExtraction)
	}
	c.Status = CaseReadyForExtraction
	c.ExtractionStatus = ExtractionPending
	c.ReadySince = &now
	c.ErrorMessage = nil
	c.LastLeaseToken = ""
	c.UpdatedAt = now
	return nil
}

func (c *Case) clearLease() {
	c.LeaseToken = ""
	c.LeaseAcquiredAt = nil
	c.LeaseExpiresAt = nil
}
