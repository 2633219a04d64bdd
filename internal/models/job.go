package models

import "time"

// JobStatus represents the state of a job
type JobStatus string

const (
	JobPending         JobStatus = "pending"
	JobRunning         JobStatus = "running"
	JobCompleted       JobStatus = "completed"
	JobFailed          JobStatus = "failed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobCancelled       JobStatus = "cancelled"
)

var jobStatuses = []JobStatus{
	JobPending, JobRunning, JobCompleted, JobFailed, JobPartiallyFailed, JobCancelled,
}

func JobStatuses() []JobStatus {
	return append([]JobStatus(nil), jobStatuses...)
}

func (s JobStatus) Valid() bool {
	for _, v := range jobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartiallyFailed, JobCancelled:
		return true
	}
	return false
}

const DefaultLanguage = "vie"

// JobFlags toggles optional OCR features.
type JobFlags struct {
	EnableHandwritingDetection bool `json:"enable_handwriting_detection"`
}

// CaseResult is the OCR outcome recorded for one case of a job.
type CaseResult struct {
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Job represents an OCR run over one or more cases
type Job struct {
	ID                string                `json:"id"`
	CaseIDs           []string              `json:"case_ids"`
	Language          string                `json:"language"`
	Flags             JobFlags              `json:"flags"`
	Priority          int                   `json:"priority"`
	Status            JobStatus             `json:"status"`
	Results           map[string]CaseResult `json:"results"`
	DispatchExpiresAt *time.Time            `json:"dispatch_expires_at,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	Version           int64                 `json:"version"`
}

// NewJob builds a pending job over the given cases.
func NewJob(id string, caseIDs []string, language string, flags JobFlags, priority int, now time.Time) *Job {
	return &Job{
		ID:        id,
		CaseIDs:   caseIDs,
		Language:  language,
		Flags:     flags,
		Priority:  priority,
		Status:    JobPending,
		Results:   map[string]CaseResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) invalid(to JobStatus) error {
	return &TransitionError{Entity: "job", From: string(j.Status), To: string(to)}
}

// Contains reports whether caseID belongs to the job.
func (j *Job) Contains(caseID string) bool {
	for _, id := range j.CaseIDs {
		if id == caseID {
			return true
		}
	}
	return false
}

func (j *Job) HasResult(caseID string) bool {
	_, ok := j.Results[caseID]
	return ok
}

// Progress is the fraction of cases with a recorded result.
func (j *Job) Progress() float64 {
	if len(j.CaseIDs) == 0 {
		return 0
	}
	return float64(len(j.Results)) / float64(len(j.CaseIDs))
}

// Start moves a pending job to running.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobPending {
		return j.invalid(JobRunning)
	}
	j.Status = JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// RecordResult stores the OCR outcome for one case and finalizes the job
// once every case has reported. It returns true when this call made the job
// terminal.
func (j *Job) RecordResult(caseID string, outcome Outcome, detail string, now time.Time) (bool, error) {
	if j.Status.Terminal() {
		return false, j.invalid(j.Status)
	}
	if j.Status == JobPending {
		if err := j.Start(now); err != nil {
			return false, err
		}
	}
	if j.Results == nil {
		j.Results = map[string]CaseResult{}
	}
	j.Results[caseID] = CaseResult{Outcome: outcome, Detail: detail, RecordedAt: now}
	j.UpdatedAt = now

	if len(j.Results) < len(j.CaseIDs) {
		return false, nil
	}

	succeeded := 0
	for _, r := range j.Results {
		if r.Outcome == OutcomeSucceeded {
			succeeded++
		}
	}
	switch succeeded {
	case len(j.CaseIDs):
		j.Status = JobCompleted
	case 0:
		j.Status = JobFailed
	default:
		j.Status = JobPartiallyFailed
	}
	j.CompletedAt = &now
	j.DispatchExpiresAt = nil
	return true, nil
}

// Cancel stops a non-terminal job.
func (j *Job) Cancel(now time.Time) error {
	if j.Status.Terminal() {
		return j.invalid(JobCancelled)
	}
	j.Status = JobCancelled
	j.CompletedAt = &now
	j.DispatchExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

// LeaseDispatch hands the job to an OCR dispatcher until expiresAt.
func (j *Job) LeaseDispatch(expiresAt, now time.Time) error {
	if j.Status.Terminal() {
		return j.invalid(JobRunning)
	}
	if j.Status == JobPending {
		if err := j.Start(now); err != nil {
			return err
		}
	}
	j.DispatchExpiresAt = &expiresAt
	j.UpdatedAt = now
	return nil
}
