package models

import "time"

// DocumentStatus represents the processing state of a single document
type DocumentStatus string

const (
	DocumentUploaded  DocumentStatus = "uploaded"
	DocumentQueued    DocumentStatus = "queued"
	DocumentProcessed DocumentStatus = "processed"
	DocumentFailed    DocumentStatus = "failed"
)

// Document is a file owned by exactly one case. Exactly one of URL and
// BlobRef is set.
type Document struct {
	ID        string            `json:"id"`
	CaseID    string            `json:"case_id"`
	Filename  string            `json:"filename"`
	URL       string            `json:"url,omitempty"`
	BlobRef   string            `json:"blob_ref,omitempty"`
	Metadata  map[string]string `json:"metadata"`
	Status    DocumentStatus    `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Source returns whichever of URL or BlobRef is set.
func (d *Document) Source() string {
	if d.URL != "" {
		return d.URL
	}
	return d.BlobRef
}
