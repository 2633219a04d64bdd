package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/errs"
	"caseflow/internal/models"
	"caseflow/internal/repository"
)

// DocumentService attaches documents to cases.
type DocumentService struct {
	core
}

func NewDocumentService(deps Deps) *DocumentService {
	return &DocumentService{core: newCore(deps)}
}

type AddDocumentInput struct {
	Filename string            `json:"filename"`
	URL      string            `json:"url"`
	BlobRef  string            `json:"blob_ref"`
	Metadata map[string]string `json:"metadata"`
}

// Add attaches a document to a case that has not been dispatched yet.
func (s *DocumentService) Add(ctx context.Context, caseID string, in AddDocumentInput) (*models.Document, error) {
	filename := strings.TrimSpace(in.Filename)
	if filename == "" {
		return nil, errs.Validation("filename is required")
	}
	url, blobRef := strings.TrimSpace(in.URL), strings.TrimSpace(in.BlobRef)
	if (url == "") == (blobRef == "") {
		return nil, errs.Validation("exactly one of url and blob_ref is required")
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	var doc *models.Document
	err := retryCAS(ctx, func() error {
		c, err := s.getCase(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status != models.CaseCreated {
			return errs.Validation("documents can only be added to a case in status %s, case %s is %s",
				models.CaseCreated, caseID, c.Status)
		}

		now := s.now()
		doc = &models.Document{
			ID:        uuid.NewString(),
			CaseID:    caseID,
			Filename:  filename,
			URL:       url,
			BlobRef:   blobRef,
			Metadata:  metadata,
			Status:    models.DocumentUploaded,
			CreatedAt: now,
			UpdatedAt: now,
		}
		// Touching the case serializes document adds against job creation.
		c.UpdatedAt = now
		return storeErr(s.Repo.Apply(ctx, repository.Mutation{
			NewDocuments: []*models.Document{doc},
			Cases:        []*models.Case{c},
		}), "case "+caseID)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("document added", "case_id", caseID, "document_id", doc.ID)
	return doc, nil
}

// List returns the documents of a case, oldest first.
func (s *DocumentService) List(ctx context.Context, caseID string) ([]*models.Document, error) {
	if _, err := s.getCase(ctx, caseID); err != nil {
		return nil, err
	}
	docs, err := s.Repo.ListDocuments(ctx, caseID)
	if err != nil {
		return nil, errs.Internal(err, "list documents of case %s", caseID)
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	return docs, nil
}
