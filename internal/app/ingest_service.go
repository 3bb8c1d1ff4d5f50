package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"paperchat/internal/model"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrExtractionFailed = errors.New("extraction failed")
)

// DocumentStore is the slice of the document repository ingestion needs.
type DocumentStore interface {
	GetByID(id uint) (*model.Document, error)
	UpdateStatus(id uint, status string) error
	SetContent(id uint, content string) error
}

// UserStore resolves a document owner's subscription plan.
type UserStore interface {
	GetByID(id uint) (*model.User, error)
}

// BlobStore reads back the raw uploaded bytes.
type BlobStore interface {
	Open(key string) (io.ReadCloser, error)
}

// PageExtractor turns raw document bytes into ordered page texts.
type PageExtractor func(data []byte) ([]string, error)

// StatusInvalidator drops cached status entries after a transition.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, documentID uint) error
}

// IngestService drives a document through
// PENDING → PROCESSING → {SUCCESS, FAILED}. Terminal statuses never change,
// and the terminal write happens on every exit path.
type IngestService struct {
	docs       DocumentStore
	users      UserStore
	blobs      BlobStore
	extract    PageExtractor
	statuses   StatusInvalidator
	pageLimits map[string]int
}

func NewIngestService(
	docs DocumentStore,
	users UserStore,
	blobs BlobStore,
	extract PageExtractor,
	statuses StatusInvalidator,
	pageLimits map[string]int,
) *IngestService {
	return &IngestService{
		docs:       docs,
		users:      users,
		blobs:      blobs,
		extract:    extract,
		statuses:   statuses,
		pageLimits: pageLimits,
	}
}

// Ingest processes one uploaded document: extract page texts, enforce the
// owner's page limit, persist the joined content, and write a terminal
// status. Re-invoking on a document already in a terminal status is a no-op.
func (s *IngestService) Ingest(ctx context.Context, documentID uint) error {
	doc, err := s.docs.GetByID(documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	if model.IsTerminalStatus(doc.Status) {
		return nil
	}

	if doc.Status == model.UploadStatusPending {
		if err := s.docs.UpdateStatus(doc.ID, model.UploadStatusProcessing); err != nil {
			return err
		}
		s.invalidateStatus(ctx, doc.ID)
	}

	// The terminal status must land no matter how processing exits; only the
	// success path upgrades it.
	finalStatus := model.UploadStatusFailed
	defer func() {
		if uerr := s.docs.UpdateStatus(doc.ID, finalStatus); uerr != nil {
			log.Printf("ingest: write terminal status for document %d failed: %v", doc.ID, uerr)
		}
		s.invalidateStatus(ctx, doc.ID)
	}()

	raw, err := s.readBlob(doc.StorageKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	pages, err := s.extract(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	limit := s.maxPagesFor(doc.UserID)
	if limit > 0 && len(pages) > limit {
		// Over the plan limit: a normal terminal outcome, observable only
		// through the FAILED status. No content is written.
		log.Printf("ingest: document %d has %d pages, limit %d; marking failed", doc.ID, len(pages), limit)
		return nil
	}

	if err := s.docs.SetContent(doc.ID, strings.Join(pages, "\n")); err != nil {
		return err
	}

	finalStatus = model.UploadStatusSuccess
	return nil
}

// MarkFailed forces a document into the FAILED terminal status without
// processing it. Used when its ingest job has to be abandoned before Ingest
// could install the deferred terminal write; terminal rows stay untouched.
func (s *IngestService) MarkFailed(ctx context.Context, documentID uint) {
	if err := s.docs.UpdateStatus(documentID, model.UploadStatusFailed); err != nil {
		log.Printf("ingest: abandon document %d failed: %v", documentID, err)
		return
	}
	s.invalidateStatus(ctx, documentID)
}

func (s *IngestService) invalidateStatus(ctx context.Context, documentID uint) {
	if s.statuses == nil {
		return
	}
	if err := s.statuses.Invalidate(ctx, documentID); err != nil {
		log.Printf("ingest: invalidate status cache for document %d failed: %v", documentID, err)
	}
}

func (s *IngestService) readBlob(key string) ([]byte, error) {
	rc, err := s.blobs.Open(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// maxPagesFor resolves the page limit from the owner's plan. Unknown users or
// plans fall back to the free limit; a limit of 0 or below means unlimited.
func (s *IngestService) maxPagesFor(userID uint) int {
	plan := model.PlanFree
	user, err := s.users.GetByID(userID)
	if err != nil {
		log.Printf("ingest: resolve owner %d failed: %v", userID, err)
	} else if user != nil && user.Plan != "" {
		plan = user.Plan
	}

	if limit, ok := s.pageLimits[plan]; ok {
		return limit
	}
	return s.pageLimits[model.PlanFree]
}
