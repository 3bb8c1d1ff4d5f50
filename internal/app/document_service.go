package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"paperchat/internal/model"
	"paperchat/internal/repository"
)

var ErrIngestEnqueue = errors.New("ingest enqueue failed")

// IngestJobPublisher hands a document id to the ingestion queue.
type IngestJobPublisher interface {
	Publish(ctx context.Context, documentID uint) error
}

// BlobWriter stages uploaded bytes under a storage key.
type BlobWriter interface {
	Save(key string, r io.Reader) (int64, error)
}

// StatusCache caches upload statuses for poll absorption.
type StatusCache interface {
	Get(ctx context.Context, userID, documentID uint) (string, bool, error)
	Set(ctx context.Context, userID, documentID uint, status string) error
}

type DocumentService struct {
	docRepo   *repository.DocumentRepository
	blobs     BlobWriter
	publisher IngestJobPublisher
	statuses  StatusCache
}

type UploadInput struct {
	UserID   uint
	Filename string
	Reader   io.Reader
}

func NewDocumentService(
	docRepo *repository.DocumentRepository,
	blobs BlobWriter,
	publisher IngestJobPublisher,
	statuses StatusCache,
) *DocumentService {
	return &DocumentService{
		docRepo:   docRepo,
		blobs:     blobs,
		publisher: publisher,
		statuses:  statuses,
	}
}

// Upload stages the raw bytes, records the document as PENDING and enqueues
// an ingest job. Processing happens asynchronously; callers poll Status until
// it turns terminal.
func (s *DocumentService) Upload(ctx context.Context, input UploadInput) (*model.Document, error) {
	if input.UserID == 0 || input.Reader == nil {
		return nil, ErrInvalidInput
	}
	filename := filepath.Base(strings.TrimSpace(input.Filename))
	if filename == "" || filename == "." {
		return nil, ErrInvalidInput
	}

	key := fmt.Sprintf("%s/%s", uuid.NewString(), filename)
	if _, err := s.blobs.Save(key, input.Reader); err != nil {
		return nil, err
	}

	doc := &model.Document{
		UserID:     input.UserID,
		Name:       filename,
		StorageKey: key,
		SourceURL:  "/files/" + key,
		Status:     model.UploadStatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, err
	}

	if s.publisher == nil {
		return nil, ErrIngestEnqueue
	}
	if err := s.publisher.Publish(ctx, doc.ID); err != nil {
		// Without a queued job the document would stay PENDING forever.
		if uerr := s.docRepo.UpdateStatus(doc.ID, model.UploadStatusFailed); uerr != nil {
			log.Printf("document: mark unqueued document %d failed: %v", doc.ID, uerr)
		}
		return nil, ErrIngestEnqueue
	}

	return doc, nil
}

func (s *DocumentService) List(userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docRepo.ListByUserID(userID)
}

// Status returns the document's current upload status, serving from the
// short-lived cache when possible.
func (s *DocumentService) Status(ctx context.Context, userID, documentID uint) (string, error) {
	if userID == 0 || documentID == 0 {
		return "", ErrInvalidInput
	}

	if s.statuses != nil {
		if status, hit, err := s.statuses.Get(ctx, userID, documentID); err == nil && hit {
			return status, nil
		}
	}

	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", ErrDocumentNotFound
	}

	if s.statuses != nil {
		if err := s.statuses.Set(ctx, userID, documentID, doc.Status); err != nil {
			log.Printf("document: cache status for document %d failed: %v", documentID, err)
		}
	}
	return doc.Status, nil
}
