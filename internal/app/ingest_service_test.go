package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperchat/internal/model"
)

type fakeDocStore struct {
	doc        *model.Document
	statuses   []string
	content    string
	contentSet bool
	contentErr error
}

func (f *fakeDocStore) GetByID(id uint) (*model.Document, error) {
	if f.doc == nil || f.doc.ID != id {
		return nil, nil
	}
	return f.doc, nil
}

func (f *fakeDocStore) UpdateStatus(id uint, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDocStore) SetContent(id uint, content string) error {
	if f.contentErr != nil {
		return f.contentErr
	}
	f.content = content
	f.contentSet = true
	return nil
}

type fakeUserStore struct {
	user *model.User
}

func (f *fakeUserStore) GetByID(id uint) (*model.User, error) {
	return f.user, nil
}

type fakeBlobStore struct {
	data    []byte
	openErr error
}

func (f *fakeBlobStore) Open(key string) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

type fakeInvalidator struct {
	calls int
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, documentID uint) error {
	f.calls++
	return nil
}

func newIngestFixture(doc *model.Document, plan string, pages []string, extractErr error) (*IngestService, *fakeDocStore, *fakeInvalidator) {
	docs := &fakeDocStore{doc: doc}
	users := &fakeUserStore{user: &model.User{Plan: plan}}
	blobs := &fakeBlobStore{data: []byte("%PDF-stub")}
	invalidator := &fakeInvalidator{}
	extract := func(data []byte) ([]string, error) {
		if extractErr != nil {
			return nil, extractErr
		}
		return pages, nil
	}
	svc := NewIngestService(docs, users, blobs, extract, invalidator, map[string]int{
		model.PlanFree: 2,
		model.PlanPro:  5,
	})
	return svc, docs, invalidator
}

func TestIngest_Success(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, invalidator := newIngestFixture(doc, model.PlanFree, []string{"A", "B"}, nil)

	err := svc.Ingest(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, []string{model.UploadStatusProcessing, model.UploadStatusSuccess}, docs.statuses)
	assert.Equal(t, "A\nB", docs.content)
	// Both the PROCESSING and the terminal transition drop the cached status.
	assert.Equal(t, 2, invalidator.calls)
}

func TestIngest_PageLimitExceeded(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, _ := newIngestFixture(doc, model.PlanFree, []string{"A", "B", "C"}, nil)

	err := svc.Ingest(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, []string{model.UploadStatusProcessing, model.UploadStatusFailed}, docs.statuses)
	assert.False(t, docs.contentSet)
}

func TestIngest_ProPlanRaisesLimit(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, _ := newIngestFixture(doc, model.PlanPro, []string{"A", "B", "C"}, nil)

	err := svc.Ingest(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, []string{model.UploadStatusProcessing, model.UploadStatusSuccess}, docs.statuses)
	assert.Equal(t, "A\nB\nC", docs.content)
}

func TestIngest_ExtractionFailure(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, invalidator := newIngestFixture(doc, model.PlanFree, nil, errors.New("broken xref"))

	err := svc.Ingest(context.Background(), 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractionFailed)
	assert.Equal(t, []string{model.UploadStatusProcessing, model.UploadStatusFailed}, docs.statuses)
	assert.False(t, docs.contentSet)
	assert.Equal(t, 2, invalidator.calls)
}

func TestIngest_TerminalStatusIsNoOp(t *testing.T) {
	for _, status := range []string{model.UploadStatusSuccess, model.UploadStatusFailed} {
		doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: status}
		svc, docs, invalidator := newIngestFixture(doc, model.PlanFree, []string{"A"}, nil)

		err := svc.Ingest(context.Background(), 1)

		require.NoError(t, err)
		assert.Empty(t, docs.statuses, "status %s must not transition", status)
		assert.False(t, docs.contentSet)
		assert.Equal(t, 0, invalidator.calls)
	}
}

func TestIngest_SetContentFailureMarksFailed(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, _ := newIngestFixture(doc, model.PlanFree, []string{"A"}, nil)
	docs.contentErr = errors.New("db gone")

	err := svc.Ingest(context.Background(), 1)

	require.Error(t, err)
	assert.Equal(t, []string{model.UploadStatusProcessing, model.UploadStatusFailed}, docs.statuses)
}

func TestIngest_ProcessingTransitionInvalidatesCache(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, invalidator := newIngestFixture(doc, model.PlanFree, []string{"A"}, nil)

	require.NoError(t, svc.Ingest(context.Background(), 1))

	// Pollers must not keep reading a cached PENDING once processing started.
	require.Equal(t, model.UploadStatusProcessing, docs.statuses[0])
	assert.Equal(t, 2, invalidator.calls)
}

func TestMarkFailed(t *testing.T) {
	doc := &model.Document{ID: 1, UserID: 10, StorageKey: "k/a.pdf", Status: model.UploadStatusPending}
	svc, docs, invalidator := newIngestFixture(doc, model.PlanFree, nil, nil)

	svc.MarkFailed(context.Background(), 1)

	assert.Equal(t, []string{model.UploadStatusFailed}, docs.statuses)
	assert.Equal(t, 1, invalidator.calls)
}

func TestIngest_UnknownDocument(t *testing.T) {
	svc, _, _ := newIngestFixture(nil, model.PlanFree, []string{"A"}, nil)

	err := svc.Ingest(context.Background(), 42)

	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
