package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"paperchat/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(doc *model.Document) error {
	if err := r.db.Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListByUserID(userID uint) ([]model.Document, error) {
	var docs []model.Document
	if err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return docs, nil
}

// UpdateStatus transitions a document's status. Rows already in a terminal
// status are never touched, so SUCCESS and FAILED can only be reached once.
func (r *DocumentRepository) UpdateStatus(id uint, status string) error {
	res := r.db.Model(&model.Document{}).
		Where("id = ? AND status NOT IN ?", id, []string{model.UploadStatusSuccess, model.UploadStatusFailed}).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update document status failed: %w", res.Error)
	}
	return nil
}

// SetContent stores the extracted text of a document.
func (r *DocumentRepository) SetContent(id uint, content string) error {
	res := r.db.Model(&model.Document{}).
		Where("id = ?", id).
		Update("content", content)
	if res.Error != nil {
		return fmt.Errorf("set document content failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set document content failed: document %d not found", id)
	}
	return nil
}
