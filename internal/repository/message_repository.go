package repository

import (
	"fmt"

	"gorm.io/gorm"

	"paperchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create appends a turn to a document's log. Turns are immutable afterwards.
func (r *MessageRepository) Create(message *model.Message) error {
	if err := r.db.Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// ListByDocumentID pages through a document's turns in creation order. The
// cursor is the id of the last turn already seen; results start strictly after
// it. Pass cursor 0 for the first page.
func (r *MessageRepository) ListByDocumentID(documentID, cursor uint, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := r.db.Where("document_id = ?", documentID)
	if cursor > 0 {
		q = q.Where("id > ?", cursor)
	}

	var messages []model.Message
	if err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentByDocumentID returns the newest limit turns, oldest first.
func (r *MessageRepository) ListRecentByDocumentID(documentID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var messages []model.Message
	if err := r.db.Where("document_id = ?", documentID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}

	// Reverse into ascending order so callers read the transcript top-down.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
