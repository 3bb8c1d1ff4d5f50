package model

import "time"

// Upload statuses. PENDING and PROCESSING are transient; SUCCESS and FAILED
// are terminal and never change afterwards.
const (
	UploadStatusPending    = "PENDING"
	UploadStatusProcessing = "PROCESSING"
	UploadStatusSuccess    = "SUCCESS"
	UploadStatusFailed     = "FAILED"
)

// Document is an uploaded file and its extracted text. Content is filled by
// the ingestion worker once extraction succeeds and is never exposed in JSON.
type Document struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	Name       string    `gorm:"size:256;not null" json:"name"`
	StorageKey string    `gorm:"size:512;not null" json:"storage_key"`
	SourceURL  string    `gorm:"size:512" json:"source_url"`
	Content    string    `gorm:"type:longtext" json:"-"`
	Status     string    `gorm:"size:16;not null;index" json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsTerminalStatus reports whether s permits no further transition.
func IsTerminalStatus(s string) bool {
	return s == UploadStatusSuccess || s == UploadStatusFailed
}
