package idempotency

import (
	"time"

	"gorm.io/gorm"
)

// Record marks a provider event as fully processed.
type Record struct {
	gorm.Model   `json:"-"`
	EventID      string    `gorm:"uniqueIndex;size:128" json:"event_id"`
	EventType    string    `gorm:"size:64" json:"event_type"`
	ResourceType string    `gorm:"size:32" json:"resource_type,omitempty"`
	ResourceID   string    `gorm:"size:64" json:"resource_id,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
	ExpiresAt    time.Time `gorm:"index" json:"expires_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}
