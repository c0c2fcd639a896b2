package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventType names an audit event.
type EventType string

const (
	EventImageUploaded EventType = "image_uploaded"
	EventImageDeleted  EventType = "image_deleted"
	EventImageCleanup  EventType = "image_cleanup"
	EventJobFailed     EventType = "job_failed"
)

// Event is an append-only audit record. Only ProcessedAt and ErrorMessage
// change after insert, when an external subscriber consumes it.
type Event struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	EventType    EventType      `gorm:"type:varchar(64);index;not null" json:"event_type"`
	Payload      datatypes.JSON `gorm:"not null" json:"payload"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	ProcessedAt  *time.Time     `gorm:"index;default:null" json:"processed_at,omitempty"`
	ErrorMessage *string        `gorm:"type:text;default:null" json:"error_message,omitempty"`
}
