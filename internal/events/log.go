// Package events is the append-only audit log and its relay to subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"imghost/internal/model"
)

// ImageUploaded is the payload of an image_uploaded event.
type ImageUploaded struct {
	ImageID  uuid.UUID `json:"image_id"`
	OwnerID  uuid.UUID `json:"owner_id"`
	APIKeyID uuid.UUID `json:"api_key_id"`
	SHA256   string    `json:"sha256"`
	Mime     string    `json:"mime"`
	Size     int64     `json:"size"`
	Jobs     int       `json:"jobs"`
}

// ImageDeleted is the payload of an image_deleted event.
type ImageDeleted struct {
	ImageID uuid.UUID `json:"image_id"`
	OwnerID uuid.UUID `json:"owner_id"`
}

// ImageCleanup is the payload of an image_cleanup event.
type ImageCleanup struct {
	Count   int64     `json:"count"`
	SweptAt time.Time `json:"swept_at"`
}

// JobFailed is the payload of a job_failed event.
type JobFailed struct {
	JobID      uuid.UUID `json:"job_id"`
	ImageID    uuid.UUID `json:"image_id"`
	Variant    string    `json:"variant"`
	JobType    string    `json:"job_type"`
	RetryCount int       `json:"retry_count"`
	// Kind is the class of the last failure: job_transient when retries ran
	// out, job_permanent when the job could not succeed.
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Type        model.EventType
	Unprocessed bool
	AfterID     uint
	Limit       int
}

type Log struct {
	db *gorm.DB
}

func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Tx returns a log that appends inside an open transaction.
func (l *Log) Tx(tx *gorm.DB) *Log {
	return &Log{db: tx}
}

// Append records an event with a JSON-encoded payload.
func (l *Log) Append(ctx context.Context, eventType model.EventType, payload interface{}) (*model.Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	ev := &model.Event{EventType: eventType, Payload: datatypes.JSON(body)}
	if err := l.db.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return ev, nil
}

// List returns events in insertion order.
func (l *Log) List(ctx context.Context, f Filter) ([]model.Event, error) {
	q := l.db.WithContext(ctx).Order("id asc")
	if f.Type != "" {
		q = q.Where("event_type = ?", f.Type)
	}
	if f.Unprocessed {
		q = q.Where("processed_at IS NULL")
	}
	if f.AfterID > 0 {
		q = q.Where("id > ?", f.AfterID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var evs []model.Event
	if err := q.Find(&evs).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return evs, nil
}

// MarkProcessed sets processed_at once. It reports false when the event was
// already processed or does not exist.
func (l *Log) MarkProcessed(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := l.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]interface{}{"processed_at": at.UTC(), "error_message": nil})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark event %d processed: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records a delivery error on an unprocessed event.
func (l *Log) MarkFailed(ctx context.Context, id uint, msg string) error {
	err := l.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("error_message", msg).Error
	if err != nil {
		return fmt.Errorf("failed to mark event %d failed: %w", id, err)
	}
	return nil
}
