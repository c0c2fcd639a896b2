package model

import (
	"time"

	"github.com/google/uuid"
)

// DayFormat is the layout of UsageCounter.Date.
const DayFormat = "2006-01-02"

// UsageCounter accumulates per-key activity for one UTC calendar day.
type UsageCounter struct {
	Date        string    `gorm:"type:varchar(10);primaryKey" json:"date"`
	APIKeyID    uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"api_key_id"`
	Requests    int64     `gorm:"not null;default:0" json:"requests"`
	BytesServed int64     `gorm:"not null;default:0" json:"bytes_served"`
	Uploads     int64     `gorm:"not null;default:0" json:"uploads"`
}

// Day returns the UsageCounter date for t.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// MonthStart returns the UsageCounter date of the first day of t's month.
func MonthStart(t time.Time) string {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(DayFormat)
}
