// Package usage is the single writer of per-key daily usage counters.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"imghost/internal/model"
)

// Delta is the amount added to a day's counters.
type Delta struct {
	Requests    int64
	BytesServed int64
	Uploads     int64
}

// Period selects which counters Reset zeroes.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodAll     Period = "all"
)

// Totals is an aggregate over a date range.
type Totals struct {
	Requests    int64 `json:"requests"`
	BytesServed int64 `json:"bytes_served"`
	Uploads     int64 `json:"uploads"`
}

// Ledger reads and accumulates UsageCounter rows.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Tx returns a ledger bound to an open transaction.
func (l *Ledger) Tx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// Now returns the ledger's current time in UTC.
func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

// Increment adds d to today's row for the key, creating it when absent.
// The update is a single upsert so concurrent increments never lose counts.
func (l *Ledger) Increment(ctx context.Context, keyID uuid.UUID, d Delta) error {
	if d == (Delta{}) {
		return nil
	}
	row := model.UsageCounter{
		Date:        model.Day(l.Now()),
		APIKeyID:    keyID,
		Requests:    d.Requests,
		BytesServed: d.BytesServed,
		Uploads:     d.Uploads,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}, {Name: "api_key_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"requests":     gorm.Expr("usage_counters.requests + ?", d.Requests),
			"bytes_served": gorm.Expr("usage_counters.bytes_served + ?", d.BytesServed),
			"uploads":      gorm.Expr("usage_counters.uploads + ?", d.Uploads),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to increment usage for key %s: %w", keyID, err)
	}
	return nil
}

// DailyRequests returns today's request count for the key.
func (l *Ledger) DailyRequests(ctx context.Context, keyID uuid.UUID) (int64, error) {
	today := model.Day(l.Now())
	return l.sumRequests(ctx, keyID, today, today)
}

// MonthlyRequests returns the request count from the first of the month through today.
func (l *Ledger) MonthlyRequests(ctx context.Context, keyID uuid.UUID) (int64, error) {
	now := l.Now()
	return l.sumRequests(ctx, keyID, model.MonthStart(now), model.Day(now))
}

func (l *Ledger) sumRequests(ctx context.Context, keyID uuid.UUID, from, to string) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&model.UsageCounter{}).
		Select("COALESCE(SUM(requests), 0)").
		Where("api_key_id = ? AND date >= ? AND date <= ?", keyID, from, to).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum requests for key %s: %w", keyID, err)
	}
	return total, nil
}

// Reset zeroes the counters of the current day, month, or both.
// Rows are kept so the month aggregate stays consistent with the daily rows.
func (l *Ledger) Reset(ctx context.Context, keyID uuid.UUID, period Period) error {
	now := l.Now()
	q := l.db.WithContext(ctx).Model(&model.UsageCounter{}).Where("api_key_id = ?", keyID)
	switch period {
	case PeriodDaily:
		q = q.Where("date = ?", model.Day(now))
	case PeriodMonthly, PeriodAll:
		q = q.Where("date >= ? AND date <= ?", model.MonthStart(now), model.Day(now))
	default:
		return fmt.Errorf("unknown quota period %q", period)
	}
	err := q.Updates(map[string]interface{}{"requests": 0, "bytes_served": 0, "uploads": 0}).Error
	if err != nil {
		return fmt.Errorf("failed to reset %s usage for key %s: %w", period, keyID, err)
	}
	return nil
}

// Range returns the key's rows between from and to inclusive, oldest first.
func (l *Ledger) Range(ctx context.Context, keyID uuid.UUID, from, to time.Time) ([]model.UsageCounter, error) {
	var rows []model.UsageCounter
	err := l.db.WithContext(ctx).
		Where("api_key_id = ? AND date >= ? AND date <= ?", keyID, model.Day(from), model.Day(to)).
		Order("date asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load usage for key %s: %w", keyID, err)
	}
	return rows, nil
}

// Sum adds up a set of rows.
func Sum(rows []model.UsageCounter) Totals {
	var t Totals
	for _, r := range rows {
		t.Requests += r.Requests
		t.BytesServed += r.BytesServed
		t.Uploads += r.Uploads
	}
	return t
}

// PruneBefore deletes rows dated before day and returns how many were removed.
func (l *Ledger) PruneBefore(ctx context.Context, day time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("date < ?", model.Day(day)).Delete(&model.UsageCounter{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune usage counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
