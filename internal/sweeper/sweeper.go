// Package sweeper soft-deletes images whose expiry has passed.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"imghost/internal/events"
	"imghost/internal/model"
)

type Sweeper struct {
	db     *gorm.DB
	events *events.Log
	logger *slog.Logger
}

func New(db *gorm.DB, log *events.Log, logger *slog.Logger) *Sweeper {
	return &Sweeper{db: db, events: log, logger: logger.With("component", "sweeper")}
}

// Sweep marks every live image with expires_at before now as deleted and
// records a single image_cleanup event when at least one image was swept.
// Running it again with the same now sweeps nothing.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	now = now.UTC()
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Unscoped().Model(&model.Image{}).
			Where("expires_at IS NOT NULL AND expires_at < ? AND deleted_at IS NULL", now).
			Update("deleted_at", now)
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		if count == 0 {
			return nil
		}
		_, err := s.events.Tx(tx).Append(ctx, model.EventImageCleanup, events.ImageCleanup{Count: count, SweptAt: now})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired images: %w", err)
	}
	if count > 0 {
		s.logger.Info("expired images swept", "count", count)
	}
	return count, nil
}
