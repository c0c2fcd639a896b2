// Package images reads, serves and soft-deletes stored images, and merges
// generated variants into their records.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/events"
	"imghost/internal/imaging"
	"imghost/internal/model"
	"imghost/internal/storage"
	"imghost/internal/usage"
)

// OriginalVariant names the uploaded bytes in Fetch.
const OriginalVariant = "original"

const mergeAttempts = 8

// Blob is a served image body.
type Blob struct {
	Data []byte
	Mime string
}

type Service struct {
	db     *gorm.DB
	store  storage.Store
	ledger *usage.Ledger
	events *events.Log
	now    func() time.Time
	logger *slog.Logger
}

func NewService(db *gorm.DB, store storage.Store, ledger *usage.Ledger, log *events.Log, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		store:  store,
		ledger: ledger,
		events: log,
		now:    time.Now,
		logger: logger.With("component", "images"),
	}
}

// Get returns a live image the caller may see: its own, or any public one.
// Everything else is reported as not found.
func (s *Service) Get(ctx context.Context, caller *model.APIKey, id uuid.UUID) (*model.Image, error) {
	var img model.Image
	err := s.db.WithContext(ctx).First(&img, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("image")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image %s: %w", id, err)
	}
	if !img.IsPublic && (caller == nil || caller.OwnerID != img.OwnerID) {
		return nil, apperr.NotFound("image")
	}
	return &img, nil
}

// Fetch returns the bytes of the original or of a named variant and records
// bytes_served against the caller's key.
func (s *Service) Fetch(ctx context.Context, caller *model.APIKey, id uuid.UUID, variant string) (*Blob, error) {
	img, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	path, mime := img.StoragePath, img.Mime
	if variant != "" && variant != OriginalVariant {
		v, ok := img.Variants.Data()[variant]
		if !ok {
			return nil, apperr.NotFound("variant")
		}
		path, mime = v.Path, v.Mime
	}

	data, err := s.store.Get(ctx, path)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, apperr.NotFound("image data")
	}
	if err != nil {
		return nil, apperr.Internal("read image", err)
	}

	if caller != nil {
		if err := s.ledger.Increment(ctx, caller.ID, usage.Delta{BytesServed: int64(len(data))}); err != nil {
			s.logger.Error("failed to record bytes served", "api_key_id", caller.ID, "error", err)
		}
	}
	return &Blob{Data: data, Mime: mime}, nil
}

// Delete soft-deletes an image owned by the caller and emits image_deleted.
func (s *Service) Delete(ctx context.Context, caller *model.APIKey, id uuid.UUID) error {
	img, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if caller == nil || img.OwnerID != caller.OwnerID {
		return apperr.NotFound("image")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Image{}).Unscoped().
			Where("id = ? AND deleted_at IS NULL", id).
			Update("deleted_at", s.now().UTC())
		if res.Error != nil {
			return fmt.Errorf("failed to delete image %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("image")
		}
		_, err := s.events.Tx(tx).Append(ctx, model.EventImageDeleted, events.ImageDeleted{
			ImageID: img.ID,
			OwnerID: img.OwnerID,
		})
		return err
	})
}

// MergeVariant adds or replaces one entry of an image's variants map without
// losing entries written concurrently by other workers. Soft-deleted images
// are still updated.
func (s *Service) MergeVariant(ctx context.Context, imageID uuid.UUID, name string, v model.Variant) error {
	for attempt := 0; attempt < mergeAttempts; attempt++ {
		var img model.Image
		err := s.db.WithContext(ctx).Unscoped().First(&img, "id = ?", imageID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("image")
		}
		if err != nil {
			return fmt.Errorf("failed to load image %s: %w", imageID, err)
		}

		merged := model.Variants{}
		for k, existing := range img.Variants.Data() {
			merged[k] = existing
		}
		merged[name] = v

		res := s.db.WithContext(ctx).Model(&model.Image{}).Unscoped().
			Where("id = ? AND variants_version = ?", imageID, img.VariantsVersion).
			Updates(map[string]interface{}{
				"variants":         datatypes.NewJSONType(merged),
				"variants_version": img.VariantsVersion + 1,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to merge variant %s into image %s: %w", name, imageID, res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to merge variant %s into image %s: too much contention", name, imageID)
}

// Source loads an image record and its original bytes regardless of
// soft-deletion, for variant generation.
func (s *Service) Source(ctx context.Context, imageID uuid.UUID) (*model.Image, []byte, error) {
	var img model.Image
	err := s.db.WithContext(ctx).Unscoped().First(&img, "id = ?", imageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperr.NotFound("image")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load image %s: %w", imageID, err)
	}
	data, err := s.store.Get(ctx, img.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read original of image %s: %w", imageID, err)
	}
	return &img, data, nil
}

// SelectVariant names the stored copy that best answers a ?w= or ?format=
// request. A width picks the original, thumbnail or w<N> copy whose width is
// closest, ties going to the larger copy. A format picks the largest copy in
// that encoding. Anything unmatched is served as the original.
func SelectVariant(img *model.Image, width int, format string) string {
	variants := img.Variants.Data()
	names := slices.Sorted(maps.Keys(variants))

	if width > 0 {
		best, bestWidth := OriginalVariant, img.Width
		bestDist := distance(img.Width, width)
		for _, name := range names {
			v := variants[name]
			if !isResized(name) {
				continue
			}
			d := distance(v.Width, width)
			if d < bestDist || (d == bestDist && v.Width > bestWidth) {
				best, bestWidth, bestDist = name, v.Width, d
			}
		}
		return best
	}

	if format == "" {
		return OriginalVariant
	}
	if format == "jpg" {
		format = "jpeg"
	}
	mime := imaging.MimeOf(strings.ToLower(format))
	if mime == img.Mime {
		return OriginalVariant
	}
	best, bestWidth := OriginalVariant, -1
	for _, name := range names {
		v := variants[name]
		if v.Mime == mime && v.Width > bestWidth {
			best, bestWidth = name, v.Width
		}
	}
	return best
}

func isResized(name string) bool {
	if name == "thumbnail" {
		return true
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "w"))
	return strings.HasPrefix(name, "w") && err == nil && n > 0
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
