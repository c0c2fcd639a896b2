// Package ingest is the content-addressable store: it hashes uploads,
// deduplicates them against live images, and creates image records together
// with their variant jobs.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/db"
	"imghost/internal/events"
	"imghost/internal/imaging"
	"imghost/internal/model"
	"imghost/internal/queue"
	"imghost/internal/scan"
	"imghost/internal/storage"
	"imghost/internal/usage"
)

const (
	minAspect = 0.01
	maxAspect = 100.0
)

type Config struct {
	AllowedMimeTypes  []string
	MaxImageDimension int
	ThumbnailSize     int
	// WebPVariant adds a lossless webp copy of every non-webp original.
	WebPVariant bool
	// Scanner, when set, must report new content clean before it is stored.
	Scanner scan.Scanner
}

// Request is one upload.
type Request struct {
	Key          *model.APIKey
	Data         []byte
	Mime         string
	Filename     string
	Public       bool
	ExpiresAt    *time.Time
	ResizeWidths []int
}

// Result carries the canonical image. AlreadyExisted is set when the bytes
// matched a live image and nothing new was stored.
type Result struct {
	Image          *model.Image
	AlreadyExisted bool
	Jobs           []model.ProcessingJob
}

type Store struct {
	db     *gorm.DB
	blobs  storage.Store
	queue  *queue.Queue
	events *events.Log
	ledger *usage.Ledger
	cfg    Config
	logger *slog.Logger
}

func NewStore(gormDB *gorm.DB, blobs storage.Store, q *queue.Queue, log *events.Log, ledger *usage.Ledger, cfg Config, logger *slog.Logger) *Store {
	if cfg.MaxImageDimension <= 0 {
		cfg.MaxImageDimension = 4096
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 256
	}
	return &Store{
		db:     gormDB,
		blobs:  blobs,
		queue:  q,
		events: log,
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With("component", "ingest"),
	}
}

// Ingest stores an upload or resolves it to the live image with the same sha256.
// On any error no image row and no job is left behind.
func (s *Store) Ingest(ctx context.Context, req Request) (*Result, error) {
	if req.Key == nil {
		return nil, apperr.Authentication(apperr.ReasonInvalidKey)
	}
	if len(req.Data) == 0 {
		return nil, apperr.Validation(apperr.ReasonInvalidImage, "empty upload")
	}
	sum := sha256.Sum256(req.Data)
	digest := hex.EncodeToString(sum[:])

	existing, err := s.findLive(ctx, s.db, digest)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.deduplicated(ctx, req.Key, existing)
	}

	mime, width, height, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkImageCount(ctx, s.db, req.Key); err != nil {
		return nil, err
	}
	if err := s.scanUpload(ctx, req); err != nil {
		return nil, err
	}

	path := storage.OriginalPath(digest, storage.Ext(mime))
	wrote, err := s.writeBlob(ctx, path, req.Data, mime)
	if err != nil {
		return nil, apperr.Internal("store original", err)
	}

	img := &model.Image{
		OwnerID:       req.Key.OwnerID,
		APIKeyID:      req.Key.ID,
		SHA256:        digest,
		Mime:          mime,
		OrigSizeBytes: int64(len(req.Data)),
		Width:         width,
		Height:        height,
		StoragePath:   path,
		IsPublic:      req.Public,
		ExpiresAt:     req.ExpiresAt,
	}
	var jobs []model.ProcessingJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Concurrent uploads may have passed the early check.
		if err := s.checkImageCount(ctx, tx, req.Key); err != nil {
			return err
		}
		if err := tx.Create(img).Error; err != nil {
			return err
		}
		q := s.queue.Tx(tx)
		for _, v := range s.variantPolicy(mime, req.ResizeWidths) {
			job, err := q.Enqueue(ctx, img.ID, v.name, v.spec)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		_, err := s.events.Tx(tx).Append(ctx, model.EventImageUploaded, events.ImageUploaded{
			ImageID:  img.ID,
			OwnerID:  img.OwnerID,
			APIKeyID: img.APIKeyID,
			SHA256:   digest,
			Mime:     mime,
			Size:     img.OrigSizeBytes,
			Jobs:     len(jobs),
		})
		if err != nil {
			return err
		}
		return s.ledger.Tx(tx).Increment(ctx, req.Key.ID, usage.Delta{Uploads: 1})
	})
	if err != nil {
		if db.IsDuplicate(err) {
			// A concurrent upload of the same bytes committed first.
			winner, lookupErr := s.findLive(ctx, s.db, digest)
			if lookupErr == nil && winner != nil {
				return s.deduplicated(ctx, req.Key, winner)
			}
		}
		if wrote {
			s.discardBlob(ctx, path)
		}
		if apperr.Is(err, apperr.KindQuotaExceeded) {
			return nil, err
		}
		return nil, apperr.Internal("create image", err)
	}

	s.logger.Info("image ingested", "image_id", img.ID, "sha256", digest, "size", img.OrigSizeBytes, "jobs", len(jobs))
	return &Result{Image: img, Jobs: jobs}, nil
}

func (s *Store) deduplicated(ctx context.Context, key *model.APIKey, img *model.Image) (*Result, error) {
	if err := s.ledger.Increment(ctx, key.ID, usage.Delta{Uploads: 1}); err != nil {
		return nil, apperr.Internal("record upload", err)
	}
	s.logger.Debug("upload deduplicated", "image_id", img.ID, "sha256", img.SHA256)
	return &Result{Image: img, AlreadyExisted: true}, nil
}

func (s *Store) findLive(ctx context.Context, tx *gorm.DB, digest string) (*model.Image, error) {
	var img model.Image
	err := tx.WithContext(ctx).Where("sha256 = ?", digest).First(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("look up image by hash", err)
	}
	return &img, nil
}

// validate checks size, declared and sniffed type, and dimensions. It returns
// the normalized mime type and the image size.
func (s *Store) validate(req Request) (string, int, int, error) {
	limits := req.Key.Limits.Data()
	if limits.MaxImageSizeBytes > 0 && int64(len(req.Data)) > limits.MaxImageSizeBytes {
		return "", 0, 0, apperr.Validation(apperr.ReasonFileTooLarge,
			fmt.Sprintf("file is %d bytes, limit is %d", len(req.Data), limits.MaxImageSizeBytes))
	}

	declared := normalizeMime(req.Mime)
	if declared == "" {
		declared = normalizeMime(mimetype.Detect(req.Data).String())
	}
	if !s.allowed(declared) {
		return "", 0, 0, apperr.Validation(apperr.ReasonUnsupportedType, fmt.Sprintf("content type %q is not accepted", declared))
	}
	if sniffed := normalizeMime(mimetype.Detect(req.Data).String()); sniffed != declared {
		return "", 0, 0, apperr.Validation(apperr.ReasonInvalidImage,
			fmt.Sprintf("content is %s, declared %s", sniffed, declared))
	}

	format, w, h, err := imaging.Inspect(req.Data)
	if err != nil || imaging.MimeOf(format) != declared {
		return "", 0, 0, apperr.Validation(apperr.ReasonInvalidImage, "image data could not be decoded")
	}
	if w <= 0 || h <= 0 {
		return "", 0, 0, apperr.Validation(apperr.ReasonInvalidImage, "image has no pixels")
	}
	if w > s.cfg.MaxImageDimension || h > s.cfg.MaxImageDimension {
		return "", 0, 0, apperr.Validation(apperr.ReasonInvalidImage,
			fmt.Sprintf("image is %dx%d, maximum side is %d", w, h, s.cfg.MaxImageDimension))
	}
	if ratio := float64(w) / float64(h); ratio < minAspect || ratio > maxAspect {
		return "", 0, 0, apperr.Validation(apperr.ReasonInvalidImage, "image aspect ratio is out of range")
	}
	return declared, w, h, nil
}

func (s *Store) allowed(mime string) bool {
	if len(s.cfg.AllowedMimeTypes) == 0 {
		return strings.HasPrefix(mime, "image/")
	}
	for _, m := range s.cfg.AllowedMimeTypes {
		if normalizeMime(m) == mime {
			return true
		}
	}
	return false
}

func (s *Store) checkImageCount(ctx context.Context, tx *gorm.DB, key *model.APIKey) error {
	limit := key.Limits.Data().MaxImages
	if limit <= 0 {
		return nil
	}
	var count int64
	err := tx.WithContext(ctx).Model(&model.Image{}).Where("api_key_id = ?", key.ID).Count(&count).Error
	if err != nil {
		return apperr.Internal("count images", err)
	}
	if count >= limit {
		return apperr.QuotaExceeded(apperr.ReasonMaxImages, count, limit)
	}
	return nil
}

// scanUpload fails closed: a scanner error rejects the upload.
func (s *Store) scanUpload(ctx context.Context, req Request) error {
	if s.cfg.Scanner == nil {
		return nil
	}
	verdict, err := s.cfg.Scanner.Scan(ctx, req.Data, req.Filename)
	if err != nil {
		return apperr.Internal("scan upload", err)
	}
	if !verdict.Clean {
		s.logger.Warn("upload rejected by scanner", "api_key_id", req.Key.ID, "threats", verdict.Threats)
		return apperr.Validation(apperr.ReasonMalwareDetected, "upload was rejected by the malware scanner")
	}
	return nil
}

// writeBlob stores the original unless the content address is already
// populated. It reports whether this call wrote it.
func (s *Store) writeBlob(ctx context.Context, path string, data []byte, mime string) (bool, error) {
	exists, err := s.blobs.Exists(ctx, path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.blobs.Put(ctx, path, data, mime); err != nil {
		return false, err
	}
	return true, nil
}

// discardBlob removes a just-written original unless some row, live or
// soft-deleted, references it.
func (s *Store) discardBlob(ctx context.Context, path string) {
	var refs int64
	if err := s.db.WithContext(ctx).Unscoped().Model(&model.Image{}).Where("storage_path = ?", path).Count(&refs).Error; err != nil {
		s.logger.Error("failed to check blob references", "path", path, "error", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, path); err != nil {
		s.logger.Error("failed to remove orphaned blob", "path", path, "error", err)
	}
}

type variantJob struct {
	name string
	spec model.JobSpec
}

// variantPolicy lists the jobs enqueued for a new image: a jpeg thumbnail, a
// losslessly optimized copy, one w<N> resize per requested width, a png copy
// of webp originals and, when enabled, a webp copy of everything else.
func (s *Store) variantPolicy(mime string, widths []int) []variantJob {
	thumb := model.ResizeSpec(s.cfg.ThumbnailSize, s.cfg.ThumbnailSize)
	thumb.Resize.Format = "jpeg"
	jobs := []variantJob{
		{name: "thumbnail", spec: thumb},
		{name: "optimized", spec: model.OptimizeSpec()},
	}

	seen := map[int]bool{}
	var ws []int
	for _, w := range widths {
		if w <= 0 || w > s.cfg.MaxImageDimension || seen[w] {
			continue
		}
		seen[w] = true
		ws = append(ws, w)
	}
	sort.Ints(ws)
	for _, w := range ws {
		jobs = append(jobs, variantJob{name: fmt.Sprintf("w%d", w), spec: model.ResizeSpec(w, 0)})
	}

	if mime == "image/webp" {
		jobs = append(jobs, variantJob{name: "png", spec: model.ConvertSpec("png")})
	} else if s.cfg.WebPVariant {
		jobs = append(jobs, variantJob{name: "webp", spec: model.ConvertSpec("webp")})
	}
	return jobs
}

func normalizeMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	m = strings.ToLower(strings.TrimSpace(m))
	if m == "image/jpg" || m == "image/pjpeg" {
		return "image/jpeg"
	}
	return m
}
