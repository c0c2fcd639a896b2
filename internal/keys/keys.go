// Package keys manages API keys: issuing, revoking, and the quota views
// administrators read.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/model"
	"imghost/internal/ratelimit"
	"imghost/internal/usage"
)

// Manager is the key administration surface. It allows the HTTP layer to be
// tested with a mock.
type Manager interface {
	Create(ctx context.Context, req CreateRequest) (*Created, error)
	Get(ctx context.Context, id uuid.UUID) (*model.APIKey, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]model.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	ResetQuota(ctx context.Context, id uuid.UUID, period usage.Period) error
	QuotaStatus(ctx context.Context, id uuid.UUID) (*QuotaStatus, error)
	Usage(ctx context.Context, id uuid.UUID, from, to time.Time) (*UsageReport, error)
}

// CreateRequest describes a new key. Zero limits take the configured defaults.
type CreateRequest struct {
	OwnerID           uuid.UUID        `json:"owner_id"`
	Name              string           `json:"name" binding:"required"`
	DailyLimit        int64            `json:"daily_limit"`
	MonthlyLimit      int64            `json:"monthly_limit"`
	MaxImages         int64            `json:"max_images"`
	MaxImageSizeBytes int64            `json:"max_image_size_bytes"`
	AllowedOrigins    []string         `json:"allowed_origins"`
	RateLimits        model.RateLimits `json:"rate_limits"`
}

// Created is returned once; RawKey is never stored.
type Created struct {
	Key    *model.APIKey `json:"key"`
	RawKey string        `json:"raw_key"`
}

// Metric is one used/limit pair of a quota view.
type Metric struct {
	Used       int64   `json:"used"`
	Limit      int64   `json:"limit"`
	Percentage float64 `json:"percentage"`
}

func newMetric(used, limit int64) Metric {
	m := Metric{Used: used, Limit: limit}
	if limit > 0 {
		m.Percentage = math.Round(float64(used)/float64(limit)*10000) / 100
	}
	return m
}

// QuotaStatus is the read-only quota view of a key.
type QuotaStatus struct {
	KeyID   uuid.UUID `json:"api_key_id"`
	Daily   Metric    `json:"daily_requests"`
	Monthly Metric    `json:"monthly_requests"`
	Images  Metric    `json:"image_count"`
	Storage Metric    `json:"storage_bytes"`
}

// UsageReport aggregates a key's counters over a date range.
type UsageReport struct {
	KeyID uuid.UUID            `json:"api_key_id"`
	From  string               `json:"from"`
	To    string               `json:"to"`
	Total usage.Totals         `json:"total"`
	Days  []model.UsageCounter `json:"days"`
}

type Service struct {
	db       *gorm.DB
	ledger   *usage.Ledger
	limiter  *ratelimit.Limiter
	defaults model.Limits
	logger   *slog.Logger
}

func NewService(db *gorm.DB, ledger *usage.Ledger, limiter *ratelimit.Limiter, defaults model.Limits, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		ledger:   ledger,
		limiter:  limiter,
		defaults: defaults,
		logger:   logger.With("component", "keys"),
	}
}

func (s *Service) limitsFor(req CreateRequest) model.Limits {
	l := s.defaults
	pick := func(v, def int64) int64 {
		if v > 0 {
			return v
		}
		return def
	}
	l.RateLimits.RequestsPerMinute = pick(req.RateLimits.RequestsPerMinute, l.RateLimits.RequestsPerMinute)
	l.RateLimits.RequestsPerHour = pick(req.RateLimits.RequestsPerHour, l.RateLimits.RequestsPerHour)
	l.RateLimits.RequestsPerDay = pick(req.RateLimits.RequestsPerDay, l.RateLimits.RequestsPerDay)
	if req.RateLimits.RequestsPerDay > 0 {
		l.DailyLimit = req.RateLimits.RequestsPerDay
		l.MonthlyLimit = 30 * req.RateLimits.RequestsPerDay
	}
	l.DailyLimit = pick(req.DailyLimit, l.DailyLimit)
	l.MonthlyLimit = pick(req.MonthlyLimit, l.MonthlyLimit)
	l.MaxImages = pick(req.MaxImages, l.MaxImages)
	l.MaxImageSizeBytes = pick(req.MaxImageSizeBytes, l.MaxImageSizeBytes)
	if req.AllowedOrigins != nil {
		l.AllowedOrigins = req.AllowedOrigins
	}
	return l
}

// Create issues a key and its minute, hour and day rules in one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.Name == "" {
		return nil, apperr.Validation("name", "key name is required")
	}
	if req.DailyLimit < 0 || req.MonthlyLimit < 0 || req.MaxImages < 0 || req.MaxImageSizeBytes < 0 {
		return nil, apperr.Validation("limits", "limits must be positive")
	}
	raw, err := GenerateRawKey()
	if err != nil {
		return nil, apperr.Internal("generate key", err)
	}
	if req.OwnerID == uuid.Nil {
		req.OwnerID = uuid.New()
	}

	limits := s.limitsFor(req)
	key := &model.APIKey{
		ID:      uuid.New(),
		OwnerID: req.OwnerID,
		Name:    req.Name,
		KeyHash: HashKey(raw),
		Limits:  datatypes.NewJSONType(limits),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Rules").Create(key).Error; err != nil {
			return err
		}
		rules := model.RulesFromLimits(key.ID, limits.RateLimits)
		if err := tx.Create(&rules).Error; err != nil {
			return err
		}
		key.Rules = rules
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	s.logger.Info("api key created", "api_key_id", key.ID, "owner_id", key.OwnerID)
	return &Created{Key: key, RawKey: raw}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.WithContext(ctx).Preload("Rules").First(&key, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("api key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key %s: %w", id, err)
	}
	return &key, nil
}

// Lookup resolves a raw key. Unknown keys return nil without error; callers
// decide how to report them.
func (s *Service) Lookup(ctx context.Context, raw string) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.WithContext(ctx).Preload("Rules").First(&key, "key_hash = ?", HashKey(raw)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &key, nil
}

// List returns keys, newest first. A nil owner lists every key.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID) ([]model.APIKey, error) {
	var keys []model.APIKey
	q := s.db.WithContext(ctx).Preload("Rules").Order("created_at desc")
	if ownerID != uuid.Nil {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// Revoke marks the key revoked. Revoking twice keeps the first timestamp.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if key.Revoked() {
		return nil
	}
	err = s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", id, err)
	}
	s.logger.Info("api key revoked", "api_key_id", id)
	return nil
}

// ResetQuota zeroes the key's counters for the period. "all" also refills
// its rate-limit buckets.
func (s *Service) ResetQuota(ctx context.Context, id uuid.UUID, period usage.Period) error {
	switch period {
	case usage.PeriodDaily, usage.PeriodMonthly, usage.PeriodAll:
	default:
		return apperr.Validation("quota_type", "quota_type must be daily, monthly or all")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.ledger.Reset(ctx, id, period); err != nil {
		return err
	}
	if period == usage.PeriodAll && s.limiter != nil {
		if err := s.limiter.Reset(ctx, id); err != nil {
			return err
		}
	}
	s.logger.Info("quota reset", "api_key_id", id, "quota_type", period)
	return nil
}

func (s *Service) QuotaStatus(ctx context.Context, id uuid.UUID) (*QuotaStatus, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	limits := key.Limits.Data()

	daily, err := s.ledger.DailyRequests(ctx, id)
	if err != nil {
		return nil, err
	}
	monthly, err := s.ledger.MonthlyRequests(ctx, id)
	if err != nil {
		return nil, err
	}

	var agg struct {
		Count int64
		Bytes int64
	}
	err = s.db.WithContext(ctx).Model(&model.Image{}).
		Select("COUNT(*) AS count, COALESCE(SUM(orig_size_bytes), 0) AS bytes").
		Where("api_key_id = ?", id).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate images for key %s: %w", id, err)
	}

	return &QuotaStatus{
		KeyID:   id,
		Daily:   newMetric(daily, limits.DailyLimit),
		Monthly: newMetric(monthly, limits.MonthlyLimit),
		Images:  newMetric(agg.Count, limits.MaxImages),
		Storage: newMetric(agg.Bytes, limits.MaxImages*limits.MaxImageSizeBytes),
	}, nil
}

func (s *Service) Usage(ctx context.Context, id uuid.UUID, from, to time.Time) (*UsageReport, error) {
	if to.Before(from) {
		return nil, apperr.Validation("range", "from must not be after to")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.ledger.Range(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	return &UsageReport{
		KeyID: id,
		From:  model.Day(from),
		To:    model.Day(to),
		Total: usage.Sum(rows),
		Days:  rows,
	}, nil
}
