package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RateLimits holds the token bucket sizes applied to a key, one per window.
type RateLimits struct {
	RequestsPerMinute int64 `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour   int64 `json:"requests_per_hour" yaml:"requests_per_hour"`
	RequestsPerDay    int64 `json:"requests_per_day" yaml:"requests_per_day"`
}

// Limits is the per-key limits structure stored alongside every API key.
type Limits struct {
	DailyLimit        int64      `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit      int64      `json:"monthly_limit" yaml:"monthly_limit"`
	MaxImages         int64      `json:"max_images" yaml:"max_images"`
	MaxImageSizeBytes int64      `json:"max_image_size_bytes" yaml:"max_image_size_bytes"`
	AllowedOrigins    []string   `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimits        RateLimits `json:"rate_limits" yaml:"rate_limits"`
}

// APIKey represents a client's API key. Only the sha256 of the raw key is stored.
type APIKey struct {
	ID        uuid.UUID                  `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID   uuid.UUID                  `gorm:"type:varchar(36);index;not null" json:"owner_id"`
	Name      string                     `gorm:"type:varchar(255);not null" json:"name"`
	KeyHash   string                     `gorm:"type:varchar(64);uniqueIndex;not null" json:"-"`
	Limits    datatypes.JSONType[Limits] `gorm:"not null" json:"limits"`
	Rules     []RateLimitRule            `gorm:"foreignKey:APIKeyID;references:ID" json:"rate_limit_rules,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
	RevokedAt *time.Time                 `gorm:"default:null" json:"revoked_at,omitempty"`
}

// BeforeCreate assigns a random identifier when none was set.
func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// RuleType names the refill window of a rate-limit rule.
type RuleType string

const (
	RuleMinute RuleType = "minute"
	RuleHour   RuleType = "hour"
	RuleDay    RuleType = "day"
)

// Window returns the refill window length for the rule type.
func (r RuleType) Window() time.Duration {
	switch r {
	case RuleMinute:
		return time.Minute
	case RuleHour:
		return time.Hour
	case RuleDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// RateLimitRule is one token bucket rule for a key. A key owns one rule per RuleType.
type RateLimitRule struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	APIKeyID   uuid.UUID `gorm:"type:varchar(36);uniqueIndex:idx_rule_key_type;not null" json:"api_key_id"`
	RuleType   RuleType  `gorm:"type:varchar(16);uniqueIndex:idx_rule_key_type;not null" json:"rule_type"`
	Capacity   int64     `gorm:"not null" json:"capacity"`
	RefillRate int64     `gorm:"not null" json:"refill_rate"`
	CreatedAt  time.Time `json:"created_at"`
}

// RulesFromLimits builds the rule set for a key from its rate limits.
// Capacity equals the refill rate so a full window's worth of requests can burst.
func RulesFromLimits(keyID uuid.UUID, rl RateLimits) []RateLimitRule {
	return []RateLimitRule{
		{APIKeyID: keyID, RuleType: RuleMinute, Capacity: rl.RequestsPerMinute, RefillRate: rl.RequestsPerMinute},
		{APIKeyID: keyID, RuleType: RuleHour, Capacity: rl.RequestsPerHour, RefillRate: rl.RequestsPerHour},
		{APIKeyID: keyID, RuleType: RuleDay, Capacity: rl.RequestsPerDay, RefillRate: rl.RequestsPerDay},
	}
}
