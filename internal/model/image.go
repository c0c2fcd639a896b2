package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Variant describes one derived encoding of an image.
type Variant struct {
	Path      string `json:"path"`
	Mime      string `json:"mime"`
	SizeBytes int64  `json:"size"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Variants maps a variant name (thumbnail, optimized, w640...) to its metadata.
type Variants map[string]Variant

// Image is the canonical record of an ingested original. SHA256 is unique
// among rows that are not soft-deleted.
type Image struct {
	ID              uuid.UUID                    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID         uuid.UUID                    `gorm:"type:varchar(36);index;not null" json:"owner_id"`
	APIKeyID        uuid.UUID                    `gorm:"type:varchar(36);index;not null" json:"api_key_id"`
	SHA256          string                       `gorm:"column:sha256;type:varchar(64);index;not null" json:"sha256"`
	Mime            string                       `gorm:"type:varchar(64);not null" json:"mime"`
	OrigSizeBytes   int64                        `gorm:"not null" json:"size"`
	Width           int                          `gorm:"not null" json:"width"`
	Height          int                          `gorm:"not null" json:"height"`
	StoragePath     string                       `gorm:"type:varchar(255);not null" json:"-"`
	Variants        datatypes.JSONType[Variants] `gorm:"not null" json:"variants"`
	VariantsVersion int64                        `gorm:"not null;default:0" json:"-"`
	IsPublic        bool                         `gorm:"not null;default:false" json:"public"`
	CreatedAt       time.Time                    `json:"created_at"`
	DeletedAt       gorm.DeletedAt               `gorm:"index" json:"deleted_at,omitempty"`
	ExpiresAt       *time.Time                   `gorm:"index;default:null" json:"expires_at,omitempty"`
}

// BeforeCreate assigns a random identifier and an empty variants map.
func (i *Image) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.Variants.Data() == nil {
		i.Variants = datatypes.NewJSONType(Variants{})
	}
	return nil
}
