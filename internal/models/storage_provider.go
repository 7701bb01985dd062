package models

import (
	"time"

	"github.com/google/uuid"
)

// StorageProviderType identifies the object-store backend kind.
type StorageProviderType string

const (
	StorageProviderS3    StorageProviderType = "s3"
	StorageProviderLocal StorageProviderType = "local"
)

// StorageProvider is an object-store target with sealed access credentials
// (spec §3, §4.4). AccessKeySealed/SecretKeySealed hold the seal package's
// envelope format — they are only ever decrypted in volatile memory.
type StorageProvider struct {
	ID         uint                `gorm:"column:id;primaryKey" json:"id"`
	ExternalID uuid.UUID           `gorm:"column:external_id;type:uuid;uniqueIndex;not null" json:"external_id"`
	Type       StorageProviderType `gorm:"column:type;size:20;not null" json:"type"`
	Endpoint   string              `gorm:"column:endpoint;size:255;not null" json:"endpoint"`
	Region     string              `gorm:"column:region;size:64" json:"region"`
	Bucket     string              `gorm:"column:bucket;size:255;not null" json:"bucket"`

	AccessKeySealed string `gorm:"column:access_key_sealed;type:text;not null" json:"-"`
	SecretKeySealed string `gorm:"column:secret_key_sealed;type:text;not null" json:"-"`

	StorageLimitBytes int64 `gorm:"column:storage_limit_bytes;default:0" json:"storage_limit_bytes"`
	StorageUsedBytes  int64 `gorm:"column:storage_used_bytes;default:0" json:"storage_used_bytes"`
	IsDefault         bool  `gorm:"column:is_default;default:false" json:"is_default"`
	IsActive          bool  `gorm:"column:is_active;default:true" json:"is_active"`

	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (StorageProvider) TableName() string { return "storage_providers" }
