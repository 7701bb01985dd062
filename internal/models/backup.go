package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupStatus is the terminal or in-flight state of a Backup row.
type BackupStatus string

const (
	BackupStatusRunning BackupStatus = "RUNNING"
	BackupStatusSuccess BackupStatus = "SUCCESS"
	BackupStatusFailed  BackupStatus = "FAILED"
	BackupStatusDeleted BackupStatus = "DELETED"
)

// Backup is one archive produced by the pipeline for a Site (spec §3).
type Backup struct {
	ID         uint      `gorm:"column:id;primaryKey" json:"id"`
	ExternalID uuid.UUID `gorm:"column:external_id;type:uuid;uniqueIndex;not null" json:"external_id"`
	SiteID     uint      `gorm:"column:site_id;not null;index" json:"site_id"`

	Filename        string       `gorm:"column:filename;size:255;not null" json:"filename"`
	SizeBytes       int64        `gorm:"column:size_bytes;default:0" json:"size_bytes"`
	ObjectStorePath string       `gorm:"column:object_store_path;size:500" json:"object_store_path"`
	StorageProviderID uint       `gorm:"column:storage_provider_id;not null" json:"storage_provider_id"`
	Status          BackupStatus `gorm:"column:status;size:20;not null;index" json:"status"`
	BackupType      string       `gorm:"column:backup_type;size:20;default:full" json:"backup_type"`

	ErrorKind    string `gorm:"column:error_kind;size:40" json:"error_kind,omitempty"`
	ErrorMessage string `gorm:"column:error_message;size:1000" json:"error_message,omitempty"`

	ScheduledDeletion *time.Time `gorm:"column:scheduled_deletion;index" json:"scheduled_deletion"`

	CreatedAt time.Time `gorm:"column:created_at;index" json:"created_at"`
}

func (Backup) TableName() string { return "backups" }
