package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduleFrequency is how often a site's backup recurs.
type ScheduleFrequency string

const (
	FrequencyManual  ScheduleFrequency = "manual"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly"
)

// Site is one WordPress installation on a Node (spec §3).
type Site struct {
	ID         uint      `gorm:"column:id;primaryKey" json:"id"`
	ExternalID uuid.UUID `gorm:"column:external_id;type:uuid;uniqueIndex;not null" json:"external_id"`
	NodeID     uint      `gorm:"column:node_id;not null;index" json:"node_id"`
	Name       string    `gorm:"column:name;size:255;not null" json:"name"`

	WPConfigPath  string `gorm:"column:wp_config_path;size:500;not null" json:"wp_config_path"`
	WPContentPath string `gorm:"column:wp_content_path;size:500;not null" json:"wp_content_path"`

	// Optional explicit DB credentials; when empty, dump_db parses wp-config.php.
	DBHost     string `gorm:"column:db_host;size:255" json:"db_host,omitempty"`
	DBName     string `gorm:"column:db_name;size:255" json:"db_name,omitempty"`
	DBUser     string `gorm:"column:db_user;size:255" json:"db_user,omitempty"`
	DBPassword string `gorm:"column:db_password;size:255" json:"-"`

	StorageQuotaBytes int64      `gorm:"column:storage_quota_bytes;default:0" json:"storage_quota_bytes"`
	StorageUsedBytes  int64      `gorm:"column:storage_used_bytes;default:0" json:"storage_used_bytes"`
	QuotaExceededAt   *time.Time `gorm:"column:quota_exceeded_at" json:"quota_exceeded_at"`

	// Schedule
	ScheduleFrequency ScheduleFrequency `gorm:"column:schedule_frequency;size:20;default:manual" json:"schedule_frequency"`
	ScheduleTimeOfDay string            `gorm:"column:schedule_time_of_day;size:5;default:'02:00'" json:"schedule_time_of_day"`
	ScheduleDayMask   string            `gorm:"column:schedule_day_mask;size:32" json:"schedule_day_mask"`
	RetentionCopies   int               `gorm:"column:retention_copies;default:7" json:"retention_copies"`
	Timezone          string            `gorm:"column:timezone;size:64;default:'Africa/Harare'" json:"timezone"`
	NextRunAt         *time.Time        `gorm:"column:next_run_at;index" json:"next_run_at"`

	LastBackupSizeBytes int64 `gorm:"column:last_backup_size_bytes;default:0" json:"last_backup_size_bytes"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Site) TableName() string { return "sites" }
