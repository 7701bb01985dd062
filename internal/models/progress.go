package models

import "time"

// ProgressState is the lifecycle state of a site's live backup row.
type ProgressState string

const (
	ProgressIdle      ProgressState = "IDLE"
	ProgressRunning   ProgressState = "RUNNING"
	ProgressCompleted ProgressState = "COMPLETED"
	ProgressFailed    ProgressState = "FAILED"
	ProgressStopped   ProgressState = "STOPPED"
)

// ProgressRow is the single per-site live record describing the current or
// most recent backup job (spec §4.3). It is persisted so a Node or Master
// restart can recover RUNNING rows that were abandoned, but the live
// compare-and-set logic lives in internal/progressstore, not here.
type ProgressRow struct {
	SiteID uint `gorm:"column:site_id;primaryKey" json:"site_id"`

	// Epoch invalidates writes from a prior job when a new one starts.
	Epoch int64 `gorm:"column:epoch;not null;default:0" json:"epoch"`

	State           ProgressState `gorm:"column:state;size:20;not null;default:IDLE" json:"state"`
	ProgressPercent int           `gorm:"column:progress_percent;default:0" json:"progress_percent"`
	Stage           string        `gorm:"column:stage;size:40" json:"stage"`
	Message         string        `gorm:"column:message;size:500" json:"message"`
	BytesProcessed  int64         `gorm:"column:bytes_processed;default:0" json:"bytes_processed"`
	BytesTotal      int64         `gorm:"column:bytes_total;default:0" json:"bytes_total"`
	ErrorKind       string        `gorm:"column:error_kind;size:40" json:"error_kind,omitempty"`
	ErrorMessage    string        `gorm:"column:error_message;size:1000" json:"error_message,omitempty"`

	CancelRequested bool `gorm:"column:cancel_requested;default:false" json:"cancel_requested"`

	StartedAt *time.Time `gorm:"column:started_at" json:"started_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (ProgressRow) TableName() string { return "progress_rows" }
