package models

import "time"

// ActivityAction is the kind of action recorded in the Activity Log.
type ActivityAction string

const (
	ActivityLogin          ActivityAction = "login"
	ActivityLogout         ActivityAction = "logout"
	ActivityNodeJoin       ActivityAction = "node_join_request"
	ActivityNodeApprove    ActivityAction = "node_approve"
	ActivityBackupStart    ActivityAction = "backup_start"
	ActivityBackupStop     ActivityAction = "backup_stop"
	ActivityBackupComplete ActivityAction = "backup_complete"
	ActivityQuotaSet       ActivityAction = "quota_set"
	ActivityReconcile      ActivityAction = "reconcile"
	ActivityRetentionPurge ActivityAction = "retention_purge"
	ActivityMFADisable     ActivityAction = "mfa_disable"
	ActivityPasswordReset  ActivityAction = "password_reset"
	ActivityStorageProviderCreate ActivityAction = "storage_provider_create"
)

// ActivityLog is an append-only record of an action taken against the
// control plane (spec §3 Activity Log). Kept bounded per user at 100
// entries — see internal/activity's trim.
type ActivityLog struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UserID     uint           `gorm:"index" json:"user_id"`
	Username   string         `gorm:"size:100" json:"username"`
	Action     ActivityAction `gorm:"size:50;not null;index" json:"action"`
	EntityType string         `gorm:"size:50;index" json:"entity_type"`
	EntityID   uint           `gorm:"index" json:"entity_id"`
	EntityName string         `gorm:"size:100" json:"entity_name"`
	Detail     string         `gorm:"type:jsonb" json:"detail"`
	IPAddress  string         `gorm:"size:50" json:"ip_address"`
	UserAgent  string         `gorm:"size:255" json:"user_agent"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

func (ActivityLog) TableName() string { return "activity_log" }

// SystemPreference is a single setting at a given tier, keyed by
// (scope, scope_id, key). scope is "global", "node", or "site"; scope_id is
// 0 for global. Resolution walks site -> node -> global (spec §9 Open
// Question: most-specific-wins).
type SystemPreference struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Scope   string `gorm:"size:20;uniqueIndex:idx_pref_scope;not null" json:"scope"`
	ScopeID uint   `gorm:"uniqueIndex:idx_pref_scope;not null;default:0" json:"scope_id"`
	Key     string `gorm:"size:100;uniqueIndex:idx_pref_scope;not null" json:"key"`
	Value   string `gorm:"type:text" json:"value"`
}

func (SystemPreference) TableName() string { return "system_preferences" }
