package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NodeStatus is the enrollment/health state of a Node.
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "PENDING"
	NodeStatusActive   NodeStatus = "ACTIVE"
	NodeStatusBlocked  NodeStatus = "BLOCKED"
	NodeStatusInactive NodeStatus = "INACTIVE"
)

// Node is a managed server running the backup daemon (spec §3).
type Node struct {
	ID         uint           `gorm:"column:id;primaryKey" json:"id"`
	ExternalID uuid.UUID      `gorm:"column:external_id;type:uuid;uniqueIndex;not null" json:"external_id"`
	Hostname   string         `gorm:"column:hostname;size:255;not null" json:"hostname"`
	Address    string         `gorm:"column:address;size:64" json:"address"`
	Status     NodeStatus     `gorm:"column:status;size:20;default:PENDING;index" json:"status"`

	// RegistrationCode is present only while PENDING; unique among PENDING rows.
	RegistrationCode string `gorm:"column:registration_code;size:8;index" json:"-"`

	// APIKeyHash is the bcrypt hash of the node's plaintext API key.
	// ACTIVE nodes have exactly one non-null hash.
	APIKeyHash string `gorm:"column:api_key_hash;size:255" json:"-"`

	// KeyDelivered is reset to false on approval and is not set true by any
	// code path; one-time delivery of the plaintext key is enforced by the
	// Redis stash that enroll.ConsumePendingKey reads and deletes.
	KeyDelivered bool `gorm:"column:key_delivered;default:false" json:"-"`

	StorageQuotaBytes int64 `gorm:"column:storage_quota_bytes;default:0" json:"storage_quota_bytes"`
	StorageUsedBytes  int64 `gorm:"column:storage_used_bytes;default:0" json:"storage_used_bytes"`

	StorageProviderID *uint `gorm:"column:storage_provider_id" json:"storage_provider_id"`

	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
	LastSeenAt *time.Time     `gorm:"column:last_seen_at" json:"last_seen_at"`
	DeletedAt  gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Node) TableName() string { return "nodes" }
