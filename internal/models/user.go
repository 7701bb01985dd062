package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role represents the access level of a Master user.
type Role int

const (
	RoleSuperAdmin Role = 1
	RoleNodeAdmin  Role = 2
	RoleSiteAdmin  Role = 3
)

// MarshalJSON converts Role to its string form for JSON.
func (r Role) MarshalJSON() ([]byte, error) {
	var s string
	switch r {
	case RoleSuperAdmin:
		s = "super_admin"
	case RoleNodeAdmin:
		s = "node_admin"
	case RoleSiteAdmin:
		s = "site_admin"
	default:
		s = "unknown"
	}
	return json.Marshal(s)
}

// UnmarshalJSON converts the string form back to Role.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*r = Role(i)
		return nil
	}
	switch s {
	case "super_admin":
		*r = RoleSuperAdmin
	case "node_admin":
		*r = RoleNodeAdmin
	case "site_admin":
		*r = RoleSiteAdmin
	default:
		*r = RoleSiteAdmin
	}
	return nil
}

// User represents an operator account on the Master.
type User struct {
	ID        uint           `gorm:"column:id;primaryKey" json:"id"`
	ExternalID uuid.UUID     `gorm:"column:external_id;type:uuid;uniqueIndex;not null" json:"external_id"`
	Username  string         `gorm:"column:username;uniqueIndex;size:100;not null" json:"username"`
	Password  string         `gorm:"column:password;size:255;not null" json:"-"`
	Email     string         `gorm:"column:email;size:255" json:"email"`
	FullName  string         `gorm:"column:full_name;size:255" json:"full_name"`
	Role      Role           `gorm:"column:role;default:3" json:"role"`
	IsActive  bool           `gorm:"column:is_active;default:true" json:"is_active"`
	LastLogin *time.Time     `gorm:"column:last_login" json:"last_login"`
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`

	TwoFactorEnabled bool   `gorm:"column:two_factor_enabled;default:false" json:"two_factor_enabled"`
	TwoFactorSecret  string `gorm:"column:two_factor_secret;size:255" json:"-"`

	ForcePasswordChange bool `gorm:"column:force_password_change;default:false" json:"force_password_change"`
}

func (User) TableName() string { return "users" }

// NodeAdminAssignment is the M:N relation granting a node_admin user
// management rights over a specific Node (spec §6.2).
type NodeAdminAssignment struct {
	ID        uint      `gorm:"column:id;primaryKey" json:"id"`
	UserID    uint      `gorm:"column:user_id;uniqueIndex:idx_user_node;not null" json:"user_id"`
	NodeID    uint      `gorm:"column:node_id;uniqueIndex:idx_user_node;not null" json:"node_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (NodeAdminAssignment) TableName() string { return "node_admin_assignments" }

// SiteAdminAssignment is the M:N relation granting a site_admin user
// management rights over a specific Site (spec §6.2).
type SiteAdminAssignment struct {
	ID        uint      `gorm:"column:id;primaryKey" json:"id"`
	UserID    uint      `gorm:"column:user_id;uniqueIndex:idx_user_site;not null" json:"user_id"`
	SiteID    uint      `gorm:"column:site_id;uniqueIndex:idx_user_site;not null" json:"site_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (SiteAdminAssignment) TableName() string { return "site_admin_assignments" }
