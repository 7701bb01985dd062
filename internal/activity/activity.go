// Package activity appends to and trims the Activity Log (spec §3: append-only,
// bounded per user at the 100 most recent entries).
package activity

import (
	"encoding/json"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
)

const maxPerUser = 100

// Record inserts one entry and trims the author's log to maxPerUser.
func Record(userID uint, username string, action models.ActivityAction, entityType string, entityID uint, entityName string, detail map[string]interface{}, ip, userAgent string) {
	detailJSON := "{}"
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = string(b)
		}
	}

	entry := models.ActivityLog{
		UserID:     userID,
		Username:   username,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: entityName,
		Detail:     detailJSON,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	if err := database.DB.Create(&entry).Error; err != nil {
		return
	}
	trim(userID)
}

// trim keeps only the most recent maxPerUser rows for a user.
func trim(userID uint) {
	var ids []uint
	database.DB.Model(&models.ActivityLog{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(maxPerUser).
		Pluck("id", &ids)
	if len(ids) > 0 {
		database.DB.Delete(&models.ActivityLog{}, ids)
	}
}

// List returns the most recent entries for a user, newest first.
func List(userID uint, limit int) ([]models.ActivityLog, error) {
	if limit <= 0 || limit > maxPerUser {
		limit = maxPerUser
	}
	var entries []models.ActivityLog
	err := database.DB.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
