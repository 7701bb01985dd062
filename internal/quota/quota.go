// Package quota implements the pre-flight/post-flight accounting and
// retention model from spec §4.5, grounded directly on the teacher's
// license-server cloud_backup.go quota check (usage.TotalUsedBytes+fileSize
// > usage.QuotaBytes -> 402 Payment Required) and the teacher's
// quota_sync.go tiered reset-time machinery.
package quota

import (
	"errors"
	"time"

	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/settings"
	"gorm.io/gorm"
)

// ErrQuotaExceeded is the QuotaExceeded error kind from spec §7.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Projection is the result of a pre-flight check (spec §4.5).
type Projection struct {
	CanProceed         bool  `json:"can_proceed"`
	ProjectedSiteUsed  int64 `json:"projected_site_used"`
	ProjectedNodeUsed  int64 `json:"projected_node_used"`
	SiteQuota          int64 `json:"site_quota"`
	NodeQuota          int64 `json:"node_quota"`
	ExceedsSiteQuota   bool  `json:"exceeds_site_quota"`
	ExceedsNodeQuota   bool  `json:"exceeds_node_quota"`
}

// PreFlight computes the projection for a prospective backup of size
// estimatedBytes on the given site, without mutating anything.
func PreFlight(site *models.Site, node *models.Node, estimatedBytes int64) Projection {
	projectedSite := site.StorageUsedBytes + estimatedBytes
	projectedNode := node.StorageUsedBytes - site.StorageUsedBytes + projectedSite

	exceedsSite := site.StorageQuotaBytes > 0 && projectedSite > site.StorageQuotaBytes
	exceedsNode := node.StorageQuotaBytes > 0 && projectedNode > node.StorageQuotaBytes

	return Projection{
		CanProceed:        !exceedsSite && !exceedsNode,
		ProjectedSiteUsed: projectedSite,
		ProjectedNodeUsed: projectedNode,
		SiteQuota:         site.StorageQuotaBytes,
		NodeQuota:         node.StorageQuotaBytes,
		ExceedsSiteQuota:  exceedsSite,
		ExceedsNodeQuota:  exceedsNode,
	}
}

// RemainingNodeQuota returns how many bytes of the node's quota are not
// already committed to its other sites, excluding excludeSiteID (the site
// being resized, if any). A non-positive node quota means unlimited, per
// the same convention PreFlight uses (spec §3 invariant
// sum(site.quota) <= node.quota; §6.3 "rejects if above node remainder").
func RemainingNodeQuota(node *models.Node, excludeSiteID uint) (remaining int64, unlimited bool, err error) {
	if node.StorageQuotaBytes <= 0 {
		return 0, true, nil
	}
	var committed int64
	err = database.DB.Model(&models.Site{}).
		Where("node_id = ? AND id <> ?", node.ID, excludeSiteID).
		Select("COALESCE(SUM(storage_quota_bytes), 0)").
		Scan(&committed).Error
	if err != nil {
		return 0, false, err
	}
	return node.StorageQuotaBytes - committed, false, nil
}

// EstimatedSize picks the Node's last successful backup size, a caller
// override, or a 1 GB default (spec §4.5).
func EstimatedSize(site *models.Site, override int64) int64 {
	if override > 0 {
		return override
	}
	if site.LastBackupSizeBytes > 0 {
		return site.LastBackupSizeBytes
	}
	return 1024 * 1024 * 1024
}

// PostFlight records a SUCCESS backup: inserts the row, increments
// accounting transactionally, and schedules retention deletions. Grounded
// on spec §4.5 steps 1-5 and §5's transactional-commit requirement.
func PostFlight(nodeID uint, site *models.Site, backup *models.Backup) error {
	return database.DB.Transaction(func(tx *gorm.DB) error {
		var node models.Node
		if err := tx.First(&node, nodeID).Error; err != nil {
			return err
		}
		if site.NodeID != node.ID {
			return errors.New("quota: reporting node does not own site")
		}

		backup.Status = models.BackupStatusSuccess
		if err := tx.Create(backup).Error; err != nil {
			return err
		}

		// Site-level row lock serializes concurrent completions for the
		// same site (spec §5 shared-resource policy).
		if err := tx.Model(&models.Site{}).
			Where("id = ?", site.ID).
			Updates(map[string]interface{}{
				"storage_used_bytes":      gorm.Expr("storage_used_bytes + ?", backup.SizeBytes),
				"last_backup_size_bytes":  backup.SizeBytes,
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Node{}).Where("id = ?", node.ID).
			Update("storage_used_bytes", gorm.Expr("storage_used_bytes + ?", backup.SizeBytes)).Error; err != nil {
			return err
		}

		var refreshed models.Site
		if err := tx.First(&refreshed, site.ID).Error; err != nil {
			return err
		}
		if refreshed.StorageQuotaBytes > 0 && refreshed.StorageUsedBytes > refreshed.StorageQuotaBytes {
			now := time.Now()
			tx.Model(&models.Site{}).Where("id = ?", site.ID).Update("quota_exceeded_at", &now)
		} else {
			tx.Model(&models.Site{}).Where("id = ?", site.ID).Update("quota_exceeded_at", nil)
		}

		return scheduleRetention(tx, site.ID, node.ID)
	})
}

// scheduleRetention marks SUCCESS backups in excess of retention_copies with
// a scheduled_deletion timestamp (spec §4.5 Retention).
func scheduleRetention(tx *gorm.DB, siteID, nodeID uint) error {
	var site models.Site
	if err := tx.First(&site, siteID).Error; err != nil {
		return err
	}
	n := site.RetentionCopies
	if n <= 0 {
		return nil
	}

	var live []models.Backup
	if err := tx.Where("site_id = ? AND status = ? AND scheduled_deletion IS NULL", siteID, models.BackupStatusSuccess).
		Order("created_at DESC").Find(&live).Error; err != nil {
		return err
	}
	if len(live) <= n {
		return nil
	}

	grace := settings.RetentionGraceDays(siteID, nodeID)
	deleteAt := time.Now().Add(grace)
	excess := live[n:]
	ids := make([]uint, 0, len(excess))
	for _, b := range excess {
		ids = append(ids, b.ID)
	}
	return tx.Model(&models.Backup{}).Where("id IN ?", ids).Update("scheduled_deletion", &deleteAt).Error
}

// CancelScheduledDeletion clears scheduled_deletion on a backup row,
// re-including it in accounting immediately (spec §8 round-trip law).
func CancelScheduledDeletion(backupID uint) error {
	return database.DB.Model(&models.Backup{}).Where("id = ?", backupID).Update("scheduled_deletion", nil).Error
}
