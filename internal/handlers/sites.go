package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/progressstore"
	"github.com/wpbackup/fleet/internal/quota"
)

// SiteHandler exposes the site CRUD and backup-control surface of spec §6.3.
type SiteHandler struct{}

func NewSiteHandler() *SiteHandler { return &SiteHandler{} }

// loadSiteScoped resolves a site by its opaque external id (spec §3: "all
// external paths" address entities by ExternalID, never the auto-increment
// primary key, so enumeration is impossible).
func loadSiteScoped(c *fiber.Ctx) (*models.Site, error) {
	externalID := c.Params("externalID")
	var site models.Site
	if err := database.DB.Where("external_id = ?", externalID).First(&site).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "site not found")
	}

	user := middleware.GetCurrentUser(c)
	if user != nil {
		if allowed := middleware.AllowedSiteIDs(user); allowed != nil {
			for _, a := range allowed {
				if a == site.ID {
					return &site, nil
				}
			}
			return nil, fiber.NewError(fiber.StatusForbidden, "access denied")
		}
	}
	return &site, nil
}

// List returns the sites visible to the current user's RBAC scope.
func (h *SiteHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	q := database.DB.Model(&models.Site{})
	if nodeID, err := strconv.Atoi(c.Query("node_id")); err == nil && nodeID > 0 {
		q = q.Where("node_id = ?", nodeID)
	}
	if user != nil {
		if allowed := middleware.AllowedSiteIDs(user); allowed != nil {
			if len(allowed) == 0 {
				return c.JSON(fiber.Map{"success": true, "data": []models.Site{}})
			}
			q = q.Where("id IN ?", allowed)
		}
	}
	var sites []models.Site
	if err := q.Order("name ASC").Find(&sites).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to list sites"})
	}
	return c.JSON(fiber.Map{"success": true, "data": sites})
}

func (h *SiteHandler) Get(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": site})
}

// Create registers a new Site under a Node (spec §3, §6.3).
func (h *SiteHandler) Create(c *fiber.Ctx) error {
	var req models.Site
	if err := c.BodyParser(&req); err != nil || req.NodeID == 0 || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "node_id and name are required"})
	}
	var node models.Node
	if err := database.DB.First(&node, req.NodeID).Error; err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "unknown node"})
	}
	req.ID = 0
	if req.RetentionCopies <= 0 {
		req.RetentionCopies = 7
	}
	if req.Timezone == "" {
		req.Timezone = "Africa/Harare"
	}
	if req.ScheduleFrequency == "" {
		req.ScheduleFrequency = models.FrequencyManual
	}
	if req.ExternalID == uuid.Nil {
		req.ExternalID = uuid.New()
	}
	if err := database.DB.Create(&req).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to create site"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": req})
}

func (h *SiteHandler) Update(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "invalid request body"})
	}
	delete(req, "id")
	delete(req, "external_id")
	delete(req, "node_id")
	delete(req, "storage_used_bytes")
	if err := database.DB.Model(site).Updates(req).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to update site"})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *SiteHandler) Delete(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	if err := database.DB.Delete(site).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to delete site"})
	}
	return c.JSON(fiber.Map{"success": true})
}

// StartBackup begins a new job epoch for the site, rejecting a second start
// while one is already RUNNING (spec §4.3, §6.3 409 Conflict).
func (h *SiteHandler) StartBackup(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	epoch, err := progressstore.Default().Start(site.ID)
	if err != nil {
		if _, ok := err.(progressstore.ErrConflict); ok {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "backup already running for this site"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to start backup"})
	}

	if user := middleware.GetCurrentUser(c); user != nil {
		activity.Record(user.ID, user.Username, models.ActivityBackupStart, "site", site.ID, site.Name, nil, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"epoch": epoch}})
}

// StopBackup requests cooperative cancellation of the current job (spec §4.3).
func (h *SiteHandler) StopBackup(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	progressstore.Default().RequestCancel(site.ID)

	if user := middleware.GetCurrentUser(c); user != nil {
		activity.Record(user.ID, user.Username, models.ActivityBackupStop, "site", site.ID, site.Name, nil, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true, "message": "cancellation requested"})
}

// BackupStatus returns the current snapshot of the site's live progress row.
func (h *SiteHandler) BackupStatus(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	row := progressstore.Default().Snapshot(site.ID)
	return c.JSON(fiber.Map{"success": true, "data": row})
}

// ResetStuck forces the site's progress row back to IDLE with a bumped
// epoch, letting the scheduler retry (spec §4.3 edge case: abandoned job).
// It does not check the row's state or last heartbeat: a live job is reset
// too, and its later writes are rejected as stale.
func (h *SiteHandler) ResetStuck(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	progressstore.Default().ResetStuck(site.ID)
	return c.JSON(fiber.Map{"success": true})
}

// QuotaCheck reports whether a prospective backup would fit the site's and
// node's quotas without actually starting anything (spec §4.5, §6.3).
func (h *SiteHandler) QuotaCheck(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	var node models.Node
	if err := database.DB.First(&node, site.NodeID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "node lookup failed"})
	}
	estimated, _ := strconv.ParseInt(c.Query("estimated_bytes"), 10, 64)
	projection := quota.PreFlight(site, &node, quota.EstimatedSize(site, estimated))
	return c.JSON(fiber.Map{"success": true, "data": projection})
}

// SetQuota updates the site's storage quota (spec §6.3; routed super_admin only).
// Rejects any value that would push the node's committed site quotas above
// the node's own quota (spec §3 invariant sum(site.quota) <= node.quota,
// §6.3 "rejects if above node remainder").
func (h *SiteHandler) SetQuota(c *fiber.Ctx) error {
	site, err := loadSiteScoped(c)
	if err != nil {
		return err
	}
	quotaGB, err := strconv.ParseInt(c.Query("quota_gb"), 10, 64)
	if err != nil || quotaGB < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "quota_gb must be a non-negative integer"})
	}
	bytes := quotaGB * 1024 * 1024 * 1024

	var node models.Node
	if err := database.DB.First(&node, site.NodeID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "node lookup failed"})
	}
	remaining, unlimited, err := quota.RemainingNodeQuota(&node, site.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to check node quota"})
	}
	if !unlimited && bytes > remaining {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "quota exceeds remaining node quota", "data": fiber.Map{"node_remaining_bytes": remaining}})
	}

	if err := database.DB.Model(site).Update("storage_quota_bytes", bytes).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to update quota"})
	}

	if user := middleware.GetCurrentUser(c); user != nil {
		activity.Record(user.ID, user.Username, models.ActivityQuotaSet, "site", site.ID, site.Name, map[string]interface{}{"quota_bytes": bytes}, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true})
}
