package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/objectstore"
	"github.com/wpbackup/fleet/internal/reconcile"
	"github.com/wpbackup/fleet/internal/seal"
)

// StorageHandler is the super_admin-only storage-provider CRUD surface and
// the drift-reconciliation trigger (spec §4.4, §4.5, §6.3).
type StorageHandler struct {
	keyring *seal.Keyring
	multi   *objectstore.Multi
}

func NewStorageHandler(keyring *seal.Keyring, multi *objectstore.Multi) *StorageHandler {
	return &StorageHandler{keyring: keyring, multi: multi}
}

func (h *StorageHandler) List(c *fiber.Ctx) error {
	var providers []models.StorageProvider
	if err := database.DB.Find(&providers).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to list storage providers"})
	}
	return c.JSON(fiber.Map{"success": true, "data": providers})
}

// Create seals the submitted access/secret pair before ever persisting it
// (spec §4.4: plaintext credentials live only in volatile memory).
func (h *StorageHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Type      models.StorageProviderType `json:"type"`
		Endpoint  string                      `json:"endpoint"`
		Region    string                      `json:"region"`
		Bucket    string                      `json:"bucket"`
		AccessKey string                      `json:"access_key"`
		SecretKey string                      `json:"secret_key"`
		IsDefault bool                        `json:"is_default"`
	}
	if err := c.BodyParser(&req); err != nil || req.Endpoint == "" || req.Bucket == "" || req.AccessKey == "" || req.SecretKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "endpoint, bucket, access_key and secret_key are required"})
	}
	if req.Type == "" {
		req.Type = models.StorageProviderS3
	}

	accessSealed, err := h.keyring.Seal([]byte(req.AccessKey))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to seal access key"})
	}
	secretSealed, err := h.keyring.Seal([]byte(req.SecretKey))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to seal secret key"})
	}

	provider := models.StorageProvider{
		ExternalID:      uuid.New(),
		Type:            req.Type,
		Endpoint:        req.Endpoint,
		Region:          req.Region,
		Bucket:          req.Bucket,
		AccessKeySealed: accessSealed,
		SecretKeySealed: secretSealed,
		IsDefault:       req.IsDefault,
		IsActive:        true,
	}
	if err := database.DB.Create(&provider).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to create storage provider"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": provider})
}

// Delete resolves the provider by its opaque external id (spec §3: "all
// external paths" address entities by ExternalID, never the auto-increment
// primary key, so enumeration is impossible).
func (h *StorageHandler) Delete(c *fiber.Ctx) error {
	var provider models.StorageProvider
	if err := database.DB.Where("external_id = ?", c.Params("externalID")).First(&provider).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "storage provider not found"})
	}
	var inUse int64
	database.DB.Model(&models.Node{}).Where("storage_provider_id = ?", provider.ID).Count(&inUse)
	if inUse > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "storage provider is assigned to one or more nodes"})
	}
	if err := database.DB.Delete(&provider).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to delete storage provider"})
	}
	return c.JSON(fiber.Map{"success": true})
}

// Reconcile triggers a drift scan across every site on every node (or a
// single node via ?node_id=), dry-run by default per spec §4.5, §6.3.
func (h *StorageHandler) Reconcile(c *fiber.Ctx) error {
	nodeID, _ := strconv.Atoi(c.Query("node_id"))
	dryRun := c.Query("dry_run", "true") != "false"

	diffs, err := reconcile.Run(h.multi, uint(nodeID), dryRun)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Reconciliation failed"})
	}

	if user := middleware.GetCurrentUser(c); user != nil {
		activity.Record(user.ID, user.Username, models.ActivityReconcile, "storage_provider", uint(nodeID), "", map[string]interface{}{"dry_run": dryRun, "sites_scanned": len(diffs)}, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true, "data": diffs})
}
