package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/progressstore"
	"github.com/wpbackup/fleet/internal/quota"
	"github.com/wpbackup/fleet/internal/scheduler"
	"github.com/wpbackup/fleet/internal/seal"
)

// NodeBackupHandler is the Node-facing half of the backup lifecycle: a
// daemon authenticated with NodeAuthRequired calls these to pre-flight a
// job, fetch upload credentials, and report progress/results back to the
// Master (spec §4.1, §4.4, §4.5). Kept separate from SiteHandler, whose
// routes are user-scoped (RBAC-filtered for a logged-in user) rather than
// node-scoped to the sites the authenticated Node owns.
type NodeBackupHandler struct {
	keyring *seal.Keyring
}

func NewNodeBackupHandler(keyring *seal.Keyring) *NodeBackupHandler {
	return &NodeBackupHandler{keyring: keyring}
}

func (h *NodeBackupHandler) loadOwnedSite(c *fiber.Ctx) (*models.Site, *models.Node, error) {
	node := middleware.GetCurrentNode(c)
	if node == nil {
		return nil, nil, fiber.NewError(fiber.StatusUnauthorized, "node authentication required")
	}
	var site models.Site
	if err := database.DB.Where("external_id = ?", c.Params("externalID")).First(&site).Error; err != nil {
		return nil, nil, fiber.NewError(fiber.StatusNotFound, "site not found")
	}
	if site.NodeID != node.ID {
		return nil, nil, fiber.NewError(fiber.StatusForbidden, "site does not belong to this node")
	}
	return &site, node, nil
}

// QuotaCheck is the pre-flight check the daemon runs before starting the
// pipeline (spec §4.1 step 0, §4.5).
func (h *NodeBackupHandler) QuotaCheck(c *fiber.Ctx) error {
	site, node, err := h.loadOwnedSite(c)
	if err != nil {
		return err
	}
	estimated, _ := strconv.ParseInt(c.Query("estimated_bytes"), 10, 64)
	projection := quota.PreFlight(site, node, quota.EstimatedSize(site, estimated))

	// Flat body, no success/data envelope: nodeclient.QuotaCheck unmarshals
	// the response directly into QuotaCheckResponse (spec §4.1 upload stage).
	warning := ""
	if !projection.CanProceed {
		warning = "projected usage exceeds quota"
	}
	return c.JSON(fiber.Map{
		"can_proceed":         projection.CanProceed,
		"projected_site_used": projection.ProjectedSiteUsed,
		"projected_node_used": projection.ProjectedNodeUsed,
		"site_quota":          projection.SiteQuota,
		"node_quota":          projection.NodeQuota,
		"warning":             warning,
	})
}

// StorageCredentials unseals the node's assigned storage provider's
// credentials and hands them over TLS — plaintext never touches disk on
// either side (spec §4.4).
func (h *NodeBackupHandler) StorageCredentials(c *fiber.Ctx) error {
	_, node, err := h.loadOwnedSite(c)
	if err != nil {
		return err
	}
	if node.StorageProviderID == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "node has no storage provider assigned"})
	}
	var provider models.StorageProvider
	if err := database.DB.First(&provider, *node.StorageProviderID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "storage provider lookup failed"})
	}

	accessKey, err := h.keyring.Unseal(provider.AccessKeySealed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to unseal access key"})
	}
	secretKey, err := h.keyring.Unseal(provider.SecretKeySealed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to unseal secret key"})
	}

	// Flat body matching nodeclient.CredentialsResponse exactly (spec §4.4).
	return c.JSON(fiber.Map{
		"provider_id": provider.ID,
		"endpoint":    provider.Endpoint,
		"region":      provider.Region,
		"bucket":      provider.Bucket,
		"access_key":  string(accessKey),
		"secret_key":  string(secretKey),
		"use_ssl":     true,
	})
}

// DueSites is the Node's pull-based dispatch poll: its own backlog of sites
// whose scheduled run has arrived (spec §4.7). Master only maintains
// next_run_at; the Node decides when it actually has a free engine slot.
func (h *NodeBackupHandler) DueSites(c *fiber.Ctx) error {
	node := middleware.GetCurrentNode(c)
	if node == nil {
		return fiber.NewError(fiber.StatusUnauthorized, "node authentication required")
	}
	sites, err := scheduler.DueSites(node.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to load due sites"})
	}

	// models.Site hides db_password from its ordinary json tag (web UI
	// responses never carry it); this channel is node-auth-only and the
	// daemon needs it to run dump_db against sites with explicit credentials.
	out := make([]fiber.Map, 0, len(sites))
	for _, s := range sites {
		out = append(out, fiber.Map{
			"id":              s.ID,
			"external_id":     s.ExternalID,
			"name":            s.Name,
			"wp_config_path":  s.WPConfigPath,
			"wp_content_path": s.WPContentPath,
			"db_host":         s.DBHost,
			"db_name":         s.DBName,
			"db_user":         s.DBUser,
			"db_password":     s.DBPassword,
		})
	}
	// Flat array, no success/data envelope: nodeclient.DueSites unmarshals
	// the response directly into []DueSite.
	return c.JSON(out)
}

// ClaimJob allocates a new progress epoch for a site the daemon has decided
// to run, the same compare-and-set Start used by the user-initiated
// SiteHandler.StartBackup — a manual trigger and the daemon's own scheduler
// pull race for the same lock and whichever gets there first wins (spec
// §4.3, §4.7 "never concurrently for the same site").
func (h *NodeBackupHandler) ClaimJob(c *fiber.Ctx) error {
	site, _, err := h.loadOwnedSite(c)
	if err != nil {
		return err
	}
	epoch, err := progressstore.Default().Start(site.ID)
	if err != nil {
		if _, ok := err.(progressstore.ErrConflict); ok {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "backup already running for this site"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to claim job"})
	}
	// Only now, with the job actually claimed, does the site leave the due
	// backlog (spec §4.7) — a scheduled run must stay visible to every
	// Node's DueSites poll until one of them succeeds here.
	if site.NextRunAt != nil && !site.NextRunAt.After(time.Now()) {
		scheduler.Advance(site, time.Now())
	}
	return c.JSON(fiber.Map{"epoch": epoch})
}

// CancelCheck lets the daemon poll whether a RUNNING job's epoch has had
// cancellation requested against it, since StopBackup's request lands in
// Master's in-memory progressstore, not the Node's own process (spec §4.3).
func (h *NodeBackupHandler) CancelCheck(c *fiber.Ctx) error {
	site, _, err := h.loadOwnedSite(c)
	if err != nil {
		return err
	}
	epoch, _ := strconv.ParseInt(c.Query("epoch"), 10, 64)
	cancelled := progressstore.Default().CancelRequested(site.ID, epoch)
	return c.JSON(fiber.Map{"cancelled": cancelled})
}

// ReportProgress is the daemon's throttled (4 Hz cap, enforced by the
// caller) progress push (spec §4.1, §4.3).
func (h *NodeBackupHandler) ReportProgress(c *fiber.Ctx) error {
	node := middleware.GetCurrentNode(c)
	if node == nil {
		return fiber.NewError(fiber.StatusUnauthorized, "node authentication required")
	}
	var req struct {
		SiteExternalID string  `json:"site_external_id"`
		Epoch          int64   `json:"epoch"`
		Stage          string  `json:"stage"`
		ProgressPercent float64 `json:"progress_percent"`
		BytesProcessed int64   `json:"bytes_processed"`
		BytesTotal     int64   `json:"bytes_total"`
		Message        string  `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "invalid request body"})
	}
	var site models.Site
	if err := database.DB.Where("external_id = ? AND node_id = ?", req.SiteExternalID, node.ID).First(&site).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "site not found"})
	}
	if err := progressstore.Default().Update(site.ID, req.Epoch, req.Stage, int(req.ProgressPercent), req.Message, req.BytesProcessed, req.BytesTotal); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "stale epoch"})
	}
	return c.JSON(fiber.Map{"success": true})
}

// ReportResult is the daemon's terminal report (spec §4.1, §4.5): COMPLETED
// runs quota.PostFlight inside a single transaction, STOPPED just finishes
// the progress row, and any other status also inserts a FAILED Backup row.
func (h *NodeBackupHandler) ReportResult(c *fiber.Ctx) error {
	node := middleware.GetCurrentNode(c)
	if node == nil {
		return fiber.NewError(fiber.StatusUnauthorized, "node authentication required")
	}
	var req struct {
		SiteExternalID  string `json:"site_external_id"`
		Epoch           int64  `json:"epoch"`
		Status          string `json:"status"`
		ErrorKind       string `json:"error_kind"`
		Message         string `json:"message"`
		Filename        string `json:"filename"`
		SizeBytes       int64  `json:"size_bytes"`
		ObjectStorePath string `json:"object_store_path"`
		ProviderID      uint   `json:"provider_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "invalid request body"})
	}
	var site models.Site
	if err := database.DB.Where("external_id = ? AND node_id = ?", req.SiteExternalID, node.ID).First(&site).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "site not found"})
	}

	switch req.Status {
	case "COMPLETED":
		backup := &models.Backup{
			ExternalID:        uuid.New(),
			SiteID:            site.ID,
			Filename:          req.Filename,
			SizeBytes:         req.SizeBytes,
			ObjectStorePath:   req.ObjectStorePath,
			StorageProviderID: req.ProviderID,
			BackupType:        "full",
		}
		if err := quota.PostFlight(node.ID, &site, backup); err != nil {
			progressstore.Default().Finish(site.ID, req.Epoch, models.ProgressFailed, "internal", err.Error())
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to record backup"})
		}
		progressstore.Default().Finish(site.ID, req.Epoch, models.ProgressCompleted, "", "")
		activity.Record(0, "node:"+node.Hostname, models.ActivityBackupComplete, "site", site.ID, site.Name, map[string]interface{}{"size_bytes": req.SizeBytes}, c.IP(), c.Get("User-Agent"))

	case "STOPPED":
		progressstore.Default().Finish(site.ID, req.Epoch, models.ProgressStopped, req.ErrorKind, req.Message)

	default:
		// A terminal failure also gets a durable Backup row, not just the
		// progress row that resets on the next Start (spec §7: Node-side
		// errors are mirrored via the progress row and, for terminal ones,
		// in the Backup record). STOPPED (cooperative cancellation) is
		// exempt per spec §8 scenario 3.
		backup := &models.Backup{
			ExternalID:        uuid.New(),
			SiteID:            site.ID,
			Filename:          req.Filename,
			SizeBytes:         req.SizeBytes,
			ObjectStorePath:   req.ObjectStorePath,
			StorageProviderID: req.ProviderID,
			BackupType:        "full",
			Status:            models.BackupStatusFailed,
			ErrorKind:         req.ErrorKind,
			ErrorMessage:      req.Message,
		}
		if err := database.DB.Create(backup).Error; err != nil {
			progressstore.Default().Finish(site.ID, req.Epoch, models.ProgressFailed, req.ErrorKind, req.Message)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to record backup"})
		}
		progressstore.Default().Finish(site.ID, req.Epoch, models.ProgressFailed, req.ErrorKind, req.Message)
	}

	return c.JSON(fiber.Map{"success": true})
}
