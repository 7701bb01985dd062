package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/enroll"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/seal"
)

// NodeHandler implements the join/approval/storage-config surface of
// spec §4.4, §6.3: registration-code join requests are public, approval is
// super_admin only, and storage config is retrieved by the Node itself
// under X-API-KEY auth.
type NodeHandler struct {
	keyring *seal.Keyring
}

func NewNodeHandler(keyring *seal.Keyring) *NodeHandler {
	return &NodeHandler{keyring: keyring}
}

// loadNodeScoped resolves a node by its opaque external id (spec §3: "all
// external paths" address entities by ExternalID, never the auto-increment
// primary key, so enumeration is impossible).
func loadNodeScoped(c *fiber.Ctx) (*models.Node, error) {
	externalID := c.Params("externalID")
	var node models.Node
	if err := database.DB.Where("external_id = ?", externalID).First(&node).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "node not found")
	}

	user := middleware.GetCurrentUser(c)
	if user != nil {
		if allowed := middleware.AllowedNodeIDs(user); allowed != nil {
			for _, a := range allowed {
				if a == node.ID {
					return &node, nil
				}
			}
			return nil, fiber.NewError(fiber.StatusForbidden, "access denied")
		}
	}
	return &node, nil
}

// List returns the nodes visible to the current user's RBAC scope.
func (h *NodeHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	q := database.DB.Model(&models.Node{})
	if user != nil {
		if allowed := middleware.AllowedNodeIDs(user); allowed != nil {
			if len(allowed) == 0 {
				return c.JSON(fiber.Map{"success": true, "data": []models.Node{}})
			}
			q = q.Where("id IN ?", allowed)
		}
	}
	var nodes []models.Node
	if err := q.Order("hostname ASC").Find(&nodes).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to list nodes"})
	}
	return c.JSON(fiber.Map{"success": true, "data": nodes})
}

func (h *NodeHandler) Get(c *fiber.Ctx) error {
	node, err := loadNodeScoped(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": node})
}

// JoinRequest is the public endpoint a fresh Node installation calls to
// request enrollment (spec §4.4 step Join, §6.3 POST /nodes/join-request).
func (h *NodeHandler) JoinRequest(c *fiber.Ctx) error {
	var req struct {
		Hostname string `json:"hostname"`
		Address  string `json:"address"`
	}
	if err := c.BodyParser(&req); err != nil || req.Hostname == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "hostname is required"})
	}
	if req.Address == "" {
		req.Address = c.IP()
	}

	node, err := enroll.Join(req.Hostname, req.Address)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to create join request"})
	}

	activity.Record(0, "", models.ActivityNodeJoin, "node", node.ID, node.Hostname, nil, c.IP(), c.Get("User-Agent"))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"node_id":           node.ID,
			"external_id":       node.ExternalID,
			"registration_code": node.RegistrationCode,
		},
	})
}

// StatusByCode is the public poll a pending Node uses to learn whether it
// has been approved, and to retrieve its one-time plaintext API key
// (spec §4.4 step 4, §6.3 GET /nodes/status/code/{code}).
func (h *NodeHandler) StatusByCode(c *fiber.Ctx) error {
	code := c.Params("code")
	node, err := enroll.StatusByCode(code)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Unknown registration code"})
	}

	result := enroll.PollResult{NodeID: node.ID, ExternalID: node.ExternalID.String(), Status: node.Status}
	if node.Status == models.NodeStatusActive {
		result.APIKey = enroll.ConsumePendingKey(node.ID)
	}
	return c.JSON(fiber.Map{"success": true, "data": result})
}

// Approve activates a PENDING node (spec §4.4 Approval, §6.3 super_admin
// only). The generated plaintext key is never returned here; it is
// delivered exactly once through StatusByCode.
func (h *NodeHandler) Approve(c *fiber.Ctx) error {
	node, err := loadNodeScoped(c)
	if err != nil {
		return err
	}
	if _, err := enroll.Approve(node.ID, node.Address); err != nil {
		if err == enroll.ErrAlreadyActive {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "Node is already active"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to approve node"})
	}

	if user := middleware.GetCurrentUser(c); user != nil {
		activity.Record(user.ID, user.Username, models.ActivityNodeApprove, "node", node.ID, node.Hostname, nil, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true, "message": "Node approved"})
}

// SetStatus sets a Node's health status (spec §3 NodeStatus).
func (h *NodeHandler) SetStatus(c *fiber.Ctx) error {
	node, err := loadNodeScoped(c)
	if err != nil {
		return err
	}
	var req struct {
		Status models.NodeStatus `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "invalid request body"})
	}
	switch req.Status {
	case models.NodeStatusActive, models.NodeStatusBlocked, models.NodeStatusInactive:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "invalid status"})
	}
	if err := database.DB.Model(node).Update("status", req.Status).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to update node status"})
	}
	return c.JSON(fiber.Map{"success": true})
}

// SetQuota updates the node-level storage quota (spec §4.5, §6.3).
func (h *NodeHandler) SetQuota(c *fiber.Ctx) error {
	node, err := loadNodeScoped(c)
	if err != nil {
		return err
	}
	quotaGB, err := strconv.ParseInt(c.Query("quota_gb"), 10, 64)
	if err != nil || quotaGB < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "quota_gb must be a non-negative integer"})
	}
	bytes := quotaGB * 1024 * 1024 * 1024
	if err := database.DB.Model(node).Update("storage_quota_bytes", bytes).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "failed to update quota"})
	}

	if user := middleware.GetCurrentUser(c); user != nil {
		activity.Record(user.ID, user.Username, models.ActivityQuotaSet, "node", node.ID, node.Hostname, map[string]interface{}{"quota_bytes": bytes}, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true})
}

// StorageConfig is the Node-auth-only endpoint that unseals and returns the
// assigned provider's access credentials (spec §4.4, §6.3: the daemon's own
// periodic fetch, distinct from nodeclient.FetchCredentials which a Master
// handler also serves for per-upload fetches).
func (h *NodeHandler) StorageConfig(c *fiber.Ctx) error {
	node := middleware.GetCurrentNode(c)
	if node == nil || node.StorageProviderID == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "No storage provider assigned"})
	}
	var provider models.StorageProvider
	if err := database.DB.First(&provider, *node.StorageProviderID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load storage provider"})
	}

	accessKey, err := h.keyring.Unseal(provider.AccessKeySealed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to unseal credentials"})
	}
	secretKey, err := h.keyring.Unseal(provider.SecretKeySealed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to unseal credentials"})
	}

	database.DB.Model(node).Update("last_seen_at", time.Now())

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"provider_id": provider.ID,
			"endpoint":    provider.Endpoint,
			"region":      provider.Region,
			"bucket":      provider.Bucket,
			"access_key":  string(accessKey),
			"secret_key":  string(secretKey),
			"use_ssl":     provider.Type == models.StorageProviderS3,
		},
	})
}
