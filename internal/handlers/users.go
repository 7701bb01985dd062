package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
)

// UserHandler is the super_admin-only operator-account and RBAC-assignment
// management surface (spec §6.2, §6.3).
type UserHandler struct{}

func NewUserHandler() *UserHandler { return &UserHandler{} }

// loadUserScoped resolves a user by its opaque external id (spec §3: "all
// external paths" address entities by ExternalID, never the auto-increment
// primary key, so enumeration is impossible).
func loadUserScoped(c *fiber.Ctx) (*models.User, error) {
	var user models.User
	if err := database.DB.Where("external_id = ?", c.Params("externalID")).First(&user).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "user not found")
	}
	return &user, nil
}

func (h *UserHandler) List(c *fiber.Ctx) error {
	var users []models.User
	if err := database.DB.Order("username ASC").Find(&users).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to list users"})
	}
	infos := make([]*UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, toUserInfo(&users[i]))
	}
	return c.JSON(fiber.Map{"success": true, "data": infos})
}

// Create provisions a new operator account; the initial password is
// force-changed on first login (spec §6.2).
func (h *UserHandler) Create(c *fiber.Ctx) error {
	var req struct {
		Username string      `json:"username"`
		Password string      `json:"password"`
		Email    string      `json:"email"`
		FullName string      `json:"full_name"`
		Role     models.Role `json:"role"`
	}
	if err := c.BodyParser(&req); err != nil || req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "username and password are required"})
	}
	if len(req.Password) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "password must be at least 8 characters"})
	}
	switch req.Role {
	case models.RoleSuperAdmin, models.RoleNodeAdmin, models.RoleSiteAdmin:
	default:
		req.Role = models.RoleSiteAdmin
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to hash password"})
	}

	user := models.User{
		ExternalID:          uuid.New(),
		Username:            req.Username,
		Password:            hashed,
		Email:               req.Email,
		FullName:            req.FullName,
		Role:                req.Role,
		IsActive:            true,
		ForcePasswordChange: true,
	}
	if err := database.DB.Create(&user).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "Username already exists"})
	}

	if actor := middleware.GetCurrentUser(c); actor != nil {
		activity.Record(actor.ID, actor.Username, models.ActivityPasswordReset, "user", user.ID, user.Username, nil, c.IP(), c.Get("User-Agent"))
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": toUserInfo(&user)})
}

func (h *UserHandler) Update(c *fiber.Ctx) error {
	user, err := loadUserScoped(c)
	if err != nil {
		return err
	}

	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "invalid request body"})
	}
	delete(req, "id")
	delete(req, "external_id")
	delete(req, "password")
	delete(req, "two_factor_enabled")
	delete(req, "two_factor_secret")

	if err := database.DB.Model(user).Updates(req).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to update user"})
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *UserHandler) Delete(c *fiber.Ctx) error {
	user, err := loadUserScoped(c)
	if err != nil {
		return err
	}
	if actor := middleware.GetCurrentUser(c); actor != nil && actor.ID == user.ID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "cannot delete your own account"})
	}
	if err := database.DB.Delete(user).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to delete user"})
	}
	return c.JSON(fiber.Map{"success": true})
}

// ResetPassword sets the user's password to the one supplied in the request
// body (at least 8 characters), recording the action (mirrors wpbackupctl's
// reset-password, spec §6.6).
func (h *UserHandler) ResetPassword(c *fiber.Ctx) error {
	user, err := loadUserScoped(c)
	if err != nil {
		return err
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.Password) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "password must be at least 8 characters"})
	}
	hashed, err := HashPassword(req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to hash password"})
	}
	if err := database.DB.Model(user).Updates(map[string]interface{}{
		"password":              hashed,
		"force_password_change": true,
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to reset password"})
	}

	if actor := middleware.GetCurrentUser(c); actor != nil {
		activity.Record(actor.ID, actor.Username, models.ActivityPasswordReset, "user", user.ID, user.Username, nil, c.IP(), c.Get("User-Agent"))
	}

	return c.JSON(fiber.Map{"success": true})
}

// AssignNode grants a node_admin user management rights over a Node
// (spec §6.2 M:N assignment table).
func (h *UserHandler) AssignNode(c *fiber.Ctx) error {
	var req struct {
		UserID uint `json:"user_id"`
		NodeID uint `json:"node_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 || req.NodeID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "user_id and node_id are required"})
	}
	assignment := models.NodeAdminAssignment{UserID: req.UserID, NodeID: req.NodeID}
	if err := database.DB.Create(&assignment).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "assignment already exists"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": assignment})
}

func (h *UserHandler) UnassignNode(c *fiber.Ctx) error {
	var user models.User
	var node models.Node
	if err := database.DB.Where("external_id = ?", c.Params("userExternalID")).First(&user).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "user not found"})
	}
	if err := database.DB.Where("external_id = ?", c.Params("nodeExternalID")).First(&node).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "node not found"})
	}
	database.DB.Where("user_id = ? AND node_id = ?", user.ID, node.ID).Delete(&models.NodeAdminAssignment{})
	return c.JSON(fiber.Map{"success": true})
}

// AssignSite grants a site_admin user management rights over a Site.
func (h *UserHandler) AssignSite(c *fiber.Ctx) error {
	var req struct {
		UserID uint `json:"user_id"`
		SiteID uint `json:"site_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.UserID == 0 || req.SiteID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "user_id and site_id are required"})
	}
	assignment := models.SiteAdminAssignment{UserID: req.UserID, SiteID: req.SiteID}
	if err := database.DB.Create(&assignment).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "assignment already exists"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": assignment})
}

func (h *UserHandler) UnassignSite(c *fiber.Ctx) error {
	var user models.User
	var site models.Site
	if err := database.DB.Where("external_id = ?", c.Params("userExternalID")).First(&user).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "user not found"})
	}
	if err := database.DB.Where("external_id = ?", c.Params("siteExternalID")).First(&site).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "site not found"})
	}
	database.DB.Where("user_id = ? AND site_id = ?", user.ID, site.ID).Delete(&models.SiteAdminAssignment{})
	return c.JSON(fiber.Map{"success": true})
}
