package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wpbackup/fleet/internal/config"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/enroll"
	"github.com/wpbackup/fleet/internal/models"
)

// TokenScope distinguishes a fully-authenticated bearer token from a
// transitional one usable only to redeem a pending 2FA challenge (spec §6.1).
type TokenScope string

const (
	ScopeFull       TokenScope = "full"
	ScopeMFAPending TokenScope = "mfa_pending"
)

// JWTClaims carries {user id, role, scope} as required by spec §6.1.
type JWTClaims struct {
	UserID uint        `json:"user_id"`
	Username string    `json:"username"`
	Role   models.Role `json:"role"`
	Scope  TokenScope  `json:"scope"`
	jwt.RegisteredClaims
}

// GenerateToken issues a bearer token at the given scope. A login that still
// needs a second factor gets an mfa_pending-scoped token usable only against
// the 2FA redemption endpoint; successful redemption (or a login with 2FA
// disabled) gets a full-scoped token.
func GenerateToken(user *models.User, scope TokenScope, cfg *config.Config) (string, error) {
	expiry := time.Duration(cfg.JWTExpireHours) * time.Hour
	if scope == ScopeMFAPending {
		expiry = 5 * time.Minute
	}
	claims := JWTClaims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "wpbackup",
		},
	}

	secret := database.GetJWTSecret()
	if secret == "" {
		return "", fiber.ErrInternalServerError
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// parseToken validates signature, blacklist, and expiry, returning claims.
func parseToken(tokenString string) (*JWTClaims, error) {
	secret := database.GetJWTSecret()
	if secret == "" {
		return nil, fiber.ErrUnauthorized
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, fiber.ErrUnauthorized
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, fiber.ErrUnauthorized
	}
	return claims, nil
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	authHeader := c.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// authenticateFullToken validates tokenString as a full-scoped bearer token
// and, on success, populates the request locals AuthRequired's callers rely
// on. Shared by AuthRequired and SSEAuthRequired so both accept a token the
// same way regardless of where it was extracted from. ok reports whether
// authentication succeeded; when it is false the unauthorized response has
// already been written to c, and err is whatever that write itself returned.
func authenticateFullToken(c *fiber.Ctx, tokenString string) (ok bool, err error) {
	if database.IsTokenBlacklisted(tokenString) {
		return false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Token has been revoked (logged out)"})
	}

	claims, parseErr := parseToken(tokenString)
	if parseErr != nil {
		return false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Invalid or expired token"})
	}
	if claims.Scope != ScopeFull {
		return false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Second factor required"})
	}

	var user models.User
	if err := database.DB.First(&user, claims.UserID).Error; err != nil {
		return false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "User not found"})
	}
	if !user.IsActive {
		return false, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "User account is disabled"})
	}

	c.Locals("user", &user)
	c.Locals("userID", user.ID)
	c.Locals("username", user.Username)
	c.Locals("role", user.Role)
	c.Locals("token", tokenString)
	c.Locals("tokenExpiresAt", claims.ExpiresAt.Time)
	return true, nil
}

// AuthRequired protects routes with a full-scoped bearer token (spec §6.1).
// An mfa_pending token is rejected here; it is only valid against the 2FA
// redemption endpoint, which calls MFAPendingRequired instead.
func AuthRequired(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Missing authorization header"})
		}
		authenticated, err := authenticateFullToken(c, tokenString)
		if !authenticated {
			return err
		}
		return c.Next()
	}
}

// SSEAuthRequired protects routes a browser EventSource connects to, where
// no Authorization header can be set. It accepts the same full-scoped
// bearer token via ?token= instead, falling back to the Authorization
// header so non-browser clients keep working unchanged (spec §6.3: SSE
// progress streaming is documented as ?interval=N&token=...).
func SSEAuthRequired(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := c.Query("token")
		if tokenString == "" {
			var ok bool
			tokenString, ok = bearerToken(c)
			if !ok {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Missing token"})
			}
		}
		authenticated, err := authenticateFullToken(c, tokenString)
		if !authenticated {
			return err
		}
		return c.Next()
	}
}

// MFAPendingRequired protects the 2FA redemption endpoint: the token must be
// valid but is only accepted at mfa_pending scope.
func MFAPendingRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Missing authorization header"})
		}
		claims, err := parseToken(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Invalid or expired token"})
		}
		if claims.Scope != ScopeMFAPending {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Not a pending-2FA token"})
		}

		var user models.User
		if err := database.DB.First(&user, claims.UserID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "User not found"})
		}

		c.Locals("user", &user)
		c.Locals("userID", user.ID)
		return c.Next()
	}
}

// NodeAuthRequired protects Node-facing endpoints with the X-API-KEY scheme
// (spec §6.1): the plaintext key is compared against the stored bcrypt hash
// in constant time, never logged.
func NodeAuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-API-KEY")
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Missing API key"})
		}

		externalID := c.Get("X-Node-ID")
		var node models.Node
		if err := database.DB.Where("external_id = ?", externalID).First(&node).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unknown node"})
		}
		if node.Status != models.NodeStatusActive || !enroll.VerifyAPIKey(&node, key) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Invalid API key"})
		}

		c.Locals("node", &node)
		c.Locals("nodeID", node.ID)
		return c.Next()
	}
}

// RequireRole restricts a route to an exact set of roles (spec §6.2).
func RequireRole(roles ...models.Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, ok := c.Locals("role").(models.Role)
		if !ok {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"success": false, "message": "Access denied"})
		}
		for _, r := range roles {
			if role == r {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"success": false, "message": "Access denied"})
	}
}

// SuperAdminOnly restricts a route to super_admin (spec §6.3: approve-node,
// storage/reconcile).
func SuperAdminOnly() fiber.Handler {
	return RequireRole(models.RoleSuperAdmin)
}

// GetCurrentUser returns the authenticated user from context.
func GetCurrentUser(c *fiber.Ctx) *models.User {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return nil
	}
	return user
}

// GetCurrentUserID returns the authenticated user id from context.
func GetCurrentUserID(c *fiber.Ctx) uint {
	userID, ok := c.Locals("userID").(uint)
	if !ok {
		return 0
	}
	return userID
}

// GetCurrentNode returns the authenticated node from context (NodeAuthRequired).
func GetCurrentNode(c *fiber.Ctx) *models.Node {
	node, ok := c.Locals("node").(*models.Node)
	if !ok {
		return nil
	}
	return node
}

// AllowedNodeIDs returns the set of node ids visible to the current user's
// RBAC scope (spec §6.2), or nil for super_admin (unrestricted).
func AllowedNodeIDs(user *models.User) []uint {
	if user.Role == models.RoleSuperAdmin {
		return nil
	}
	var ids []uint
	if user.Role == models.RoleNodeAdmin {
		database.DB.Model(&models.NodeAdminAssignment{}).Where("user_id = ?", user.ID).Pluck("node_id", &ids)
	}
	return ids
}

// AllowedSiteIDs returns the set of site ids visible to the current user's
// RBAC scope (spec §6.2): node_admins see every site on their assigned
// nodes; site_admins see only their directly assigned sites.
func AllowedSiteIDs(user *models.User) []uint {
	if user.Role == models.RoleSuperAdmin {
		return nil
	}
	var ids []uint
	switch user.Role {
	case models.RoleNodeAdmin:
		nodeIDs := AllowedNodeIDs(user)
		if len(nodeIDs) > 0 {
			database.DB.Model(&models.Site{}).Where("node_id IN ?", nodeIDs).Pluck("id", &ids)
		}
	case models.RoleSiteAdmin:
		database.DB.Model(&models.SiteAdminAssignment{}).Where("user_id = ?", user.ID).Pluck("site_id", &ids)
	}
	return ids
}
