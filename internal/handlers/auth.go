package handlers

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/config"
	"github.com/wpbackup/fleet/internal/database"
	"github.com/wpbackup/fleet/internal/middleware"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/settings"
)

// LoginAttempt tracks failed login attempts per IP, grounded on the
// teacher's in-memory lockout map (internal/handlers/auth.go).
type LoginAttempt struct {
	Count     int
	LastTry   time.Time
	BlockedAt *time.Time
}

var (
	loginAttempts = make(map[string]*LoginAttempt)
	attemptsMutex sync.RWMutex
)

func isIPBlocked(ip string) (bool, int) {
	attemptsMutex.RLock()
	attempt, exists := loginAttempts[ip]
	attemptsMutex.RUnlock()
	if !exists {
		return false, 0
	}

	maxAttempts := atoiDefault(settings.Resolve("max_login_attempts", 0, 0), 5)
	blockDuration := 15 * time.Minute

	if attempt.BlockedAt != nil {
		if time.Since(*attempt.BlockedAt) < blockDuration {
			remaining := int(blockDuration.Minutes() - time.Since(*attempt.BlockedAt).Minutes())
			return true, remaining
		}
		attemptsMutex.Lock()
		delete(loginAttempts, ip)
		attemptsMutex.Unlock()
		return false, 0
	}

	if time.Since(attempt.LastTry) > blockDuration {
		attemptsMutex.Lock()
		delete(loginAttempts, ip)
		attemptsMutex.Unlock()
		return false, 0
	}

	return attempt.Count >= maxAttempts, 0
}

func recordFailedAttempt(ip string) int {
	attemptsMutex.Lock()
	defer attemptsMutex.Unlock()

	maxAttempts := atoiDefault(settings.Resolve("max_login_attempts", 0, 0), 5)
	if _, exists := loginAttempts[ip]; !exists {
		loginAttempts[ip] = &LoginAttempt{Count: 0}
	}
	loginAttempts[ip].Count++
	loginAttempts[ip].LastTry = time.Now()
	if loginAttempts[ip].Count >= maxAttempts {
		now := time.Now()
		loginAttempts[ip].BlockedAt = &now
	}
	return maxAttempts - loginAttempts[ip].Count
}

func clearFailedAttempts(ip string) {
	attemptsMutex.Lock()
	defer attemptsMutex.Unlock()
	delete(loginAttempts, ip)
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

type AuthHandler struct {
	cfg *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success             bool      `json:"success"`
	Message             string    `json:"message,omitempty"`
	Token               string    `json:"token,omitempty"`
	Requires2FA         bool      `json:"requires_2fa,omitempty"`
	User                *UserInfo `json:"user,omitempty"`
	ForcePasswordChange bool      `json:"force_password_change,omitempty"`
}

type UserInfo struct {
	ID                  uint        `json:"id"`
	ExternalID          string      `json:"external_id"`
	Username            string      `json:"username"`
	Email               string      `json:"email"`
	FullName            string      `json:"full_name"`
	Role                models.Role `json:"role"`
	ForcePasswordChange bool        `json:"force_password_change"`
}

func toUserInfo(u *models.User) *UserInfo {
	return &UserInfo{
		ID:                  u.ID,
		ExternalID:          u.ExternalID.String(),
		Username:            u.Username,
		Email:               u.Email,
		FullName:            u.FullName,
		Role:                u.Role,
		ForcePasswordChange: u.ForcePasswordChange,
	}
}

// Login verifies username/password and issues a bearer token. If the user
// has 2FA enabled, an mfa_pending-scoped token is returned instead of a
// full one; the caller must redeem it via TwoFAHandler.VerifyLogin (spec §6.1).
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	clientIP := c.IP()

	if blocked, remaining := isIPBlocked(clientIP); blocked {
		return c.Status(fiber.StatusTooManyRequests).JSON(LoginResponse{
			Success: false,
			Message: "Too many failed login attempts. Try again in " + strconv.Itoa(remaining) + " minutes",
		})
	}

	var req LoginRequest
	if err := c.BodyParser(&req); err != nil || req.Username == "" || req.Password == "" {
		return c.Status(fiber.StatusBadRequest).JSON(LoginResponse{Success: false, Message: "Username and password are required"})
	}

	var user models.User
	if err := database.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		remaining := recordFailedAttempt(clientIP)
		return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{Success: false, Message: loginFailureMessage(remaining)})
	}

	if !user.IsActive {
		return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{Success: false, Message: "Account is disabled"})
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		remaining := recordFailedAttempt(clientIP)
		return c.Status(fiber.StatusUnauthorized).JSON(LoginResponse{Success: false, Message: loginFailureMessage(remaining)})
	}

	clearFailedAttempts(clientIP)

	if user.TwoFactorEnabled {
		token, err := middleware.GenerateToken(&user, middleware.ScopeMFAPending, h.cfg)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(LoginResponse{Success: false, Message: "Failed to generate token"})
		}
		return c.JSON(LoginResponse{Success: true, Requires2FA: true, Token: token})
	}

	return h.issueFullToken(c, &user)
}

func loginFailureMessage(remaining int) string {
	msg := "Invalid username or password"
	if remaining > 0 {
		msg += ". " + strconv.Itoa(remaining) + " attempts remaining"
	}
	return msg
}

// issueFullToken finalizes a successful authentication (password-only, or
// 2FA already redeemed): records last_login, writes an activity-log entry,
// and returns a full-scoped token.
func (h *AuthHandler) issueFullToken(c *fiber.Ctx, user *models.User) error {
	token, err := middleware.GenerateToken(user, middleware.ScopeFull, h.cfg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(LoginResponse{Success: false, Message: "Failed to generate token"})
	}

	now := time.Now()
	database.DB.Model(user).Update("last_login", now)

	activity.Record(user.ID, user.Username, models.ActivityLogin, "user", user.ID, user.Username, nil, c.IP(), c.Get("User-Agent"))

	return c.JSON(LoginResponse{
		Success:             true,
		Token:               token,
		ForcePasswordChange: user.ForcePasswordChange,
		User:                toUserInfo(user),
	})
}

// IssueFullToken is exported for TwoFAHandler.VerifyLogin to call after OTP
// validation succeeds against an mfa_pending token.
func (h *AuthHandler) IssueFullToken(c *fiber.Ctx, user *models.User) error {
	return h.issueFullToken(c, user)
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	tokenString, _ := c.Locals("token").(string)
	expiresAt, _ := c.Locals("tokenExpiresAt").(time.Time)

	if user != nil {
		activity.Record(user.ID, user.Username, models.ActivityLogout, "user", user.ID, user.Username, nil, c.IP(), c.Get("User-Agent"))
	}
	if tokenString != "" {
		ttl := time.Until(expiresAt)
		database.BlacklistToken(tokenString, ttl)
	}

	return c.JSON(fiber.Map{"success": true, "message": "Logged out successfully"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "User not found"})
	}
	return c.JSON(fiber.Map{"success": true, "user": toUserInfo(user)})
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "User not found"})
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Invalid request body"})
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.CurrentPassword)); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Current password is incorrect"})
	}
	if len(req.NewPassword) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Password must be at least 8 characters"})
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to hash password"})
	}
	if err := database.DB.Model(user).Updates(map[string]interface{}{
		"password":              string(hashed),
		"force_password_change": false,
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to update password"})
	}

	return c.JSON(fiber.Map{"success": true, "message": "Password changed successfully"})
}

func (h *AuthHandler) RefreshToken(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "User not found"})
	}
	token, err := middleware.GenerateToken(user, middleware.ScopeFull, h.cfg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to generate token"})
	}
	return c.JSON(fiber.Map{"success": true, "token": token})
}

func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
