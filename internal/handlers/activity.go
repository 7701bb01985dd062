package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/wpbackup/fleet/internal/activity"
	"github.com/wpbackup/fleet/internal/middleware"
)

// ActivityHandler exposes the append-only activity log (spec §6.4).
type ActivityHandler struct{}

func NewActivityHandler() *ActivityHandler { return &ActivityHandler{} }

func (h *ActivityHandler) List(c *fiber.Ctx) error {
	userID := middleware.GetCurrentUserID(c)
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	logs, err := activity.List(userID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to list activity"})
	}
	return c.JSON(fiber.Map{"success": true, "data": logs})
}
