package handlers

import (
	"errors"

	"challenge-backend/middleware"
	"challenge-backend/models"
	"challenge-backend/services"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type MatchmakingHandler struct {
	Service *services.MatchmakingService
	Status  *services.QueueStatusReader
}

type joinQueueRequest struct {
	GameVariant     string `json:"game_variant"`
	PreferredRounds int    `json:"preferred_rounds"`
}

func SetupMatchmakingRoutes(app *fiber.App, h *MatchmakingHandler) {
	// 🔐 All matchmaking routes act on the calling user
	secured := app.Group("/matchmaking", middleware.UserContextMiddleware())

	secured.Post("/queue", h.JoinQueue)
	secured.Delete("/queue", h.LeaveQueue)
	secured.Get("/queue/status", h.GetQueueStatus)
}

func (h *MatchmakingHandler) JoinQueue(c *fiber.Ctx) error {
	var req joinQueueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	variant, err := models.ParseGameVariant(req.GameVariant)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "supported": models.GameVariants()})
	}

	userID := middleware.UserID(c)
	entry, err := h.Service.JoinQueue(c.UserContext(), userID, variant, req.PreferredRounds)
	switch {
	case errors.Is(err, services.ErrAlreadyQueued):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrUnsupportedRounds):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		logrus.WithField("user_id", userID).WithError(err).Error("failed to join matchmaking queue")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database error"})
	}

	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (h *MatchmakingHandler) LeaveQueue(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	err := h.Service.LeaveQueue(c.UserContext(), userID)
	switch {
	case errors.Is(err, services.ErrNotQueued):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		logrus.WithField("user_id", userID).WithError(err).Error("failed to leave matchmaking queue")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database error"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// GetQueueStatus answers 200 even when the user is not queued.
func (h *MatchmakingHandler) GetQueueStatus(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	view, err := h.Status.GetQueueStatus(c.UserContext(), userID)
	if err != nil {
		logrus.WithField("user_id", userID).WithError(err).Error("failed to read queue status")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database error"})
	}
	return c.JSON(view)
}
