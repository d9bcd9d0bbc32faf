package health

import (
	"errors"
	"time"

	"backend-runtracker/internal/auth"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes exposes the writes a device makes into the health store:
// energy samples from the watch, body weight, and permission grants.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/energy", authMiddleware, func(c *fiber.Ctx) error {
		athleteID, err := auth.AthleteID(c)
		if err != nil {
			return err
		}
		var req EnergySample
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Kcal < 0 || req.StartedAt.IsZero() || req.EndedAt.Before(req.StartedAt) {
			return fiber.NewError(fiber.StatusBadRequest, "kcal, started_at and ended_at required")
		}
		if err := svc.ForAthlete(athleteID).AddEnergySample(c.Context(), req); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusCreated)
	})

	r.Post("/weight", authMiddleware, func(c *fiber.Ctx) error {
		athleteID, err := auth.AthleteID(c)
		if err != nil {
			return err
		}
		var req BodyWeight
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Kg <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "kg must be positive")
		}
		if req.MeasuredAt.IsZero() {
			req.MeasuredAt = time.Now()
		}
		if err := svc.ForAthlete(athleteID).AddBodyWeight(c.Context(), req); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.SendStatus(fiber.StatusCreated)
	})

	r.Post("/authorization", authMiddleware, func(c *fiber.Ctx) error {
		athleteID, err := auth.AthleteID(c)
		if err != nil {
			return err
		}
		var req struct {
			Types   []DataType `json:"types"`
			Granted bool       `json:"granted"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Types) == 0 {
			req.Types = append(append([]DataType{}, RunReadTypes...), RunWriteTypes...)
		}
		store := svc.ForAthlete(athleteID)
		if err := store.Grant(c.Context(), req.Types, req.Granted); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		ok, err := store.RequestAuthorization(c.Context(), RunReadTypes, RunWriteTypes)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"authorized": ok})
	})
}

// StatusFor maps store errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}
