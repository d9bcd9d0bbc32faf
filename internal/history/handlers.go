package history

import (
	"backend-runtracker/internal/auth"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Get("/", authMiddleware, func(c *fiber.Ctx) error {
		athleteID, err := auth.AthleteID(c)
		if err != nil {
			return err
		}
		runs, err := svc.Recent(c.Context(), athleteID, c.QueryInt("limit", defaultLimit))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(runs)
	})

	r.Get("/:id/route", authMiddleware, func(c *fiber.Ctx) error {
		athleteID, err := auth.AthleteID(c)
		if err != nil {
			return err
		}
		points, err := svc.Route(c.Context(), athleteID, c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})
}
