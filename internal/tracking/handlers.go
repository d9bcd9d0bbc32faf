package tracking

import (
	"backend-runtracker/internal/auth"
	"backend-runtracker/internal/health"
	"backend-runtracker/internal/location"
	"backend-runtracker/internal/workout"

	"github.com/gofiber/fiber/v2"
)

const maxFixesPerRequest = 500

func RegisterRoutes(r fiber.Router, reg *Registry, authMiddleware fiber.Handler) {
	r.Use(authMiddleware)

	r.Post("/start", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		s.ctrl.Start(c.UserContext())
		return c.Status(fiber.StatusCreated).JSON(s.ctrl.Stats())
	})

	r.Post("/pause", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		s.ctrl.Pause(c.UserContext())
		return c.JSON(s.ctrl.Stats())
	})

	r.Post("/resume", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		s.ctrl.Resume(c.UserContext())
		return c.JSON(s.ctrl.Stats())
	})

	r.Post("/stop", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		res, err := s.ctrl.Stop(c.UserContext())
		resp := StopResponse{
			Status:      res.Status,
			WorkoutID:   res.WorkoutID,
			RouteID:     res.RouteID,
			RoutePoints: res.RoutePoints,
			Error:       res.ErrorMessage(),
			Stats:       s.ctrl.Stats(),
		}
		if err != nil {
			return c.Status(health.StatusFor(err)).JSON(resp)
		}
		if res.Status == workout.StatusPartial {
			return c.Status(fiber.StatusAccepted).JSON(resp)
		}
		return c.JSON(resp)
	})

	r.Post("/fixes", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		var req FixesRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Fixes) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "fixes required")
		}
		if len(req.Fixes) > maxFixesPerRequest {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, "too many fixes in one request")
		}
		if !s.limiter.AllowN(reg.now(), len(req.Fixes)) {
			return fiber.NewError(fiber.StatusTooManyRequests, "fix rate exceeded")
		}
		delivered := s.relay.Push(req.Fixes...)
		return c.JSON(FixesResponse{
			Received:  len(req.Fixes),
			Delivered: delivered,
			Stats:     s.ctrl.Stats(),
		})
	})

	r.Post("/location/permission", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		var req PermissionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		s.relay.SetAuthorized(req.Granted)
		return c.JSON(fiber.Map{"granted": s.relay.Authorized()})
	})

	r.Get("/current", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		return c.JSON(s.ctrl.Stats())
	})

	r.Get("/route", func(c *fiber.Ctx) error {
		s, err := sessionFor(c, reg)
		if err != nil {
			return err
		}
		route := s.ctrl.Route()
		if route == nil {
			route = []location.Point{}
		}
		return c.JSON(route)
	})
}

func sessionFor(c *fiber.Ctx, reg *Registry) (*session, error) {
	athleteID, err := auth.AthleteID(c)
	if err != nil {
		return nil, err
	}
	return reg.session(c.UserContext(), athleteID), nil
}
