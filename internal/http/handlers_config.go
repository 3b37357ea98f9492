package http

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"posreports/internal/health"
	"posreports/internal/jobs"
	"posreports/internal/model"
)

func getReportsHandler(c *fiber.Ctx) error {
	reports, err := depsFrom(c).Reports.Get(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   fmt.Sprintf("Failed to load reports configuration: %v", err),
		})
	}
	if reports == nil {
		reports = []model.Report{}
	}
	return c.JSON(reports)
}

// setReportsHandler replaces the active report list. Jobs already
// queued keep the list they were submitted with.
func setReportsHandler(c *fiber.Ctx) error {
	d := depsFrom(c)

	var reports []model.Report
	if err := c.BodyParser(&reports); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   fmt.Sprintf("Invalid request body: %v", err),
		})
	}
	if err := jobs.ValidateReports(reports); err != nil {
		code := fiber.StatusInternalServerError
		if errors.Is(err, jobs.ErrValidation) {
			code = fiber.StatusBadRequest
		}
		return c.Status(code).JSON(ErrorResponse{
			Success: false,
			Code:    "VALIDATION_FAILED",
			Error:   err.Error(),
		})
	}

	if err := d.Reports.Set(c.UserContext(), reports); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   fmt.Sprintf("Failed to update reports configuration: %v", err),
		})
	}
	stored, err := d.Reports.Get(c.UserContext())
	if err != nil {
		stored = reports
	}
	if stored == nil {
		stored = []model.Report{}
	}
	return c.JSON(ReportsConfigResponse{ReportsConfig: stored})
}

func healthHandler(c *fiber.Ctx) error {
	rep := health.Check(c.UserContext(), depsFrom(c).Health)
	return c.JSON(rep)
}
