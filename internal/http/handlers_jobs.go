package http

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"posreports/internal/automation"
	"posreports/internal/joblog"
	"posreports/internal/jobs"
	"posreports/internal/reportcfg"
)

// downloadHandler validates the request and queues a job. It returns
// before any browser work starts.
func downloadHandler(c *fiber.Ctx) error {
	d := depsFrom(c)

	var req DownloadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   fmt.Sprintf("Invalid request body: %v", err),
		})
	}

	reports := req.Reports
	if len(reports) == 0 {
		active, err := reportcfg.Active(c.UserContext(), d.Reports)
		switch {
		case errors.Is(err, reportcfg.ErrEmpty):
			return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
				Success: false,
				Code:    "NO_REPORTS_CONFIGURED",
				Error:   "No reports configured; POST /config/reports first",
			})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Success: false,
				Code:    "INTERNAL_ERROR",
				Error:   fmt.Sprintf("Failed to load reports configuration: %v", err),
			})
		}
		reports = active
	}

	rec, err := d.Orchestrator.Submit(c.UserContext(), jobs.SubmitRequest{
		Accounts: req.accounts(),
		Reports:  reports,
	})
	if err != nil {
		return submitError(c, err)
	}
	return c.JSON(rec)
}

func submitError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, jobs.ErrValidation):
		status, code = fiber.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, jobs.ErrDuplicate):
		status, code = fiber.StatusConflict, "JOB_EXISTS"
	case errors.Is(err, automation.ErrUnavailable):
		status, code = fiber.StatusServiceUnavailable, "BROWSER_UNAVAILABLE"
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrShuttingDown):
		status, code = fiber.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"
	}
	return c.Status(status).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   fmt.Sprintf("Failed to create download job: %v", err),
	})
}

func jobsListHandler(c *fiber.Ctx) error {
	list := depsFrom(c).Orchestrator.Registry().List()
	return c.JSON(ListJobsResponse{Jobs: list, Total: len(list)})
}

func jobStatusHandler(c *fiber.Ctx) error {
	rec, err := depsFrom(c).Orchestrator.Registry().Get(c.Params("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "JOB_NOT_FOUND",
				Error:   "Job not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   err.Error(),
		})
	}
	return c.JSON(rec)
}

func jobLogsHandler(c *fiber.Ctx) error {
	d := depsFrom(c)
	id := c.Params("id")

	lines, err := joblog.ReadLines(c.UserContext(), d.Config.Paths.LogsDir, id)
	if err != nil {
		if errors.Is(err, joblog.ErrNoLogs) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Success: false,
				Code:    "LOGS_NOT_FOUND",
				Error:   "No logs found for this job",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "INTERNAL_ERROR",
			Error:   fmt.Sprintf("Failed to read logs: %v", err),
		})
	}
	if lines == nil {
		lines = []string{}
	}
	return c.JSON(LogsResponse{JobID: id, Logs: lines, TotalLines: len(lines)})
}
