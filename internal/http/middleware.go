package http

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"posreports/internal/metrics"
)

// requestMiddleware assigns a request id, then logs and counts every
// request once the handler returns.
func requestMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()
		if err != nil {
			// Let the error handler write the response before reading
			// the status code.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Route().Path

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		attrs := []any{
			"request_id", reqID,
			"method", method,
			"path", c.Path(),
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if client := c.Locals("client"); client != nil {
			attrs = append(attrs, "client", client)
		}
		logger.Info("request", attrs...)
		return err
	}
}

// rateLimitMiddleware enforces a fixed one-minute window per client
// using Redis counters. Requests without a client name are keyed by IP.
func rateLimitMiddleware(limit int, rdb *redis.Client, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limit <= 0 || rdb == nil {
			return c.Next()
		}

		client, _ := c.Locals("client").(string)
		if client == "" {
			client = c.IP()
		}

		window := time.Now().UTC().Format("200601021504")
		key := fmt.Sprintf("posreports:rl:%s:%s", client, window)

		ctx := c.UserContext()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			// Redis outages must not block job submission.
			logger.Warn("rate_limit_unavailable", "error", err)
			return c.Next()
		}
		if count == 1 {
			_ = rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(limit) {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Success: false,
				Code:    "RATE_LIMIT_EXCEEDED",
				Error:   "Rate limit exceeded, try again later",
			})
		}
		return c.Next()
	}
}

// errorHandler renders errors that escape a handler in the standard
// envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	label := "INTERNAL_ERROR"
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
		switch code {
		case fiber.StatusNotFound:
			label = "NOT_FOUND"
		case fiber.StatusMethodNotAllowed:
			label = "METHOD_NOT_ALLOWED"
		case fiber.StatusBadRequest:
			label = "BAD_REQUEST"
		}
	}
	return c.Status(code).JSON(ErrorResponse{
		Success: false,
		Code:    label,
		Error:   err.Error(),
	})
}
