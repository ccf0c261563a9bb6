package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/imhub/internal/healthcheck"
)

type PingHandler struct {
	checks map[string]healthcheck.Checker
	logger *slog.Logger
}

func NewPingHandler(log *slog.Logger, checks map[string]healthcheck.Checker) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{checks: checks, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health reports readiness of every registered dependency.
func (h *PingHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	results, healthy := healthcheck.Run(ctx, h.checks)
	status, overall := http.StatusOK, healthcheck.StatusOK
	if !healthy {
		status, overall = http.StatusServiceUnavailable, healthcheck.StatusError
		for _, r := range results {
			if r.Status != healthcheck.StatusOK {
				h.logger.Warn("readiness check failed", slog.String("check", r.Name), slog.String("detail", r.Detail))
			}
		}
	}
	return c.JSON(status, map[string]any{
		"status": overall,
		"checks": results,
	})
}
