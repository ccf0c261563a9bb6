package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/auth"
	"github.com/memohai/imhub/internal/completion"
)

type Completer interface {
	Complete(ctx context.Context, in completion.Input) error
}

// CompletionRequest is posted by the answering service once a job is done.
// A missing Data closes the event without storing an answer.
type CompletionRequest struct {
	ExternalID string             `json:"externalId" validate:"required"`
	Data       *completion.Result `json:"data,omitempty"`
}

type CompletionHandler struct {
	completer Completer
	logger    *slog.Logger
}

func NewCompletionHandler(log *slog.Logger, svc *completion.Service) *CompletionHandler {
	return newCompletionHandler(log, svc)
}

func newCompletionHandler(log *slog.Logger, completer Completer) *CompletionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CompletionHandler{
		completer: completer,
		logger:    log.With(slog.String("handler", "completion")),
	}
}

func (h *CompletionHandler) Register(e *echo.Echo) {
	e.POST("/internal/completions", h.Complete)
}

// Complete godoc
// @Summary Record the answer of a dispatched event
// @Tags internal
// @Param payload body CompletionRequest true "Completion"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /internal/completions [post]
func (h *CompletionHandler) Complete(c echo.Context) error {
	subject, err := auth.SubjectFromContext(c)
	if err != nil {
		return err
	}
	var req CompletionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	err = h.completer.Complete(c.Request().Context(), completion.Input{
		ExternalID: req.ExternalID,
		Result:     req.Data,
	})
	switch {
	case errors.Is(err, admission.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "received event not found")
	case err != nil:
		h.logger.Error("completion failed",
			slog.String("external_id", req.ExternalID),
			slog.String("caller", subject),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "completion failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
