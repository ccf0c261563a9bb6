package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/intake"
)

// MaxWebhookBody is the largest push accepted.
const MaxWebhookBody = "1M"

type Intake interface {
	Handle(ctx context.Context, req intake.Request) (intake.Result, error)
}

// WebhookHandler receives provider pushes for every registered app.
type WebhookHandler struct {
	intake Intake
	logger *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, svc *intake.Service) *WebhookHandler {
	return newWebhookHandler(log, svc)
}

func newWebhookHandler(log *slog.Logger, svc Intake) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		intake: svc,
		logger: log.With(slog.String("handler", "webhook")),
	}
}

var webhookRoutes = map[string]channel.ChannelType{
	"/feishu/:appId":        channel.TypeFeishu,
	"/feishuSummary/:appId": channel.TypeFeishuSummary,
	"/dingtalk/:appId":      channel.TypeDingTalk,
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	limit := middleware.BodyLimit(MaxWebhookBody)
	for path, provider := range webhookRoutes {
		e.POST(path, h.push(provider), limit)
		e.GET(path, h.Probe)
	}
}

// Probe answers provider reachability checks.
func (h *WebhookHandler) Probe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (h *WebhookHandler) push(provider channel.ChannelType) echo.HandlerFunc {
	return func(c echo.Context) error {
		appID := strings.TrimSpace(c.Param("appId"))
		if appID == "" {
			return echo.NewHTTPError(http.StatusNotFound, "app not found")
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return httpErr
			}
			return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
		}

		req := c.Request()
		res, err := h.intake.Handle(req.Context(), intake.Request{
			Provider: provider,
			AppID:    appID,
			Raw: channel.Request{
				Header:     req.Header,
				Body:       body,
				RequestURI: req.RequestURI,
			},
		})
		if err != nil {
			return h.fail(c, provider, appID, err)
		}

		switch res.Outcome {
		case intake.OutcomeChallenge:
			return c.JSON(http.StatusOK, map[string]string{"challenge": res.Challenge})
		case intake.OutcomeReply:
			return writeReply(c, res.Reply)
		default:
			return c.String(http.StatusOK, "ok")
		}
	}
}

func (h *WebhookHandler) fail(c echo.Context, provider channel.ChannelType, appID string, err error) error {
	switch {
	case errors.Is(err, apps.ErrAppNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "app not found")
	case errors.Is(err, intake.ErrAdmissionConflict):
		return c.String(http.StatusBadRequest, "message in processing")
	case errors.Is(err, intake.ErrAlreadyCompleted), errors.Is(err, intake.ErrQuotaExhausted):
		return c.String(http.StatusOK, "ok")
	default:
		h.logger.Error("webhook failed",
			slog.String("provider", provider.String()),
			slog.String("app_id", appID),
			slog.Any("error", err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func writeReply(c echo.Context, reply *channel.Response) error {
	if reply == nil {
		return c.String(http.StatusOK, "ok")
	}
	for k, values := range reply.Header {
		for _, v := range values {
			c.Response().Header().Add(k, v)
		}
	}
	status := reply.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	contentType := c.Response().Header().Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEApplicationJSONCharsetUTF8
	}
	return c.Blob(status, contentType, reply.Body)
}
