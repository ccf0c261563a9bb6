// Package feishu implements the Feishu/Lark provider: webhook envelope
// handling through the Lark SDK event dispatcher, message normalization and
// text replies.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/imhub/internal/channel"
)

const (
	// Type is the standard Feishu app: every received message is processed.
	Type = channel.TypeFeishu
	// SummaryType is the Feishu summary app: only summary commands addressed to the bot are processed.
	SummaryType = channel.TypeFeishuSummary
)

type messageReplyAPI interface {
	Reply(ctx context.Context, req *larkim.ReplyMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.ReplyMessageResp, error)
}

type replyGateway interface {
	Reply(ctx context.Context, messageID, text string) error
}

type larkReplyGateway struct {
	api messageReplyAPI
}

func (g *larkReplyGateway) Reply(ctx context.Context, messageID, text string) error {
	if g == nil || g.api == nil {
		return fmt.Errorf("feishu reply api not configured")
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal text content: %w", err)
	}
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			Content(string(content)).
			MsgType(larkim.MsgTypeText).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := g.api.Reply(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success() {
		code := 0
		msg := ""
		if resp != nil {
			code = resp.Code
			msg = resp.Msg
		}
		return fmt.Errorf("feishu reply failed: %s (code: %d)", msg, code)
	}
	return nil
}

func newLarkReplyGateway(cfg Config) replyGateway {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(cfg.openBaseURL()))
	return &larkReplyGateway{api: client.Im.V1.Message}
}

// Adapter implements channel.Provider for Feishu and Feishu summary apps.
type Adapter struct {
	logger          *slog.Logger
	channelType     channel.ChannelType
	summaryCommands []string
	newGateway      func(Config) replyGateway
}

// NewAdapter creates the standard Feishu provider.
func NewAdapter(log *slog.Logger) *Adapter {
	return newAdapter(log, Type, nil)
}

// NewSummaryAdapter creates the Feishu summary provider. commands lists the
// message texts accepted as summary requests.
func NewSummaryAdapter(log *slog.Logger, commands []string) *Adapter {
	return newAdapter(log, SummaryType, commands)
}

func newAdapter(log *slog.Logger, ct channel.ChannelType, commands []string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:          log.With(slog.String("adapter", ct.String())),
		channelType:     ct,
		summaryCommands: commands,
		newGateway:      newLarkReplyGateway,
	}
}

// Type returns the provider variant.
func (a *Adapter) Type() channel.ChannelType {
	return a.channelType
}

// ValidateConfig checks the Feishu app credentials.
func (a *Adapter) ValidateConfig(raw map[string]any) error {
	_, err := parseConfig(raw)
	return err
}

// SendNotice replies to the event's message with plain text.
func (a *Adapter) SendNotice(ctx context.Context, app channel.AppConfig, event channel.InboundEvent, text string) error {
	cfg, err := parseConfig(app.Credentials)
	if err != nil {
		return err
	}
	messageID := strings.TrimSpace(event.ReplyHandle.MessageID)
	if messageID == "" {
		messageID = strings.TrimSpace(event.ExternalID)
	}
	if messageID == "" {
		return fmt.Errorf("feishu reply target is required")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}
	if err := a.newGateway(cfg).Reply(ctx, messageID, text); err != nil {
		a.logger.Error("reply failed", slog.String("app_id", app.ID), slog.String("message_id", messageID), slog.Any("error", err))
		return err
	}
	a.logger.Info("reply success", slog.String("app_id", app.ID), slog.String("message_id", messageID))
	return nil
}
