// Package dingtalk implements the DingTalk outgoing-robot provider.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/imhub/internal/channel"
)

// Type is the DingTalk provider.
const Type = channel.TypeDingTalk

const (
	eventMessage     = "chatbot.message"
	defaultMaxSkew   = time.Hour
	replyTimeout     = 10 * time.Second
	maxReplyRespSize = 64 << 10
)

type outgoingMessage struct {
	MsgType          string `json:"msgtype"`
	MsgID            string `json:"msgId"`
	CreateAt         int64  `json:"createAt"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"`
	SenderID         string `json:"senderId"`
	SenderStaffID    string `json:"senderStaffId"`
	SenderNick       string `json:"senderNick"`
	SessionWebhook   string `json:"sessionWebhook"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
	AtUsers []struct {
		DingtalkID string `json:"dingtalkId"`
		StaffID    string `json:"staffId"`
	} `json:"atUsers"`
}

// Adapter implements channel.Provider for DingTalk robots.
type Adapter struct {
	logger  *slog.Logger
	client  *http.Client
	maxSkew time.Duration
	now     func() time.Time
}

// NewAdapter creates the DingTalk provider. maxSkew bounds the accepted age
// of signed pushes; zero uses one hour.
func NewAdapter(log *slog.Logger, maxSkew time.Duration) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	if maxSkew <= 0 {
		maxSkew = defaultMaxSkew
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", Type.String())),
		client:  &http.Client{Timeout: replyTimeout},
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) ValidateConfig(raw map[string]any) error {
	_, err := parseConfig(raw)
	return err
}

// Challenge always reports false: DingTalk robots have no URL handshake.
func (a *Adapter) Challenge([]byte) (string, bool) {
	return "", false
}

// ParseEvent verifies the push signature when the app has a secret and
// normalizes text messages. Other message types are ignored.
func (a *Adapter) ParseEvent(_ context.Context, app channel.AppConfig, req channel.Request) (channel.ParseResult, error) {
	cfg, err := parseConfig(app.Credentials)
	if err != nil {
		return channel.ParseResult{}, err
	}
	var msg outgoingMessage
	if err := json.Unmarshal(req.Body, &msg); err != nil {
		return channel.ParseResult{}, fmt.Errorf("%w: dingtalk payload: %v", channel.ErrMalformedPayload, err)
	}
	if msg.MsgType != "text" {
		return channel.ParseResult{Ignored: "unsupported msgtype " + msg.MsgType}, nil
	}
	if cfg.AppSecret != "" {
		header := http.Header(req.Header)
		if err := verifySign(header.Get("timestamp"), header.Get("sign"), cfg.AppSecret, a.now(), a.maxSkew); err != nil {
			return channel.ParseResult{}, err
		}
	}

	event := channel.InboundEvent{
		ExternalID:     strings.TrimSpace(msg.MsgID),
		AppID:          app.ID,
		Provider:       Type,
		EventKind:      eventMessage,
		ConversationID: strings.TrimSpace(msg.ConversationID),
		ChatID:         strings.TrimSpace(msg.ConversationID),
		ChatType:       strings.TrimSpace(msg.ConversationType),
		MessageType:    msg.MsgType,
		Text:           strings.TrimSpace(msg.Text.Content),
		Sender: channel.Identity{
			ID:   firstNonEmpty(msg.SenderStaffID, msg.SenderID),
			Name: msg.SenderNick,
		},
		ReplyHandle: channel.ReplyHandle{SessionWebhook: strings.TrimSpace(msg.SessionWebhook)},
	}
	if msg.CreateAt > 0 {
		event.CreatedAt = time.UnixMilli(msg.CreateAt).UTC()
	}
	for _, u := range msg.AtUsers {
		event.Mentions = append(event.Mentions, channel.Mention{
			OpenID: u.DingtalkID,
			UserID: u.StaffID,
		})
	}
	if err := event.Validate(); err != nil {
		return channel.ParseResult{}, err
	}
	return channel.ParseResult{Event: &event}, nil
}

// SendNotice posts a text message to the session webhook of the event.
func (a *Adapter) SendNotice(ctx context.Context, app channel.AppConfig, event channel.InboundEvent, text string) error {
	webhook := strings.TrimSpace(event.ReplyHandle.SessionWebhook)
	if webhook == "" {
		return fmt.Errorf("dingtalk session webhook is required")
	}
	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	})
	if err != nil {
		return fmt.Errorf("marshal dingtalk reply: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build dingtalk reply: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("reply failed", slog.String("app_id", app.ID), slog.Any("error", err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplyRespSize))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dingtalk reply failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err == nil && result.ErrCode != 0 {
			a.logger.Error("reply failed", slog.String("app_id", app.ID), slog.Int("code", result.ErrCode), slog.String("msg", result.ErrMsg))
			return fmt.Errorf("dingtalk reply failed: %s (code: %d)", result.ErrMsg, result.ErrCode)
		}
	}
	a.logger.Info("reply success", slog.String("app_id", app.ID))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
