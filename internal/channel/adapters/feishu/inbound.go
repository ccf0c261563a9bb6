package feishu

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/imhub/internal/channel"
)

const eventMessageReceive = "im.message.receive_v1"

// normalizeMessageEvent converts a Feishu P2MessageReceiveV1 event into a channel.InboundEvent.
func normalizeMessageEvent(event *larkim.P2MessageReceiveV1, appID string, provider channel.ChannelType) (channel.InboundEvent, error) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.InboundEvent{}, fmt.Errorf("%w: feishu event has no message", channel.ErrMalformedPayload)
	}
	message := event.Event.Message

	out := channel.InboundEvent{
		ExternalID:  deref(message.MessageId),
		AppID:       appID,
		Provider:    provider,
		EventKind:   eventMessageReceive,
		RootID:      deref(message.RootId),
		ParentID:    deref(message.ParentId),
		ChatID:      deref(message.ChatId),
		ChatType:    deref(message.ChatType),
		MessageType: deref(message.MessageType),
	}
	out.ReplyHandle = channel.ReplyHandle{MessageID: out.ExternalID}
	// A thread is keyed by its first message, which carries no root itself.
	out.ConversationID = out.RootID
	if out.ConversationID == "" {
		out.ConversationID = out.ExternalID
	}

	createdAt, err := parseEpochMillis(deref(message.CreateTime))
	if err != nil {
		return channel.InboundEvent{}, fmt.Errorf("%w: create_time: %v", channel.ErrMalformedPayload, err)
	}
	out.CreatedAt = createdAt

	var contentMap map[string]any
	if raw := deref(message.Content); raw != "" {
		if err := json.Unmarshal([]byte(raw), &contentMap); err != nil {
			slog.Warn("feishu inbound: unmarshal content failed",
				slog.String("message_id", out.ExternalID), slog.Any("error", err))
		}
	}
	switch out.MessageType {
	case larkim.MsgTypeText:
		out.Text = stringValue(contentMap["text"])
	case larkim.MsgTypePost:
		out.Text = extractPostText(contentMap)
	}

	if sender := event.Event.Sender; sender != nil && sender.SenderId != nil {
		out.Sender = channel.Identity{
			ID:     deref(sender.SenderId.UserId),
			OpenID: deref(sender.SenderId.OpenId),
		}
		if out.Sender.ID == "" {
			out.Sender.ID = out.Sender.OpenID
		}
	}

	for _, m := range message.Mentions {
		if m == nil {
			continue
		}
		mention := channel.Mention{
			Key:  deref(m.Key),
			Name: deref(m.Name),
		}
		if m.Id != nil {
			mention.OpenID = deref(m.Id.OpenId)
			mention.UserID = deref(m.Id.UserId)
		}
		out.Mentions = append(out.Mentions, mention)
	}

	if err := out.Validate(); err != nil {
		return channel.InboundEvent{}, err
	}
	return out, nil
}

// parseEpochMillis parses Feishu's millisecond timestamps, sent as decimal strings.
func parseEpochMillis(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// getPostContentLines returns content lines from a post message.
// Feishu event payload uses root-level content: {"title":"","content":[[...],[...]]}.
func getPostContentLines(contentMap map[string]any) []any {
	if lines, ok := contentMap["content"].([]any); ok {
		return lines
	}
	return nil
}

func extractPostText(contentMap map[string]any) string {
	parts := make([]string, 0, 8)
	if title := strings.TrimSpace(stringValue(contentMap["title"])); title != "" {
		parts = append(parts, title)
	}
	for _, rawLine := range getPostContentLines(contentMap) {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(stringValue(part["tag"]))) {
			case "at":
				name := strings.TrimSpace(stringValue(part["user_name"]))
				if name == "" {
					name = strings.TrimSpace(stringValue(part["user_id"]))
				}
				if name != "" && !strings.HasPrefix(name, "@") {
					name = "@" + name
				}
				if name != "" {
					parts = append(parts, name)
				}
			case "img", "media", "emotion":
			default:
				if text := strings.TrimSpace(stringValue(part["text"])); text != "" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

func stringValue(raw any) string {
	if raw == nil {
		return ""
	}
	value, ok := raw.(string)
	if ok {
		return value
	}
	return fmt.Sprint(raw)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}
