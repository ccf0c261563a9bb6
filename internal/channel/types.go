// Package channel provides the provider-neutral model of an inbound IM push.
// It defines the canonical event, the Provider interface implemented by the
// Feishu and DingTalk adapters, and a registry to look providers up by type.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// ChannelType identifies an IM provider variant (e.g., "feishu", "dingtalk").
type ChannelType string

const (
	TypeFeishu        ChannelType = "feishu"
	TypeFeishuSummary ChannelType = "feishu_summary"
	TypeDingTalk      ChannelType = "dingtalk"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Identity represents a sender's identity on a channel.
type Identity struct {
	ID     string `json:"id,omitempty"`
	OpenID string `json:"openId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Mention is a participant referenced in the message text. Key is the
// placeholder used in the text (e.g., "@_user_1").
type Mention struct {
	Key    string `json:"key,omitempty"`
	OpenID string `json:"openId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
}

// IsUser reports whether the mention refers to a human member rather than a bot.
func (m Mention) IsUser() bool {
	return strings.TrimSpace(m.UserID) != ""
}

// ReplyHandle carries what a provider needs to answer in the originating chat.
type ReplyHandle struct {
	MessageID      string `json:"messageId,omitempty"`
	SessionWebhook string `json:"sessionWebhook,omitempty"`
}

// InboundEvent is the canonical, provider-neutral form of a pushed message.
type InboundEvent struct {
	ExternalID     string      `json:"externalId"`
	AppID          string      `json:"appId"`
	Provider       ChannelType `json:"provider"`
	EventKind      string      `json:"eventKind,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	RootID         string      `json:"rootId,omitempty"`
	ParentID       string      `json:"parentId,omitempty"`
	ChatID         string      `json:"chatId,omitempty"`
	ChatType       string      `json:"chatType,omitempty"`
	MessageType    string      `json:"messageType,omitempty"`
	Text           string      `json:"text"`
	Sender         Identity    `json:"sender"`
	Mentions       []Mention   `json:"mentions,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReplyHandle    ReplyHandle `json:"replyHandle"`
}

// Validate reports ErrMalformedPayload when identifying fields are missing.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.ExternalID) == "" {
		return fmt.Errorf("%w: missing message id", ErrMalformedPayload)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing create time", ErrMalformedPayload)
	}
	return nil
}

// InThread reports whether the event replies inside an existing thread,
// i.e. it has a root that is not the event itself.
func (e InboundEvent) InThread() bool {
	root := strings.TrimSpace(e.RootID)
	return root != "" && root != e.ExternalID
}

// IsDirect reports whether the event comes from a one-to-one chat.
func (e InboundEvent) IsDirect() bool {
	switch strings.ToLower(strings.TrimSpace(e.ChatType)) {
	case "p2p", "private", "1":
		return true
	default:
		return false
	}
}

// AppConfig is the per-application configuration a provider needs to verify,
// decode and answer a push.
type AppConfig struct {
	ID          string
	Name        string
	Type        ChannelType
	Credentials map[string]any
}

// Request is a raw webhook push as received over HTTP.
type Request struct {
	Header     map[string][]string
	Body       []byte
	RequestURI string
}

// Response is an envelope-level answer produced by a provider, such as an
// encrypted challenge response rendered by the provider SDK.
type Response struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
}

// ParseResult is the outcome of decoding a push. Exactly one of Event and
// Reply is set, or neither when the push is acknowledged without processing
// (Ignored then names the reason).
type ParseResult struct {
	Event   *InboundEvent
	Reply   *Response
	Ignored string
}
