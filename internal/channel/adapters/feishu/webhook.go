package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/imhub/internal/channel"
)

// Challenge answers a plain url_verification handshake. Encrypted handshakes
// need the app's encrypt key and are answered by ParseEvent.
func (a *Adapter) Challenge(body []byte) (string, bool) {
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(body, &fuzzy); err != nil {
		return "", false
	}
	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) != larkevent.ReqTypeChallenge {
		return "", false
	}
	return fuzzy.Challenge, true
}

// ParseEvent verifies and decrypts a push with the Lark SDK dispatcher and
// normalizes the received message.
func (a *Adapter) ParseEvent(ctx context.Context, app channel.AppConfig, req channel.Request) (channel.ParseResult, error) {
	cfg, err := parseConfig(app.Credentials)
	if err != nil {
		return channel.ParseResult{}, err
	}
	if err := validateCallbackToken(req.Body, cfg); err != nil {
		return channel.ParseResult{}, err
	}

	var captured *larkim.P2MessageReceiveV1
	eventDispatcher := dispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey)
	eventDispatcher.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		captured = event
		return nil
	})
	resp := eventDispatcher.Handle(ctx, &larkevent.EventReq{
		Header:     http.Header(req.Header),
		Body:       req.Body,
		RequestURI: req.RequestURI,
	})

	if captured == nil {
		if resp != nil && resp.StatusCode == http.StatusOK {
			// Encrypted challenge or an event the dispatcher answered itself.
			return channel.ParseResult{Reply: &channel.Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       resp.Body,
			}}, nil
		}
		status, body := 0, ""
		if resp != nil {
			status, body = resp.StatusCode, string(resp.Body)
		}
		return channel.ParseResult{}, fmt.Errorf("%w: dispatcher status %d: %s", channel.ErrEnvelope, status, body)
	}

	event, err := normalizeMessageEvent(captured, app.ID, a.channelType)
	if err != nil {
		return channel.ParseResult{}, err
	}
	if a.channelType == SummaryType {
		if !addressesBot(event, app.Name) {
			return channel.ParseResult{Ignored: "not addressed to the bot"}, nil
		}
		if !isSummaryRequest(event.Text, a.summaryCommands) {
			return channel.ParseResult{Ignored: "not a summary command"}, nil
		}
	}
	return channel.ParseResult{Event: &event}, nil
}

// validateCallbackToken checks the verification token of unencrypted pushes.
// With an encrypt key the SDK verifies the request signature instead.
func validateCallbackToken(payload []byte, cfg Config) error {
	if strings.TrimSpace(cfg.EncryptKey) != "" {
		return nil
	}
	expectedToken := strings.TrimSpace(cfg.VerificationToken)
	if expectedToken == "" {
		return nil
	}
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(payload, &fuzzy); err != nil {
		return fmt.Errorf("%w: invalid feishu webhook payload: %v", channel.ErrMalformedPayload, err)
	}
	requestToken := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		requestToken = strings.TrimSpace(fuzzy.Header.Token)
	}
	if requestToken == "" || requestToken != expectedToken {
		return fmt.Errorf("%w: invalid feishu webhook token", channel.ErrEnvelope)
	}
	return nil
}
