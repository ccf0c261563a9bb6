package channel

import "context"

// Provider is implemented by every IM adapter. The intake pipeline only talks
// to providers through this interface.
type Provider interface {
	Type() ChannelType
	// ValidateConfig checks that the application's credentials are usable.
	ValidateConfig(raw map[string]any) error
	// Challenge inspects a plain (unencrypted) body for a URL verification
	// handshake and returns the token to echo.
	Challenge(body []byte) (token string, ok bool)
	// ParseEvent verifies, decrypts and normalizes a push.
	ParseEvent(ctx context.Context, app AppConfig, req Request) (ParseResult, error)
	// SendNotice posts a plain text reply into the chat the event came from.
	SendNotice(ctx context.Context, app AppConfig, event InboundEvent, text string) error
}
