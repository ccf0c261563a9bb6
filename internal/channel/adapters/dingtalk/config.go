package dingtalk

import (
	"fmt"
	"strings"

	"github.com/memohai/imhub/internal/channel"
)

// Config holds the DingTalk robot credentials. AppSecret enables signature
// verification of outgoing-robot pushes.
type Config struct {
	AppKey    string
	AppSecret string
}

func parseConfig(raw map[string]any) (Config, error) {
	if raw == nil {
		return Config{}, fmt.Errorf("%w: dingtalk config is empty", channel.ErrInvalidConfig)
	}
	return Config{
		AppKey:    strings.TrimSpace(channel.ReadString(raw, "appKey", "app_key", "clientId", "client_id")),
		AppSecret: strings.TrimSpace(channel.ReadString(raw, "appSecret", "app_secret", "clientSecret", "client_secret")),
	}, nil
}
