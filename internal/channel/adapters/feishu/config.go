package feishu

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/memohai/imhub/internal/channel"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"
)

// Config holds the Feishu app credentials extracted from an application's config.
type Config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Region            string
	// Domain overrides the open platform base URL when set.
	Domain string
}

func parseConfig(raw map[string]any) (Config, error) {
	if raw == nil {
		return Config{}, fmt.Errorf("%w: feishu config is empty", channel.ErrInvalidConfig)
	}
	appID := strings.TrimSpace(channel.ReadString(raw, "appId", "app_id"))
	appSecret := strings.TrimSpace(channel.ReadString(raw, "appSecret", "app_secret"))
	encryptKey := strings.TrimSpace(channel.ReadString(raw, "encryptKey", "appEncryptKey", "encrypt_key"))
	verificationToken := strings.TrimSpace(channel.ReadString(raw, "verificationToken", "appVerificationToken", "verification_token"))
	domain := strings.TrimSpace(channel.ReadString(raw, "domain"))

	region := ""
	if domain != "" && !strings.Contains(domain, "://") {
		// "domain" may carry a region name instead of a URL.
		region, domain = domain, ""
	}
	if r := channel.ReadString(raw, "region"); r != "" {
		region = r
	}
	region, err := normalizeRegion(region)
	if err != nil {
		return Config{}, err
	}
	if appID == "" || appSecret == "" {
		return Config{}, fmt.Errorf("%w: feishu appId and appSecret are required", channel.ErrInvalidConfig)
	}
	return Config{
		AppID:             appID,
		AppSecret:         appSecret,
		EncryptKey:        encryptKey,
		VerificationToken: verificationToken,
		Region:            region,
		Domain:            strings.TrimRight(domain, "/"),
	}, nil
}

func normalizeRegion(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", regionFeishu, "cn", "china":
		return regionFeishu, nil
	case regionLark, "larksuite", "global", "intl", "international":
		return regionLark, nil
	default:
		return "", fmt.Errorf("%w: feishu region must be feishu or lark", channel.ErrInvalidConfig)
	}
}

func (c Config) openBaseURL() string {
	if c.Domain != "" {
		return c.Domain
	}
	if c.Region == regionLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}
