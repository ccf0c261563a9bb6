package feishu

import (
	"regexp"
	"strings"

	"github.com/memohai/imhub/internal/channel"
)

var mentionPlaceholder = regexp.MustCompile(`@_user_\d+`)

// addressesBot reports whether a summary-app event is meant for the bot: a
// direct chat, or a group message mentioning a non-user participant named
// after the app.
func addressesBot(event channel.InboundEvent, appName string) bool {
	if event.IsDirect() {
		return true
	}
	if !strings.EqualFold(strings.TrimSpace(event.ChatType), "group") {
		return false
	}
	appName = strings.TrimSpace(appName)
	for _, m := range event.Mentions {
		if m.IsUser() {
			continue
		}
		if m.Name == appName && m.OpenID != "" {
			return true
		}
	}
	return false
}

// summaryCommand normalizes text for command matching: mention placeholders
// are stripped and the remainder is lowercased.
func summaryCommand(text string) string {
	text = mentionPlaceholder.ReplaceAllString(text, "")
	return strings.ToLower(strings.TrimSpace(text))
}

func isSummaryRequest(text string, commands []string) bool {
	cmd := summaryCommand(text)
	if cmd == "" {
		return false
	}
	for _, c := range commands {
		if strings.ToLower(strings.TrimSpace(c)) == cmd {
			return true
		}
	}
	return false
}
