// Package policy holds the intake gates: the hard token quota check and the
// advisory sensitive-term scan.
package policy

import (
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/channel"
)

const (
	DefaultExhaustedNotice     = "Token已耗尽，请联系相关人员添加Token"
	DefaultMisconfiguredNotice = "应用资源配置有误。"
)

// Notices are the user-visible texts sent when the quota gate rejects an event.
type Notices struct {
	Exhausted     string
	Misconfigured string
}

func (n Notices) withDefaults() Notices {
	if n.Exhausted == "" {
		n.Exhausted = DefaultExhaustedNotice
	}
	if n.Misconfigured == "" {
		n.Misconfigured = DefaultMisconfiguredNotice
	}
	return n
}

// Decision is the quota verdict for an app.
type Decision struct {
	Allowed bool
	Reason  string
	Notice  string
}

// CheckQuota rejects apps without an AI resource or with no tokens left.
// Summary apps without a resource get the misconfiguration notice.
func CheckQuota(app apps.App, notices Notices) Decision {
	notices = notices.withDefaults()
	if app.AIResource == nil {
		if app.Provider == channel.TypeFeishuSummary {
			return Decision{Reason: "no ai resource", Notice: notices.Misconfigured}
		}
		return Decision{Reason: "no ai resource", Notice: notices.Exhausted}
	}
	if app.AIResource.Exhausted() {
		return Decision{Reason: "tokens exhausted", Notice: notices.Exhausted}
	}
	return Decision{Allowed: true}
}
