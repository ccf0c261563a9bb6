package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/imhub/internal/channel"
)

// computeSign returns base64(HMAC-SHA256(secret, timestamp+"\n"+secret)).
func computeSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifySign checks the timestamp and sign headers of an outgoing-robot push.
func verifySign(timestamp, sign, secret string, now time.Time, maxSkew time.Duration) error {
	timestamp = strings.TrimSpace(timestamp)
	sign = strings.TrimSpace(sign)
	if timestamp == "" || sign == "" {
		return fmt.Errorf("%w: dingtalk sign headers missing", channel.ErrEnvelope)
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: dingtalk timestamp: %v", channel.ErrEnvelope, err)
	}
	if skew := now.Sub(time.UnixMilli(ms)).Abs(); maxSkew > 0 && skew > maxSkew {
		return fmt.Errorf("%w: dingtalk timestamp skew %s", channel.ErrEnvelope, skew)
	}
	if !hmac.Equal([]byte(computeSign(timestamp, secret)), []byte(sign)) {
		return fmt.Errorf("%w: dingtalk sign mismatch", channel.ErrEnvelope)
	}
	return nil
}
