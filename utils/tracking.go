package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
)

var hrefPattern = regexp.MustCompile(`(?i)<a\s+([^>]*?)href="([^"]+)"`)

// Tracker signs and injects open/click tracking for outbound HTML.
type Tracker struct {
	BaseURL string
	Secret  []byte
}

func NewTracker(baseURL, secret string) *Tracker {
	return &Tracker{BaseURL: baseURL, Secret: []byte(secret)}
}

// PixelURL generates a tracking pixel URL for email opens
func (t *Tracker) PixelURL(messageID string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", t.BaseURL, messageID, t.Token(messageID))
}

// ClickURL generates a tracked URL for links
func (t *Tracker) ClickURL(messageID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		t.BaseURL, messageID, t.Token(messageID), url.QueryEscape(originalURL))
}

// Inject rewrites every link and appends the open pixel
func (t *Tracker) Inject(htmlContent, messageID string) string {
	modified := hrefPattern.ReplaceAllStringFunc(htmlContent, func(tag string) string {
		m := hrefPattern.FindStringSubmatch(tag)
		target := m[2]
		if !isTrackable(target) {
			return tag
		}
		return fmt.Sprintf(`<a %shref="%s"`, m[1], t.ClickURL(messageID, target))
	})
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, t.PixelURL(messageID))
	return modified + pixel
}

// Token is a deterministic signature so tracking links survive restarts.
func (t *Tracker) Token(messageID string) string {
	mac := hmac.New(sha256.New, t.Secret)
	mac.Write([]byte(messageID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:22]
}

func (t *Tracker) Valid(messageID, token string) bool {
	return hmac.Equal([]byte(t.Token(messageID)), []byte(token))
}

func isTrackable(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
