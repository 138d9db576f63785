package render

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var hrefRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Tracker injects an open pixel and rewrites links through the tracking
// redirect, signing each URL so the tracking endpoint can reject forgeries.
type Tracker struct {
	baseURL    string
	signingKey []byte
}

// NewTracker creates a tracker for the given base tracking URL. An empty
// base URL disables injection.
func NewTracker(baseURL, signingKey string) *Tracker {
	return &Tracker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
	}
}

// Enabled reports whether tracking injection is configured.
func (t *Tracker) Enabled() bool { return t.baseURL != "" }

func (t *Tracker) sign(data string) string {
	mac := hmac.New(sha256.New, t.signingKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// OpenPixelURL returns the signed 1x1 pixel URL for a tracking id.
func (t *Tracker) OpenPixelURL(trackingID string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(trackingID))
	return fmt.Sprintf("%s/t/open/%s/%s", t.baseURL, encoded, t.sign(trackingID))
}

// ClickURL returns the signed redirect URL for one original link.
func (t *Tracker) ClickURL(trackingID, original string) string {
	data := trackingID + "|" + original
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/t/click/%s/%s", t.baseURL, encoded, t.sign(data))
}

// Instrument injects the open pixel before </body> (or appends it) and
// rewrites http(s) links through the click redirect. Links that already
// point at the tracker and mailto links are left alone.
func (t *Tracker) Instrument(htmlContent, trackingID string) string {
	if !t.Enabled() || htmlContent == "" {
		return htmlContent
	}

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`,
		t.OpenPixelURL(trackingID))
	if idx := strings.LastIndex(strings.ToLower(htmlContent), "</body>"); idx >= 0 {
		htmlContent = htmlContent[:idx] + pixel + htmlContent[idx:]
	} else {
		htmlContent += pixel
	}

	return hrefRe.ReplaceAllStringFunc(htmlContent, func(match string) string {
		parts := hrefRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		original := parts[1]
		if strings.HasPrefix(original, t.baseURL) || strings.Contains(original, "/t/click/") {
			return match
		}
		return fmt.Sprintf(`href="%s"`, t.ClickURL(trackingID, original))
	})
}
