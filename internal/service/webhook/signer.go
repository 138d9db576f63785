package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flowmail/flowmail/internal/domain"
)

// Signature header names shared with the webhook worker and documented
// for receivers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
)

// Sign computes the HMAC signature for a payload at a point in time. The
// signed string is "<unix ts>.<payload>" so a receiver can reject replays.
func Sign(secret string, timestamp time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp.Unix())
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Receivers can use
// it directly; the dispatcher uses it in tests.
func VerifySignature(secret, signature string, timestamp time.Time, payload []byte) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// AuthHeaders builds the request headers for one delivery attempt.
// authValue is the already-decrypted credential; for basic auth it is
// "user:password". HMAC signing uses the webhook secret instead.
func AuthHeaders(authType domain.WebhookAuthType, authHeader, authValue, secret string, event domain.EventType, payload []byte, now time.Time) map[string]string {
	h := map[string]string{
		"Content-Type": "application/json",
		HeaderEvent:    string(event),
	}
	switch authType {
	case domain.WebhookAuthBasic:
		h["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(authValue))
	case domain.WebhookAuthBearer:
		h["Authorization"] = "Bearer " + authValue
	case domain.WebhookAuthAPIKey:
		name := authHeader
		if name == "" {
			name = "X-API-Key"
		}
		h[name] = authValue
	case domain.WebhookAuthHMAC:
		h[HeaderSignature] = Sign(secret, now, payload)
		h[HeaderTimestamp] = fmt.Sprintf("%d", now.Unix())
	}
	return h
}
