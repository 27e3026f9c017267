package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature and delivery headers carried on every webhook request.
const (
	HeaderSignature = "X-Fastband-Signature"
	HeaderEvent     = "X-Fastband-Event"
	HeaderDelivery  = "X-Fastband-Delivery"

	signaturePrefix = "sha256="
)

// Sign computes the delivery signature over the raw request body:
// "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the raw body in constant
// time. Receivers call this before trusting a payload.
func Verify(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
