package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/fastband-ai/fastband/internal/util"
)

// Sign computes the packet signature: hex HMAC-SHA256 over the canonical
// key-sorted JSON of the packet, keyed by the packet's own access token.
func Sign(p *Packet) (string, error) {
	canonical, err := util.CanonicalJSON(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(p.AccessToken))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature recomputes the signature and compares in constant time.
func VerifySignature(p *Packet, signature string) bool {
	expected, err := Sign(p)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
