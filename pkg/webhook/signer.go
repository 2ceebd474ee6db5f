package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const signaturePrefix = "sha256="

// Signer produces the value of HeaderSignature for a delivery payload
type Signer interface {
	Sign(payload []byte) string
}

// HMACSigner signs payloads with HMAC-SHA256 keyed by the legitimacy secret
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a signer keyed by secret
func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{key: []byte(secret)}
}

// Sign returns "sha256=<hex digest>"
func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature was produced by Sign for payload. Webhook
// receivers written in Go can use it directly.
func (s *HMACSigner) Verify(payload []byte, signature string) bool {
	raw, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// NewHandshakeSecret returns a fresh random challenge for a handshake
func NewHandshakeSecret() string {
	return uuid.NewString()
}
