package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTest      = "X-Webhook-Test"

	signaturePrefix = "sha256="
)

// Sign returns the X-Webhook-Signature value for payload.
func Sign(secret string, payload []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, payload))
}

// Verify checks a received X-Webhook-Signature header against the raw request
// body. Receivers must pass the body bytes exactly as read from the wire.
func Verify(payload []byte, signatureHeader, secret string) bool {
	hexSig, ok := strings.CutPrefix(strings.TrimSpace(signatureHeader), signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, mac(secret, payload))
}

func mac(secret string, payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}
