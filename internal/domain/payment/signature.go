package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// CanonicalPayload encodes params as key-sorted URL query pairs.
func CanonicalPayload(params url.Values) string {
	return params.Encode()
}

// Sign returns the hex HMAC-SHA256 of the canonical payload.
func Sign(secret []byte, params url.Values) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalPayload(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature with the expected digest in constant time.
func VerifySignature(secret []byte, params url.Values, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalPayload(params)))
	return hmac.Equal(got, mac.Sum(nil))
}
