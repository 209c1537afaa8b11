package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign computes hex(HMAC-SHA256(secret, body)). The same primitive signs
// webhook payloads and derives stored key verifiers.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented hex signature against the body in
// constant time.
func VerifySignature(secret []byte, body []byte, presented string) bool {
	return constantEqual(Sign(secret, body), presented)
}

func constantEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
