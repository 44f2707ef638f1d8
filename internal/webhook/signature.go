package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header the CRM platform signs request bodies into.
const SignatureHeader = "X-Hub-Signature-256"

// ComputeSignature returns the expected header value for a body: the hex
// HMAC-SHA256 of the raw bytes under the shared secret, prefixed with the
// algorithm tag.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature header against the body in
// constant time. The "sha256=" prefix is accepted but not required.
func VerifySignature(secret string, body []byte, presented string) bool {
	if presented == "" {
		return false
	}
	presented = strings.TrimPrefix(presented, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(presented))
}
