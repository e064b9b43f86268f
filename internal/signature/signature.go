// Package signature implements webhook signature schemes: inbound
// verification for both providers and outbound HMAC signing.
//
// All comparisons go through hmac.Equal so verification time does not
// depend on the secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
)

// SignTwilio builds Twilio's signing string: the full callback URL followed
// by every POST parameter as name+value, names sorted lexicographically,
// HMAC-SHA1 over the result, base64-encoded.
func SignTwilio(callbackURL string, params map[string]string, authToken string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(callbackURL)
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(params[name])
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyTwilio checks the X-Twilio-Signature header value against the
// reconstructed signing string.
func VerifyTwilio(callbackURL string, params map[string]string, authToken, provided string) bool {
	expected := SignTwilio(callbackURL, params, authToken)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign computes the hex HMAC-SHA256 of payload. Used both to verify Vapi
// JSON-body signatures and to sign outbound deliveries.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody checks a hex HMAC-SHA256 signature over the exact raw body.
// A "sha256=" prefix on the provided value is tolerated.
func VerifyBody(body []byte, secret, provided string) bool {
	provided = strings.TrimPrefix(provided, "sha256=")
	expected := Sign(body, secret)
	return hmac.Equal([]byte(expected), []byte(provided))
}
