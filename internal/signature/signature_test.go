package signature

import (
	"encoding/hex"
	"testing"
)

func TestSign_RoundTrip(t *testing.T) {
	payload := []byte(`{"eventId":"evt-1","eventType":"call.completed"}`)

	sig := Sign(payload, "secret-a")

	if !VerifyBody(payload, "secret-a", sig) {
		t.Error("signature did not verify with the signing secret")
	}
	if VerifyBody(payload, "secret-b", sig) {
		t.Error("signature verified with a different secret")
	}
	if VerifyBody([]byte(`{"tampered":true}`), "secret-a", sig) {
		t.Error("signature verified over a different payload")
	}
}

func TestSign_Format(t *testing.T) {
	sig := Sign([]byte("payload"), "secret")

	// hex-encoded HMAC-SHA256 is always 64 hex chars
	if len(sig) != 64 {
		t.Errorf("len(sig) = %d, want 64", len(sig))
	}
	if _, err := hex.DecodeString(sig); err != nil {
		t.Errorf("signature is not valid hex: %v", err)
	}
}

func TestVerifyBody_ToleratesPrefix(t *testing.T) {
	payload := []byte("payload")
	sig := Sign(payload, "secret")

	if !VerifyBody(payload, "secret", "sha256="+sig) {
		t.Error("sha256= prefixed signature did not verify")
	}
}

func TestVerifyTwilio(t *testing.T) {
	url := "https://hooks.example.com/webhooks/twilio/acme"
	params := map[string]string{
		"CallSid":    "CA1234",
		"CallStatus": "completed",
		"From":       "+15550001",
		"To":         "+15550002",
	}

	sig := SignTwilio(url, params, "token")

	if !VerifyTwilio(url, params, "token", sig) {
		t.Error("twilio signature did not verify")
	}
	if VerifyTwilio(url, params, "other-token", sig) {
		t.Error("twilio signature verified with wrong token")
	}

	params["CallStatus"] = "ringing"
	if VerifyTwilio(url, params, "token", sig) {
		t.Error("twilio signature verified after parameter change")
	}
}

// Parameter order must not matter: the signing string sorts names.
func TestSignTwilio_OrderIndependent(t *testing.T) {
	url := "https://hooks.example.com/webhooks/twilio/acme"
	a := SignTwilio(url, map[string]string{"B": "2", "A": "1", "C": "3"}, "token")
	b := SignTwilio(url, map[string]string{"C": "3", "A": "1", "B": "2"}, "token")
	if a != b {
		t.Errorf("signatures differ across map orderings: %q vs %q", a, b)
	}
}
