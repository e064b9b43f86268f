// Package provider normalizes provider-specific webhook payloads into the
// canonical event envelope. Normalizers are pure: no storage, no clock reads
// beyond parsing provider timestamps, raw payload preserved verbatim.
package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/voicekit/callrelay/internal/domain"
)

// IdempotencyKey is deterministic over provider-stable identifiers only, so
// a provider re-delivering the same logical event produces the same key.
func IdempotencyKey(p domain.Provider, externalCallID, eventType string) string {
	if externalCallID == "" {
		// No stable identity to collide on; give the event its own key and
		// let processing fail it as missing the call id.
		return fmt.Sprintf("%s:%s:%s", p, uuid.NewString(), eventType)
	}
	return fmt.Sprintf("%s:%s:%s", p, externalCallID, eventType)
}

// EventID derives a globally unique id from provider identity plus the
// provider timestamp, hashed to keep URLs and log lines manageable.
func EventID(p domain.Provider, externalCallID, eventType, occurredAt string) string {
	if externalCallID == "" {
		return "evt_" + uuid.NewString()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", p, externalCallID, eventType, occurredAt)))
	return "evt_" + hex.EncodeToString(sum[:16])
}
