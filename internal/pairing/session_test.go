package pairing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linkmesh/linkmesh/internal/wire"
)

func TestSessionPayloadRoundTrip(t *testing.T) {
	now := time.Now()
	session, _, err := newSession("laptop", now)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	payload, err := session.Payload()
	if err != nil {
		t.Fatalf("failed to render payload: %v", err)
	}

	parsed, err := ParsePayload(payload, now)
	if err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}

	if parsed.ID != session.ID {
		t.Errorf("session id mismatch: %s != %s", parsed.ID, session.ID)
	}
	if parsed.DeviceName != "laptop" {
		t.Errorf("device name mismatch: %s", parsed.DeviceName)
	}
	if string(parsed.EphemeralPublicKey) != string(session.EphemeralPublicKey) {
		t.Error("ephemeral public key mismatch")
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "not json at all"},
		{"empty object", "{}"},
		{"missing session id", `{"ephemeralPublicKey":"AAAA","deviceName":"x","expires":1}`},
		{"bad public key", `{"sessionId":"s","ephemeralPublicKey":"!!","deviceName":"x","expires":99999999999999}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload(tt.raw, now)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

// TestExpiryIdenticalAcrossEntryPaths checks that a payload expired by one
// millisecond is rejected the same way whether it arrives via scan (direct
// payload string) or manual paste (the same string after a copy round trip).
func TestExpiryIdenticalAcrossEntryPaths(t *testing.T) {
	now := time.Now()
	session, _, err := newSession("phone", now.Add(-SessionTTL-time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	payload, err := session.Payload()
	if err != nil {
		t.Fatalf("failed to render payload: %v", err)
	}
	pasted := strings.TrimSpace("\n" + payload + "\n") // simulated clipboard round trip

	_, scanErr := ParsePayload(payload, now)
	_, pasteErr := ParsePayload(pasted, now)

	if !errors.Is(scanErr, ErrSessionExpired) {
		t.Errorf("scan path: expected ErrSessionExpired, got %v", scanErr)
	}
	if !errors.Is(pasteErr, ErrSessionExpired) {
		t.Errorf("paste path: expected ErrSessionExpired, got %v", pasteErr)
	}
}

func TestCheckExpiryBoundary(t *testing.T) {
	now := time.Now()
	session, _, err := newSession("tablet", now)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := session.CheckExpiry(now); err != nil {
		t.Errorf("fresh session must not be expired: %v", err)
	}
	if err := session.CheckExpiry(session.ExpiresAt); err != nil {
		t.Errorf("session at exact deadline must still be accepted: %v", err)
	}
	if err := session.CheckExpiry(session.ExpiresAt.Add(time.Millisecond)); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired past deadline, got %v", err)
	}
}

func TestDifferentPSKsDoNotInteroperate(t *testing.T) {
	a := Code{Room: 10, Words: [2]string{"apple", "river"}}.PSK()
	b := Code{Room: 10, Words: [2]string{"cedar", "stone"}}.PSK()

	msg, err := wire.Seal(a, protoMsg{Type: msgAck, SessionID: "s"})
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	var out protoMsg
	if err := wire.Open(b, msg, &out); !errors.Is(err, wire.ErrDecryptFailed) {
		t.Errorf("expected decrypt failure across different word pairs, got %v", err)
	}

	// Identical word pairs always interoperate.
	same := Code{Room: 999, Words: [2]string{"apple", "river"}}.PSK()
	if err := wire.Open(same, msg, &out); err != nil {
		t.Errorf("identical word pairs must interoperate: %v", err)
	}
}
