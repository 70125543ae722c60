package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// SessionTTL is how long a pairing session stays valid after creation.
const SessionTTL = 5 * time.Minute

// Sentinel errors for session handling.
var (
	// ErrSessionExpired indicates the session's expiry has passed. Checked on
	// receipt and again at submission time, for both scan and manual entry.
	ErrSessionExpired = errors.New("pairing session has expired")

	// ErrMalformedPayload indicates the session payload failed structural
	// validation.
	ErrMalformedPayload = errors.New("malformed pairing payload")
)

// Session is a live pairing session created by the initiating device.
type Session struct {
	ID                 string
	EphemeralPublicKey []byte
	DeviceName         string
	ExpiresAt          time.Time
}

// payloadJSON is the external wire form exchanged via QR code or clipboard.
type payloadJSON struct {
	SessionID          string `json:"sessionId"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	DeviceName         string `json:"deviceName"`
	Expires            int64  `json:"expires"` // unix milliseconds
}

// newSession creates a session with a fresh id and ephemeral X25519 keypair.
// The private half stays with the engine; only the public key travels.
func newSession(deviceName string, now time.Time) (*Session, []byte, error) {
	var idBuf [16]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return nil, nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute ephemeral public key: %w", err)
	}

	return &Session{
		ID:                 hex.EncodeToString(idBuf[:]),
		EphemeralPublicKey: pub,
		DeviceName:         deviceName,
		ExpiresAt:          now.Add(SessionTTL),
	}, priv, nil
}

// Payload renders the session as the JSON exchanged via QR or clipboard.
func (s *Session) Payload() (string, error) {
	raw, err := json.Marshal(payloadJSON{
		SessionID:          s.ID,
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(s.EphemeralPublicKey),
		DeviceName:         s.DeviceName,
		Expires:            s.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session payload: %w", err)
	}
	return string(raw), nil
}

// ParsePayload parses and validates a session payload.
//
// QR scans and manual pastes both land here, so the two entry paths apply
// byte-identical validation: structural checks first, then expiry against
// the supplied clock.
func ParsePayload(raw string, now time.Time) (*Session, error) {
	var p payloadJSON
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if p.SessionID == "" || p.DeviceName == "" || p.Expires == 0 {
		return nil, fmt.Errorf("%w: missing required field", ErrMalformedPayload)
	}
	pub, err := base64.StdEncoding.DecodeString(p.EphemeralPublicKey)
	if err != nil || len(pub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: invalid ephemeral public key", ErrMalformedPayload)
	}

	s := &Session{
		ID:                 p.SessionID,
		EphemeralPublicKey: pub,
		DeviceName:         p.DeviceName,
		ExpiresAt:          time.UnixMilli(p.Expires),
	}
	if err := s.CheckExpiry(now); err != nil {
		return nil, err
	}
	return s, nil
}

// CheckExpiry returns ErrSessionExpired once now is past the deadline.
// Callers must re-check at submission time, not only on receipt.
func (s *Session) CheckExpiry(now time.Time) error {
	if now.After(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// Topic names the relay topic carrying this session's handshake messages.
func (s *Session) Topic() string {
	return "pairing/session/" + s.ID
}
