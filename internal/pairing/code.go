// Package pairing implements the human-mediated handshake that authenticates
// two devices and transfers the root secret from an already-initialized
// device (the initiator) to a new one (the responder).
//
// The human carries two things between the devices: a session payload
// (rendered as a QR code or copied as JSON) and a short pairing code like
// "417-apple-river". The code's words feed a password-based KDF to produce
// the pre-shared key that authenticates every protocol message; the room
// number names the relay topic on which a manual-entry responder can fetch
// the session payload.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Room number bounds for pairing codes.
const (
	MinRoom = 1
	MaxRoom = 999
)

// ErrInvalidRoomNumber indicates the room part of a pairing code is not a
// number in [1, 999].
var ErrInvalidRoomNumber = errors.New("room number must be between 1 and 999")

// UnknownWordError indicates a pairing-code word is not in the dictionary.
type UnknownWordError struct {
	Word string
}

func (e *UnknownWordError) Error() string {
	return fmt.Sprintf("unknown word: %q", e.Word)
}

// Code is a human-shareable pairing code.
type Code struct {
	Room  int
	Words [2]string
}

// NewCode draws a random room number and word pair.
func NewCode() (Code, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Code{}, fmt.Errorf("failed to generate pairing code: %w", err)
	}

	room := int(binary.BigEndian.Uint16(buf[0:2]))%(MaxRoom-MinRoom+1) + MinRoom
	return Code{
		Room: room,
		Words: [2]string{
			wordList[int(buf[2])%len(wordList)],
			wordList[int(buf[3])%len(wordList)],
		},
	}, nil
}

// Format renders the code in its canonical text form, "417-apple-river".
func (c Code) Format() string {
	return fmt.Sprintf("%d-%s-%s", c.Room, c.Words[0], c.Words[1])
}

// ParseCode parses the text form of a pairing code.
//
// Parsing is case-insensitive and tolerates surrounding whitespace. The room
// must be in [1, 999] and both words must exist in the fixed dictionary.
func ParseCode(s string) (Code, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "-")
	if len(parts) != 3 {
		return Code{}, fmt.Errorf("pairing code must have the form room-word-word")
	}

	room, err := strconv.Atoi(parts[0])
	if err != nil || room < MinRoom || room > MaxRoom {
		return Code{}, ErrInvalidRoomNumber
	}

	for _, w := range parts[1:] {
		if _, ok := wordSet[w]; !ok {
			return Code{}, &UnknownWordError{Word: w}
		}
	}

	return Code{Room: room, Words: [2]string{parts[1], parts[2]}}, nil
}

// pskSalt and pskIterations are fixed so that both devices derive the same
// key from the same words with no negotiation.
const (
	pskSalt       = "linkmesh.pairing.v1"
	pskIterations = 100_000
)

// PSK derives the pre-shared key from the code's word pair.
//
// Only the words carry key material; the room number is public routing
// information and deliberately excluded.
func (c Code) PSK() [32]byte {
	var psk [32]byte
	password := c.Words[0] + "-" + c.Words[1]
	copy(psk[:], pbkdf2.Key([]byte(password), []byte(pskSalt), pskIterations, len(psk), sha256.New))
	return psk
}

// RoomTopic names the relay topic on which the initiator publishes the
// sealed session payload for manual-entry responders.
func (c Code) RoomTopic() string {
	return fmt.Sprintf("pairing/room/%d", c.Room)
}
