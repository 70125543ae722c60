// Package wire implements the encrypted message envelope shared by the
// pairing protocol and the replication transports.
//
// A message is an authenticated-encrypted JSON payload: NaCl secretbox
// (XSalsa20-Poly1305) with a fresh random 24-byte nonce per message, carried
// as base64 ciphertext plus base64 nonce. Any tampered byte or wrong key
// causes Open to fail; it never returns corrupted plaintext. Fresh nonces
// mean repeated identical payloads never produce identical ciphertext.
package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key size in bytes.
const KeySize = 32

// nonceSize is the secretbox nonce size in bytes.
const nonceSize = 24

// ErrDecryptFailed indicates authentication or decryption of a message
// failed: wrong key, tampered ciphertext, or tampered nonce.
var ErrDecryptFailed = errors.New("message authentication failed")

// Message is the on-wire form of an encrypted payload.
type Message struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Seal encrypts the JSON encoding of v under key.
func Seal(key [KeySize]byte, v any) (Message, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Message{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &key)

	return Message{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce[:]),
	}, nil
}

// Open authenticates and decrypts msg under key, unmarshaling the payload
// into out. Returns ErrDecryptFailed on any authentication failure.
func Open(key [KeySize]byte, msg Message, out any) error {
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return fmt.Errorf("invalid iv encoding: %w", err)
	}
	if len(rawNonce) != nonceSize {
		return fmt.Errorf("invalid iv length %d (want %d)", len(rawNonce), nonceSize)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], rawNonce)

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return ErrDecryptFailed
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
