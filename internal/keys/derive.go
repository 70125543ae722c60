package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels for the derivation hierarchy. Each transport or protocol
// concern gets its own label so the derived secrets are mutually independent.
const (
	PurposePairingTopic    = "pairing/topic"
	PurposeReplicationRoom = "replication/room"
	PurposeRelayIdentity   = "relay/identity"
	PurposeLogSeal         = "log/seal"
)

// kdfSalt domain-separates this application's derivation tree from any other
// use of the same root material. Changing it invalidates every derived key.
const kdfSalt = "linkmesh.kdf.v1"

// DerivedSecretSize is the size of every derived secret in bytes.
const DerivedSecretSize = 32

// Derive computes the 32-byte secret for the given purpose label.
//
// Derivation is deterministic: the same root secret and label always produce
// the same output, including after the root secret has round-tripped through
// an export/import during pairing. Distinct labels produce independent
// secrets that reveal nothing about the root.
func Derive(root []byte, purpose string) ([DerivedSecretSize]byte, error) {
	var out [DerivedSecretSize]byte

	if len(root) == 0 {
		return out, ErrMissingRootSecret
	}
	if purpose == "" {
		return out, fmt.Errorf("derivation purpose label cannot be empty")
	}

	r := hkdf.New(sha256.New, root, []byte(kdfSalt), []byte(purpose))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf expansion failed: %w", err)
	}
	return out, nil
}

// DeriveFor exports the keystore's root secret and derives the secret for the
// given purpose. It surfaces ErrMissingRootSecret and ErrNonExtractable from
// the keystore unchanged; callers must never substitute a default key.
func (ks *Keystore) DeriveFor(purpose string) ([DerivedSecretSize]byte, error) {
	root, err := ks.Export()
	if err != nil {
		return [DerivedSecretSize]byte{}, err
	}
	return Derive(root, purpose)
}
