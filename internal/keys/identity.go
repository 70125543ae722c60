package keys

import (
	"crypto/ed25519"
	"math/big"
)

// ed25519GroupOrder is the order of the ed25519 base-point group,
// l = 2^252 + 27742317777372353535851937790883648493.
var ed25519GroupOrder, _ = new(big.Int).SetString(
	"7237005577332262213973186563042994240857116359379907606001950938285454250989", 10)

// Identity is a device's relay-network identity: an ed25519 keypair derived
// deterministically from the root secret. The public key addresses events
// published to the relay network and verifies their signatures; every paired
// device re-derives the same identity from the shared root.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// RelayIdentity derives the device's relay identity from the root secret.
//
// The derived 32 bytes are validated as a legal scalar for the signing curve
// before use: non-zero and, read as a little-endian integer, below the group
// order. With HKDF output the invalid case is astronomically unlikely; when
// it does occur the call fails with ErrInvalidSeed rather than retrying with
// perturbed input, which would silently fork the device's identity.
func RelayIdentity(root []byte) (*Identity, error) {
	seed, err := Derive(root, PurposeRelayIdentity)
	if err != nil {
		return nil, err
	}

	if !validScalar(seed[:]) {
		return nil, ErrInvalidSeed
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	return &Identity{
		Public:  priv.Public().(ed25519.PublicKey),
		private: priv,
	}, nil
}

// Sign signs an event payload with the identity's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

// Verify checks a signature against this identity's public key.
func (id *Identity) Verify(message, sig []byte) bool {
	return ed25519.Verify(id.Public, message, sig)
}

// VerifyFrom checks a signature against an arbitrary peer public key.
func VerifyFrom(pub ed25519.PublicKey, message, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, message, sig)
}

// validScalar reports whether the 32-byte little-endian value is non-zero
// and strictly below the ed25519 group order.
func validScalar(seed []byte) bool {
	// big.Int wants big-endian bytes.
	be := make([]byte, len(seed))
	for i, b := range seed {
		be[len(seed)-1-i] = b
	}

	n := new(big.Int).SetBytes(be)
	if n.Sign() == 0 {
		return false
	}
	return n.Cmp(ed25519GroupOrder) < 0
}
