// Package keys manages the device root secret and the derivation hierarchy
// built on top of it.
//
// A device holds exactly one root secret per lineage. It is generated on the
// first device, transferred to new devices during pairing, and destroyed only
// on an explicit full reset. Every other secret in the system (pairing topic
// names, the replication room key, the relay identity, the local log sealing
// key) is derived from it on demand with a distinct purpose label; derived
// secrets are never persisted.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RootSecretSize is the size of the root secret in bytes.
const RootSecretSize = 32

// Sentinel errors for the key derivation hierarchy.
var (
	// ErrMissingRootSecret indicates no root secret is installed on this device.
	ErrMissingRootSecret = errors.New("root secret is not installed")

	// ErrNonExtractable indicates the root secret cannot be exported for derivation.
	ErrNonExtractable = errors.New("root secret is not extractable")

	// ErrInvalidSeed indicates a derived value failed scalar validation for the
	// signing curve. This is a defensive check, not a recovery path.
	ErrInvalidSeed = errors.New("derived seed is not a valid curve scalar")
)

// rootFileName is the file holding the raw root secret inside the data dir.
const rootFileName = "root.key"

// Keystore owns the device root secret.
//
// The secret is stored as a raw 32-byte file with 0600 permissions under the
// data directory. A keystore may be opened sealed, in which case the secret
// can authenticate transports that were started before sealing but can no
// longer be exported (pairing a further device requires an unsealed store).
type Keystore struct {
	dir    string
	sealed bool

	root []byte // nil until loaded or generated
}

// Open creates a keystore rooted at dir, loading the root secret if one
// exists. A missing secret is not an error; Generate or Import installs one.
func Open(dir string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	ks := &Keystore{dir: dir}

	raw, err := os.ReadFile(filepath.Join(dir, rootFileName))
	if os.IsNotExist(err) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read root secret: %w", err)
	}
	if len(raw) != RootSecretSize {
		return nil, fmt.Errorf("root secret has invalid length %d (want %d)", len(raw), RootSecretSize)
	}

	ks.root = raw
	return ks, nil
}

// Seal marks the root secret as non-exportable for the remainder of this
// process. Derivation and pairing initiation fail with ErrNonExtractable.
func (ks *Keystore) Seal() {
	ks.sealed = true
}

// HasRoot reports whether a root secret is installed.
func (ks *Keystore) HasRoot() bool {
	return ks.root != nil
}

// Generate creates a fresh random root secret and persists it.
//
// It fails if a root secret already exists: a device lineage has exactly one
// root, and replacing it silently would orphan every paired device.
func (ks *Keystore) Generate() error {
	if ks.root != nil {
		return fmt.Errorf("root secret already exists; run a full reset first")
	}

	secret := make([]byte, RootSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate root secret: %w", err)
	}

	return ks.install(secret)
}

// Import installs a root secret received from another device during pairing.
// Like Generate, it refuses to overwrite an existing secret.
func (ks *Keystore) Import(secret []byte) error {
	if ks.root != nil {
		return fmt.Errorf("root secret already exists; run a full reset first")
	}
	if len(secret) != RootSecretSize {
		return fmt.Errorf("imported root secret has invalid length %d (want %d)", len(secret), RootSecretSize)
	}

	buf := make([]byte, RootSecretSize)
	copy(buf, secret)
	return ks.install(buf)
}

// Export returns a copy of the root secret for derivation or pairing transfer.
func (ks *Keystore) Export() ([]byte, error) {
	if ks.root == nil {
		return nil, ErrMissingRootSecret
	}
	if ks.sealed {
		return nil, ErrNonExtractable
	}

	out := make([]byte, RootSecretSize)
	copy(out, ks.root)
	return out, nil
}

// Destroy removes the root secret from disk and memory. This is the explicit
// full-reset path; it is irreversible and detaches the device from its lineage.
func (ks *Keystore) Destroy() error {
	path := filepath.Join(ks.dir, rootFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove root secret: %w", err)
	}

	for i := range ks.root {
		ks.root[i] = 0
	}
	ks.root = nil
	return nil
}

// install persists the secret and takes ownership of the buffer.
func (ks *Keystore) install(secret []byte) error {
	path := filepath.Join(ks.dir, rootFileName)
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return fmt.Errorf("failed to persist root secret: %w", err)
	}
	ks.root = secret
	return nil
}
