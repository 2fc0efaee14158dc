package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"wallet_chat/internal/cryptographic/seal"
)

// ErrCorrupt is returned when the identity file exists but cannot be opened
// with the key derived from the wallet signature. The session manager reacts
// by purging the keystore and enrolling from scratch.
var ErrCorrupt = errors.New("keystore: identity bundle is corrupt")

const (
	bundleFileName = "identity.bin"
	sealInfo       = "wallet_chat identity seal"
	saltSize       = 16
)

var bundleAAD = []byte("identity-bundle-v1")

type (
	// Bundle is the long-term messaging identity enrolled with the remote
	// backend. It is distinct from the wallet key: the wallet only gates
	// access to it.
	Bundle struct {
		PrivateKey []byte    `json:"private_key"`
		PublicKey  []byte    `json:"public_key"`
		CreatedAt  time.Time `json:"created_at"`
	}

	// Keystore seals the identity bundle at rest under a key derived from
	// the wallet's signature over a fixed enrollment challenge.
	Keystore struct {
		dir string
	}
)

// NewBundle generates a fresh messaging identity.
func NewBundle() (*Bundle, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate identity key")
	}
	return &Bundle{
		PrivateKey: priv,
		PublicKey:  pub,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func Open(dir string) *Keystore {
	return &Keystore{dir: dir}
}

func (k *Keystore) bundlePath() string {
	return filepath.Join(k.dir, bundleFileName)
}

// Exists reports whether an identity bundle is on disk.
func (k *Keystore) Exists() bool {
	_, err := os.Stat(k.bundlePath())
	return err == nil
}

// Load opens the sealed bundle with the given secret. A bundle that fails
// to decrypt or to parse yields ErrCorrupt.
func (k *Keystore) Load(secret []byte) (*Bundle, error) {
	raw, err := os.ReadFile(k.bundlePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrap(err, "read identity bundle")
	}
	if len(raw) <= saltSize {
		return nil, ErrCorrupt
	}

	salt, sealed := raw[:saltSize], raw[saltSize:]
	key, err := seal.DeriveKey(secret, salt, sealInfo)
	if err != nil {
		return nil, errors.Wrap(err, "derive sealing key")
	}

	plain, err := seal.Decrypt(key, sealed, bundleAAD)
	if err != nil {
		return nil, ErrCorrupt
	}

	var b Bundle
	if err := json.Unmarshal(plain, &b); err != nil {
		return nil, ErrCorrupt
	}
	if len(b.PrivateKey) != ed25519.PrivateKeySize || len(b.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrCorrupt
	}
	return &b, nil
}

// Save seals the bundle under a key derived from secret and writes it out.
func (k *Keystore) Save(secret []byte, b *Bundle) error {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return errors.Wrap(err, "create keystore directory")
	}

	salt, err := seal.NewSalt()
	if err != nil {
		return err
	}
	key, err := seal.DeriveKey(secret, salt, sealInfo)
	if err != nil {
		return errors.Wrap(err, "derive sealing key")
	}

	plain, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "marshal identity bundle")
	}
	sealed, err := seal.Encrypt(key, plain, bundleAAD)
	if err != nil {
		return errors.Wrap(err, "seal identity bundle")
	}

	if err := os.WriteFile(k.bundlePath(), append(salt, sealed...), 0o600); err != nil {
		return errors.Wrap(err, "write identity bundle")
	}
	return nil
}

// Purge removes the local identity state. Recovery action for a corrupt
// bundle, after which enrollment starts over.
func (k *Keystore) Purge() error {
	err := os.Remove(k.bundlePath())
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "purge identity bundle")
	}
	return nil
}
