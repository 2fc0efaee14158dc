package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type (
	// Wallet is a file-backed ed25519 signing key standing in for a
	// browser wallet. Signatures are deterministic for a given message,
	// which the keystore relies on to re-derive its sealing key.
	Wallet struct {
		path string
		priv ed25519.PrivateKey
		pub  ed25519.PublicKey
	}

	walletFile struct {
		PrivateKey string `json:"private_key"`
		PublicKey  string `json:"public_key"`
	}
)

// LoadOrCreate opens the wallet file at path, generating a new keypair on
// first use.
func LoadOrCreate(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var wf walletFile
		if err := json.Unmarshal(raw, &wf); err != nil {
			return nil, errors.Wrap(err, "parse wallet file")
		}
		priv, err := hex.DecodeString(wf.PrivateKey)
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, errors.New("wallet file holds an invalid private key")
		}
		w := &Wallet{path: path, priv: priv}
		w.pub = w.priv.Public().(ed25519.PublicKey)
		return w, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read wallet file")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate wallet key")
	}
	w := &Wallet{path: path, priv: priv, pub: pub}
	if err := w.save(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Wallet) save() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return errors.Wrap(err, "create wallet directory")
	}
	raw, err := json.MarshalIndent(walletFile{
		PrivateKey: hex.EncodeToString(w.priv),
		PublicKey:  hex.EncodeToString(w.pub),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal wallet file")
	}
	if err := os.WriteFile(w.path, raw, 0o600); err != nil {
		return errors.Wrap(err, "write wallet file")
	}
	return nil
}

// Address derives the wallet address from the public key: 0x plus the first
// twenty bytes of its SHA-256, lowercase hex.
func (w *Wallet) Address() string {
	sum := sha256.Sum256(w.pub)
	return "0x" + hex.EncodeToString(sum[:20])
}

// Sign signs message with the wallet key. ed25519 signatures are
// deterministic, so signing the same message twice yields the same bytes.
func (w *Wallet) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(w.priv, message), nil
}

// PublicKey returns the raw verifying key.
func (w *Wallet) PublicKey() []byte {
	out := make([]byte, len(w.pub))
	copy(out, w.pub)
	return out
}

// Verify checks a signature made by Sign.
func Verify(pub, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
