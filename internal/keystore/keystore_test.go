package keystore

import (
	"bytes"
	"os"
	"testing"

	"github.com/pkg/errors"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ks := Open(t.TempDir())
	secret := []byte("wallet signature")

	bundle, err := NewBundle()
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	if err := ks.Save(secret, bundle); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !ks.Exists() {
		t.Fatal("Exists returned false after Save")
	}

	loaded, err := ks.Load(secret)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(loaded.PrivateKey, bundle.PrivateKey) {
		t.Fatal("private key changed across round trip")
	}
	if !bytes.Equal(loaded.PublicKey, bundle.PublicKey) {
		t.Fatal("public key changed across round trip")
	}
}

func TestLoadWithWrongSecretIsCorrupt(t *testing.T) {
	ks := Open(t.TempDir())

	bundle, err := NewBundle()
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	if err := ks.Save([]byte("right secret"), bundle); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = ks.Load([]byte("wrong secret"))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestLoadTruncatedFileIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	ks := Open(dir)
	if err := os.WriteFile(ks.bundlePath(), []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := ks.Load([]byte("secret"))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	ks := Open(t.TempDir())
	_, err := ks.Load([]byte("secret"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestPurgeRemovesBundle(t *testing.T) {
	ks := Open(t.TempDir())
	secret := []byte("secret")

	bundle, err := NewBundle()
	if err != nil {
		t.Fatalf("NewBundle: %v", err)
	}
	if err := ks.Save(secret, bundle); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := ks.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if ks.Exists() {
		t.Fatal("bundle still exists after Purge")
	}

	// Purge of an already-empty keystore is fine.
	if err := ks.Purge(); err != nil {
		t.Fatalf("second Purge: %v", err)
	}
}
