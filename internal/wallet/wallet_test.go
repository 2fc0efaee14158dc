package wallet

import (
	"context"
	"path/filepath"
	"testing"
)

func TestLoadOrCreatePersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate reopen: %v", err)
	}

	if first.Address() != second.Address() {
		t.Fatalf("address changed across loads: %s vs %s", first.Address(), second.Address())
	}
}

func TestSignIsDeterministicAndVerifies(t *testing.T) {
	w, err := LoadOrCreate(filepath.Join(t.TempDir(), "wallet.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	msg := []byte("enrollment challenge v1")
	a, err := w.Sign(context.Background(), msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, err := w.Sign(context.Background(), msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("signatures over the same message differ")
	}

	if !Verify(w.PublicKey(), msg, a) {
		t.Fatal("signature does not verify")
	}
	if Verify(w.PublicKey(), []byte("other"), a) {
		t.Fatal("signature verified against wrong message")
	}
}

func TestAddressFormat(t *testing.T) {
	w, err := LoadOrCreate(filepath.Join(t.TempDir(), "wallet.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	addr := w.Address()
	if len(addr) != 42 || addr[:2] != "0x" {
		t.Fatalf("unexpected address format: %q", addr)
	}
}
