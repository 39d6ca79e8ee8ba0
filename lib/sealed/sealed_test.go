// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte(`{"access_token":"at","refresh_token":"rt"}`)
	ciphertext, err := Seal(plaintext, keypair.PublicKey)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("refresh_token")) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := Open(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()
	if !bytes.Equal(opened.Bytes(), plaintext) {
		t.Fatalf("Open = %q", opened.Bytes())
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer owner.Close()
	stranger, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()

	ciphertext, err := Seal([]byte("value"), owner.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ciphertext, stranger.PrivateKey); err == nil {
		t.Fatal("Open succeeded with another keypair")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (create): %v", err)
	}
	defer first.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("identity file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("identity file mode = %04o, want 0600", info.Mode().Perm())
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (load): %v", err)
	}
	defer second.Close()
	if second.PublicKey != first.PublicKey {
		t.Fatalf("reloaded public key %s, want %s", second.PublicKey, first.PublicKey)
	}

	ciphertext, err := Seal([]byte("persisted"), first.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := Open(ciphertext, second.PrivateKey)
	if err != nil {
		t.Fatalf("reloaded key cannot open: %v", err)
	}
	opened.Close()
}

func TestLoadOrGenerateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not an age key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrGenerate(path); err == nil {
		t.Fatal("LoadOrGenerate accepted a malformed identity")
	}
}
