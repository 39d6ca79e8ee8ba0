// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/bureau-foundation/credproxy/lib/secret"
)

// Keypair is an age X25519 keypair. The private key lives in a
// secret.Buffer; the public key is safe to log.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key.
func (k *Keypair) Close() error {
	if k == nil || k.PrivateKey == nil {
		return nil
	}
	return k.PrivateKey.Close()
}

// GenerateKeypair creates a fresh keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// LoadOrGenerate reads the identity at path, or generates one and
// writes it with mode 0600 when the file does not exist. The parent
// directory is created with mode 0700.
func LoadOrGenerate(path string) (*Keypair, error) {
	privateKey, err := secret.ReadFile(path)
	if err == nil {
		identity, err := parseIdentity(privateKey)
		if err != nil {
			privateKey.Close()
			return nil, fmt.Errorf("identity file %s: %w", path, err)
		}
		return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	keypair, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		keypair.Close()
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		keypair.Close()
		return nil, fmt.Errorf("creating identity file: %w", err)
	}
	_, writeErr := file.Write(append(keypair.PrivateKey.Bytes(), '\n'))
	closeErr := file.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		keypair.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing identity file: %w", err)
	}
	return keypair, nil
}

// Seal encrypts plaintext to recipient (an age1... public key).
func Seal(plaintext []byte, recipient string) ([]byte, error) {
	parsed, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient: %w", err)
	}
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, parsed)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing seal: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext with privateKey into a new secret.Buffer the
// caller must close. privateKey is borrowed, not closed.
func Open(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := parseIdentity(privateKey)
	if err != nil {
		return nil, err
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading sealed value: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed value is empty")
	}
	return secret.NewFromBytes(plaintext)
}

func parseIdentity(privateKey *secret.Buffer) (*age.X25519Identity, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return identity, nil
}
