// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/roboppi/agentcore/internal/roboppi"
)

// hkdfInfo binds derived keys to this package's purpose, so the same
// passphrase can't be replayed against a differently-scoped HKDF use
// elsewhere in the process.
const hkdfInfo = "agentcore-audit-v1"

// EncryptionKey encrypts/decrypts audit payloads with AES-256-GCM.
type EncryptionKey struct {
	key []byte
}

// LoadEncryptionKey reads AGENTCORE_AUDIT_KEY/ROBOPPI_AUDIT_KEY: a
// base64-encoded 32-byte key, or any other string treated as a
// passphrase and stretched to 32 bytes via HKDF-SHA256. Returns nil,
// nil when the variable is unset — the caller decides whether that's
// an error (encryption requested but no key) or fine (encryption off).
//
// The teacher's equivalent (internal/tracing/storage.LoadEncryptionKey)
// falls back to a bare sha256.Sum256 of the passphrase for the
// non-base64 case; HKDF is the better-grounded choice here since it's
// designed for exactly this key-derivation role rather than being a
// generic hash reused for it, and the corpus elsewhere (tracing's own
// import graph has no x/crypto use) gave no reason to keep the weaker
// form once writing a new package from scratch.
func LoadEncryptionKey() (*EncryptionKey, error) {
	keyStr, ok := roboppi.LookupEither("AUDIT_KEY")
	if !ok || keyStr == "" {
		return nil, nil
	}

	if raw, err := base64.StdEncoding.DecodeString(keyStr); err == nil && len(raw) == 32 {
		return &EncryptionKey{key: raw}, nil
	}

	derived, err := deriveKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("deriving audit encryption key: %w", err)
	}
	return &EncryptionKey{key: derived}, nil
}

// GenerateEncryptionKey returns a fresh random 32-byte key, for
// operators bootstrapping AGENTCORE_AUDIT_KEY themselves.
func GenerateEncryptionKey() (*EncryptionKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating audit encryption key: %w", err)
	}
	return &EncryptionKey{key: key}, nil
}

// String returns the base64-encoded key, suitable for setting as
// AGENTCORE_AUDIT_KEY directly (skipping passphrase derivation).
func (k *EncryptionKey) String() string {
	return base64.StdEncoding.EncodeToString(k.key)
}

func deriveKey(passphrase string) ([]byte, error) {
	// HKDF needs a salt; audit keys are long-lived per-deployment
	// secrets rather than per-message, so a fixed salt (vs. a random
	// one persisted alongside the ciphertext) keeps LoadEncryptionKey
	// a pure function of the passphrase, matching how the teacher's
	// LoadEncryptionKey is called fresh on every process start with no
	// place to stash a generated salt.
	salt := []byte("agentcore-audit-hkdf-salt")
	reader := hkdf.New(sha256.New, []byte(passphrase), salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM, returning base64 with
// the nonce prepended.
func (k *EncryptionKey) Encrypt(plaintext []byte) (string, error) {
	if k == nil {
		return "", fmt.Errorf("encryption key is nil")
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (k *EncryptionKey) Decrypt(encoded string) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("encryption key is nil")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
