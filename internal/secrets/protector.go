// Package secrets provides authenticated encryption for stored broker
// credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/servicehub/backend/internal/apperr"
)

const (
	// currentVersion tags every newly written value. Older versions stay
	// readable so rotation does not require re-encrypting at once.
	currentVersion = "V2"

	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// knownVersions lists every envelope version this build can open.
var knownVersions = []string{"V1", "V2"}

// Protector seals and opens credential values using AES-256-GCM.
// The payload format is "<version>:" + base64(nonce || ciphertext || tag).
type Protector struct {
	keys map[string][]byte
}

// NewProtector derives one key per envelope version from the 32-byte
// master key.
func NewProtector(masterKey []byte) (*Protector, error) {
	if len(masterKey) != keySize {
		return nil, apperr.New(apperr.KindValidation, "secrets.NewProtector",
			"master key must be %d bytes, got %d", keySize, len(masterKey))
	}

	keys := make(map[string][]byte, len(knownVersions))
	for _, version := range knownVersions {
		key, err := deriveKey(masterKey, version)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "secrets.NewProtector", err)
		}
		keys[version] = key
	}
	return &Protector{keys: keys}, nil
}

// deriveKey binds a version-specific key to the master key via HKDF so
// that rotating the envelope version rotates the material underneath it.
func deriveKey(master []byte, version string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte("servicehub/credential/"+version))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", version, err)
	}
	return key, nil
}

// Encrypt seals plaintext under the current envelope version with a
// fresh random nonce.
func (p *Protector) Encrypt(plaintext string) (string, error) {
	return p.encryptAs(currentVersion, plaintext)
}

// encryptAs seals under a specific registered version. Only Encrypt is
// public; older versions are write-locked.
func (p *Protector) encryptAs(version, plaintext string) (string, error) {
	const op = "secrets.Encrypt"

	key, ok := p.keys[version]
	if !ok {
		return "", apperr.New(apperr.KindValidation, op, "unknown envelope version %q", version)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return version + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed payload. Any tamper, truncation, unknown
// version, or key mismatch fails with DecryptFailed.
func (p *Protector) Decrypt(payload string) (string, error) {
	const op = "secrets.Decrypt"

	version, encoded, found := strings.Cut(payload, ":")
	if !found || version == "" {
		return "", apperr.New(apperr.KindDecryptFailed, op, "missing version prefix")
	}

	key, ok := p.keys[version]
	if !ok {
		return "", apperr.New(apperr.KindDecryptFailed, op, "unknown envelope version %q", version)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.Wrapf(apperr.KindDecryptFailed, op, err, "malformed payload")
	}
	if len(raw) < nonceSize+tagSize {
		return "", apperr.New(apperr.KindDecryptFailed, op, "payload too short")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, op, err)
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", apperr.Wrapf(apperr.KindDecryptFailed, op, err, "authentication failed")
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
