// Package seal implements the authenticated-symmetric sealed-credential
// primitive from spec §4.4. It is grounded on the teacher's backup-file
// AES-256-GCM encrypt/decrypt pair (internal/handlers/backup.go), but
// replaces the teacher's key-derived-from-a-fixed-salt scheme with a
// properly random master key that supports multiple generations for
// rotation.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// magic identifies the envelope format; bumped if the format ever changes.
const magic = "WPBACKUP_SEALED_V1"

// ErrIntegrity is returned when unsealing fails under every known key
// generation — either the wrong key or a corrupted/tampered envelope.
var ErrIntegrity = errors.New("seal: integrity check failed")

// Keyring holds one or more master-key generations, newest first. Seal
// always uses generation 0; Unseal tries each generation in order so
// records sealed under a previous key continue to work across rotation.
type Keyring struct {
	keys [][]byte
}

// NewKeyring builds a Keyring from hex-encoded 32-byte keys, newest first.
func NewKeyring(hexKeys ...string) (*Keyring, error) {
	if len(hexKeys) == 0 {
		return nil, errors.New("seal: at least one master key is required")
	}
	kr := &Keyring{}
	for _, h := range hexKeys {
		key, err := decodeKey(h)
		if err != nil {
			return nil, err
		}
		kr.keys = append(kr.keys, key)
	}
	return kr, nil
}

func decodeKey(h string) ([]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("seal: invalid master key hex: %w", err)
	}
	if len(raw) < 16 {
		return nil, errors.New("seal: master key too short")
	}
	// Normalize to 32 bytes via SHA-256-free stretch is unnecessary here —
	// callers supply 32-byte (64 hex char) secrets from config/secrets.go.
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal: master key must decode to 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// Seal encrypts plaintext under the newest key generation, returning a
// base64 envelope safe to store in a text column.
func (kr *Keyring) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(kr.keys[0])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	envelope := append([]byte(magic+"\n"), ciphertext...)
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Unseal decrypts an envelope produced by Seal, trying each key generation
// in order. It returns ErrIntegrity (never plaintext) on any failure.
func (kr *Keyring) Unseal(envelopeB64 string) ([]byte, error) {
	envelope, err := base64.StdEncoding.DecodeString(envelopeB64)
	if err != nil {
		return nil, ErrIntegrity
	}
	header := []byte(magic + "\n")
	if len(envelope) < len(header) || !strings.HasPrefix(string(envelope), magic+"\n") {
		return nil, ErrIntegrity
	}
	ciphertext := envelope[len(header):]

	for _, key := range kr.keys {
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			continue
		}
		nonceSize := gcm.NonceSize()
		if len(ciphertext) < nonceSize {
			continue
		}
		nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
		if plaintext, err := gcm.Open(nil, nonce, body, nil); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrIntegrity
}

// SealedUnderCurrent reports whether the envelope decrypts under generation
// 0 (the newest key). False means re-sealing is worthwhile (or the envelope
// does not decrypt at all). Callers use this to lazily re-seal on next
// write, per spec §4.4.
func (kr *Keyring) SealedUnderCurrent(envelopeB64 string) bool {
	if len(kr.keys) == 0 {
		return true
	}
	single := &Keyring{keys: kr.keys[:1]}
	_, err := single.Unseal(envelopeB64)
	return err == nil
}
