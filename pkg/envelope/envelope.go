// Package envelope seals token hand-off blobs with AES-256-GCM.
//
// The current format is "DLENV1." followed by base64url(nonce || ciphertext),
// with the key derived by HKDF-SHA256 from a shared secret and a purpose
// label. The legacy format "base64(ciphertext)|base64(nonce)" keyed by
// SHA-256 of the secret is still readable.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	Prefix    = "DLENV1."
	NonceSize = 12
	keySize   = 32
)

// Purposes separate keys derived from the same secret.
const (
	PurposeToken      = "decentrilicense token envelope v1"
	PurposeLicenseKey = "decentrilicense license key v1"
)

var (
	ErrMalformed  = errors.New("malformed envelope")
	ErrDecrypt    = errors.New("envelope authentication failed")
	ErrMissingKey = errors.New("no envelope secret configured")
)

// IsSealed reports whether s looks like the current envelope format.
func IsSealed(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), Prefix)
}

// IsLegacy reports whether s has exactly one '|' that is not at either end.
func IsLegacy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Count(s, "|") != 1 {
		return false
	}
	return !strings.HasPrefix(s, "|") && !strings.HasSuffix(s, "|")
}

// Seal encrypts plaintext under a key derived from secret for purpose. salt
// may be nil.
func Seal(secret []byte, purpose string, salt, plaintext []byte) (string, error) {
	aead, err := newAEAD(secret, purpose, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, []byte(purpose))
	return Prefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func Open(secret []byte, purpose string, salt []byte, sealed string) ([]byte, error) {
	sealed = strings.TrimSpace(sealed)
	if !strings.HasPrefix(sealed, Prefix) {
		return nil, ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, Prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < NonceSize+16 {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	aead, err := newAEAD(secret, purpose, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], []byte(purpose))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealLegacy produces the "ciphertext|nonce" form for peers that predate
// the envelope prefix.
func SealLegacy(secret, plaintext []byte) (string, error) {
	aead, err := legacyAEAD(secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct) + "|" + base64.StdEncoding.EncodeToString(nonce), nil
}

// OpenLegacy decrypts the "ciphertext|nonce" form.
func OpenLegacy(secret []byte, sealed string) ([]byte, error) {
	sealed = strings.TrimSpace(sealed)
	if !IsLegacy(sealed) {
		return nil, ErrMalformed
	}
	parts := strings.SplitN(sealed, "|", 2)
	ct, err := decodeBase64(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	nonce, err := decodeBase64(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce size %d", ErrMalformed, len(nonce))
	}
	aead, err := legacyAEAD(secret)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newAEAD(secret []byte, purpose string, salt []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, ErrMissingKey
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return gcm(key)
}

func legacyAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, ErrMissingKey
	}
	key := sha256.Sum256(secret)
	return gcm(key[:])
}

func gcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// decodeBase64 accepts both standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("invalid base64")
}
