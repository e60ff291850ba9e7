// Package token implements the license token model: parsing and export,
// canonical encoding, device binding and the hash-linked usage chain.
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"decentrilicense/pkg/envelope"
	"decentrilicense/pkg/types"
)

var (
	ErrMalformed     = errors.New("malformed token")
	ErrDecryptFailed = errors.New("token decryption failed")
)

// Import decodes raw as a plaintext JSON token, a DLENV1 envelope or a
// legacy "ciphertext|nonce" container. secret is only needed for the
// encrypted forms.
func Import(raw []byte, secret []byte) (*types.LicenseToken, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	var (
		plain []byte
		err   error
	)
	switch {
	case strings.HasPrefix(text, "{"):
		plain = []byte(text)
	case envelope.IsSealed(text):
		plain, err = envelope.Open(secret, envelope.PurposeToken, nil, text)
	case envelope.IsLegacy(text):
		plain, err = envelope.OpenLegacy(secret, text)
	default:
		return nil, fmt.Errorf("%w: unrecognized format", ErrMalformed)
	}
	if err != nil {
		if errors.Is(err, envelope.ErrMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return Parse(plain)
}

// Parse decodes a plaintext JSON token.
func Parse(data []byte) (*types.LicenseToken, error) {
	if err := validateShape(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var tok types.LicenseToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &tok, nil
}

// Marshal returns the deterministic plaintext form, signature included.
func Marshal(tok *types.LicenseToken) ([]byte, error) {
	c := *tok
	if c.UsageChain == nil {
		c.UsageChain = []types.UsageEntry{}
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}
	return data, nil
}

// MarshalIndent is Marshal for humans.
func MarshalIndent(tok *types.LicenseToken) ([]byte, error) {
	data, err := Marshal(tok)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to indent token: %w", err)
	}
	return buf.Bytes(), nil
}

// Seal exports tok in the encrypted hand-off form. Every call uses a fresh
// nonce; opening any of them yields the same bytes as Marshal.
func Seal(tok *types.LicenseToken, secret []byte) (string, error) {
	data, err := Marshal(tok)
	if err != nil {
		return "", err
	}
	sealed, err := envelope.Seal(secret, envelope.PurposeToken, nil, data)
	if err != nil {
		return "", fmt.Errorf("failed to seal token: %w", err)
	}
	return sealed, nil
}

// ExportFileName names an exported token the way downstream tooling expects.
func ExportFileName(tok *types.LicenseToken, now time.Time) string {
	ts := now.Format("20060102150405")
	if tok.StateIndex == 0 {
		return fmt.Sprintf("token_activated_%s_%s.txt", tok.LicenseCode, ts)
	}
	return fmt.Sprintf("token_state_%s_idx%d_%s.txt", tok.LicenseCode, tok.StateIndex, ts)
}
