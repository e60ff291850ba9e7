// Package trust verifies the certification path of a license token:
// root key, product key, license key, token signature, device binding and
// usage chain. Everything here works offline.
package trust

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"decentrilicense/pkg/keys"
)

// RootSignatureMarker introduces the root key's signature in a product key file.
const RootSignatureMarker = "ROOT_SIGNATURE:"

var (
	ErrMissingRootSignature = errors.New("product key has no root signature")
	ErrRootSignature        = errors.New("product key root signature invalid")
)

// ProductKey is a parsed product public key file.
type ProductKey struct {
	Public        *keys.PublicKey
	PEM           []byte // canonical PEM, also the envelope secret
	RootSignature []byte
}

// ParseProductKey reads PEM content optionally followed by a
// "ROOT_SIGNATURE:<base64>" line.
func ParseProductKey(content []byte) (*ProductKey, error) {
	pub, err := keys.ParsePublicKeyPEM(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse product public key: %w", err)
	}
	canonical, err := pub.MarshalPEM()
	if err != nil {
		return nil, err
	}

	pk := &ProductKey{Public: pub, PEM: canonical}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, RootSignatureMarker) {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, RootSignatureMarker)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode root signature: %w", err)
		}
		pk.RootSignature = sig
	}
	return pk, nil
}

// VerifyRoot checks the product key was certified by root.
func (p *ProductKey) VerifyRoot(root *keys.PublicKey) error {
	if len(p.RootSignature) == 0 {
		return ErrMissingRootSignature
	}
	if root.Algorithm() != p.Public.Algorithm() || !root.Verify(p.PEM, p.RootSignature) {
		return ErrRootSignature
	}
	return nil
}

// Secret is the shared key material for token envelopes.
func (p *ProductKey) Secret() []byte {
	return p.PEM
}

// FormatProductKey renders a product key file.
func FormatProductKey(productPEM []byte, rootSignature []byte) []byte {
	var buf bytes.Buffer
	buf.Write(productPEM)
	if len(rootSignature) > 0 {
		buf.WriteString(RootSignatureMarker)
		buf.WriteString(base64.StdEncoding.EncodeToString(rootSignature))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// CertifyLicenseKey is the root_signature a product key gives a license key.
func CertifyLicenseKey(product *keys.PrivateKey, licensePEM []byte) (string, error) {
	sig, err := product.Sign(licensePEM)
	if err != nil {
		return "", fmt.Errorf("failed to certify license key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
