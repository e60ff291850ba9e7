// Package keys wraps the three signature schemes a license hierarchy may use
// behind one PrivateKey/PublicKey pair of types.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"decentrilicense/pkg/types"

	"github.com/emmansun/gmsm/sm2"
	"github.com/emmansun/gmsm/smx509"
)

const rsaKeyBits = 2048

var (
	ErrInvalidPEM     = errors.New("invalid PEM data")
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrUnsupportedAlg = errors.New("unsupported algorithm")
)

// PrivateKey is a signing key tagged with its algorithm.
type PrivateKey struct {
	alg    types.Algorithm
	signer crypto.Signer
}

// PublicKey is a verification key tagged with its algorithm.
type PublicKey struct {
	alg types.Algorithm
	key crypto.PublicKey
}

// GenerateKey creates a fresh key for alg.
func GenerateKey(alg types.Algorithm) (*PrivateKey, error) {
	switch alg {
	case types.AlgRSA:
		k, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return &PrivateKey{alg: alg, signer: k}, nil
	case types.AlgEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
		}
		return &PrivateKey{alg: alg, signer: k}, nil
	case types.AlgSM2:
		k, err := sm2.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate SM2 key: %w", err)
		}
		return &PrivateKey{alg: alg, signer: k}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlg, alg)
}

func (k *PrivateKey) Algorithm() types.Algorithm { return k.alg }

// Public returns the matching verification key.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{alg: k.alg, key: k.signer.Public()}
}

// Sign signs msg. RSA uses PKCS#1 v1.5 over SHA-256, SM2 hashes with SM3 and
// the default user id, Ed25519 signs the message directly.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	switch k.alg {
	case types.AlgRSA:
		digest := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, k.signer.(*rsa.PrivateKey), crypto.SHA256, digest[:])
	case types.AlgEd25519:
		return ed25519.Sign(k.signer.(ed25519.PrivateKey), msg), nil
	case types.AlgSM2:
		return k.signer.(*sm2.PrivateKey).Sign(rand.Reader, msg, sm2.DefaultSM2SignerOpts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlg, k.alg)
}

// MarshalPEM encodes the key as PKCS#8.
func (k *PrivateKey) MarshalPEM() ([]byte, error) {
	var (
		der []byte
		err error
	)
	if k.alg == types.AlgSM2 {
		der, err = smx509.MarshalPKCS8PrivateKey(k.signer.(*sm2.PrivateKey))
	} else {
		der, err = x509.MarshalPKCS8PrivateKey(k.signer)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func (k *PublicKey) Algorithm() types.Algorithm { return k.alg }

// Verify reports whether sig is a valid signature of msg.
func (k *PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) == 0 {
		return false
	}
	switch k.alg {
	case types.AlgRSA:
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(k.key.(*rsa.PublicKey), crypto.SHA256, digest[:], sig) == nil
	case types.AlgEd25519:
		return ed25519.Verify(k.key.(ed25519.PublicKey), msg, sig)
	case types.AlgSM2:
		return sm2.VerifyASN1WithSM2(k.key.(*ecdsa.PublicKey), nil, msg, sig)
	}
	return false
}

// DER returns the PKIX encoding.
func (k *PublicKey) DER() ([]byte, error) {
	var (
		der []byte
		err error
	)
	if k.alg == types.AlgSM2 {
		der, err = smx509.MarshalPKIXPublicKey(k.key)
	} else {
		der, err = x509.MarshalPKIXPublicKey(k.key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// MarshalPEM encodes the key as a PKIX "PUBLIC KEY" block.
func (k *PublicKey) MarshalPEM() ([]byte, error) {
	der, err := k.DER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Fingerprint is the lowercase hex SHA-256 of the PKIX encoding.
func (k *PublicKey) Fingerprint() string {
	der, err := k.DER()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether both keys hold the same material.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil || k.alg != other.alg {
		return false
	}
	return k.Fingerprint() == other.Fingerprint()
}

// ParsePublicKeyPEM decodes the first PEM block of data and detects its
// algorithm. Trailing content after the block is ignored.
func ParsePublicKeyPEM(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidPEM, block.Type)
	}
	return ParsePublicKeyDER(block.Bytes)
}

// ParsePublicKeyDER decodes a PKIX public key.
func ParsePublicKeyDER(der []byte) (*PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		// SM2 curves are only understood by smx509.
		pub, err = smx509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
	}
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return &PublicKey{alg: types.AlgRSA, key: p}, nil
	case ed25519.PublicKey:
		return &PublicKey{alg: types.AlgEd25519, key: p}, nil
	case *ecdsa.PublicKey:
		if p.Curve == sm2.P256() {
			return &PublicKey{alg: types.AlgSM2, key: p}, nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
}

// ParsePrivateKeyPEM decodes a PKCS#8 private key.
func ParsePrivateKeyPEM(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		priv, err = smx509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}
	switch p := priv.(type) {
	case *rsa.PrivateKey:
		return &PrivateKey{alg: types.AlgRSA, signer: p}, nil
	case ed25519.PrivateKey:
		return &PrivateKey{alg: types.AlgEd25519, signer: p}, nil
	case *sm2.PrivateKey:
		return &PrivateKey{alg: types.AlgSM2, signer: p}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, priv)
}

// CanonicalPEM re-encodes the first public key block of data so that
// formatting differences do not change derived secrets.
func CanonicalPEM(data []byte) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return pub.MarshalPEM()
}
