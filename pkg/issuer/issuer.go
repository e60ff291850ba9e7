// Package issuer is the vendor side of the key hierarchy: it owns the root
// and product keys and mints license tokens.
package issuer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/trust"
	"decentrilicense/pkg/types"

	"github.com/google/uuid"
)

const (
	rootKeyFile          = "root_private.pem"
	rootPublicFile       = "root_public.pem"
	productKeyFile       = "product_private.pem"
	productPublicKeyFile = "product_public.pem"
)

var ErrInvalidRequest = errors.New("invalid issue request")

// Issuer holds a root and a product key of one algorithm.
type Issuer struct {
	alg     types.Algorithm
	root    *keys.PrivateKey
	product *keys.PrivateKey
	now     func() time.Time
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	LicenseCode     string
	AppID           string
	Validity        time.Duration // zero never expires
	EnvironmentHash string
}

// New generates a fresh root and product key.
func New(alg types.Algorithm) (*Issuer, error) {
	root, err := keys.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	product, err := keys.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate product key: %w", err)
	}
	return &Issuer{alg: alg, root: root, product: product, now: time.Now}, nil
}

// Load reads keys written by Save.
func Load(dir string) (*Issuer, error) {
	root, err := readPrivateKey(filepath.Join(dir, rootKeyFile))
	if err != nil {
		return nil, err
	}
	product, err := readPrivateKey(filepath.Join(dir, productKeyFile))
	if err != nil {
		return nil, err
	}
	if root.Algorithm() != product.Algorithm() {
		return nil, fmt.Errorf("root key is %s but product key is %s", root.Algorithm(), product.Algorithm())
	}
	return &Issuer{alg: root.Algorithm(), root: root, product: product, now: time.Now}, nil
}

func readPrivateKey(path string) (*keys.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	k, err := keys.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return k, nil
}

// Save writes all four key files into dir.
func (i *Issuer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	rootPEM, err := i.root.MarshalPEM()
	if err != nil {
		return err
	}
	productPEM, err := i.product.MarshalPEM()
	if err != nil {
		return err
	}
	rootPub, err := i.RootPublicKeyPEM()
	if err != nil {
		return err
	}
	productFile, err := i.ProductPublicKeyFile()
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{rootKeyFile, rootPEM, 0600},
		{productKeyFile, productPEM, 0600},
		{rootPublicFile, rootPub, 0644},
		{productPublicKeyFile, productFile, 0644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

func (i *Issuer) Algorithm() types.Algorithm { return i.alg }

// SetClock overrides the issue time source.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

func (i *Issuer) RootPublicKeyPEM() ([]byte, error) {
	return i.root.Public().MarshalPEM()
}

// ProductPublicKeyFile is what devices receive: the product PEM certified
// by the root key.
func (i *Issuer) ProductPublicKeyFile() ([]byte, error) {
	productPEM, err := i.product.Public().MarshalPEM()
	if err != nil {
		return nil, err
	}
	sig, err := i.root.Sign(productPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to certify product key: %w", err)
	}
	return trust.FormatProductKey(productPEM, sig), nil
}

// ProductPublicKey is the anchor devices verify tokens against.
func (i *Issuer) ProductPublicKey() *keys.PublicKey {
	return i.product.Public()
}

// Issue mints a signed, unbound token with an empty usage chain.
func (i *Issuer) Issue(req IssueRequest) (*types.LicenseToken, error) {
	if req.LicenseCode == "" {
		return nil, fmt.Errorf("%w: license code is required", ErrInvalidRequest)
	}
	if req.Validity < 0 {
		return nil, fmt.Errorf("%w: negative validity", ErrInvalidRequest)
	}

	license, err := keys.GenerateKey(i.alg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate license key: %w", err)
	}
	licensePEM, err := license.Public().MarshalPEM()
	if err != nil {
		return nil, err
	}
	rootSig, err := trust.CertifyLicenseKey(i.product, licensePEM)
	if err != nil {
		return nil, err
	}
	secret, err := i.product.Public().MarshalPEM()
	if err != nil {
		return nil, err
	}

	tokenID := uuid.NewString()
	sealedKey, err := token.SealLicenseKey(tokenID, license, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal license key: %w", err)
	}

	issued := i.now()
	var expire int64
	if req.Validity > 0 {
		expire = issued.Add(req.Validity).Unix()
	}

	tok := &types.LicenseToken{
		TokenID:                    tokenID,
		LicenseCode:                req.LicenseCode,
		AppID:                      req.AppID,
		IssueTime:                  issued.Unix(),
		ExpireTime:                 expire,
		Algorithm:                  i.alg,
		EnvironmentHash:            req.EnvironmentHash,
		LicensePublicKey:           string(licensePEM),
		RootSignature:              rootSig,
		EncryptedLicensePrivateKey: sealedKey,
		StateIndex:                 0,
		PrevStateHash:              token.GenesisHash(tokenID),
		UsageChain:                 []types.UsageEntry{},
	}
	if err := token.Sign(tok, license); err != nil {
		return nil, err
	}
	return tok, nil
}
