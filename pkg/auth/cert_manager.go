package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertManager issues Ed25519 device certificates from a CA kept in dir.
type CertManager struct {
	dir    string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager loads the CA in dir if one exists. An empty dir keeps the
// CA in memory only.
func NewCertManager(dir string) (*CertManager, error) {
	cm := &CertManager{dir: dir}
	if dir == "" {
		return cm, nil
	}
	if _, err := os.Stat(filepath.Join(dir, CACertFile)); err == nil {
		if err := cm.loadCA(); err != nil {
			return nil, fmt.Errorf("failed to load existing CA: %w", err)
		}
	}
	return cm, nil
}

func (cm *CertManager) HasCA() bool { return cm.caCert != nil }

func (cm *CertManager) CACertificate() *x509.Certificate { return cm.caCert }

// GenerateCA creates a self-signed CA for one site or vendor.
func (cm *CertManager) GenerateCA(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"DecentriLicense"},
			CommonName:   name + "-CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	cm.caCert, cm.caKey = cert, priv

	if cm.dir != "" {
		if err := os.MkdirAll(cm.dir, 0700); err != nil {
			return fmt.Errorf("failed to create CA directory: %w", err)
		}
		if err := SaveCertificate(cert, priv, filepath.Join(cm.dir, CACertFile), filepath.Join(cm.dir, CAKeyFile)); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
	}
	return nil
}

// GenerateDeviceCertificate issues a certificate for deviceID usable as
// both client and server. Addresses become IP or DNS SANs.
func (cm *CertManager) GenerateDeviceCertificate(deviceID string, addresses []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if cm.caCert == nil || cm.caKey == nil {
		return nil, nil, ErrCANotInitialized
	}
	if deviceID == "" {
		return nil, nil, errors.New("device id is required")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"DecentriLicense"},
			CommonName:   deviceID,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, priv, nil
}

// VerifyCertificate checks cert against the CA and returns the device id
// it names.
func (cm *CertManager) VerifyCertificate(cert *x509.Certificate) (string, error) {
	if cm.caCert == nil {
		return "", ErrCANotInitialized
	}
	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)
	return verifyDevice(cert, roots, time.Now())
}

func (cm *CertManager) loadCA() error {
	cert, err := LoadCertificate(filepath.Join(cm.dir, CACertFile))
	if err != nil {
		return err
	}
	key, err := LoadPrivateKey(filepath.Join(cm.dir, CAKeyFile))
	if err != nil {
		return err
	}
	if !cert.IsCA {
		return ErrInvalidCA
	}
	cm.caCert, cm.caKey = cert, key
	return nil
}

// SaveCertificate writes cert and key as PEM; the key file is 0600.
func SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate PEM in %s", ErrInvalidCertificate, path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}
	return edKey, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// verifyDevice checks the chain to roots and returns the subject common name.
func verifyDevice(cert *x509.Certificate, roots *x509.CertPool, now time.Time) (string, error) {
	if now.After(cert.NotAfter) {
		return "", ErrCertificateExpired
	}
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("%w: no device id", ErrInvalidCertificate)
	}
	return cert.Subject.CommonName, nil
}
