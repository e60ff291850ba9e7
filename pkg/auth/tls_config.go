package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc/credentials"
)

// TLSConfigBuilder builds the server and client sides of the LAN channel.
type TLSConfigBuilder struct {
	config  Config
	roots   *x509.CertPool
	cert    tls.Certificate
	allowed map[string]bool
	now     func() time.Time
}

func NewTLSConfigBuilder(config Config) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	b := &TLSConfigBuilder{config: config, now: time.Now}
	if !config.Enabled {
		return b, nil
	}

	roots, err := loadCAPool(config.CAFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load device certificate: %w", err)
	}
	b.roots, b.cert = roots, cert

	if len(config.AllowedDeviceIDs) > 0 {
		b.allowed = make(map[string]bool, len(config.AllowedDeviceIDs))
		for _, id := range config.AllowedDeviceIDs {
			b.allowed[id] = true
		}
	}
	return b, nil
}

func (b *TLSConfigBuilder) Enabled() bool { return b.config.Enabled }

// BuildServerConfig requires and verifies a client certificate. It returns
// nil when TLS is disabled.
func (b *TLSConfigBuilder) BuildServerConfig() *tls.Config {
	if !b.config.Enabled {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{b.cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    b.roots,
		MinVersion:   b.tlsVersion(),
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			return b.verifyPeerCertificate(raw)
		},
	}
}

// BuildClientConfig presents this device's certificate. Peers are addressed
// by whatever IP they announce, so the hostname check is replaced by a chain
// check against the CA.
func (b *TLSConfigBuilder) BuildClientConfig() *tls.Config {
	if !b.config.Enabled {
		return nil
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{b.cert},
		RootCAs:            b.roots,
		MinVersion:         b.tlsVersion(),
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			return b.verifyPeerCertificate(raw)
		},
	}
}

// ServerCredentials and ClientCredentials return nil when TLS is disabled.
func (b *TLSConfigBuilder) ServerCredentials() credentials.TransportCredentials {
	if cfg := b.BuildServerConfig(); cfg != nil {
		return credentials.NewTLS(cfg)
	}
	return nil
}

func (b *TLSConfigBuilder) ClientCredentials() credentials.TransportCredentials {
	if cfg := b.BuildClientConfig(); cfg != nil {
		return credentials.NewTLS(cfg)
	}
	return nil
}

func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificates provided", ErrUnauthorized)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	deviceID, err := verifyDevice(cert, b.roots, b.now())
	if err != nil {
		return err
	}
	if b.allowed != nil && !b.allowed[deviceID] {
		return fmt.Errorf("%w: device %s not allowed", ErrUnauthorized, deviceID)
	}
	return nil
}

func (b *TLSConfigBuilder) tlsVersion() uint16 {
	if b.config.MinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, ErrInvalidCA
	}
	return pool, nil
}
