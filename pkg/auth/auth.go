package auth

import (
	"errors"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrCertificateExpired = errors.New("certificate expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
	ErrCANotInitialized   = errors.New("CA not initialized")
)

const (
	CACertFile = "ca.crt"
	CAKeyFile  = "ca.key"
)

// Config enables mutual TLS on the LAN claim channel. Every device presents
// a certificate issued by the shared CA whose common name is its device id.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	CAFile     string `yaml:"ca_file" json:"ca_file" envconfig:"CA_FILE" validate:"required_if=Enabled true"`
	CertFile   string `yaml:"cert_file" json:"cert_file" envconfig:"CERT_FILE" validate:"required_if=Enabled true"`
	KeyFile    string `yaml:"key_file" json:"key_file" envconfig:"KEY_FILE" validate:"required_if=Enabled true"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty" envconfig:"MIN_VERSION" validate:"omitempty,oneof=1.2 1.3"`
	// AllowedDeviceIDs, when set, limits which certified devices may talk
	// to this one.
	AllowedDeviceIDs []string `yaml:"allowed_device_ids,omitempty" json:"allowed_device_ids,omitempty" envconfig:"ALLOWED_DEVICE_IDS"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("certificate and key paths are required when TLS is enabled")
	}
	return nil
}
