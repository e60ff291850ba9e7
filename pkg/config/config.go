package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"decentrilicense/pkg/auth"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. DL_LICENSE_CODE.
const EnvPrefix = "DL"

const (
	DefaultUDPPort         uint16 = 13325
	DefaultTCPPort         uint16 = 23325
	DefaultDiscoveryWindow        = 2 * time.Second
	DefaultClaimTimeout           = 2 * time.Second
	DefaultDataDir                = "./data"
	DefaultBindAddress            = "0.0.0.0"
	DefaultBroadcastAddr          = "255.255.255.255"

	DefaultRegistryAddress = ":8080"
	DefaultRateLimit       = 1000
	DefaultBurst           = 2000
	DefaultInactiveTimeout = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultRequestTimeout  = 5 * time.Second
	DefaultRegistryTimeout = 3 * time.Second
)

var ErrNoProductKey = errors.New("no product public key configured")

type Config struct {
	LicenseCode string `yaml:"license_code" json:"license_code" envconfig:"LICENSE_CODE" validate:"required"`
	DataDir     string `yaml:"data_dir" json:"data_dir" envconfig:"DATA_DIR" validate:"required"`

	UDPPort        uint16   `yaml:"udp_port" json:"udp_port" envconfig:"UDP_PORT" validate:"required"`
	TCPPort        uint16   `yaml:"tcp_port" json:"tcp_port" envconfig:"TCP_PORT" validate:"required,nefield=UDPPort"`
	BindAddress    string   `yaml:"bind_address" json:"bind_address" envconfig:"BIND_ADDRESS" validate:"required,ip"`
	BroadcastAddrs []string `yaml:"broadcast_addrs" json:"broadcast_addrs" envconfig:"BROADCAST_ADDRS" validate:"dive,ip"`

	DiscoveryWindow time.Duration `yaml:"discovery_window" json:"discovery_window" envconfig:"DISCOVERY_WINDOW"`
	ClaimTimeout    time.Duration `yaml:"claim_timeout" json:"claim_timeout" envconfig:"CLAIM_TIMEOUT"`
	ExpectedPeers   int           `yaml:"expected_peers" json:"expected_peers" envconfig:"EXPECTED_PEERS" validate:"gte=0"`

	ExpectedAlgorithm    string `yaml:"expected_algorithm" json:"expected_algorithm" envconfig:"EXPECTED_ALGORITHM" validate:"omitempty,oneof=RSA Ed25519 SM2"`
	ProductPublicKey     string `yaml:"product_public_key" json:"product_public_key" envconfig:"PRODUCT_PUBLIC_KEY"`
	ProductPublicKeyFile string `yaml:"product_public_key_file" json:"product_public_key_file" envconfig:"PRODUCT_PUBLIC_KEY_FILE"`
	RootPublicKeyFile    string `yaml:"root_public_key_file" json:"root_public_key_file" envconfig:"ROOT_PUBLIC_KEY_FILE"`

	RegistryURL     string        `yaml:"registry_url" json:"registry_url" envconfig:"REGISTRY_URL" validate:"omitempty,url"`
	RegistryTimeout time.Duration `yaml:"registry_timeout" json:"registry_timeout" envconfig:"REGISTRY_TIMEOUT"`

	TLS auth.Config `yaml:"tls" json:"tls" envconfig:"TLS"`

	Registry RegistryServerConfig `yaml:"registry" json:"registry" envconfig:"REGISTRY"`
}

// RegistryServerConfig configures `decentrilicense registry serve`.
type RegistryServerConfig struct {
	Address         string        `yaml:"address" json:"address" envconfig:"ADDRESS" validate:"required"`
	RedisAddr       string        `yaml:"redis_addr" json:"redis_addr" envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	NATSURL         string        `yaml:"nats_url" json:"nats_url" envconfig:"NATS_URL" validate:"omitempty,url"`
	RateLimit       float64       `yaml:"rate_limit" json:"rate_limit" envconfig:"RATE_LIMIT" validate:"gte=0"`
	Burst           int           `yaml:"burst" json:"burst" envconfig:"BURST" validate:"gte=0"`
	InactiveTimeout time.Duration `yaml:"inactive_timeout" json:"inactive_timeout" envconfig:"INACTIVE_TIMEOUT"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// LoadConfig reads a YAML (or JSON) config file. Defaults are not applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv builds a config from DL_* variables only.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path when non-empty, lets the environment override it, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.TCPPort == 0 {
		c.TCPPort = DefaultTCPPort
	}
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if len(c.BroadcastAddrs) == 0 {
		c.BroadcastAddrs = []string{DefaultBroadcastAddr}
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = DefaultDiscoveryWindow
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.RegistryTimeout <= 0 {
		c.RegistryTimeout = DefaultRegistryTimeout
	}
	c.Registry.ApplyDefaults()
}

func (r *RegistryServerConfig) ApplyDefaults() {
	if r.Address == "" {
		r.Address = DefaultRegistryAddress
	}
	if r.RateLimit == 0 {
		r.RateLimit = DefaultRateLimit
	}
	if r.Burst == 0 {
		r.Burst = DefaultBurst
	}
	if r.InactiveTimeout <= 0 {
		r.InactiveTimeout = DefaultInactiveTimeout
	}
	if r.CleanupInterval <= 0 {
		r.CleanupInterval = DefaultCleanupInterval
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = DefaultRequestTimeout
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (r *RegistryServerConfig) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid registry config: %w", err)
	}
	return nil
}

// ProductKeyContent returns the product public key file content, inline
// content taking precedence over the file path.
func (c *Config) ProductKeyContent() ([]byte, error) {
	if c.ProductPublicKey != "" {
		return []byte(c.ProductPublicKey), nil
	}
	if c.ProductPublicKeyFile == "" {
		return nil, ErrNoProductKey
	}
	data, err := os.ReadFile(c.ProductPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read product public key: %w", err)
	}
	return data, nil
}

// RootKeyContent returns the root public key PEM, or nil when none is configured.
func (c *Config) RootKeyContent() ([]byte, error) {
	if c.RootPublicKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.RootPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read root public key: %w", err)
	}
	return data, nil
}
