package client

import (
	"context"
	"time"

	"decentrilicense/pkg/metrics"
	"decentrilicense/pkg/registry"
	"decentrilicense/pkg/transport"

	"go.uber.org/zap"
)

// Registry is the part of the WAN registry a session talks to.
// *registry.Client implements it.
type Registry interface {
	Holder(ctx context.Context, licenseCode string) (*registry.Device, error)
	Register(ctx context.Context, d registry.Device) error
	Heartbeat(ctx context.Context, deviceID string) (bool, error)
	Transfer(ctx context.Context, t registry.TokenTransfer) error
}

type Option func(*Session)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithEnvironment replaces the user and host fingerprint compared against a
// token's environment_hash.
func WithEnvironment(hash func() string) Option {
	return func(s *Session) { s.environment = hash }
}

// WithTransport replaces the LAN transport built from config.
func WithTransport(t transport.Transport) Option {
	return func(s *Session) { s.customTransport = t }
}

// WithRegistry replaces the HTTP registry client built from registry_url.
func WithRegistry(r Registry) Option {
	return func(s *Session) { s.customRegistry = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}
