package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"decentrilicense/pkg/token"

	"go.uber.org/zap"
)

// transferActiveWindow is how recently a transfer target must have been seen.
const transferActiveWindow = 10 * time.Minute

// Service holds the registry rules on top of a Store.
type Service struct {
	store           Store
	publisher       Publisher
	logger          *zap.Logger
	inactiveTimeout time.Duration
	now             func() time.Time
}

// NewService wires a store and an optional publisher (nil disables events).
func NewService(store Store, publisher Publisher, inactiveTimeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inactiveTimeout <= 0 {
		inactiveTimeout = 5 * time.Minute
	}
	return &Service{
		store:           store,
		publisher:       publisher,
		logger:          logger,
		inactiveTimeout: inactiveTimeout,
		now:             time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) RegisterDevice(ctx context.Context, d Device) error {
	d.LastSeen = s.now().UTC()
	previous, err := s.store.Register(ctx, d)
	if err != nil {
		return err
	}

	s.logger.Info("Device registered",
		zap.String("device_id", d.DeviceID),
		zap.String("license_code", d.LicenseCode),
		zap.String("public_ip", d.PublicIP))

	if previous != d.DeviceID {
		s.publish(ctx, HolderEvent{LicenseCode: d.LicenseCode, DeviceID: d.DeviceID, Previous: previous, Reason: "register"})
	}
	return nil
}

func (s *Service) Heartbeat(ctx context.Context, deviceID string) (bool, error) {
	return s.store.Heartbeat(ctx, deviceID, s.now().UTC())
}

// LicenseHolder returns the live holder of a license. A holder that has not
// been seen within the inactive timeout counts as absent.
func (s *Service) LicenseHolder(ctx context.Context, licenseCode string) (*Device, error) {
	d, err := s.store.Holder(ctx, licenseCode)
	if err != nil {
		return nil, err
	}
	if s.now().Sub(d.LastSeen) > s.inactiveTimeout {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// RequestTransfer moves a license from its current holder to another
// registered, recently active device.
func (s *Service) RequestTransfer(ctx context.Context, t TokenTransfer) error {
	holder, err := s.store.Holder(ctx, t.LicenseCode)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: license %s not found", ErrTransferRejected, t.LicenseCode)
	}
	if err != nil {
		return err
	}
	if holder.DeviceID != t.FromDevice {
		return fmt.Errorf("%w: device %s does not hold license %s", ErrTransferRejected, t.FromDevice, t.LicenseCode)
	}

	target, err := s.store.Device(ctx, t.ToDevice)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: target device %s not registered", ErrTransferRejected, t.ToDevice)
	}
	if err != nil {
		return err
	}
	if s.now().Sub(target.LastSeen) > transferActiveWindow {
		return fmt.Errorf("%w: target device %s not recently active", ErrTransferRejected, t.ToDevice)
	}

	if t.TokenData != "" {
		tok, err := token.Parse([]byte(t.TokenData))
		if err != nil {
			return fmt.Errorf("%w: token data: %v", ErrTransferRejected, err)
		}
		if tok.LicenseCode != t.LicenseCode || tok.TokenID != t.TokenID {
			return fmt.Errorf("%w: token does not match transfer", ErrTransferRejected)
		}
	}

	previous, err := s.store.SetHolder(ctx, t.LicenseCode, t.ToDevice)
	if err != nil {
		return err
	}

	s.logger.Info("Token transfer approved",
		zap.String("license_code", t.LicenseCode),
		zap.String("from", t.FromDevice),
		zap.String("to", t.ToDevice))
	s.publish(ctx, HolderEvent{LicenseCode: t.LicenseCode, DeviceID: t.ToDevice, Previous: previous, Reason: "transfer"})
	return nil
}

// Cleanup drops devices not seen within the inactive timeout.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	n, err := s.store.CleanupInactive(ctx, s.now().Add(-s.inactiveTimeout))
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Info("Cleaned up inactive devices", zap.Int("count", n))
	}
	return n, nil
}

// RunCleanup calls Cleanup every interval until ctx ends.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("Cleanup failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) publish(ctx context.Context, ev HolderEvent) {
	if s.publisher == nil {
		return
	}
	ev.Timestamp = s.now().UTC()
	if err := s.publisher.PublishHolderChange(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish holder change",
			zap.String("license_code", ev.LicenseCode),
			zap.Error(err))
	}
}
