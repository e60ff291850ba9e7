package registry

import (
	"context"
	"sync"
	"time"
)

// Store persists devices and license holders. Register makes the device
// the holder of its license.
type Store interface {
	Register(ctx context.Context, d Device) (previous string, err error)
	Heartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error)
	Device(ctx context.Context, deviceID string) (*Device, error)
	Holder(ctx context.Context, licenseCode string) (*Device, error)
	SetHolder(ctx context.Context, licenseCode, deviceID string) (previous string, err error)
	CleanupInactive(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// MemoryStore keeps everything in process.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	licenses map[string]string
	stats    Stats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		licenses: make(map[string]string),
	}
}

func (s *MemoryStore) Register(_ context.Context, d Device) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := d
	s.devices[d.DeviceID] = &cp
	previous := s.licenses[d.LicenseCode]
	s.licenses[d.LicenseCode] = d.DeviceID
	s.stats.Registrations++
	return previous, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, deviceID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return false, nil
	}
	d.LastSeen = at
	s.stats.Heartbeats++
	return true, nil
}

func (s *MemoryStore) Device(_ context.Context, deviceID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	s.stats.Queries++
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) Holder(_ context.Context, licenseCode string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.licenses[licenseCode]
	if !ok {
		return nil, ErrNotFound
	}
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.stats.Queries++
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) SetHolder(_ context.Context, licenseCode, deviceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.licenses[licenseCode]
	s.licenses[licenseCode] = deviceID
	if d, ok := s.devices[deviceID]; ok {
		d.LicenseCode = licenseCode
	}
	s.stats.Registrations++
	return previous, nil
}

func (s *MemoryStore) CleanupInactive(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, d := range s.devices {
		if !d.LastSeen.Before(cutoff) {
			continue
		}
		delete(s.devices, id)
		if s.licenses[d.LicenseCode] == id {
			delete(s.licenses, d.LicenseCode)
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.TotalDevices = int64(len(s.devices))
	st.TotalLicenses = int64(len(s.licenses))
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }
