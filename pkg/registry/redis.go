package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "dl:"

// RedisStore shares registry state between several registry instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr, given as host:port or a redis:// URL.
func NewRedisStore(addr string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return NewRedisStoreFromClient(client, defaultKeyPrefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) deviceKey(id string) string    { return s.prefix + "device:" + id }
func (s *RedisStore) licenseKey(code string) string { return s.prefix + "license:" + code }
func (s *RedisStore) devicesKey() string            { return s.prefix + "devices" }
func (s *RedisStore) licensesKey() string           { return s.prefix + "licenses" }
func (s *RedisStore) statsKey() string              { return s.prefix + "stats" }

func (s *RedisStore) Register(ctx context.Context, d Device) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode device: %w", err)
	}

	var prev *redis.StringCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.deviceKey(d.DeviceID), data, 0)
		p.SAdd(ctx, s.devicesKey(), d.DeviceID)
		prev = p.GetSet(ctx, s.licenseKey(d.LicenseCode), d.DeviceID)
		p.SAdd(ctx, s.licensesKey(), d.LicenseCode)
		p.HIncrBy(ctx, s.statsKey(), "registrations", 1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to register device: %w", err)
	}
	return stringOrEmpty(prev)
}

func (s *RedisStore) Heartbeat(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	d, err := s.load(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.LastSeen = at
	data, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("failed to encode device: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.deviceKey(deviceID), data, 0)
		p.HIncrBy(ctx, s.statsKey(), "heartbeats", 1)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return true, nil
}

func (s *RedisStore) load(ctx context.Context, deviceID string) (*Device, error) {
	data, err := s.client.Get(ctx, s.deviceKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode device: %w", err)
	}
	return &d, nil
}

func (s *RedisStore) Device(ctx context.Context, deviceID string) (*Device, error) {
	d, err := s.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	s.client.HIncrBy(ctx, s.statsKey(), "queries", 1)
	return d, nil
}

func (s *RedisStore) Holder(ctx context.Context, licenseCode string) (*Device, error) {
	id, err := s.client.Get(ctx, s.licenseKey(licenseCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license holder: %w", err)
	}
	return s.Device(ctx, id)
}

func (s *RedisStore) SetHolder(ctx context.Context, licenseCode, deviceID string) (string, error) {
	var prev *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		prev = p.GetSet(ctx, s.licenseKey(licenseCode), deviceID)
		p.SAdd(ctx, s.licensesKey(), licenseCode)
		p.HIncrBy(ctx, s.statsKey(), "registrations", 1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to set license holder: %w", err)
	}

	if d, err := s.load(ctx, deviceID); err == nil && d.LicenseCode != licenseCode {
		d.LicenseCode = licenseCode
		if data, err := json.Marshal(d); err == nil {
			s.client.Set(ctx, s.deviceKey(deviceID), data, 0)
		}
	}
	return stringOrEmpty(prev)
}

func (s *RedisStore) CleanupInactive(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.devicesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	count := 0
	for _, id := range ids {
		d, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, s.devicesKey(), id)
			continue
		}
		if err != nil {
			return count, err
		}
		if !d.LastSeen.Before(cutoff) {
			continue
		}

		holder, _ := s.client.Get(ctx, s.licenseKey(d.LicenseCode)).Result()
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.deviceKey(id))
			p.SRem(ctx, s.devicesKey(), id)
			if holder == id {
				p.Del(ctx, s.licenseKey(d.LicenseCode))
				p.SRem(ctx, s.licensesKey(), d.LicenseCode)
			}
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("failed to remove device: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var devices, licenses *redis.IntCmd
	var counters *redis.MapStringStringCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		devices = p.SCard(ctx, s.devicesKey())
		licenses = p.SCard(ctx, s.licensesKey())
		counters = p.HGetAll(ctx, s.statsKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	m := counters.Val()
	return Stats{
		TotalDevices:  devices.Val(),
		TotalLicenses: licenses.Val(),
		Registrations: parseCount(m["registrations"]),
		Heartbeats:    parseCount(m["heartbeats"]),
		Queries:       parseCount(m["queries"]),
	}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func stringOrEmpty(cmd *redis.StringCmd) (string, error) {
	if cmd == nil {
		return "", nil
	}
	v, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
