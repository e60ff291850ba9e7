// Package registry is the optional WAN rendezvous for license holders.
//
// Devices register when they activate and heartbeat while they hold a
// token. Before activating, a client asks the registry who currently holds
// its license; a live holder other than itself means the license is in use
// elsewhere. Nothing here is required for LAN operation.
package registry

import (
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTransferRejected = errors.New("transfer rejected")
	ErrStoreUnavailable = errors.New("registry store unavailable")
)

type Device struct {
	DeviceID    string    `json:"device_id" validate:"required,max=128"`
	LicenseCode string    `json:"license_code" validate:"required,max=256"`
	PublicIP    string    `json:"public_ip,omitempty"`
	TCPPort     int       `json:"tcp_port" validate:"gte=0,lte=65535"`
	LastSeen    time.Time `json:"last_seen"`
}

type TokenTransfer struct {
	TokenID     string    `json:"token_id" validate:"required"`
	TokenData   string    `json:"token_data,omitempty"`
	FromDevice  string    `json:"from_device" validate:"required"`
	ToDevice    string    `json:"to_device" validate:"required,nefield=FromDevice"`
	LicenseCode string    `json:"license_code" validate:"required"`
	Timestamp   time.Time `json:"timestamp"`
}

type HeartbeatRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
}

type Stats struct {
	TotalDevices  int64 `json:"total_devices"`
	TotalLicenses int64 `json:"total_licenses"`
	Registrations int64 `json:"registrations"`
	Heartbeats    int64 `json:"heartbeats"`
	Queries       int64 `json:"queries"`
}

// HolderEvent is published whenever a license changes hands.
type HolderEvent struct {
	LicenseCode string    `json:"license_code"`
	DeviceID    string    `json:"device_id"`
	Previous    string    `json:"previous_device_id,omitempty"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}
