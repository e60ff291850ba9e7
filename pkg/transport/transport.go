// Package transport moves election traffic between devices on a LAN.
//
// Discovery is a UDP beacon answered by every device holding a token for the
// same license. Claims and token hand-offs are unary gRPC calls. The
// in-memory network implements the same interface for tests.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("transport closed")
	ErrNotStarted  = errors.New("transport not started")
	ErrUnreachable = errors.New("peer unreachable")
)

// Beacon is both the discovery request and its reply.
type Beacon struct {
	LicenseCode    string `json:"license_code"`
	DeviceID       string `json:"device_id"`
	TokenID        string `json:"token_id,omitempty"`
	HolderPriority bool   `json:"holder_priority"`
	StateIndex     uint64 `json:"state_index"`
	ClaimPort      uint16 `json:"claim_port,omitempty"`
	Nonce          string `json:"nonce"`
	Timestamp      int64  `json:"timestamp"`

	// Addr is where claims for this device go. Filled in by the receiver.
	Addr string `json:"-"`
}

// Claim asks a peer to accept the sender as coordinator.
type Claim struct {
	LicenseCode    string `json:"license_code"`
	DeviceID       string `json:"device_id"`
	TokenID        string `json:"token_id,omitempty"`
	HolderPriority bool   `json:"holder_priority"`
	StateIndex     uint64 `json:"state_index"`
}

type ClaimResult struct {
	Accepted bool   `json:"accepted"`
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

// Transfer hands a sealed token export to a named peer.
type Transfer struct {
	LicenseCode string `json:"license_code"`
	FromDevice  string `json:"from_device"`
	ToDevice    string `json:"to_device"`
	Token       []byte `json:"token"`
}

type TransferAck struct {
	Accepted bool   `json:"accepted"`
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason,omitempty"`
}

// Handler serves incoming traffic. HandleDiscover returns false when the
// beacon should go unanswered.
type Handler interface {
	HandleDiscover(ctx context.Context, b Beacon) (Beacon, bool)
	HandleClaim(ctx context.Context, c Claim) ClaimResult
	HandleTransfer(ctx context.Context, t Transfer) TransferAck
}

type Transport interface {
	Start(ctx context.Context, h Handler) error
	// Discover broadcasts b and collects replies until window elapses or
	// expected replies arrived (expected <= 0 waits for the whole window).
	Discover(ctx context.Context, b Beacon, window time.Duration, expected int) ([]Beacon, error)
	Claim(ctx context.Context, addr string, c Claim) (ClaimResult, error)
	Transfer(ctx context.Context, addr string, t Transfer) (TransferAck, error)
	Close() error
}
