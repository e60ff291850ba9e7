package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryNetwork connects MemoryTransports in-process. Delivery is
// synchronous, so a discovery returns as soon as every reachable peer answered.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// Join registers a node under addr. Joining twice returns the same node.
func (n *MemoryNetwork) Join(addr string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if node, ok := n.nodes[addr]; ok {
		return node
	}
	node := &MemoryTransport{network: n, addr: addr}
	n.nodes[addr] = node
	return node
}

func (n *MemoryNetwork) peers(except string) []*MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()

	addrs := make([]string, 0, len(n.nodes))
	for addr := range n.nodes {
		if addr != except {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)

	out := make([]*MemoryTransport, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, n.nodes[addr])
	}
	return out
}

func (n *MemoryNetwork) lookup(addr string) (*MemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[addr]
	return node, ok
}

type MemoryTransport struct {
	mu sync.RWMutex

	network *MemoryNetwork
	addr    string
	handler Handler

	isolated    bool
	discoverErr error
	claimErr    error
	closed      bool
}

func (m *MemoryTransport) Addr() string { return m.addr }

func (m *MemoryTransport) Start(_ context.Context, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handler = h
	return nil
}

// Isolate cuts the node off: it neither hears nor is heard.
func (m *MemoryTransport) Isolate(isolated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isolated = isolated
}

// FailDiscover makes every Discover from this node fail with err (nil clears).
func (m *MemoryTransport) FailDiscover(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverErr = err
}

// FailClaims makes every Claim from this node fail with err (nil clears).
func (m *MemoryTransport) FailClaims(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimErr = err
}

func (m *MemoryTransport) reachable() (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || m.isolated || m.handler == nil {
		return nil, false
	}
	return m.handler, true
}

func (m *MemoryTransport) Discover(ctx context.Context, b Beacon, _ time.Duration, expected int) ([]Beacon, error) {
	m.mu.RLock()
	closed, isolated, failure := m.closed, m.isolated, m.discoverErr
	m.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, failure)
	}
	if isolated {
		return nil, nil
	}
	if b.Nonce == "" {
		b.Nonce = uuid.NewString()
	}
	b.Addr = m.addr
	b.Timestamp = time.Now().Unix()

	var replies []Beacon
	for _, peer := range m.network.peers(m.addr) {
		if err := ctx.Err(); err != nil {
			return replies, err
		}
		h, ok := peer.reachable()
		if !ok {
			continue
		}
		r, ok := h.HandleDiscover(ctx, b)
		if !ok || r.DeviceID == "" || r.DeviceID == b.DeviceID {
			continue
		}
		r.Nonce = b.Nonce
		r.Addr = peer.addr
		replies = append(replies, r)
		if expected > 0 && len(replies) >= expected {
			break
		}
	}
	return replies, nil
}

func (m *MemoryTransport) Claim(ctx context.Context, addr string, c Claim) (ClaimResult, error) {
	m.mu.RLock()
	closed, isolated, failure := m.closed, m.isolated, m.claimErr
	m.mu.RUnlock()

	if closed {
		return ClaimResult{}, ErrClosed
	}
	if failure != nil {
		return ClaimResult{}, fmt.Errorf("%w: %v", ErrUnreachable, failure)
	}
	if isolated {
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	peer, ok := m.network.lookup(addr)
	if !ok {
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	h, ok := peer.reachable()
	if !ok {
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	if err := ctx.Err(); err != nil {
		return ClaimResult{}, err
	}
	return h.HandleClaim(ctx, c), nil
}

func (m *MemoryTransport) Transfer(ctx context.Context, addr string, t Transfer) (TransferAck, error) {
	m.mu.RLock()
	closed, isolated := m.closed, m.isolated
	m.mu.RUnlock()

	if closed {
		return TransferAck{}, ErrClosed
	}
	if isolated {
		return TransferAck{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}

	peer, ok := m.network.lookup(addr)
	if !ok {
		return TransferAck{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	h, ok := peer.reachable()
	if !ok {
		return TransferAck{}, fmt.Errorf("%w: %s", ErrUnreachable, addr)
	}
	if err := ctx.Err(); err != nil {
		return TransferAck{}, err
	}
	return h.HandleTransfer(ctx, t), nil
}

// Close detaches the node; a later Join with the same address returns a
// fresh node.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handler = nil
	m.mu.Unlock()

	m.network.mu.Lock()
	if m.network.nodes[m.addr] == m {
		delete(m.network.nodes, m.addr)
	}
	m.network.mu.Unlock()
	return nil
}
