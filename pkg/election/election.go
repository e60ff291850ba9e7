// Package election decides which device on a LAN coordinates a license.
//
// Every holder of a token answers discovery beacons for its license. The
// device with the highest (holder priority, device id) key among the
// responders and itself wins, then claims coordination from each of them.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"decentrilicense/pkg/transport"
	"decentrilicense/pkg/types"

	"go.uber.org/zap"
)

var (
	ErrNetwork     = errors.New("network error")
	ErrBusy        = errors.New("election already in progress")
	ErrNoCandidate = errors.New("no token to elect for")
)

// Participant is one device taking part in an election.
type Participant struct {
	DeviceID       string
	HolderPriority bool
}

// Outranks orders participants by holder priority, then by device id.
func (p Participant) Outranks(o Participant) bool {
	if p.HolderPriority != o.HolderPriority {
		return p.HolderPriority
	}
	return p.DeviceID > o.DeviceID
}

// Elect returns the winning device id, or "" for no participants. The
// result does not depend on input order.
func Elect(participants []Participant) string {
	var winner *Participant
	for i := range participants {
		if winner == nil || participants[i].Outranks(*winner) {
			winner = &participants[i]
		}
	}
	if winner == nil {
		return ""
	}
	return winner.DeviceID
}

// Candidate describes the token this device brings to an election.
type Candidate struct {
	LicenseCode    string
	TokenID        string
	HolderPriority bool
	StateIndex     uint64
}

type Outcome struct {
	State        types.DeviceState
	Winner       string
	Participants []Participant
	// Detail is types.DetailHolderMismatch when another device won.
	Detail string
}

type Config struct {
	DiscoveryWindow time.Duration
	ExpectedPeers   int
	SuspectTimeout  time.Duration
	DeadTimeout     time.Duration
	// PromoteWinner gives the candidate holder priority at the instant it
	// becomes coordinator, so a late claim from a higher device id is refused.
	PromoteWinner   bool
}

func (c *Config) applyDefaults() {
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 2 * time.Second
	}
	if c.SuspectTimeout <= 0 {
		c.SuspectTimeout = 3 * c.DiscoveryWindow
	}
	if c.DeadTimeout <= 0 {
		c.DeadTimeout = 6 * c.DiscoveryWindow
	}
}

// Recorder receives election telemetry.
type Recorder interface {
	ObserveElection(outcome string, elapsed time.Duration)
	SetDiscoveredPeers(n int)
}

// Machine is the device coordination state machine. It implements
// transport.Handler; the lock is never held across a transport call.
type Machine struct {
	mu sync.RWMutex

	deviceID  string
	transport transport.Transport
	cfg       Config
	logger    *zap.Logger
	recorder  Recorder
	now       func() time.Time

	state       types.DeviceState
	candidate   *Candidate
	coordinator string
	yieldedTo   string
	peers       map[string]*PeerState
	onTransfer  TransferFunc

	stopCh chan struct{}
}

// TransferFunc decides whether to take a token handed over by a peer.
type TransferFunc func(ctx context.Context, t transport.Transfer) transport.TransferAck

func NewMachine(deviceID string, t transport.Transport, cfg Config, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Machine{
		deviceID:  deviceID,
		transport: t,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		state:     types.StateIdle,
		peers:     make(map[string]*PeerState),
	}
}

func (m *Machine) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SetTransferHandler installs the acceptor for token hand-offs. Without one
// every transfer is refused.
func (m *Machine) SetTransferHandler(fn TransferFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransfer = fn
}

func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start runs the peer failure detector until Stop.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	go m.failureDetectorLoop(m.stopCh)
}

func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

func (m *Machine) DeviceID() string { return m.deviceID }

func (m *Machine) State() types.DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Coordinator is the device id this machine last accepted or became.
func (m *Machine) Coordinator() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coordinator
}

// SetCandidate announces the token this device holds, or clears it with nil.
// Without a candidate the device stays silent to beacons.
func (m *Machine) SetCandidate(c *Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == nil {
		m.candidate = nil
		return
	}
	cp := *c
	m.candidate = &cp
}

// Run executes one election round for c.
func (m *Machine) Run(ctx context.Context, c Candidate) (Outcome, error) {
	if c.LicenseCode == "" {
		return Outcome{}, ErrNoCandidate
	}

	m.mu.Lock()
	if m.state == types.StateDiscovering || m.state == types.StateElecting {
		m.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	cp := c
	m.candidate = &cp
	m.state = types.StateDiscovering
	m.yieldedTo = ""
	m.coordinator = ""
	cfg := m.cfg
	start := m.now()
	m.mu.Unlock()

	m.logger.Debug("Starting discovery",
		zap.String("device_id", m.deviceID),
		zap.String("license_code", c.LicenseCode),
		zap.Duration("window", cfg.DiscoveryWindow))

	beacon := transport.Beacon{
		LicenseCode:    c.LicenseCode,
		DeviceID:       m.deviceID,
		TokenID:        c.TokenID,
		HolderPriority: c.HolderPriority,
		StateIndex:     c.StateIndex,
	}
	replies, err := m.transport.Discover(ctx, beacon, cfg.DiscoveryWindow, cfg.ExpectedPeers)
	if err != nil {
		m.finish(types.StateIdle, "", start, "network_error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{State: types.StateIdle}, ctxErr
		}
		return Outcome{State: types.StateIdle}, fmt.Errorf("%w: discovery failed: %v", ErrNetwork, err)
	}

	self := Participant{DeviceID: m.deviceID, HolderPriority: c.HolderPriority}
	participants := []Participant{self}

	m.mu.Lock()
	m.state = types.StateElecting
	for _, r := range replies {
		if r.LicenseCode != c.LicenseCode || r.DeviceID == m.deviceID {
			continue
		}
		m.observeLocked(r)
		participants = append(participants, Participant{DeviceID: r.DeviceID, HolderPriority: r.HolderPriority})
	}
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		recorder.SetDiscoveredPeers(len(participants) - 1)
	}

	winner := Elect(participants)
	out := Outcome{Winner: winner, Participants: participants}

	if winner != m.deviceID {
		out.State = types.StateFollower
		out.Detail = types.DetailHolderMismatch
		m.finish(types.StateFollower, winner, start, "follower")
		return out, nil
	}

	claim := transport.Claim{
		LicenseCode:    c.LicenseCode,
		DeviceID:       m.deviceID,
		TokenID:        c.TokenID,
		HolderPriority: c.HolderPriority,
		StateIndex:     c.StateIndex,
	}
	for _, r := range replies {
		if r.LicenseCode != c.LicenseCode || r.DeviceID == m.deviceID {
			continue
		}
		res, err := m.transport.Claim(ctx, r.Addr, claim)
		if err != nil {
			m.finish(types.StateIdle, "", start, "network_error")
			return Outcome{State: types.StateIdle, Participants: participants}, fmt.Errorf("%w: claim to %s failed: %v", ErrNetwork, r.DeviceID, err)
		}
		if !res.Accepted {
			m.logger.Info("Claim rejected by higher-priority holder",
				zap.String("device_id", m.deviceID),
				zap.String("peer", r.DeviceID),
				zap.String("reason", res.Reason))
			out.State = types.StateFollower
			out.Winner = r.DeviceID
			out.Detail = types.DetailHolderMismatch
			m.finish(types.StateFollower, r.DeviceID, start, "rejected")
			return out, nil
		}
	}

	// Yield check and promotion are atomic with respect to HandleClaim.
	m.mu.Lock()
	yielded := m.yieldedTo
	if yielded == "" {
		m.state = types.StateCoordinator
		m.coordinator = m.deviceID
		if cfg.PromoteWinner && m.candidate != nil {
			m.candidate.HolderPriority = true
		}
	}
	m.mu.Unlock()
	if yielded != "" {
		out.State = types.StateFollower
		out.Winner = yielded
		out.Detail = types.DetailHolderMismatch
		m.finish(types.StateFollower, yielded, start, "yielded")
		return out, nil
	}

	out.State = types.StateCoordinator
	result := "coordinator"
	if len(participants) == 1 {
		result = "isolated"
	}
	m.report(types.StateCoordinator, m.deviceID, start, result)
	return out, nil
}

func (m *Machine) finish(state types.DeviceState, coordinator string, start time.Time, outcome string) {
	m.mu.Lock()
	m.state = state
	m.coordinator = coordinator
	m.yieldedTo = ""
	m.mu.Unlock()
	m.report(state, coordinator, start, outcome)
}

func (m *Machine) report(state types.DeviceState, coordinator string, start time.Time, outcome string) {
	m.mu.RLock()
	recorder := m.recorder
	elapsed := m.now().Sub(start)
	m.mu.RUnlock()

	if recorder != nil {
		recorder.ObserveElection(outcome, elapsed)
	}
	m.logger.Info("Election finished",
		zap.String("device_id", m.deviceID),
		zap.String("state", state.String()),
		zap.String("coordinator", coordinator),
		zap.String("outcome", outcome))
}

// Release drops coordination and the candidate token.
func (m *Machine) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = types.StateIdle
	m.candidate = nil
	m.coordinator = ""
	m.yieldedTo = ""
}

// HandleDiscover answers beacons for this device's license while it holds a token.
func (m *Machine) HandleDiscover(_ context.Context, b transport.Beacon) (transport.Beacon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.candidate
	if c == nil || b.DeviceID == m.deviceID || b.LicenseCode != c.LicenseCode {
		return transport.Beacon{}, false
	}
	m.observeLocked(b)

	return transport.Beacon{
		LicenseCode:    c.LicenseCode,
		DeviceID:       m.deviceID,
		TokenID:        c.TokenID,
		HolderPriority: c.HolderPriority,
		StateIndex:     c.StateIndex,
	}, true
}

// HandleClaim accepts a peer as coordinator unless this device outranks it
// and is itself coordinating or electing.
func (m *Machine) HandleClaim(_ context.Context, claim transport.Claim) transport.ClaimResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.candidate
	if c == nil || claim.LicenseCode != c.LicenseCode {
		return transport.ClaimResult{Accepted: true, DeviceID: m.deviceID}
	}
	m.observeLocked(transport.Beacon{
		LicenseCode:    claim.LicenseCode,
		DeviceID:       claim.DeviceID,
		TokenID:        claim.TokenID,
		HolderPriority: claim.HolderPriority,
		StateIndex:     claim.StateIndex,
	})

	self := Participant{DeviceID: m.deviceID, HolderPriority: c.HolderPriority}
	other := Participant{DeviceID: claim.DeviceID, HolderPriority: claim.HolderPriority}

	switch m.state {
	case types.StateCoordinator, types.StateElecting:
		if self.Outranks(other) {
			m.logger.Info("Rejected claim from lower-priority device", m.peerFields(claim.DeviceID)...)
			return transport.ClaimResult{DeviceID: m.deviceID, Reason: "higher-priority holder present"}
		}
	}

	switch m.state {
	case types.StateCoordinator:
		m.logger.Info("Yielding coordination", m.peerFields(claim.DeviceID)...)
		m.state = types.StateFollower
		m.coordinator = claim.DeviceID
	case types.StateDiscovering, types.StateElecting:
		m.yieldedTo = claim.DeviceID
	case types.StateFollower:
		m.coordinator = claim.DeviceID
	}
	return transport.ClaimResult{Accepted: true, DeviceID: m.deviceID}
}

// HandleTransfer passes a hand-off addressed to this device to the installed
// TransferFunc. The lock is released first; the acceptor may call back into
// the machine.
func (m *Machine) HandleTransfer(ctx context.Context, t transport.Transfer) transport.TransferAck {
	m.mu.RLock()
	fn := m.onTransfer
	m.mu.RUnlock()

	if t.ToDevice != "" && t.ToDevice != m.deviceID {
		return transport.TransferAck{DeviceID: m.deviceID, Reason: "addressed to " + t.ToDevice}
	}
	if fn == nil {
		return transport.TransferAck{DeviceID: m.deviceID, Reason: "transfers not accepted"}
	}
	ack := fn(ctx, t)
	ack.DeviceID = m.deviceID
	return ack
}

func (m *Machine) peerFields(peer string) []zap.Field {
	return []zap.Field{zap.String("device_id", m.deviceID), zap.String("peer", peer)}
}
