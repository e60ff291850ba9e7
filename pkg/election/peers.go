package election

import (
	"sort"
	"time"

	"decentrilicense/pkg/transport"
)

// PeerStatus is the liveness of a peer as seen from this device.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerAlive
	PeerSuspected
	PeerDead
)

func (s PeerStatus) String() string {
	switch s {
	case PeerAlive:
		return "alive"
	case PeerSuspected:
		return "suspected"
	case PeerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PeerState is what this device last heard from another holder of the license.
type PeerState struct {
	DeviceID       string
	Addr           string
	TokenID        string
	HolderPriority bool
	StateIndex     uint64
	LastSeen       time.Time
	Status         PeerStatus
}

// observeLocked records traffic from a peer. Caller holds m.mu.
func (m *Machine) observeLocked(b transport.Beacon) {
	if b.DeviceID == "" || b.DeviceID == m.deviceID {
		return
	}
	peer, ok := m.peers[b.DeviceID]
	if !ok {
		peer = &PeerState{DeviceID: b.DeviceID}
		m.peers[b.DeviceID] = peer
		m.logger.Debug("Peer joined", m.peerFields(b.DeviceID)...)
	}
	if b.Addr != "" {
		peer.Addr = b.Addr
	}
	peer.TokenID = b.TokenID
	peer.HolderPriority = b.HolderPriority
	peer.StateIndex = b.StateIndex
	peer.LastSeen = m.now()
	peer.Status = PeerAlive
}

// DetectFailures ages the peer table: suspected after suspectTimeout of
// silence, dead after deadTimeout.
func (m *Machine) DetectFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, peer := range m.peers {
		elapsed := now.Sub(peer.LastSeen)

		if elapsed > m.cfg.DeadTimeout {
			if peer.Status != PeerDead {
				peer.Status = PeerDead
				m.logger.Debug("Peer presumed dead", m.peerFields(id)...)
			}
		} else if elapsed > m.cfg.SuspectTimeout {
			if peer.Status == PeerAlive {
				peer.Status = PeerSuspected
			}
		}
	}
}

// Peers returns a snapshot sorted by device id.
func (m *Machine) Peers() []PeerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PeerState, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// HealthyPeers returns the peers currently considered alive.
func (m *Machine) HealthyPeers() []PeerState {
	var healthy []PeerState
	for _, p := range m.Peers() {
		if p.Status == PeerAlive {
			healthy = append(healthy, p)
		}
	}
	return healthy
}

func (m *Machine) failureDetectorLoop(stopCh <-chan struct{}) {
	interval := m.cfg.SuspectTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.DetectFailures()
		case <-stopCh:
			return
		}
	}
}
