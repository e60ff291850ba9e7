package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/types"
)

const (
	identityFile = "device_identity.json"
	stateDirName = ".decentrilicense_state"
)

var (
	ErrCorruptIdentity = errors.New("device identity is corrupt")
	ErrStaleState      = errors.New("token state is older than the recorded state")
)

// DeviceIdentity is the Ed25519 key that names this install. The device id
// is the fingerprint of its public key and never changes for a data dir.
type DeviceIdentity struct {
	id     string
	key    *keys.PrivateKey
	pubPEM string
}

type identityRecord struct {
	DeviceID   string    `json:"device_id"`
	PrivateKey string    `json:"private_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoadOrCreateIdentity returns the identity stored in dir, creating one on
// first use. A file that exists but cannot be trusted is an error, never a
// reason to mint a new id.
func LoadOrCreateIdentity(dir string) (*DeviceIdentity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, identityFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return parseIdentity(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read device identity: %w", err)
	}

	key, err := keys.GenerateKey(types.AlgEd25519)
	if err != nil {
		return nil, err
	}
	id, err := newIdentity(key)
	if err != nil {
		return nil, err
	}
	keyPEM, err := key.MarshalPEM()
	if err != nil {
		return nil, err
	}
	rec := identityRecord{DeviceID: id.id, PrivateKey: string(keyPEM), CreatedAt: time.Now().UTC()}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode device identity: %w", err)
	}
	if err := writeFileAtomic(path, out, 0600); err != nil {
		return nil, err
	}
	return id, nil
}

func parseIdentity(data []byte) (*DeviceIdentity, error) {
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIdentity, err)
	}
	key, err := keys.ParsePrivateKeyPEM([]byte(rec.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIdentity, err)
	}
	if key.Algorithm() != types.AlgEd25519 {
		return nil, fmt.Errorf("%w: unexpected key type %s", ErrCorruptIdentity, key.Algorithm())
	}
	id, err := newIdentity(key)
	if err != nil {
		return nil, err
	}
	if id.id != rec.DeviceID {
		return nil, fmt.Errorf("%w: device id does not match key", ErrCorruptIdentity)
	}
	return id, nil
}

func newIdentity(key *keys.PrivateKey) (*DeviceIdentity, error) {
	pubPEM, err := key.Public().MarshalPEM()
	if err != nil {
		return nil, err
	}
	return &DeviceIdentity{id: key.Public().Fingerprint(), key: key, pubPEM: string(pubPEM)}, nil
}

func (d *DeviceIdentity) DeviceID() string { return d.id }

func (d *DeviceIdentity) PublicKeyPEM() string { return d.pubPEM }

func (d *DeviceIdentity) Sign(msg []byte) ([]byte, error) {
	return d.key.Sign(msg)
}

// StateRecord is what this device remembers about one token.
type StateRecord struct {
	TokenID     string    `json:"token_id"`
	LicenseCode string    `json:"license_code"`
	StateIndex  uint64    `json:"state_index"`
	StateHash   string    `json:"state_hash"`
	Holding     bool      `json:"holding"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StateStore keeps one record per token under
// <dir>/.decentrilicense_state/<license_code>/<token_id>.json.
type StateStore struct {
	mu   sync.RWMutex
	root string
}

func NewStateStore(dir string) *StateStore {
	return &StateStore{root: filepath.Join(dir, stateDirName)}
}

func (s *StateStore) path(licenseCode, tokenID string) string {
	return filepath.Join(s.root, sanitize(licenseCode), sanitize(tokenID)+".json")
}

// Get returns the record for a token, or nil if none exists.
func (s *StateStore) Get(licenseCode, tokenID string) (*StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(licenseCode, tokenID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state record: %w", err)
	}
	var rec StateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse state record: %w", err)
	}
	return &rec, nil
}

// Put stores rec, refusing to move a token's state index backwards.
func (s *StateStore) Put(rec StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(rec.LicenseCode, rec.TokenID)
	if data, err := os.ReadFile(path); err == nil {
		var prev StateRecord
		if json.Unmarshal(data, &prev) == nil && rec.StateIndex < prev.StateIndex {
			return fmt.Errorf("%w: have %d, got %d", ErrStaleState, prev.StateIndex, rec.StateIndex)
		}
	}

	rec.UpdatedAt = time.Now().UTC()
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return writeFileAtomic(path, out, 0600)
}

// CheckFresh rejects a token older than what this device has already seen.
func (s *StateStore) CheckFresh(tok *types.LicenseToken) error {
	rec, err := s.Get(tok.LicenseCode, tok.TokenID)
	if err != nil || rec == nil {
		return err
	}
	if tok.StateIndex < rec.StateIndex {
		return fmt.Errorf("%w: have %d, got %d", ErrStaleState, rec.StateIndex, tok.StateIndex)
	}
	return nil
}

// IsHolding reports whether this device last held the token.
func (s *StateStore) IsHolding(licenseCode, tokenID string) bool {
	rec, err := s.Get(licenseCode, tokenID)
	return err == nil && rec != nil && rec.Holding
}

// SetHolding flips the holding flag while keeping the recorded state.
func (s *StateStore) SetHolding(licenseCode, tokenID string, holding bool) error {
	rec, err := s.Get(licenseCode, tokenID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &StateRecord{TokenID: tokenID, LicenseCode: licenseCode}
	}
	rec.Holding = holding
	return s.Put(*rec)
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
