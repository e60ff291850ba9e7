// Package client is the license client façade used by applications.
//
// A Session owns one device identity, at most one token and the election
// machine that decides whether this device may use it. Methods are
// serialized by the session lock.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"decentrilicense/pkg/config"
	"decentrilicense/pkg/election"
	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/metrics"
	"decentrilicense/pkg/registry"
	"decentrilicense/pkg/storage"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/transport"
	"decentrilicense/pkg/trust"
	"decentrilicense/pkg/types"

	"go.uber.org/zap"
)

const (
	detailActivated        = "activated"
	detailAlreadyActivated = "already activated"
	detailUsageRecorded    = "usage recorded"

	peerMonitorInterval = 10 * time.Second
)

type Session struct {
	mu sync.Mutex

	logger          *zap.Logger
	now             func() time.Time
	environment     func() string
	metrics         *metrics.Metrics
	customTransport transport.Transport
	customRegistry  Registry

	initialized bool
	cfg         config.Config
	identity    *storage.DeviceIdentity
	states      *storage.StateStore
	verifier    *trust.Verifier
	transport   transport.Transport
	machine     *election.Machine
	monitor     *metrics.PeerMonitor
	registry    Registry
	cancel      context.CancelFunc

	product    *trust.ProductKey
	token      *types.LicenseToken
	licenseKey *keys.PrivateKey
}

func New(opts ...Option) *Session {
	s := &Session{
		logger:      zap.NewNop(),
		now:         time.Now,
		environment: token.EnvironmentHash,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads the device identity, starts the LAN transport and the
// election machine, and reads the product key from cfg when one is given.
func (s *Session) Initialize(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidArgument)
	}
	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	identity, err := storage.LoadOrCreateIdentity(c.DataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	verifier := trust.NewVerifier(s.logger)
	if s.metrics != nil {
		verifier.SetRecorder(s.metrics)
	}

	t := s.customTransport
	if t == nil {
		t = transport.NewLAN(transport.LANConfigFrom(&c), s.logger)
	}
	machine := election.NewMachine(identity.DeviceID(), t, election.Config{
		DiscoveryWindow: c.DiscoveryWindow,
		ExpectedPeers:   c.ExpectedPeers,
		PromoteWinner:   true,
	}, s.logger)
	machine.SetClock(s.now)
	machine.SetTransferHandler(s.acceptTransfer)
	if s.metrics != nil {
		machine.SetRecorder(s.metrics)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := ctx.Err(); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	if err := t.Start(runCtx, machine); err != nil {
		cancel()
		return fmt.Errorf("%w: failed to start transport: %v", ErrNetworkError, err)
	}
	machine.Start()

	s.cfg = c
	s.identity = identity
	s.states = storage.NewStateStore(c.DataDir)
	s.verifier = verifier
	s.transport = t
	s.machine = machine
	s.cancel = cancel

	content, err := c.ProductKeyContent()
	if err == nil && len(content) > 0 {
		err = s.setProductKeyLocked(content)
	}
	if err != nil && !errors.Is(err, config.ErrNoProductKey) {
		s.teardownLocked()
		return fmt.Errorf("%w: %v", ErrCryptoError, err)
	}

	s.registry = s.customRegistry
	if s.registry == nil && c.RegistryURL != "" {
		s.registry = registry.NewClient(c.RegistryURL, c.RegistryTimeout)
	}

	if s.metrics != nil {
		s.monitor = metrics.NewPeerMonitor(s.metrics, machine, peerMonitorInterval, s.logger)
		s.monitor.Start()
	}

	s.initialized = true
	s.logger.Info("Session initialized",
		zap.String("device_id", identity.DeviceID()),
		zap.String("license_code", c.LicenseCode),
		zap.Bool("registry", s.registry != nil))
	return nil
}

// SetProductPublicKey installs the trust anchor from product key file content.
func (s *Session) SetProductPublicKey(content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if err := s.setProductKeyLocked(content); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	return nil
}

func (s *Session) setProductKeyLocked(content []byte) error {
	pk, err := trust.ParseProductKey(content)
	if err != nil {
		return err
	}

	rootContent, err := s.cfg.RootKeyContent()
	if err != nil {
		return err
	}
	if rootContent != nil {
		root, err := keys.ParsePublicKeyPEM(rootContent)
		if err != nil {
			return fmt.Errorf("failed to parse root public key: %w", err)
		}
		if err := pk.VerifyRoot(root); err != nil {
			return err
		}
	}

	s.product = pk
	s.licenseKey = nil
	s.verifier.ClearCache()
	return nil
}

func (s *Session) expectedAlgorithm() types.Algorithm {
	if s.cfg.ExpectedAlgorithm != "" {
		return types.Algorithm(s.cfg.ExpectedAlgorithm)
	}
	if s.product != nil {
		return s.product.Public.Algorithm()
	}
	return ""
}

func (s *Session) secret() []byte {
	if s.product == nil {
		return nil
	}
	return s.product.Secret()
}

// ImportToken accepts plaintext JSON or either encrypted form. A token older
// than what this device has already recorded is refused. Nothing is persisted
// here; state is recorded once the trust chain has been checked.
func (s *Session) ImportToken(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}

	tok, err := token.Import(raw, s.secret())
	if errors.Is(err, token.ErrDecryptFailed) {
		return fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if err := s.states.CheckFresh(tok); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	if s.token != nil && s.token.TokenID != tok.TokenID {
		s.machine.Release()
	}
	s.token = tok
	s.licenseKey = nil

	s.logger.Info("Token imported",
		zap.String("token_id", tok.TokenID),
		zap.String("license_code", tok.LicenseCode),
		zap.Uint64("state_index", tok.StateIndex))
	return nil
}

func (s *Session) recordStateLocked(tok *types.LicenseToken, holding bool) error {
	tail, err := token.TailHash(tok)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	err = s.states.Put(storage.StateRecord{
		TokenID:     tok.TokenID,
		LicenseCode: tok.LicenseCode,
		StateIndex:  tok.StateIndex,
		StateHash:   tail,
		Holding:     holding,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return nil
}

func (s *Session) holderPriority(tok *types.LicenseToken) bool {
	return tok.HolderDeviceID == s.identity.DeviceID() || s.states.IsHolding(tok.LicenseCode, tok.TokenID)
}

// ActivateBindDevice verifies the token, consults the registry when one is
// configured, runs a LAN election and binds the token to this device if it
// wins. Calling it again on an active coordinator changes nothing.
func (s *Session) ActivateBindDevice(ctx context.Context) (types.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.VerificationResult{}, ErrNotInitialized
	}
	res, err := s.activateLocked(ctx)
	if err == nil && s.metrics != nil {
		s.metrics.ObserveActivation(res.Valid, res.Detail)
	}
	return res, err
}

func (s *Session) activateLocked(ctx context.Context) (types.VerificationResult, error) {
	tok := s.token
	if tok == nil {
		return types.Invalid(types.DetailNoToken), nil
	}
	if s.product == nil {
		return types.VerificationResult{}, fmt.Errorf("%w: no product public key", ErrCryptoError)
	}
	if tok.IsExpired(s.now().Unix()) {
		return types.Invalid(types.DetailExpired), nil
	}

	res := s.verifier.VerifyTrustChain(tok, s.product.Public, s.expectedAlgorithm())
	if !res.Valid {
		return res, nil
	}
	if err := token.VerifyEnvironment(tok, s.environment()); err != nil {
		return types.Invalid(types.DetailEnvironmentMismatch), nil
	}

	self := s.identity.DeviceID()
	if s.machine.State() == types.StateCoordinator && tok.HolderDeviceID == self {
		return types.Valid(detailAlreadyActivated), nil
	}

	if s.registry != nil {
		holder, err := s.registry.Holder(ctx, tok.LicenseCode)
		switch {
		case err == nil && holder.DeviceID != self:
			s.logger.Info("License held elsewhere according to registry",
				zap.String("license_code", tok.LicenseCode),
				zap.String("holder", holder.DeviceID))
			return types.Invalid(types.DetailHolderMismatch), nil
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			s.logger.Warn("Registry unreachable, falling back to LAN election", zap.Error(err))
		}
	}

	out, err := s.machine.Run(ctx, election.Candidate{
		LicenseCode:    tok.LicenseCode,
		TokenID:        tok.TokenID,
		HolderPriority: s.holderPriority(tok),
		StateIndex:     tok.StateIndex,
	})
	if err != nil {
		return types.VerificationResult{}, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	if out.State != types.StateCoordinator {
		if err := s.states.SetHolding(tok.LicenseCode, tok.TokenID, false); err != nil {
			s.logger.Warn("Failed to update state record", zap.Error(err))
		}
		return types.Invalid(types.DetailHolderMismatch), nil
	}

	licenseKey, err := s.licenseSignerLocked()
	if err != nil {
		s.machine.Release()
		return types.VerificationResult{}, err
	}

	bound := tok
	if tok.HolderDeviceID != self || token.VerifyBinding(tok) != nil {
		bound, err = token.Bind(tok, s.identity, licenseKey)
		if err != nil {
			s.machine.Release()
			return types.VerificationResult{}, fmt.Errorf("%w: %v", ErrCryptoError, err)
		}
	}
	if res := s.verifier.VerifyTrustChain(bound, s.product.Public, s.expectedAlgorithm()); !res.Valid {
		s.machine.Release()
		return res, nil
	}

	if err := s.recordStateLocked(bound, true); err != nil {
		s.machine.Release()
		return types.VerificationResult{}, err
	}
	s.token = bound
	s.machine.SetCandidate(&election.Candidate{
		LicenseCode:    bound.LicenseCode,
		TokenID:        bound.TokenID,
		HolderPriority: true,
		StateIndex:     bound.StateIndex,
	})

	if s.registry != nil {
		err := s.registry.Register(ctx, registry.Device{
			DeviceID:    self,
			LicenseCode: bound.LicenseCode,
			TCPPort:     int(s.cfg.TCPPort),
		})
		if err != nil {
			s.logger.Warn("Failed to register with registry", zap.Error(err))
		}
	}

	s.logger.Info("Token activated",
		zap.String("token_id", bound.TokenID),
		zap.String("device_id", self),
		zap.Int("peers", len(out.Participants)-1))
	return types.Valid(detailActivated), nil
}

func (s *Session) licenseSignerLocked() (*keys.PrivateKey, error) {
	if s.licenseKey != nil {
		return s.licenseKey, nil
	}
	k, err := token.LicenseSigner(s.token, s.secret())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	s.licenseKey = k
	return k, nil
}

// RecordUsage appends one usage entry. payload is
// {"action": "...", "params": {...}}.
func (s *Session) RecordUsage(ctx context.Context, payload []byte) (types.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.VerificationResult{}, ErrNotInitialized
	}
	action, params, err := token.ParseUsagePayload(payload)
	if err != nil {
		return types.VerificationResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	tok := s.token
	if tok == nil {
		return types.Invalid(types.DetailNoToken), nil
	}
	if tok.HolderDeviceID != s.identity.DeviceID() {
		return types.Invalid(types.DetailHolderMismatch), nil
	}
	if s.machine.State() != types.StateCoordinator {
		return types.Invalid(types.DetailNotCoordinator), nil
	}
	now := s.now()
	if tok.IsExpired(now.Unix()) {
		return types.Invalid(types.DetailExpired), nil
	}

	licenseKey, err := s.licenseSignerLocked()
	if err != nil {
		return types.VerificationResult{}, err
	}
	next, err := token.AppendUsage(tok, action, params, now.Unix(), licenseKey)
	if errors.Is(err, token.ErrInvalidUsage) {
		return types.VerificationResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err != nil {
		return types.VerificationResult{}, fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	if err := s.recordStateLocked(next, true); err != nil {
		return types.VerificationResult{}, err
	}

	s.token = next
	s.machine.SetCandidate(&election.Candidate{
		LicenseCode:    next.LicenseCode,
		TokenID:        next.TokenID,
		HolderPriority: true,
		StateIndex:     next.StateIndex,
	})
	if s.metrics != nil {
		s.metrics.ObserveUsage(next.StateIndex)
	}
	if s.registry != nil {
		if _, err := s.registry.Heartbeat(ctx, s.identity.DeviceID()); err != nil {
			s.logger.Debug("Registry heartbeat failed", zap.Error(err))
		}
	}

	s.logger.Debug("Usage recorded",
		zap.String("action", action),
		zap.Uint64("state_index", next.StateIndex))
	return types.Valid(detailUsageRecorded), nil
}

// OfflineVerifyCurrentToken checks the current token against the product
// key without touching the network.
func (s *Session) OfflineVerifyCurrentToken() (types.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.VerificationResult{}, ErrNotInitialized
	}
	if s.token == nil {
		return types.Invalid(types.DetailNoToken), nil
	}
	var anchor *keys.PublicKey
	if s.product != nil {
		anchor = s.product.Public
	}
	res := s.verifier.VerifyTrustChain(s.token, anchor, s.expectedAlgorithm())
	if !res.Valid {
		return res, nil
	}
	if err := token.VerifyEnvironment(s.token, s.environment()); err != nil {
		return types.Invalid(types.DetailEnvironmentMismatch), nil
	}
	if s.token.IsExpired(s.now().Unix()) {
		return types.Invalid(types.DetailExpired), nil
	}
	return res, nil
}

func (s *Session) GetStatus() (types.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.Status{}, ErrNotInitialized
	}
	tok := s.token
	if tok == nil {
		return types.Status{}, nil
	}
	return types.Status{
		HasToken:       true,
		IsActivated:    tok.HolderDeviceID == s.identity.DeviceID() && s.machine.State() == types.StateCoordinator,
		IssueTime:      tok.IssueTime,
		ExpireTime:     tok.ExpireTime,
		StateIndex:     tok.StateIndex,
		TokenID:        tok.TokenID,
		HolderDeviceID: tok.HolderDeviceID,
		AppID:          tok.AppID,
		LicenseCode:    tok.LicenseCode,
	}, nil
}

// GetCurrentToken returns a copy of the current token, or nil.
func (s *Session) GetCurrentToken() (*types.LicenseToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if s.token == nil {
		return nil, nil
	}
	return s.token.Clone(), nil
}

func (s *Session) ExportCurrentTokenEncrypted() (string, error) {
	sealed, _, err := s.sealForExport()
	return sealed, err
}

func (s *Session) ExportCurrentTokenPlain() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if s.token == nil {
		return nil, fmt.Errorf("%w: no token", ErrInvalidArgument)
	}
	data, err := token.MarshalIndent(s.token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return data, nil
}

// SaveExport writes the encrypted export into dir under its standard file
// name and returns the path.
func (s *Session) SaveExport(dir string) (string, error) {
	sealed, name, err := s.sealForExport()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("%w: failed to create export directory: %v", ErrUnknown, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(sealed), 0600); err != nil {
		return "", fmt.Errorf("%w: failed to write export: %v", ErrUnknown, err)
	}
	return path, nil
}

// sealForExport seals the current token and names its file from the same
// snapshot.
func (s *Session) sealForExport() (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return "", "", ErrNotInitialized
	}
	tok := s.token
	if tok == nil {
		return "", "", fmt.Errorf("%w: no token", ErrInvalidArgument)
	}
	if s.product == nil {
		return "", "", fmt.Errorf("%w: no product public key", ErrCryptoError)
	}
	sealed, err := token.Seal(tok, s.secret())
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCryptoError, err)
	}
	return sealed, token.ExportFileName(tok, s.now()), nil
}

// handoff is what Release sends once the session lock is dropped.
type handoff struct {
	tokenID  string
	via      transport.Transport
	peerAddr string
	lan      transport.Transfer

	reg Registry
	wan registry.TokenTransfer
}

// Release gives up coordination of the current token. When toDevice is set,
// the token is pushed over the LAN if toDevice has been seen as a peer, and
// the registry is asked to move the license when one is configured. A token
// the peer accepted is dropped here.
func (s *Session) Release(ctx context.Context, toDevice string) error {
	h, err := s.prepareRelease(toDevice)
	if err != nil || h == nil {
		return err
	}

	if h.peerAddr != "" {
		ack, err := h.via.Transfer(ctx, h.peerAddr, h.lan)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetworkError, err)
		}
		if !ack.Accepted {
			return fmt.Errorf("%w: transfer refused by %s: %s", ErrInvalidArgument, ack.DeviceID, ack.Reason)
		}
		s.forget(h.tokenID)
		s.logger.Info("Token handed off over LAN",
			zap.String("to_device", ack.DeviceID),
			zap.String("addr", h.peerAddr))
	}

	if h.reg == nil {
		return nil
	}
	err = h.reg.Transfer(ctx, h.wan)
	if errors.Is(err, registry.ErrTransferRejected) {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	return nil
}

func (s *Session) forget(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil && s.token.TokenID == tokenID {
		s.token = nil
		s.licenseKey = nil
	}
}

func (s *Session) prepareRelease(toDevice string) (*handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	s.machine.Release()

	tok := s.token
	if tok == nil {
		return nil, nil
	}
	if err := s.states.SetHolding(tok.LicenseCode, tok.TokenID, false); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	s.logger.Info("Token released",
		zap.String("token_id", tok.TokenID),
		zap.String("to_device", toDevice))

	if toDevice == "" {
		return nil, nil
	}
	self := s.identity.DeviceID()
	h := &handoff{tokenID: tok.TokenID, via: s.transport, reg: s.registry}

	for _, p := range s.machine.Peers() {
		if p.DeviceID != toDevice || p.Addr == "" {
			continue
		}
		if s.product == nil {
			return nil, fmt.Errorf("%w: no product public key", ErrCryptoError)
		}
		sealed, err := token.Seal(tok, s.secret())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoError, err)
		}
		h.peerAddr = p.Addr
		h.lan = transport.Transfer{
			LicenseCode: tok.LicenseCode,
			FromDevice:  self,
			ToDevice:    toDevice,
			Token:       []byte(sealed),
		}
		break
	}

	if s.registry != nil {
		data, err := token.Marshal(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
		}
		h.wan = registry.TokenTransfer{
			TokenID:     tok.TokenID,
			TokenData:   string(data),
			FromDevice:  self,
			ToDevice:    toDevice,
			LicenseCode: tok.LicenseCode,
			Timestamp:   s.now().UTC(),
		}
	}
	return h, nil
}

// acceptTransfer takes a token pushed by a peer if it verifies here and is
// not older than what this device has recorded. The sender named this device
// as the next holder, so the record is marked holding.
func (s *Session) acceptTransfer(_ context.Context, t transport.Transfer) transport.TransferAck {
	s.mu.Lock()
	defer s.mu.Unlock()

	refuse := func(reason string) transport.TransferAck {
		s.logger.Info("Refused token transfer",
			zap.String("from", t.FromDevice),
			zap.String("reason", reason))
		return transport.TransferAck{Reason: reason}
	}

	if !s.initialized {
		return refuse("not initialized")
	}
	if s.product == nil {
		return refuse("no product public key")
	}
	if t.LicenseCode != s.cfg.LicenseCode {
		return refuse("license mismatch")
	}
	tok, err := token.Import(t.Token, s.secret())
	if err != nil {
		return refuse(err.Error())
	}
	if tok.LicenseCode != s.cfg.LicenseCode {
		return refuse("license mismatch")
	}
	if res := s.verifier.VerifyTrustChain(tok, s.product.Public, s.expectedAlgorithm()); !res.Valid {
		return refuse(res.Detail)
	}
	if err := token.VerifyEnvironment(tok, s.environment()); err != nil {
		return refuse(types.DetailEnvironmentMismatch)
	}
	if tok.IsExpired(s.now().Unix()) {
		return refuse(types.DetailExpired)
	}
	if err := s.states.CheckFresh(tok); err != nil {
		return refuse(err.Error())
	}
	if err := s.recordStateLocked(tok, true); err != nil {
		return refuse(err.Error())
	}

	if s.token != nil && s.token.TokenID != tok.TokenID {
		s.machine.Release()
	}
	s.token = tok
	s.licenseKey = nil

	s.logger.Info("Token received",
		zap.String("token_id", tok.TokenID),
		zap.String("from", t.FromDevice),
		zap.Uint64("state_index", tok.StateIndex))
	return transport.TransferAck{Accepted: true}
}

func (s *Session) GetDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return "", ErrNotInitialized
	}
	return s.identity.DeviceID(), nil
}

func (s *Session) GetDeviceState() (types.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return types.StateIdle, ErrNotInitialized
	}
	return s.machine.State(), nil
}

// Peers returns the devices seen on the LAN for this license.
func (s *Session) Peers() ([]election.PeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.machine.Peers(), nil
}

// Shutdown closes the transport and forgets the token. It is safe to call
// on a session that was never initialized.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}
	err := s.teardownLocked()
	s.logger.Info("Session shut down")
	return err
}

func (s *Session) teardownLocked() error {
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	s.machine.Stop()
	s.machine.Release()
	s.cancel()
	err := s.transport.Close()

	s.initialized = false
	s.transport = nil
	s.machine = nil
	s.registry = nil
	s.product = nil
	s.token = nil
	s.licenseKey = nil
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	return nil
}
