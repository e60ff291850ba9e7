package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"decentrilicense/pkg/client"
	"decentrilicense/pkg/config"
	"decentrilicense/pkg/issuer"
	"decentrilicense/pkg/metrics"
	"decentrilicense/pkg/registry"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/transport"
	"decentrilicense/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const licenseCode = "LIC-SESSION"

type vendor struct {
	iss        *issuer.Issuer
	productKey string
	raw        []byte
}

func newVendor(t *testing.T, validity time.Duration) *vendor {
	iss, err := issuer.New(types.AlgEd25519)
	require.NoError(t, err)
	file, err := iss.ProductPublicKeyFile()
	require.NoError(t, err)
	tok, err := iss.Issue(issuer.IssueRequest{LicenseCode: licenseCode, AppID: "editor", Validity: validity})
	require.NoError(t, err)
	raw, err := token.Marshal(tok)
	require.NoError(t, err)
	return &vendor{iss: iss, productKey: string(file), raw: raw}
}

func (v *vendor) config(dir string) *config.Config {
	return &config.Config{
		LicenseCode:      licenseCode,
		DataDir:          dir,
		DiscoveryWindow:  50 * time.Millisecond,
		ProductPublicKey: v.productKey,
	}
}

func newSession(t *testing.T, net *transport.MemoryNetwork, name string, opts ...client.Option) (*client.Session, *transport.MemoryTransport) {
	node := net.Join(name)
	opts = append([]client.Option{client.WithLogger(zaptest.NewLogger(t)), client.WithTransport(node)}, opts...)
	s := client.New(opts...)
	t.Cleanup(func() { s.Shutdown() })
	return s, node
}

func initSession(t *testing.T, s *client.Session, cfg *config.Config) {
	require.NoError(t, s.Initialize(context.Background(), cfg))
}

func TestNotInitialized(t *testing.T) {
	s := client.New()
	ctx := context.Background()

	assert.ErrorIs(t, s.SetProductPublicKey([]byte("x")), client.ErrNotInitialized)
	assert.ErrorIs(t, s.ImportToken([]byte("{}")), client.ErrNotInitialized)
	_, err := s.ActivateBindDevice(ctx)
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.RecordUsage(ctx, []byte(`{"action":"x"}`))
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.OfflineVerifyCurrentToken()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.GetStatus()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.GetCurrentToken()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.ExportCurrentTokenEncrypted()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.GetDeviceID()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	_, err = s.GetDeviceState()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
	assert.ErrorIs(t, s.Release(ctx, ""), client.ErrNotInitialized)
	assert.NoError(t, s.Shutdown())
}

func TestInitializeTwiceAndReinitialize(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	dir := t.TempDir()

	s, _ := newSession(t, net, "a")
	initSession(t, s, v.config(dir))
	assert.ErrorIs(t, s.Initialize(context.Background(), v.config(dir)), client.ErrAlreadyInitialized)

	id, err := s.GetDeviceID()
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())

	again, _ := newSession(t, net, "a2")
	initSession(t, again, v.config(dir))
	id2, err := again.GetDeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	s := client.New()
	err := s.Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	err = s.Initialize(context.Background(), &config.Config{DataDir: t.TempDir()})
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestInitializeRejectsBadProductKey(t *testing.T) {
	net := transport.NewMemoryNetwork()
	s, _ := newSession(t, net, "a")
	cfg := &config.Config{LicenseCode: licenseCode, DataDir: t.TempDir(), ProductPublicKey: "not a key"}
	assert.ErrorIs(t, s.Initialize(context.Background(), cfg), client.ErrCryptoError)

	_, err := s.GetDeviceID()
	assert.ErrorIs(t, err, client.ErrNotInitialized)
}

func TestIsolatedActivationAndUsage(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	s, _ := newSession(t, net, "a")
	initSession(t, s, v.config(t.TempDir()))
	ctx := context.Background()

	st, err := s.GetStatus()
	require.NoError(t, err)
	assert.False(t, st.HasToken)

	res, err := s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailNoToken), res)

	require.NoError(t, s.ImportToken(v.raw))
	res, err = s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)

	state, err := s.GetDeviceState()
	require.NoError(t, err)
	assert.Equal(t, types.StateCoordinator, state)

	id, err := s.GetDeviceID()
	require.NoError(t, err)
	st, err = s.GetStatus()
	require.NoError(t, err)
	assert.True(t, st.HasToken)
	assert.True(t, st.IsActivated)
	assert.Equal(t, id, st.HolderDeviceID)
	assert.Equal(t, "editor", st.AppID)

	for i := 1; i <= 3; i++ {
		res, err = s.RecordUsage(ctx, []byte(fmt.Sprintf(`{"action":"open","params":{"n":%d}}`, i)))
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Detail)
	}

	tok, err := s.GetCurrentToken()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tok.StateIndex)
	assert.Len(t, tok.UsageChain, 3)

	res, err = s.OfflineVerifyCurrentToken()
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)

	// the returned token is a copy
	tok.UsageChain = nil
	again, err := s.GetCurrentToken()
	require.NoError(t, err)
	assert.Len(t, again.UsageChain, 3)
}

func TestActivationIsIdempotent(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))
	ctx := context.Background()

	require.NoError(t, s.ImportToken(v.raw))
	res, err := s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	first, err := s.GetCurrentToken()
	require.NoError(t, err)

	res, err = s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	second, err := s.GetCurrentToken()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSecondDeviceBecomesFollower(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	ctx := context.Background()

	a, _ := newSession(t, net, "a")
	initSession(t, a, v.config(t.TempDir()))
	b, _ := newSession(t, net, "b")
	initSession(t, b, v.config(t.TempDir()))

	require.NoError(t, a.ImportToken(v.raw))
	require.NoError(t, b.ImportToken(v.raw))

	res, err := a.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid, res.Detail)

	res, err = b.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailHolderMismatch), res)
	state, err := b.GetDeviceState()
	require.NoError(t, err)
	assert.Equal(t, types.StateFollower, state)

	res, err = b.RecordUsage(ctx, []byte(`{"action":"open"}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)

	// the holder keeps coordinating
	state, err = a.GetDeviceState()
	require.NoError(t, err)
	assert.Equal(t, types.StateCoordinator, state)

	require.NoError(t, a.Release(ctx, ""))
	res, err = a.RecordUsage(ctx, []byte(`{"action":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailNotCoordinator), res)

	res, err = b.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)
}

func TestConcurrentActivationSingleHolder(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	ctx := context.Background()

	sessions := make([]*client.Session, 4)
	for i := range sessions {
		s, _ := newSession(t, net, fmt.Sprintf("node-%d", i))
		initSession(t, s, v.config(t.TempDir()))
		require.NoError(t, s.ImportToken(v.raw))
		sessions[i] = s
	}

	results := make([]types.VerificationResult, len(sessions))
	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *client.Session) {
			defer wg.Done()
			results[i], errs[i] = s.ActivateBindDevice(ctx)
		}(i, s)
	}
	wg.Wait()

	valid, coordinators := 0, 0
	for i, s := range sessions {
		require.NoError(t, errs[i])
		if results[i].Valid {
			valid++
		} else {
			assert.Equal(t, types.Invalid(types.DetailHolderMismatch), results[i])
		}
		state, err := s.GetDeviceState()
		require.NoError(t, err)
		if state == types.StateCoordinator {
			coordinators++
			assert.True(t, results[i].Valid)
		}
	}
	assert.Equal(t, 1, valid)
	assert.Equal(t, 1, coordinators)
}

func TestActivationNetworkError(t *testing.T) {
	v := newVendor(t, 0)
	s, node := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))
	require.NoError(t, s.ImportToken(v.raw))

	node.FailDiscover(errors.New("socket gone"))
	_, err := s.ActivateBindDevice(context.Background())
	assert.ErrorIs(t, err, client.ErrNetworkError)
	assert.Equal(t, "NETWORK_ERROR", client.Code(err))

	state, err := s.GetDeviceState()
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, state)
}

func TestAlgorithmMismatch(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	cfg := v.config(t.TempDir())
	cfg.ExpectedAlgorithm = "RSA"
	initSession(t, s, cfg)
	require.NoError(t, s.ImportToken(v.raw))

	res, err := s.ActivateBindDevice(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailAlgorithmMismatch)
}

func TestExpiredToken(t *testing.T) {
	v := newVendor(t, time.Hour)
	later := time.Now().Add(2 * time.Hour)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a", client.WithClock(func() time.Time { return later }))
	initSession(t, s, v.config(t.TempDir()))
	require.NoError(t, s.ImportToken(v.raw))

	res, err := s.ActivateBindDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailExpired), res)

	res, err = s.OfflineVerifyCurrentToken()
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailExpired), res)
}

func TestImportErrors(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))

	err := s.ImportToken([]byte("{broken"))
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	tok, err := token.Parse(v.raw)
	require.NoError(t, err)
	sealed, err := token.Seal(tok, []byte("some other product"))
	require.NoError(t, err)
	err = s.ImportToken([]byte(sealed))
	assert.ErrorIs(t, err, client.ErrCryptoError)
}

func TestStaleImportRejected(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))
	ctx := context.Background()

	require.NoError(t, s.ImportToken(v.raw))
	res, err := s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	res, err = s.RecordUsage(ctx, []byte(`{"action":"open"}`))
	require.NoError(t, err)
	require.True(t, res.Valid)

	err = s.ImportToken(v.raw)
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestUnverifiedImportLeavesStateUntouched(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))
	ctx := context.Background()

	forged, err := token.Parse(v.raw)
	require.NoError(t, err)
	forged.StateIndex = 999
	forged.Signature = "AAAA"
	raw, err := token.Marshal(forged)
	require.NoError(t, err)

	// structurally fine, so the import itself goes through
	require.NoError(t, s.ImportToken(raw))
	res, err := s.OfflineVerifyCurrentToken()
	require.NoError(t, err)
	assert.False(t, res.Valid)
	res, err = s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)

	require.NoError(t, s.ImportToken(v.raw))
	res, err = s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)
}

func TestEnvironmentPinnedToken(t *testing.T) {
	v := newVendor(t, 0)
	tok, err := v.iss.Issue(issuer.IssueRequest{LicenseCode: licenseCode, AppID: "editor", EnvironmentHash: token.HashEnvironment("alice", "bench-1")})
	require.NoError(t, err)
	raw, err := token.Marshal(tok)
	require.NoError(t, err)
	ctx := context.Background()

	elsewhere, _ := newSession(t, transport.NewMemoryNetwork(), "a",
		client.WithEnvironment(func() string { return token.HashEnvironment("bob", "bench-2") }))
	initSession(t, elsewhere, v.config(t.TempDir()))
	require.NoError(t, elsewhere.ImportToken(raw))

	res, err := elsewhere.OfflineVerifyCurrentToken()
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailEnvironmentMismatch), res)
	res, err = elsewhere.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailEnvironmentMismatch), res)
	state, err := elsewhere.GetDeviceState()
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, state)

	here, _ := newSession(t, transport.NewMemoryNetwork(), "b",
		client.WithEnvironment(func() string { return token.HashEnvironment("alice", "bench-1") }))
	initSession(t, here, v.config(t.TempDir()))
	require.NoError(t, here.ImportToken(raw))
	res, err = here.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)
	res, err = here.OfflineVerifyCurrentToken()
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)
}

func TestRecordUsageRejectsBadPayload(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))

	_, err := s.RecordUsage(context.Background(), []byte(`{"params":{}}`))
	assert.ErrorIs(t, err, client.ErrInvalidArgument)

	res, err := s.RecordUsage(context.Background(), []byte(`{"action":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailNoToken), res)
}

func TestExportRoundTripAndRestart(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	dir := t.TempDir()
	ctx := context.Background()

	s, _ := newSession(t, net, "a")
	initSession(t, s, v.config(dir))
	require.NoError(t, s.ImportToken(v.raw))
	res, err := s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	res, err = s.RecordUsage(ctx, []byte(`{"action":"save","params":{"file":"a.txt"}}`))
	require.NoError(t, err)
	require.True(t, res.Valid)

	exportDir := t.TempDir()
	path, err := s.SaveExport(exportDir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "token_state_"+licenseCode+"_idx1_"))
	sealed, err := os.ReadFile(path)
	require.NoError(t, err)

	plain, err := s.ExportCurrentTokenPlain()
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())

	// same data dir, same identity: the bound token activates again
	restarted, _ := newSession(t, net, "a-restarted")
	initSession(t, restarted, v.config(dir))
	require.NoError(t, restarted.ImportToken(sealed))
	res, err = restarted.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)

	tok, err := restarted.GetCurrentToken()
	require.NoError(t, err)
	orig, err := token.Parse(plain)
	require.NoError(t, err)
	assert.Equal(t, orig.Signature, tok.Signature)
}

func TestExportWithoutToken(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))

	_, err := s.ExportCurrentTokenEncrypted()
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	_, err = s.ExportCurrentTokenPlain()
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	_, err = s.SaveExport(t.TempDir())
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestSaveExportRacesShutdown(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	initSession(t, s, v.config(t.TempDir()))
	require.NoError(t, s.ImportToken(v.raw))
	dir := t.TempDir()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			path, err := s.SaveExport(dir)
			if err != nil {
				assert.ErrorIs(t, err, client.ErrNotInitialized)
				continue
			}
			assert.FileExists(t, path)
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Shutdown())
	}()
	wg.Wait()

	_, err := s.SaveExport(dir)
	assert.ErrorIs(t, err, client.ErrNotInitialized)
}

func TestSetProductPublicKeyLater(t *testing.T) {
	v := newVendor(t, 0)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	cfg := v.config(t.TempDir())
	cfg.ProductPublicKey = ""
	initSession(t, s, cfg)
	require.NoError(t, s.ImportToken(v.raw))

	_, err := s.ActivateBindDevice(context.Background())
	assert.ErrorIs(t, err, client.ErrCryptoError)

	assert.ErrorIs(t, s.SetProductPublicKey([]byte("junk")), client.ErrCryptoError)
	require.NoError(t, s.SetProductPublicKey([]byte(v.productKey)))

	res, err := s.ActivateBindDevice(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)
}

func TestRootKeyEnforced(t *testing.T) {
	v := newVendor(t, 0)
	rootPEM, err := v.iss.RootPublicKeyPEM()
	require.NoError(t, err)
	rootFile := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, os.WriteFile(rootFile, rootPEM, 0600))

	s, _ := newSession(t, transport.NewMemoryNetwork(), "a")
	cfg := v.config(t.TempDir())
	cfg.RootPublicKeyFile = rootFile
	initSession(t, s, cfg)

	other := newVendor(t, 0)
	assert.ErrorIs(t, s.SetProductPublicKey([]byte(other.productKey)), client.ErrCryptoError)
}

type fakeRegistry struct {
	mu         sync.Mutex
	holder     *registry.Device
	holderErr  error
	registered []registry.Device
	transfers  []registry.TokenTransfer
	heartbeats int
}

func (f *fakeRegistry) Holder(_ context.Context, _ string) (*registry.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holderErr != nil {
		return nil, f.holderErr
	}
	if f.holder == nil {
		return nil, registry.ErrNotFound
	}
	cp := *f.holder
	return &cp, nil
}

func (f *fakeRegistry) Register(_ context.Context, d registry.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, d)
	return nil
}

func (f *fakeRegistry) Heartbeat(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return true, nil
}

func (f *fakeRegistry) Transfer(_ context.Context, tr registry.TokenTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, tr)
	return nil
}

func TestRegistryHolderMismatch(t *testing.T) {
	v := newVendor(t, 0)
	reg := &fakeRegistry{holder: &registry.Device{DeviceID: "someone-else", LicenseCode: licenseCode}}
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a", client.WithRegistry(reg))
	initSession(t, s, v.config(t.TempDir()))
	require.NoError(t, s.ImportToken(v.raw))

	res, err := s.ActivateBindDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailHolderMismatch), res)
	assert.Empty(t, reg.registered)
}

func TestRegistryUnavailableFallsBackToLAN(t *testing.T) {
	v := newVendor(t, 0)
	reg := &fakeRegistry{holderErr: registry.ErrUnavailable}
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a", client.WithRegistry(reg))
	initSession(t, s, v.config(t.TempDir()))
	require.NoError(t, s.ImportToken(v.raw))
	ctx := context.Background()

	res, err := s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)

	id, err := s.GetDeviceID()
	require.NoError(t, err)
	require.Len(t, reg.registered, 1)
	assert.Equal(t, id, reg.registered[0].DeviceID)

	res, err = s.RecordUsage(ctx, []byte(`{"action":"open"}`))
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, 1, reg.heartbeats)

	require.NoError(t, s.Release(ctx, "next-device"))
	require.Len(t, reg.transfers, 1)
	assert.Equal(t, id, reg.transfers[0].FromDevice)
	assert.Equal(t, "next-device", reg.transfers[0].ToDevice)
}

func httptestServer(t *testing.T, srv *registry.Server) string {
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestSessionWithRegistryServer(t *testing.T) {
	v := newVendor(t, 0)
	svc := registry.NewService(registry.NewMemoryStore(), nil, time.Minute, nil)
	srv := httptestServer(t, registry.NewServer(svc, registry.ServerOptions{}, nil))

	net := transport.NewMemoryNetwork()
	cfg := v.config(t.TempDir())
	cfg.RegistryURL = srv

	s, _ := newSession(t, net, "a")
	initSession(t, s, cfg)
	require.NoError(t, s.ImportToken(v.raw))
	res, err := s.ActivateBindDevice(context.Background())
	require.NoError(t, err)
	require.True(t, res.Valid, res.Detail)

	id, err := s.GetDeviceID()
	require.NoError(t, err)
	holder, err := svc.LicenseHolder(context.Background(), licenseCode)
	require.NoError(t, err)
	assert.Equal(t, id, holder.DeviceID)

	// a second device on another LAN is turned away by the registry
	other, _ := newSession(t, transport.NewMemoryNetwork(), "b")
	cfgB := v.config(t.TempDir())
	cfgB.RegistryURL = srv
	initSession(t, other, cfgB)
	require.NoError(t, other.ImportToken(v.raw))
	res, err = other.ActivateBindDevice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Invalid(types.DetailHolderMismatch), res)
}

func TestSessionMetrics(t *testing.T) {
	v := newVendor(t, 0)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	s, _ := newSession(t, transport.NewMemoryNetwork(), "a", client.WithMetrics(m))
	initSession(t, s, v.config(t.TempDir()))
	require.NoError(t, s.ImportToken(v.raw))
	ctx := context.Background()

	res, err := s.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid)
	res, err = s.RecordUsage(ctx, []byte(`{"action":"open"}`))
	require.NoError(t, err)
	require.True(t, res.Valid)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ElectionsTotal.WithLabelValues("isolated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UsageAppends))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StateIndex))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "OK", client.Code(nil))
	assert.Equal(t, "INVALID_ARGUMENT", client.Code(fmt.Errorf("wrap: %w", client.ErrInvalidArgument)))
	assert.Equal(t, "NOT_INITIALIZED", client.Code(client.ErrNotInitialized))
	assert.Equal(t, "ALREADY_INITIALIZED", client.Code(client.ErrAlreadyInitialized))
	assert.Equal(t, "CRYPTO_ERROR", client.Code(client.ErrCryptoError))
	assert.Equal(t, "UNKNOWN", client.Code(errors.New("boom")))
}

func TestPeersSeenDuringElection(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	ctx := context.Background()

	a, _ := newSession(t, net, "a")
	initSession(t, a, v.config(t.TempDir()))
	b, _ := newSession(t, net, "b")
	initSession(t, b, v.config(t.TempDir()))
	require.NoError(t, a.ImportToken(v.raw))
	require.NoError(t, b.ImportToken(v.raw))

	_, err := a.ActivateBindDevice(ctx)
	require.NoError(t, err)
	_, err = b.ActivateBindDevice(ctx)
	require.NoError(t, err)

	aID, err := a.GetDeviceID()
	require.NoError(t, err)
	peers, err := b.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, aID, peers[0].DeviceID)
	assert.True(t, peers[0].HolderPriority)
}

func TestReleaseHandsOffOverLAN(t *testing.T) {
	v := newVendor(t, 0)
	net := transport.NewMemoryNetwork()
	ctx := context.Background()

	a, _ := newSession(t, net, "a")
	initSession(t, a, v.config(t.TempDir()))
	b, _ := newSession(t, net, "b")
	initSession(t, b, v.config(t.TempDir()))
	require.NoError(t, a.ImportToken(v.raw))
	require.NoError(t, b.ImportToken(v.raw))

	res, err := a.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid, res.Detail)
	res, err = a.RecordUsage(ctx, []byte(`{"action":"open"}`))
	require.NoError(t, err)
	require.True(t, res.Valid, res.Detail)

	// b's election makes the two devices known to each other
	res, err = b.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Invalid(types.DetailHolderMismatch), res)

	bID, err := b.GetDeviceID()
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, bID))

	gone, err := a.GetCurrentToken()
	require.NoError(t, err)
	assert.Nil(t, gone)

	received, err := b.GetCurrentToken()
	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, uint64(1), received.StateIndex)

	res, err = b.ActivateBindDevice(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)
	res, err = b.RecordUsage(ctx, []byte(`{"action":"save"}`))
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Detail)

	current, err := b.GetCurrentToken()
	require.NoError(t, err)
	assert.Equal(t, bID, current.HolderDeviceID)
	assert.Equal(t, uint64(2), current.StateIndex)
}

func TestLANHandoffRefusedInOtherEnvironment(t *testing.T) {
	v := newVendor(t, 0)
	tok, err := v.iss.Issue(issuer.IssueRequest{LicenseCode: licenseCode, AppID: "editor", EnvironmentHash: token.HashEnvironment("alice", "bench-1")})
	require.NoError(t, err)
	raw, err := token.Marshal(tok)
	require.NoError(t, err)
	net := transport.NewMemoryNetwork()
	ctx := context.Background()

	a, _ := newSession(t, net, "a",
		client.WithEnvironment(func() string { return token.HashEnvironment("alice", "bench-1") }))
	initSession(t, a, v.config(t.TempDir()))
	b, _ := newSession(t, net, "b",
		client.WithEnvironment(func() string { return token.HashEnvironment("bob", "bench-2") }))
	initSession(t, b, v.config(t.TempDir()))

	require.NoError(t, a.ImportToken(raw))
	res, err := a.ActivateBindDevice(ctx)
	require.NoError(t, err)
	require.True(t, res.Valid, res.Detail)

	// b only needs to be seen; a plain token gets it onto the LAN
	require.NoError(t, b.ImportToken(v.raw))
	_, err = b.ActivateBindDevice(ctx)
	require.NoError(t, err)

	bID, err := b.GetDeviceID()
	require.NoError(t, err)
	err = a.Release(ctx, bID)
	assert.ErrorIs(t, err, client.ErrInvalidArgument)
	assert.Contains(t, err.Error(), types.DetailEnvironmentMismatch)

	kept, err := a.GetCurrentToken()
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
