package trust_test

import (
	"encoding/json"
	"strings"
	"testing"

	"decentrilicense/pkg/issuer"
	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/trust"
	"decentrilicense/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testDevice struct {
	key *keys.PrivateKey
	pem string
}

func newTestDevice(t *testing.T) *testDevice {
	k, err := keys.GenerateKey(types.AlgEd25519)
	require.NoError(t, err)
	p, err := k.Public().MarshalPEM()
	require.NoError(t, err)
	return &testDevice{key: k, pem: string(p)}
}

func (d *testDevice) DeviceID() string { return d.key.Public().Fingerprint() }

func (d *testDevice) PublicKeyPEM() string { return d.pem }

func (d *testDevice) Sign(msg []byte) ([]byte, error) { return d.key.Sign(msg) }

type fixture struct {
	iss     *issuer.Issuer
	tok     *types.LicenseToken
	anchor  *keys.PublicKey
	license *keys.PrivateKey
}

func newFixture(t *testing.T, alg types.Algorithm) *fixture {
	iss, err := issuer.New(alg)
	require.NoError(t, err)
	tok, err := iss.Issue(issuer.IssueRequest{LicenseCode: "LIC-TRUST", AppID: "app"})
	require.NoError(t, err)
	secret, err := iss.ProductPublicKey().MarshalPEM()
	require.NoError(t, err)
	license, err := token.LicenseSigner(tok, secret)
	require.NoError(t, err)
	return &fixture{iss: iss, tok: tok, anchor: iss.ProductPublicKey(), license: license}
}

func TestVerifyValidToken(t *testing.T) {
	for _, alg := range []types.Algorithm{types.AlgEd25519, types.AlgSM2, types.AlgRSA} {
		t.Run(string(alg), func(t *testing.T) {
			f := newFixture(t, alg)
			v := trust.NewVerifier(zaptest.NewLogger(t))

			res := v.VerifyTrustChain(f.tok, f.anchor, alg)
			assert.True(t, res.Valid, res.Detail)
			assert.Equal(t, 1, v.CacheSize())

			// cached answer is the same
			assert.Equal(t, res, v.VerifyTrustChain(f.tok, f.anchor, alg))
			assert.Equal(t, 1, v.CacheSize())
		})
	}
}

func TestAlgorithmMismatch(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)

	res := v.VerifyTrustChain(f.tok, f.anchor, types.AlgRSA)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailAlgorithmMismatch)
}

func TestMissingTrustChainFields(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)

	noKey := f.tok.Clone()
	noKey.LicensePublicKey = ""
	res := v.VerifyTrustChain(noKey, f.anchor, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailMissingField)

	noRoot := f.tok.Clone()
	noRoot.RootSignature = ""
	res = v.VerifyTrustChain(noRoot, f.anchor, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailMissingField)
}

func TestWrongAnchor(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	other := newFixture(t, types.AlgEd25519)

	res := trust.NewVerifier(nil).VerifyTrustChain(f.tok, other.anchor, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailRootSignatureInvalid)

	res = trust.NewVerifier(nil).VerifyTrustChain(f.tok, nil, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailRootSignatureInvalid)
}

func TestSingleByteFlips(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)

	fields := []struct {
		name   string
		get    func(*types.LicenseToken) *string
		detail string
	}{
		{"license_public_key", func(tk *types.LicenseToken) *string { return &tk.LicensePublicKey }, types.DetailRootSignatureInvalid},
		{"root_signature", func(tk *types.LicenseToken) *string { return &tk.RootSignature }, types.DetailRootSignatureInvalid},
		{"signature", func(tk *types.LicenseToken) *string { return &tk.Signature }, types.DetailSignatureInvalid},
	}

	for _, field := range fields {
		t.Run(field.name, func(t *testing.T) {
			original := *field.get(f.tok)
			for i := 0; i < len(original); i++ {
				mutated := f.tok.Clone()
				b := []byte(original)
				b[i] ^= 0x01
				*field.get(mutated) = string(b)

				res := v.VerifyTrustChain(mutated, f.anchor, types.AlgEd25519)
				require.False(t, res.Valid, "byte %d", i)
				require.Contains(t, res.Detail, field.detail, "byte %d", i)
			}
		})
	}
}

func TestDeviceBinding(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)
	dev := newTestDevice(t)

	bound, err := token.Bind(f.tok, dev, f.license)
	require.NoError(t, err)
	assert.Equal(t, dev.DeviceID(), bound.HolderDeviceID)

	res := v.VerifyTrustChain(bound, f.anchor, types.AlgEd25519)
	assert.True(t, res.Valid, res.Detail)

	// holder rewritten and token re-signed, binding no longer matches
	other := newTestDevice(t)
	forged := bound.Clone()
	forged.HolderDeviceID = other.DeviceID()
	require.NoError(t, token.Sign(forged, f.license))
	res = v.VerifyTrustChain(forged, f.anchor, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailBindingInvalid)

	// holder without attestation
	bare := f.tok.Clone()
	bare.HolderDeviceID = dev.DeviceID()
	require.NoError(t, token.Sign(bare, f.license))
	res = v.VerifyTrustChain(bare, f.anchor, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Detail, types.DetailBindingInvalid)
}

func TestStateChainTampering(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)

	tok := f.tok
	var err error
	for i := 0; i < 3; i++ {
		tok, err = token.AppendUsage(tok, "launch", json.RawMessage(`{"n":1}`), int64(1000+i), f.license)
		require.NoError(t, err)
	}
	res := v.VerifyTrustChain(tok, f.anchor, types.AlgEd25519)
	require.True(t, res.Valid, res.Detail)

	for idx := range tok.UsageChain {
		tampered := tok.Clone()
		tampered.UsageChain[idx].Params = json.RawMessage(`{"n":2}`)

		// without re-signing the token-level signature catches it
		res = v.VerifyTrustChain(tampered, f.anchor, types.AlgEd25519)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Detail, types.DetailSignatureInvalid)

		// with a re-signed token the chain check catches it
		require.NoError(t, token.Sign(tampered, f.license))
		res = v.VerifyTrustChain(tampered, f.anchor, types.AlgEd25519)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Detail, types.DetailStateChainInvalid)
	}

	dropped := tok.Clone()
	dropped.UsageChain = dropped.UsageChain[:2]
	require.NoError(t, token.Sign(dropped, f.license))
	res = v.VerifyTrustChain(dropped, f.anchor, types.AlgEd25519)
	assert.False(t, res.Valid)
	assert.True(t, strings.HasPrefix(res.Detail, types.DetailStateChainInvalid))
}

func TestCacheDisabled(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)
	v.SetCacheTTL(0)

	assert.True(t, v.VerifyTrustChain(f.tok, f.anchor, types.AlgEd25519).Valid)
	assert.Equal(t, 0, v.CacheSize())

	v.SetCacheTTL(0)
	v.ClearCache()
	assert.Equal(t, 0, v.CacheSize())
}

type countingRecorder struct {
	valid, invalid int
}

func (c *countingRecorder) ObserveVerification(valid bool, _ string) {
	if valid {
		c.valid++
	} else {
		c.invalid++
	}
}

func TestRecorder(t *testing.T) {
	f := newFixture(t, types.AlgEd25519)
	v := trust.NewVerifier(nil)
	rec := &countingRecorder{}
	v.SetRecorder(rec)

	v.VerifyTrustChain(f.tok, f.anchor, types.AlgEd25519)
	v.VerifyTrustChain(f.tok, f.anchor, types.AlgRSA)
	v.VerifyTrustChain(nil, f.anchor, types.AlgEd25519)

	assert.Equal(t, 1, rec.valid)
	assert.Equal(t, 2, rec.invalid)
}

func TestProductKeyRootSignature(t *testing.T) {
	iss, err := issuer.New(types.AlgEd25519)
	require.NoError(t, err)
	file, err := iss.ProductPublicKeyFile()
	require.NoError(t, err)
	assert.Contains(t, string(file), trust.RootSignatureMarker)

	pk, err := trust.ParseProductKey(file)
	require.NoError(t, err)
	rootPEM, err := iss.RootPublicKeyPEM()
	require.NoError(t, err)
	root, err := keys.ParsePublicKeyPEM(rootPEM)
	require.NoError(t, err)
	assert.NoError(t, pk.VerifyRoot(root))

	stranger, err := keys.GenerateKey(types.AlgEd25519)
	require.NoError(t, err)
	assert.ErrorIs(t, pk.VerifyRoot(stranger.Public()), trust.ErrRootSignature)

	bare, err := trust.ParseProductKey(pk.PEM)
	require.NoError(t, err)
	assert.ErrorIs(t, bare.VerifyRoot(root), trust.ErrMissingRootSignature)

	_, err = trust.ParseProductKey([]byte("garbage"))
	assert.Error(t, err)
}
