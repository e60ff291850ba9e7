package token_test

import (
	"encoding/json"
	"testing"
	"time"

	"decentrilicense/pkg/envelope"
	"decentrilicense/pkg/issuer"
	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tok     *types.LicenseToken
	secret  []byte
	license *keys.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	iss, err := issuer.New(types.AlgEd25519)
	require.NoError(t, err)
	tok, err := iss.Issue(issuer.IssueRequest{LicenseCode: "LIC-TOKEN", AppID: "app"})
	require.NoError(t, err)
	secret, err := iss.ProductPublicKey().MarshalPEM()
	require.NoError(t, err)
	license, err := token.LicenseSigner(tok, secret)
	require.NoError(t, err)
	return &fixture{tok: tok, secret: secret, license: license}
}

func TestImportPlaintext(t *testing.T) {
	f := newFixture(t)
	data, err := token.Marshal(f.tok)
	require.NoError(t, err)

	got, err := token.Import(append([]byte("  \n"), data...), nil)
	require.NoError(t, err)
	assert.Equal(t, f.tok.TokenID, got.TokenID)
	assert.Equal(t, f.tok.Signature, got.Signature)

	again, err := token.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestImportEncryptedForms(t *testing.T) {
	f := newFixture(t)
	plain, err := token.Marshal(f.tok)
	require.NoError(t, err)

	sealed, err := token.Seal(f.tok, f.secret)
	require.NoError(t, err)
	got, err := token.Import([]byte(sealed), f.secret)
	require.NoError(t, err)
	assert.Equal(t, f.tok.TokenID, got.TokenID)

	legacy, err := envelope.SealLegacy(f.secret, plain)
	require.NoError(t, err)
	got, err = token.Import([]byte(legacy), f.secret)
	require.NoError(t, err)
	assert.Equal(t, f.tok.TokenID, got.TokenID)

	_, err = token.Import([]byte(sealed), []byte("wrong secret"))
	assert.ErrorIs(t, err, token.ErrDecryptFailed)

	_, err = token.Import([]byte(sealed), nil)
	assert.ErrorIs(t, err, token.ErrDecryptFailed)

	_, err = token.Import([]byte(legacy), []byte("wrong secret"))
	assert.ErrorIs(t, err, token.ErrDecryptFailed)
}

func TestImportMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"garbage":        "hello world",
		"bad json":       "{not json",
		"missing id":     `{"license_code":"x","alg":"Ed25519","issue_time":1,"expire_time":0,"state_index":0}`,
		"wrong type":     `{"token_id":"t","license_code":"x","alg":"Ed25519","issue_time":"yesterday","expire_time":0,"state_index":0}`,
		"negative index": `{"token_id":"t","license_code":"x","alg":"Ed25519","issue_time":1,"expire_time":0,"state_index":-1}`,
		"bad envelope":   envelope.Prefix + "***",
		"bad legacy":     "abc|AAAA",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := token.Import([]byte(raw), []byte("secret"))
			assert.ErrorIs(t, err, token.ErrMalformed)
		})
	}
}

func TestSealIsStructurallyIdempotent(t *testing.T) {
	f := newFixture(t)

	a, err := token.Seal(f.tok, f.secret)
	require.NoError(t, err)
	b, err := token.Seal(f.tok, f.secret)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	pa, err := envelope.Open(f.secret, envelope.PurposeToken, nil, a)
	require.NoError(t, err)
	pb, err := envelope.Open(f.secret, envelope.PurposeToken, nil, b)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestAppendUsageIsAppendOnly(t *testing.T) {
	f := newFixture(t)
	tok := f.tok

	for i := 0; i < 5; i++ {
		before := tok.Clone()
		beforeEntries, err := json.Marshal(before.UsageChain)
		require.NoError(t, err)

		next, err := token.AppendUsage(tok, "open", json.RawMessage(`{ "doc" : "a.txt" }`), int64(100+i), f.license)
		require.NoError(t, err)

		assert.Equal(t, before.StateIndex+1, next.StateIndex)
		assert.Equal(t, uint64(len(next.UsageChain)), next.StateIndex)

		prior, err := json.Marshal(next.UsageChain[:len(before.UsageChain)])
		require.NoError(t, err)
		if len(before.UsageChain) == 0 {
			assert.JSONEq(t, "[]", string(prior))
		} else {
			assert.Equal(t, beforeEntries, prior)
		}

		last := next.UsageChain[len(next.UsageChain)-1]
		assert.Equal(t, before.StateIndex, last.Seq)
		assert.Equal(t, int64(100+i), last.Time)
		assert.Equal(t, `{"doc":"a.txt"}`, string(last.Params))

		wantPrev, err := token.TailHash(before)
		require.NoError(t, err)
		assert.Equal(t, wantPrev, last.HashPrev)

		// the input is never touched
		assert.Equal(t, before, tok)
		tok = next
	}

	pub, err := keys.ParsePublicKeyPEM([]byte(tok.LicensePublicKey))
	require.NoError(t, err)
	assert.NoError(t, token.VerifyChain(tok, pub))
	assert.Equal(t, token.GenesisHash(tok.TokenID), tok.UsageChain[0].HashPrev)
}

func TestAppendUsageRejects(t *testing.T) {
	f := newFixture(t)

	_, err := token.AppendUsage(f.tok, "", nil, 1, f.license)
	assert.ErrorIs(t, err, token.ErrInvalidUsage)

	_, err = token.AppendUsage(f.tok, "x", json.RawMessage(`[1,2]`), 1, f.license)
	assert.ErrorIs(t, err, token.ErrInvalidUsage)

	broken := f.tok.Clone()
	broken.StateIndex = 4
	_, err = token.AppendUsage(broken, "x", nil, 1, f.license)
	assert.ErrorIs(t, err, token.ErrChainInconsistent)

	next, err := token.AppendUsage(f.tok, "x", nil, 1, f.license)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(next.UsageChain[0].Params))
}

func TestParseUsagePayload(t *testing.T) {
	action, params, err := token.ParseUsagePayload([]byte(`{"action":"print","params":{"pages": 3}}`))
	require.NoError(t, err)
	assert.Equal(t, "print", action)
	assert.Equal(t, `{"pages":3}`, string(params))

	action, params, err = token.ParseUsagePayload([]byte(`{"action":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", action)
	assert.Equal(t, "{}", string(params))

	for _, bad := range []string{``, `[]`, `{"params":{}}`, `{"action":"x","params":"s"}`} {
		_, _, err = token.ParseUsagePayload([]byte(bad))
		assert.ErrorIs(t, err, token.ErrInvalidUsage, bad)
	}
}

func TestLicenseSigner(t *testing.T) {
	f := newFixture(t)

	_, err := token.LicenseSigner(f.tok, []byte("other secret"))
	assert.Error(t, err)

	stripped := f.tok.Clone()
	stripped.EncryptedLicensePrivateKey = ""
	_, err = token.LicenseSigner(stripped, f.secret)
	assert.ErrorIs(t, err, token.ErrNoLicenseKey)

	other := newFixture(t)
	swapped := f.tok.Clone()
	swapped.LicensePublicKey = other.tok.LicensePublicKey
	_, err = token.LicenseSigner(swapped, f.secret)
	assert.ErrorIs(t, err, token.ErrLicenseKeyMismatch)
}

func TestExportFileName(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC)

	assert.Equal(t, "token_activated_LIC-TOKEN_20240305070809.txt", token.ExportFileName(f.tok, at))

	next, err := token.AppendUsage(f.tok, "x", nil, 1, f.license)
	require.NoError(t, err)
	assert.Equal(t, "token_state_LIC-TOKEN_idx1_20240305070809.txt", token.ExportFileName(next, at))
}

func TestExpiry(t *testing.T) {
	tok := &types.LicenseToken{ExpireTime: 0}
	assert.False(t, tok.IsExpired(1<<62))

	tok.ExpireTime = 100
	assert.False(t, tok.IsExpired(100))
	assert.True(t, tok.IsExpired(101))
}

func TestVerifyEnvironment(t *testing.T) {
	here := token.HashEnvironment("alice", "bench-1")
	assert.Len(t, here, 64)
	assert.NotEqual(t, here, token.HashEnvironment("alice", "bench-2"))

	tok := &types.LicenseToken{}
	assert.NoError(t, token.VerifyEnvironment(tok, here))

	tok.EnvironmentHash = here
	assert.NoError(t, token.VerifyEnvironment(tok, here))
	assert.ErrorIs(t, token.VerifyEnvironment(tok, token.HashEnvironment("bob", "bench-1")), token.ErrEnvironmentMismatch)
}

func TestEnvironmentHashFollowsUser(t *testing.T) {
	t.Setenv("USER", "carol")
	first := token.EnvironmentHash()
	t.Setenv("USER", "")
	t.Setenv("USERNAME", "carol")
	assert.Equal(t, first, token.EnvironmentHash())

	t.Setenv("USERNAME", "dave")
	assert.NotEqual(t, first, token.EnvironmentHash())
}
