package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	assert.Len(t, first.DeviceID(), 64)

	second, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID(), second.DeviceID())
	assert.Equal(t, first.PublicKeyPEM(), second.PublicKeyPEM())

	other, err := LoadOrCreateIdentity(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, first.DeviceID(), other.DeviceID())
}

func TestIdentitySignsWithDeviceKey(t *testing.T) {
	id, err := LoadOrCreateIdentity(t.TempDir())
	require.NoError(t, err)

	sig, err := id.Sign([]byte("bind"))
	require.NoError(t, err)
	pub, err := keys.ParsePublicKeyPEM([]byte(id.PublicKeyPEM()))
	require.NoError(t, err)
	assert.True(t, pub.Verify([]byte("bind"), sig))
	assert.Equal(t, id.DeviceID(), pub.Fingerprint())
}

func TestCorruptIdentityIsFatal(t *testing.T) {
	cases := map[string]string{
		"not json": "{{{",
		"bad key":  `{"device_id":"abc","private_key":"nope"}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), []byte(content), 0600))

			_, err := LoadOrCreateIdentity(dir)
			assert.ErrorIs(t, err, ErrCorruptIdentity)
		})
	}
}

func TestIdentityIDMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec identityRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.DeviceID = "0000"
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = LoadOrCreateIdentity(dir)
	assert.ErrorIs(t, err, ErrCorruptIdentity)
}

func TestStateStore(t *testing.T) {
	s := NewStateStore(t.TempDir())

	rec, err := s.Get("LIC", "tok-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, s.IsHolding("LIC", "tok-1"))

	require.NoError(t, s.Put(StateRecord{TokenID: "tok-1", LicenseCode: "LIC", StateIndex: 3, StateHash: "h3"}))
	rec, err = s.Get("LIC", "tok-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(3), rec.StateIndex)
	assert.False(t, rec.UpdatedAt.IsZero())

	err = s.Put(StateRecord{TokenID: "tok-1", LicenseCode: "LIC", StateIndex: 2})
	assert.ErrorIs(t, err, ErrStaleState)

	require.NoError(t, s.SetHolding("LIC", "tok-1", true))
	assert.True(t, s.IsHolding("LIC", "tok-1"))
	rec, err = s.Get("LIC", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.StateIndex)

	require.NoError(t, s.SetHolding("LIC", "tok-1", false))
	assert.False(t, s.IsHolding("LIC", "tok-1"))

	assert.ErrorIs(t, s.CheckFresh(&types.LicenseToken{TokenID: "tok-1", LicenseCode: "LIC", StateIndex: 1}), ErrStaleState)
	assert.NoError(t, s.CheckFresh(&types.LicenseToken{TokenID: "tok-1", LicenseCode: "LIC", StateIndex: 3}))
	assert.NoError(t, s.CheckFresh(&types.LicenseToken{TokenID: "tok-2", LicenseCode: "LIC"}))
}

func TestStateStoreSanitizesPaths(t *testing.T) {
	dir := t.TempDir()
	s := NewStateStore(dir)
	require.NoError(t, s.Put(StateRecord{TokenID: "../../escape", LicenseCode: "a/b"}))

	_, err := os.Stat(filepath.Join(dir, stateDirName, "a_b", ".._.._escape.json"))
	assert.NoError(t, err)
}
