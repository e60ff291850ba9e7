package token

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"decentrilicense/pkg/envelope"
	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/types"
)

var (
	ErrInvalidUsage       = errors.New("invalid usage payload")
	ErrChainInconsistent  = errors.New("state index does not match usage chain")
	ErrNoLicenseKey       = errors.New("token carries no license private key")
	ErrLicenseKeyMismatch = errors.New("license private key does not match license public key")
	ErrBrokenChain        = errors.New("broken usage chain")
	ErrBinding            = errors.New("invalid device binding")
)

// DeviceSigner is the device identity a token is bound to.
type DeviceSigner interface {
	DeviceID() string
	PublicKeyPEM() string
	Sign(msg []byte) ([]byte, error)
}

// Canonical is the byte encoding covered by the token signature: every field
// except the signature, in struct order, with an empty chain as [].
func Canonical(tok *types.LicenseToken) ([]byte, error) {
	c := *tok
	c.Signature = ""
	if c.UsageChain == nil {
		c.UsageChain = []types.UsageEntry{}
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token: %w", err)
	}
	return data, nil
}

// GenesisHash anchors the usage chain of a token.
func GenesisHash(tokenID string) string {
	sum := sha256.Sum256([]byte("genesis:" + tokenID))
	return hex.EncodeToString(sum[:])
}

// EntrySigningBytes covers seq, time, action, params and hash_prev.
func EntrySigningBytes(e types.UsageEntry) ([]byte, error) {
	return json.Marshal(struct {
		Seq      uint64          `json:"seq"`
		Time     int64           `json:"time"`
		Action   string          `json:"action"`
		Params   json.RawMessage `json:"params"`
		HashPrev string          `json:"hash_prev"`
	}{e.Seq, e.Time, e.Action, e.Params, e.HashPrev})
}

// EntryHash hashes the full entry, signature included.
func EntryHash(e types.UsageEntry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeSignature decodes a base64 signature field. Non-canonical encodings
// are rejected so every byte of the field is significant.
func DecodeSignature(s string) ([]byte, error) {
	return base64.StdEncoding.Strict().DecodeString(s)
}

// TailHash is the hash the next entry must link to.
func TailHash(tok *types.LicenseToken) (string, error) {
	if len(tok.UsageChain) == 0 {
		return GenesisHash(tok.TokenID), nil
	}
	return EntryHash(tok.UsageChain[len(tok.UsageChain)-1])
}

// Sign sets tok.Signature from the canonical encoding.
func Sign(tok *types.LicenseToken, licenseKey *keys.PrivateKey) error {
	data, err := Canonical(tok)
	if err != nil {
		return err
	}
	sig, err := licenseKey.Sign(data)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	tok.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// SealLicenseKey encrypts the license private key for embedding in a token.
func SealLicenseKey(tokenID string, licenseKey *keys.PrivateKey, secret []byte) (string, error) {
	pemBytes, err := licenseKey.MarshalPEM()
	if err != nil {
		return "", err
	}
	return envelope.Seal(secret, envelope.PurposeLicenseKey, []byte(tokenID), pemBytes)
}

// LicenseSigner recovers the license private key embedded in tok.
func LicenseSigner(tok *types.LicenseToken, secret []byte) (*keys.PrivateKey, error) {
	if tok.EncryptedLicensePrivateKey == "" {
		return nil, ErrNoLicenseKey
	}
	pemBytes, err := envelope.Open(secret, envelope.PurposeLicenseKey, []byte(tok.TokenID), tok.EncryptedLicensePrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open license key: %w", err)
	}
	priv, err := keys.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	pub, err := keys.ParsePublicKeyPEM([]byte(tok.LicensePublicKey))
	if err != nil {
		return nil, err
	}
	if priv.Algorithm() != tok.Algorithm || !priv.Public().Equal(pub) {
		return nil, ErrLicenseKeyMismatch
	}
	return priv, nil
}

// ParseUsagePayload splits {"action": "...", "params": {...}} into its parts.
// Params default to an empty object.
func ParseUsagePayload(payload []byte) (string, json.RawMessage, error) {
	var p struct {
		Action string          `json:"action"`
		Params json.RawMessage `json:"params"`
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&p); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidUsage, err)
	}
	if p.Action == "" {
		return "", nil, fmt.Errorf("%w: action is required", ErrInvalidUsage)
	}
	params, err := normalizeParams(p.Params)
	if err != nil {
		return "", nil, err
	}
	return p.Action, params, nil
}

func normalizeParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: params must be a JSON object", ErrInvalidUsage)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUsage, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// AppendUsage returns a copy of tok extended by one signed entry. tok itself
// is never modified.
func AppendUsage(tok *types.LicenseToken, action string, params json.RawMessage, now int64, licenseKey *keys.PrivateKey) (*types.LicenseToken, error) {
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidUsage)
	}
	if tok.StateIndex != uint64(len(tok.UsageChain)) {
		return nil, ErrChainInconsistent
	}
	params, err := normalizeParams(params)
	if err != nil {
		return nil, err
	}

	next := tok.Clone()
	hashPrev, err := TailHash(next)
	if err != nil {
		return nil, err
	}
	entry := types.UsageEntry{
		Seq:      next.StateIndex,
		Time:     now,
		Action:   action,
		Params:   params,
		HashPrev: hashPrev,
	}
	msg, err := EntrySigningBytes(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	sig, err := licenseKey.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign entry: %w", err)
	}
	entry.Signature = base64.StdEncoding.EncodeToString(sig)

	next.UsageChain = append(next.UsageChain, entry)
	next.StateIndex++
	if next.PrevStateHash, err = EntryHash(entry); err != nil {
		return nil, err
	}
	if err := Sign(next, licenseKey); err != nil {
		return nil, err
	}
	return next, nil
}

// VerifyChain checks the hash links, sequence numbers, entry signatures and
// the recorded tail hash.
func VerifyChain(tok *types.LicenseToken, licensePub *keys.PublicKey) error {
	if tok.StateIndex != uint64(len(tok.UsageChain)) {
		return fmt.Errorf("%w: state_index %d, %d entries", ErrBrokenChain, tok.StateIndex, len(tok.UsageChain))
	}
	expected := GenesisHash(tok.TokenID)
	var lastTime int64
	for i, e := range tok.UsageChain {
		if e.Seq != uint64(i) {
			return fmt.Errorf("%w: entry %d has seq %d", ErrBrokenChain, i, e.Seq)
		}
		if e.HashPrev != expected {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrBrokenChain, i)
		}
		if i > 0 && e.Time < lastTime {
			return fmt.Errorf("%w: entry %d goes back in time", ErrBrokenChain, i)
		}
		msg, err := EntrySigningBytes(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrBrokenChain, i, err)
		}
		sig, err := DecodeSignature(e.Signature)
		if err != nil || !licensePub.Verify(msg, sig) {
			return fmt.Errorf("%w: entry %d signature", ErrBrokenChain, i)
		}
		if expected, err = EntryHash(e); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrBrokenChain, i, err)
		}
		lastTime = e.Time
	}
	if tok.PrevStateHash != "" && tok.PrevStateHash != expected {
		return fmt.Errorf("%w: prev_state_hash does not match tail", ErrBrokenChain)
	}
	return nil
}

// BindingMessage is what the device key signs when binding to a token.
func BindingMessage(tokenID, deviceID, devicePubPEM string) []byte {
	return []byte(tokenID + "\n" + deviceID + "\n" + devicePubPEM)
}

// Bind returns a copy of tok held by dev, re-attested and re-signed.
func Bind(tok *types.LicenseToken, dev DeviceSigner, licenseKey *keys.PrivateKey) (*types.LicenseToken, error) {
	next := tok.Clone()
	next.HolderDeviceID = dev.DeviceID()
	sig, err := dev.Sign(BindingMessage(next.TokenID, dev.DeviceID(), dev.PublicKeyPEM()))
	if err != nil {
		return nil, fmt.Errorf("failed to sign device binding: %w", err)
	}
	next.DeviceInfo = &types.DeviceBinding{
		Fingerprint: dev.DeviceID(),
		PublicKey:   dev.PublicKeyPEM(),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	}
	if err := Sign(next, licenseKey); err != nil {
		return nil, err
	}
	return next, nil
}

// VerifyBinding checks that device_info attests holder_device_id. Tokens
// with no holder pass.
func VerifyBinding(tok *types.LicenseToken) error {
	if tok.HolderDeviceID == "" {
		return nil
	}
	info := tok.DeviceInfo
	if info == nil {
		return fmt.Errorf("%w: holder set without device_info", ErrBinding)
	}
	if info.Fingerprint != tok.HolderDeviceID {
		return fmt.Errorf("%w: fingerprint does not name the holder", ErrBinding)
	}
	pub, err := keys.ParsePublicKeyPEM([]byte(info.PublicKey))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBinding, err)
	}
	if pub.Fingerprint() != info.Fingerprint {
		return fmt.Errorf("%w: fingerprint does not match device key", ErrBinding)
	}
	sig, err := DecodeSignature(info.Signature)
	if err != nil || !pub.Verify(BindingMessage(tok.TokenID, info.Fingerprint, info.PublicKey), sig) {
		return fmt.Errorf("%w: signature", ErrBinding)
	}
	return nil
}
