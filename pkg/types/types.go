package types

import (
	"encoding/json"
	"fmt"
)

// Algorithm identifies the signature scheme used by a token's key hierarchy.
type Algorithm string

const (
	AlgRSA     Algorithm = "RSA"
	AlgEd25519 Algorithm = "Ed25519"
	AlgSM2     Algorithm = "SM2"
)

// ParseAlgorithm accepts the canonical names case-sensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgRSA, AlgEd25519, AlgSM2:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unsupported algorithm %q", s)
}

// LicenseToken is the signed license artifact that moves between devices.
// Field order is the canonical encoding order and must not change.
type LicenseToken struct {
	TokenID                    string         `json:"token_id"`
	HolderDeviceID             string         `json:"holder_device_id"`
	LicenseCode                string         `json:"license_code"`
	AppID                      string         `json:"app_id"`
	IssueTime                  int64          `json:"issue_time"`
	ExpireTime                 int64          `json:"expire_time"`
	Algorithm                  Algorithm      `json:"alg"`
	EnvironmentHash            string         `json:"environment_hash,omitempty"`
	LicensePublicKey           string         `json:"license_public_key"`
	RootSignature              string         `json:"root_signature"`
	EncryptedLicensePrivateKey string         `json:"encrypted_license_private_key,omitempty"`
	StateIndex                 uint64         `json:"state_index"`
	PrevStateHash              string         `json:"prev_state_hash"`
	DeviceInfo                 *DeviceBinding `json:"device_info,omitempty"`
	UsageChain                 []UsageEntry   `json:"usage_chain"`
	Signature                  string         `json:"signature,omitempty"`
}

// UsageEntry is one link of the state chain.
type UsageEntry struct {
	Seq       uint64          `json:"seq"`
	Time      int64           `json:"time"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
	HashPrev  string          `json:"hash_prev"`
	Signature string          `json:"signature,omitempty"`
}

// DeviceBinding attests which device a token is bound to.
type DeviceBinding struct {
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
}

// IsExpired reports whether the token is past its expiry at unix time now.
// An ExpireTime of zero never expires.
func (t *LicenseToken) IsExpired(now int64) bool {
	return t.ExpireTime != 0 && now > t.ExpireTime
}

// Clone returns a deep copy.
func (t *LicenseToken) Clone() *LicenseToken {
	if t == nil {
		return nil
	}
	c := *t
	if t.DeviceInfo != nil {
		d := *t.DeviceInfo
		c.DeviceInfo = &d
	}
	if t.UsageChain != nil {
		c.UsageChain = make([]UsageEntry, len(t.UsageChain))
		for i, e := range t.UsageChain {
			e.Params = append(json.RawMessage(nil), e.Params...)
			c.UsageChain[i] = e
		}
	}
	return &c
}

// DeviceState is the coordination role of a device.
type DeviceState int

const (
	StateIdle DeviceState = iota
	StateDiscovering
	StateElecting
	StateCoordinator
	StateFollower
)

func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDiscovering:
		return "Discovering"
	case StateElecting:
		return "Electing"
	case StateCoordinator:
		return "Coordinator"
	case StateFollower:
		return "Follower"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// VerificationResult is the outcome of a trust or state check. Failures are
// values, never errors, so callers must branch on Valid.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Detail string `json:"detail"`
}

func Valid(detail string) VerificationResult {
	return VerificationResult{Valid: true, Detail: detail}
}

func Invalid(detail string) VerificationResult {
	return VerificationResult{Valid: false, Detail: detail}
}

// Status is a point-in-time view of a session. When HasToken is false only
// the boolean fields are meaningful.
type Status struct {
	HasToken       bool   `json:"has_token"`
	IsActivated    bool   `json:"is_activated"`
	IssueTime      int64  `json:"issue_time"`
	ExpireTime     int64  `json:"expire_time"`
	StateIndex     uint64 `json:"state_index"`
	TokenID        string `json:"token_id"`
	HolderDeviceID string `json:"holder_device_id"`
	AppID          string `json:"app_id"`
	LicenseCode    string `json:"license_code"`
}

// Verification failure details.
const (
	DetailAlgorithmMismatch    = "algorithm mismatch"
	DetailMissingField         = "missing trust-chain field"
	DetailRootSignatureInvalid = "root signature invalid"
	DetailSignatureInvalid     = "token signature invalid"
	DetailBindingInvalid       = "device binding invalid"
	DetailStateChainInvalid    = "state chain invalid"
	DetailHolderMismatch       = "holder mismatch"
	DetailEnvironmentMismatch  = "environment mismatch"
	DetailExpired              = "expired"
	DetailNotCoordinator       = "not coordinator"
	DetailNoToken              = "no token"
)
