package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"

	"decentrilicense/pkg/types"
)

var ErrEnvironmentMismatch = errors.New("token is pinned to another environment")

// EnvironmentHash fingerprints the running environment as
// hex(sha256(user + "|" + hostname)).
func EnvironmentHash() string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	host, _ := os.Hostname()
	return HashEnvironment(user, host)
}

func HashEnvironment(user, host string) string {
	sum := sha256.Sum256([]byte(user + "|" + host))
	return hex.EncodeToString(sum[:])
}

// VerifyEnvironment accepts a token with no environment pin, or one whose pin
// equals current.
func VerifyEnvironment(tok *types.LicenseToken, current string) error {
	if tok.EnvironmentHash == "" || tok.EnvironmentHash == current {
		return nil
	}
	return ErrEnvironmentMismatch
}
