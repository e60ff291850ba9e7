package client

import "errors"

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrNetworkError       = errors.New("network error")
	ErrCryptoError        = errors.New("crypto error")
	ErrUnknown            = errors.New("unknown error")
)

// Code maps err to its taxonomy name. nil is "OK"; anything unrecognized is
// "UNKNOWN".
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrNotInitialized):
		return "NOT_INITIALIZED"
	case errors.Is(err, ErrAlreadyInitialized):
		return "ALREADY_INITIALIZED"
	case errors.Is(err, ErrNetworkError):
		return "NETWORK_ERROR"
	case errors.Is(err, ErrCryptoError):
		return "CRYPTO_ERROR"
	default:
		return "UNKNOWN"
	}
}
