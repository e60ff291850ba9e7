package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"decentrilicense/pkg/keys"
	"decentrilicense/pkg/token"
	"decentrilicense/pkg/types"

	"go.uber.org/zap"
)

// Recorder receives every verification outcome.
type Recorder interface {
	ObserveVerification(valid bool, detail string)
}

// Verifier checks a token's chain of trust with no network access
type Verifier struct {
	mu sync.RWMutex

	logger   *zap.Logger
	recorder Recorder

	// Validation cache for repeated offline checks
	validationCache map[string]*validationCacheEntry
	cacheTTL        time.Duration
	now             func() time.Time
}

// validationCacheEntry holds cached validation results
type validationCacheEntry struct {
	result    types.VerificationResult
	expiresAt time.Time
}

// NewVerifier creates a verifier with a five minute result cache
func NewVerifier(logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		logger:          logger,
		validationCache: make(map[string]*validationCacheEntry),
		cacheTTL:        5 * time.Minute,
		now:             time.Now,
	}
}

// SetRecorder installs a metrics sink.
func (v *Verifier) SetRecorder(r Recorder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recorder = r
}

// SetCacheTTL changes the cache lifetime; zero disables caching.
func (v *Verifier) SetCacheTTL(ttl time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cacheTTL = ttl
	v.clearCacheLocked()
}

// VerifyTrustChain runs every gate in order and reports the first failure.
func (v *Verifier) VerifyTrustChain(tok *types.LicenseToken, anchor *keys.PublicKey, expected types.Algorithm) types.VerificationResult {
	if tok == nil {
		return v.record(types.Invalid(types.DetailNoToken))
	}

	key, cacheable := v.cacheKey(tok, anchor, expected)
	if cacheable {
		v.mu.RLock()
		entry, ok := v.validationCache[key]
		v.mu.RUnlock()
		if ok && v.now().Before(entry.expiresAt) {
			return v.record(entry.result)
		}
	}

	result := verify(tok, anchor, expected)
	if !result.Valid {
		v.logger.Debug("Trust chain rejected",
			zap.String("token_id", tok.TokenID),
			zap.String("detail", result.Detail))
	}

	if cacheable {
		v.mu.Lock()
		if v.cacheTTL > 0 {
			v.validationCache[key] = &validationCacheEntry{
				result:    result,
				expiresAt: v.now().Add(v.cacheTTL),
			}
		}
		v.mu.Unlock()
	}
	return v.record(result)
}

func verify(tok *types.LicenseToken, anchor *keys.PublicKey, expected types.Algorithm) types.VerificationResult {
	// 1. algorithm
	if tok.Algorithm != expected {
		return types.Invalid(types.DetailAlgorithmMismatch + ": token uses " + string(tok.Algorithm) + ", expected " + string(expected))
	}
	if anchor != nil && anchor.Algorithm() != expected {
		return types.Invalid(types.DetailAlgorithmMismatch + ": anchor key is " + string(anchor.Algorithm()))
	}

	// 2. presence
	if tok.LicensePublicKey == "" {
		return types.Invalid(types.DetailMissingField + ": license_public_key")
	}
	if tok.RootSignature == "" {
		return types.Invalid(types.DetailMissingField + ": root_signature")
	}

	// 3. anchor -> license key
	if anchor == nil {
		return types.Invalid(types.DetailRootSignatureInvalid + ": no anchor key configured")
	}
	rootSig, err := token.DecodeSignature(tok.RootSignature)
	if err != nil || !anchor.Verify([]byte(tok.LicensePublicKey), rootSig) {
		return types.Invalid(types.DetailRootSignatureInvalid)
	}

	// 4. license key -> token
	licensePub, err := keys.ParsePublicKeyPEM([]byte(tok.LicensePublicKey))
	if err != nil || licensePub.Algorithm() != expected {
		return types.Invalid(types.DetailSignatureInvalid + ": unusable license key")
	}
	canonical, err := token.Canonical(tok)
	if err != nil {
		return types.Invalid(types.DetailSignatureInvalid)
	}
	sig, err := token.DecodeSignature(tok.Signature)
	if err != nil || !licensePub.Verify(canonical, sig) {
		return types.Invalid(types.DetailSignatureInvalid)
	}

	// 5. device binding
	if err := token.VerifyBinding(tok); err != nil {
		return types.Invalid(types.DetailBindingInvalid + ": " + err.Error())
	}

	// 6. usage chain
	if tok.StateIndex > 0 || len(tok.UsageChain) > 0 {
		if err := token.VerifyChain(tok, licensePub); err != nil {
			return types.Invalid(types.DetailStateChainInvalid + ": " + err.Error())
		}
	}

	return types.Valid("trust chain verified")
}

func (v *Verifier) record(r types.VerificationResult) types.VerificationResult {
	v.mu.RLock()
	rec := v.recorder
	v.mu.RUnlock()
	if rec != nil {
		rec.ObserveVerification(r.Valid, r.Detail)
	}
	return r
}

func (v *Verifier) cacheKey(tok *types.LicenseToken, anchor *keys.PublicKey, expected types.Algorithm) (string, bool) {
	if anchor == nil {
		return "", false
	}
	data, err := token.Marshal(tok)
	if err != nil {
		return "", false
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(anchor.Fingerprint()))
	h.Write([]byte{0})
	h.Write([]byte(expected))
	return hex.EncodeToString(h.Sum(nil)), true
}

// ClearCache drops all cached results
func (v *Verifier) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearCacheLocked()
}

// clearCacheLocked clears the cache (must be called with lock held)
func (v *Verifier) clearCacheLocked() {
	v.validationCache = make(map[string]*validationCacheEntry)
}

// CacheSize returns the number of cached results
func (v *Verifier) CacheSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.validationCache)
}
