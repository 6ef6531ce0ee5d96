package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signature and key errors callers branch on.
var (
	ErrKeyNotFound        = errors.New("signing key not found")
	ErrSignatureInvalid   = errors.New("signature verification failed")
	ErrUntrustedSigner    = errors.New("untrusted signer")
	ErrUnknownKey         = errors.New("signing key not in keyring")
	ErrInsecurePermission = errors.New("insecure key file permissions")
)

// KeyAlgorithm identifies a signature scheme.
type KeyAlgorithm string

// Supported key algorithms
const (
	AlgorithmEd25519 KeyAlgorithm = "ed25519"
	AlgorithmMLDSA65 KeyAlgorithm = "ml-dsa-65"
	AlgorithmHybrid  KeyAlgorithm = "hybrid-ed25519-ml-dsa-65"
)

// ParseKeyAlgorithm parses an algorithm identifier.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch KeyAlgorithm(strings.ToLower(strings.TrimSpace(s))) {
	case AlgorithmEd25519:
		return AlgorithmEd25519, nil
	case AlgorithmMLDSA65:
		return AlgorithmMLDSA65, nil
	case AlgorithmHybrid:
		return AlgorithmHybrid, nil
	default:
		return "", fmt.Errorf("unknown key algorithm: %s", s)
	}
}

// TrustLevel orders how much a key is trusted. Higher is more trusted.
type TrustLevel int

// Trust levels from least to most trusted.
const (
	TrustUnknown TrustLevel = iota
	TrustMarginal
	TrustFull
	TrustUltimate
)

// String returns the lowercase trust level name.
func (t TrustLevel) String() string {
	switch t {
	case TrustMarginal:
		return "marginal"
	case TrustFull:
		return "full"
	case TrustUltimate:
		return "ultimate"
	default:
		return "unknown"
	}
}

// ParseTrustLevel parses a trust level name.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown":
		return TrustUnknown, nil
	case "marginal":
		return TrustMarginal, nil
	case "full":
		return TrustFull, nil
	case "ultimate":
		return TrustUltimate, nil
	default:
		return TrustUnknown, fmt.Errorf("unknown trust level: %s", s)
	}
}

// HybridSignature is a dual Ed25519 + ML-DSA-65 signature over a message
// digest. Both component signatures must verify.
type HybridSignature struct {
	Ed25519   string `json:"ed25519" toml:"ed25519"`
	MLDSA     string `json:"ml_dsa" toml:"ml_dsa"`
	Algorithm string `json:"algorithm" toml:"algorithm"`
	// Fingerprint of the signing key.
	Fingerprint string `json:"fingerprint" toml:"fingerprint"`
	// Timestamp is the RFC3339 signing time.
	Timestamp string `json:"timestamp" toml:"timestamp"`
}

// KeyIdentity names the owner of a signing key.
type KeyIdentity struct {
	Name  string `json:"name" toml:"name"`
	Email string `json:"email" toml:"email"`
}

// TrustedKey is a key recorded in the system keyring.
type TrustedKey struct {
	Fingerprint string
	TrustLevel  TrustLevel
	Name        string
	Email       string
	PublicKey   string
	AddedDate   time.Time
	AddedBy     string
	Notes       string
}

// KeyCertification is a master-key endorsement of a packager key.
type KeyCertification struct {
	CertifiedKey  string `json:"certified_key"`
	CertifierKey  string `json:"certifier_key"`
	CertifierName string `json:"certifier_name"`
	Purpose       string `json:"purpose"`
	Expires       string `json:"expires"`
	Signature     HybridSignature `json:"signature"`
}

// Message returns the canonical byte string a certification signs.
func (c *KeyCertification) Message() []byte {
	return []byte(fmt.Sprintf("ROOKERY-KEY-CERTIFICATION-V1|%s|%s|%s|%s",
		c.CertifiedKey, c.CertifierKey, c.Purpose, c.Expires))
}

// Expired reports whether the certification expiry has passed.
func (c *KeyCertification) Expired(now time.Time) bool {
	if c.Expires == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, c.Expires)
	if err != nil {
		return true
	}
	return now.After(t)
}

// KeyStore defines the interface for trusted/revoked key persistence.
type KeyStore interface {
	TrustKey(ctx context.Context, key *TrustedKey) error
	RevokeKey(ctx context.Context, fingerprint, reason string) error
	GetKey(ctx context.Context, fingerprint string) (*TrustedKey, error)
	ListKeys(ctx context.Context) ([]*TrustedKey, error)
	IsRevoked(ctx context.Context, fingerprint string) (bool, error)
	RemoveKey(ctx context.Context, fingerprint string) error
}
