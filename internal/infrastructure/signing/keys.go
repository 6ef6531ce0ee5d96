package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	domain "github.com/rookery-os/rookpkg/internal/domain/signing"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/pelletier/go-toml/v2"
)

const (
	secretKeyFileName = "signing-key.secret"
	publicKeyFileName = "signing-key.pub"

	fingerprintContext = "rookery-hybrid-fingerprint-v1"
	legacySeedContext  = "rookery-ml-dsa-seed-from-ed25519"
)

func mlScheme() sign.Scheme { return mldsa65.Scheme() }

// SigningKey is a loaded private key pair usable for signing.
type SigningKey struct {
	Ed25519     ed25519.PrivateKey
	MLDSA       sign.PrivateKey
	Fingerprint string
	Identity    domain.KeyIdentity
	Algorithm   domain.KeyAlgorithm
}

// PublicKey is a loaded public key pair usable for verification.
type PublicKey struct {
	Ed25519     ed25519.PublicKey
	MLDSA       sign.PublicKey
	Fingerprint string
	Identity    domain.KeyIdentity
	Algorithm   domain.KeyAlgorithm
	TrustLevel  domain.TrustLevel
}

// keyFile is the on-disk TOML layout shared by secret and public key files.
type keyFile struct {
	Type        string            `toml:"type"`
	Purpose     string            `toml:"purpose"`
	Fingerprint string            `toml:"fingerprint"`
	Keys        map[string]string `toml:"keys,omitempty"`
	Identity    domain.KeyIdentity `toml:"identity"`
	Metadata    keyMetadata       `toml:"metadata"`

	// Legacy single-algorithm fields.
	SecretKey string `toml:"secret-key,omitempty"`
	Key       string `toml:"key,omitempty"`
}

type keyMetadata struct {
	Created   string `toml:"created"`
	Algorithm string `toml:"algorithm"`
}

// HybridFingerprint derives the key fingerprint from both public keys.
func HybridFingerprint(edPub ed25519.PublicKey, mlPub sign.PublicKey) (string, error) {
	mlBytes, err := mlPub.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode ML-DSA public key: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(fingerprintContext))
	h.Write(edPub)
	h.Write(mlBytes)
	sum := h.Sum(nil)
	return fmt.Sprintf("HYBRID:SHA256:%s", hex.EncodeToString(sum[:16])), nil
}

// LegacyFingerprint derives the fingerprint of an Ed25519-only key.
func LegacyFingerprint(edPub ed25519.PublicKey) string {
	sum := sha256.Sum256(edPub)
	return fmt.Sprintf("ED25519:SHA256:%s", hex.EncodeToString(sum[:16]))
}

// GenerateKeyPair creates a new hybrid key pair and writes
// signing-key.secret (0600) and signing-key.pub into outputDir.
func GenerateKeyPair(outputDir, name, email string) (*SigningKey, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	mlPub, mlPriv, err := mlScheme().GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ML-DSA-65 key: %w", err)
	}

	fingerprint, err := HybridFingerprint(edPub, mlPub)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key directory %s: %w", outputDir, err)
	}

	edSecret := edPriv.Seed()
	mlSecret, err := mlPriv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ML-DSA-65 secret key: %w", err)
	}
	mlPubBytes, err := mlPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ML-DSA-65 public key: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	identity := domain.KeyIdentity{Name: name, Email: email}

	secret := keyFile{
		Type:        string(domain.AlgorithmHybrid),
		Purpose:     "packager",
		Fingerprint: fingerprint,
		Keys: map[string]string{
			"ed25519-secret":   base64.StdEncoding.EncodeToString(edSecret),
			"ml-dsa-65-secret": base64.StdEncoding.EncodeToString(mlSecret),
		},
		Identity: identity,
		Metadata: keyMetadata{Created: now, Algorithm: string(domain.AlgorithmHybrid)},
	}
	if err := writeKeyFile(filepath.Join(outputDir, secretKeyFileName), &secret, 0o600); err != nil {
		return nil, err
	}

	public := keyFile{
		Type:        string(domain.AlgorithmHybrid),
		Purpose:     "packager",
		Fingerprint: fingerprint,
		Keys: map[string]string{
			"ed25519-public":   base64.StdEncoding.EncodeToString(edPub),
			"ml-dsa-65-public": base64.StdEncoding.EncodeToString(mlPubBytes),
		},
		Identity: identity,
		Metadata: keyMetadata{Created: now, Algorithm: string(domain.AlgorithmHybrid)},
	}
	if err := writeKeyFile(filepath.Join(outputDir, publicKeyFileName), &public, 0o644); err != nil {
		return nil, err
	}

	return &SigningKey{
		Ed25519:     edPriv,
		MLDSA:       mlPriv,
		Fingerprint: fingerprint,
		Identity:    identity,
		Algorithm:   domain.AlgorithmHybrid,
	}, nil
}

func writeKeyFile(path string, content *keyFile, mode os.FileMode) error {
	data, err := toml.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return f.Close()
}

// LoadSigningKey reads a secret key file, rejecting group or world
// accessible files.
func LoadSigningKey(path string) (*SigningKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, path)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("%w: %s has mode %04o, expected 0600", domain.ErrInsecurePermission, path, mode)
	}

	var parsed keyFile
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}

	switch parsed.Type {
	case string(domain.AlgorithmHybrid):
		return loadHybridSecret(&parsed)
	case "", string(domain.AlgorithmEd25519):
		return loadLegacySecret(&parsed)
	default:
		return nil, fmt.Errorf("unknown key type: %s", parsed.Type)
	}
}

func loadHybridSecret(parsed *keyFile) (*SigningKey, error) {
	edSeed, err := decodeKeyField(parsed.Keys, "ed25519-secret")
	if err != nil {
		return nil, err
	}
	if len(edSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid Ed25519 secret key length: %d", len(edSeed))
	}
	edPriv := ed25519.NewKeyFromSeed(edSeed)

	mlSecret, err := decodeKeyField(parsed.Keys, "ml-dsa-65-secret")
	if err != nil {
		return nil, err
	}
	mlPriv, err := mlScheme().UnmarshalBinaryPrivateKey(mlSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid ML-DSA-65 secret key: %w", err)
	}

	return &SigningKey{
		Ed25519:     edPriv,
		MLDSA:       mlPriv,
		Fingerprint: parsed.Fingerprint,
		Identity:    parsed.Identity,
		Algorithm:   domain.AlgorithmHybrid,
	}, nil
}

// loadLegacySecret upgrades an Ed25519-only key by deriving the ML-DSA
// half deterministically from the Ed25519 seed, so old keys keep signing
// in the hybrid scheme.
func loadLegacySecret(parsed *keyFile) (*SigningKey, error) {
	if parsed.SecretKey == "" {
		return nil, fmt.Errorf("missing secret-key in key file")
	}
	seed, err := base64.StdEncoding.DecodeString(parsed.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret-key encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid Ed25519 secret key length: %d", len(seed))
	}
	edPriv := ed25519.NewKeyFromSeed(seed)

	_, mlPriv := deriveLegacyMLDSA(edPriv)

	fingerprint := parsed.Fingerprint
	if fingerprint == "" {
		fingerprint = LegacyFingerprint(edPriv.Public().(ed25519.PublicKey))
	}

	return &SigningKey{
		Ed25519:     edPriv,
		MLDSA:       mlPriv,
		Fingerprint: fingerprint,
		Identity:    parsed.Identity,
		Algorithm:   domain.AlgorithmEd25519,
	}, nil
}

func deriveLegacyMLDSA(edPriv ed25519.PrivateKey) (sign.PublicKey, sign.PrivateKey) {
	h := sha256.New()
	h.Write([]byte(legacySeedContext))
	h.Write(edPriv.Seed())
	return mlScheme().DeriveKey(h.Sum(nil))
}

func deriveLegacyMLDSAFromPublic(edPub ed25519.PublicKey) sign.PublicKey {
	h := sha256.New()
	h.Write([]byte(legacySeedContext))
	h.Write(edPub)
	pub, _ := mlScheme().DeriveKey(h.Sum(nil))
	return pub
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrKeyNotFound, path)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey parses the TOML contents of a public key file.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	var parsed keyFile
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch parsed.Type {
	case string(domain.AlgorithmHybrid):
		return parseHybridPublic(&parsed)
	case "", string(domain.AlgorithmEd25519):
		return parseLegacyPublic(&parsed)
	default:
		return nil, fmt.Errorf("unknown key type: %s", parsed.Type)
	}
}

func parseHybridPublic(parsed *keyFile) (*PublicKey, error) {
	edBytes, err := decodeKeyField(parsed.Keys, "ed25519-public")
	if err != nil {
		return nil, err
	}
	if len(edBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: %d", len(edBytes))
	}

	mlBytes, err := decodeKeyField(parsed.Keys, "ml-dsa-65-public")
	if err != nil {
		return nil, err
	}
	mlPub, err := mlScheme().UnmarshalBinaryPublicKey(mlBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid ML-DSA-65 public key: %w", err)
	}

	return &PublicKey{
		Ed25519:     ed25519.PublicKey(edBytes),
		MLDSA:       mlPub,
		Fingerprint: parsed.Fingerprint,
		Identity:    parsed.Identity,
		Algorithm:   domain.AlgorithmHybrid,
		TrustLevel:  domain.TrustUnknown,
	}, nil
}

func parseLegacyPublic(parsed *keyFile) (*PublicKey, error) {
	if parsed.Key == "" {
		return nil, fmt.Errorf("missing key in public key file")
	}
	edBytes, err := base64.StdEncoding.DecodeString(parsed.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(edBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: %d", len(edBytes))
	}
	edPub := ed25519.PublicKey(edBytes)

	fingerprint := parsed.Fingerprint
	if fingerprint == "" {
		fingerprint = LegacyFingerprint(edPub)
	}

	return &PublicKey{
		Ed25519:     edPub,
		MLDSA:       deriveLegacyMLDSAFromPublic(edPub),
		Fingerprint: fingerprint,
		Identity:    parsed.Identity,
		Algorithm:   domain.AlgorithmEd25519,
		TrustLevel:  domain.TrustUnknown,
	}, nil
}

// SearchKeyInDir scans a directory of .pub files for a key matching the
// fingerprint. Returns nil when the directory or key does not exist.
func SearchKeyInDir(dir, fingerprint string) (*PublicKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read key directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pub" {
			continue
		}
		key, err := LoadPublicKey(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if FingerprintMatches(key.Fingerprint, fingerprint) {
			return key, nil
		}
	}
	return nil, nil
}

// Encode returns the TOML public key file contents for this key. The
// result round-trips through ParsePublicKey, which lets public keys
// travel through the keyring database.
func (p *PublicKey) Encode() ([]byte, error) {
	mlBytes, err := p.MLDSA.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ML-DSA public key: %w", err)
	}
	content := keyFile{
		Type:        string(domain.AlgorithmHybrid),
		Purpose:     "packager",
		Fingerprint: p.Fingerprint,
		Keys: map[string]string{
			"ed25519-public":   base64.StdEncoding.EncodeToString(p.Ed25519),
			"ml-dsa-65-public": base64.StdEncoding.EncodeToString(mlBytes),
		},
		Identity: p.Identity,
		Metadata: keyMetadata{Algorithm: string(domain.AlgorithmHybrid)},
	}
	data, err := toml.Marshal(&content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	return data, nil
}

// Public returns the verification half of a signing key.
func (k *SigningKey) Public() *PublicKey {
	return &PublicKey{
		Ed25519:     k.Ed25519.Public().(ed25519.PublicKey),
		MLDSA:       k.MLDSA.Public().(sign.PublicKey),
		Fingerprint: k.Fingerprint,
		Identity:    k.Identity,
		Algorithm:   k.Algorithm,
	}
}

func decodeKeyField(keys map[string]string, field string) ([]byte, error) {
	val, ok := keys[field]
	if !ok || val == "" {
		return nil, fmt.Errorf("missing %s in key file", field)
	}
	out, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("invalid %s encoding: %w", field, err)
	}
	return out, nil
}
